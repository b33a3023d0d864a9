package im

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/shopmesh/shopmesh"
)

// Router is the single message routing contract: validate, filter, sequence, dedup,
// then the fast path (direct gateway pushes) or the offline/group bus.
//
// Sequence assignment happens before any branching and the offline bus partitions on
// the recipient, so (sender, recipient) ordering holds on either path.
type Router struct {
	registry Registry
	seq      *Sequencer
	filter   *ContentFilter
	cache    shopmesh.Cache
	bus      shopmesh.BusProducer
	gateways GatewayClient
	cfg      Config
}

// NewRouter wires the router. filter may be nil (no-op).
func NewRouter(registry Registry, seq *Sequencer, filter *ContentFilter, cache shopmesh.Cache,
	bus shopmesh.BusProducer, gateways GatewayClient, cfg Config) *Router {
	return &Router{
		registry: registry,
		seq:      seq,
		filter:   filter,
		cache:    cache,
		bus:      bus,
		gateways: gateways,
		cfg:      cfg,
	}
}

// Route processes one message end to end and returns its sequence and delivery status.
// Replays of an already-processed msg_id return the original outcome.
func (r *Router) Route(ctx context.Context, msg Message) (RouteResult, error) {
	if err := r.validate(msg); err != nil {
		return RouteResult{}, err
	}

	target := msg.Recipient
	if msg.Scope == ScopeGroup {
		target = msg.GroupID
	}

	content, blocked, err := r.filter.Apply(msg.Content, msg.Scope)
	if err != nil {
		return RouteResult{}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if blocked {
		return RouteResult{}, shopmesh.Error{Code: shopmesh.Validation, Err: errSensitiveContent}
	}
	msg.Content = content

	// Replay check before spending a sequence number.
	var prior routeReceipt
	found, err := r.cache.GetStruct(ctx, dedupKey(msg.MsgID, target, "route"), &prior)
	if err == nil && found {
		log.Debug("route replay, returning cached outcome", "msg", msg.MsgID)
		return RouteResult{Sequence: prior.Sequence, Status: prior.Status}, nil
	}

	var seq int64
	if msg.Scope == ScopeGroup {
		seq, err = r.seq.Next(ctx, ScopeGroup, msg.GroupID)
	} else {
		seq, err = r.seq.NextPrivate(ctx, msg.Sender, msg.Recipient)
	}
	if err != nil {
		return RouteResult{}, err
	}

	var status DeliveryStatus
	if msg.Scope == ScopeGroup {
		status, err = r.routeGroup(ctx, msg, seq)
	} else {
		status, err = r.routePrivate(ctx, msg, seq)
	}
	if err != nil {
		return RouteResult{}, err
	}

	if err := r.cache.SetStruct(ctx, dedupKey(msg.MsgID, target, "route"),
		routeReceipt{Sequence: seq, Status: status}, r.cfg.DedupTTL); err != nil {
		// A lost mark only means a replay re-runs the idempotent pipeline.
		log.Warn("route dedup mark failed", "msg", msg.MsgID, "error", err)
	}
	return RouteResult{Sequence: seq, Status: status}, nil
}

func (r *Router) validate(msg Message) error {
	if msg.MsgID == "" || msg.Sender == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	switch msg.Scope {
	case ScopePrivate:
		if msg.Recipient == "" {
			return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
		}
	case ScopeGroup:
		if msg.GroupID == "" {
			return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
		}
	default:
		return shopmesh.Error{Code: shopmesh.Validation, Err: fmt.Errorf("unknown scope %q", msg.Scope)}
	}
	if len(msg.Content) > r.cfg.MaxContentLength {
		return shopmesh.Error{Code: shopmesh.Validation,
			Err: fmt.Errorf("content length %d exceeds limit %d", len(msg.Content), r.cfg.MaxContentLength)}
	}
	return nil
}

// routePrivate tries every live binding on the fast path and falls back to the offline
// bus when the recipient is offline or any push exhausted its retries.
func (r *Router) routePrivate(ctx context.Context, msg Message, seq int64) (DeliveryStatus, error) {
	bindings, err := r.registry.Lookup(ctx, msg.Recipient)
	if err != nil {
		// A registry outage must not lose the message; take the offline path.
		log.Warn("presence lookup failed, taking offline path", "msg", msg.MsgID, "error", err)
		bindings = nil
	}
	if len(bindings) == 0 {
		if err := r.publishOffline(ctx, msg, seq); err != nil {
			return "", err
		}
		return DeliveryOffline, nil
	}

	convID, err := PrivateConvID(msg.Sender, msg.Recipient)
	if err != nil {
		return "", shopmesh.Error{Code: shopmesh.Validation, Err: err}
	}
	payload, err := shopmesh.DefaultMarshaler.Marshal(OfflineMessageEvent{
		MsgID:     msg.MsgID,
		Recipient: msg.Recipient,
		Sender:    msg.Sender,
		ConvID:    convID,
		ConvType:  ScopePrivate,
		Content:   msg.Content,
		Seq:       seq,
		Ts:        msg.Ts,
	})
	if err != nil {
		return "", err
	}

	var delivered int
	var pushFailed bool
	for _, b := range bindings {
		key := dedupKey(msg.MsgID, msg.Recipient, b.DeviceID)
		fresh, err := r.cache.SetNX(ctx, key, "1", r.cfg.DedupTTL)
		if err == nil && !fresh {
			// This device already got the message on an earlier attempt.
			delivered++
			continue
		}
		if pushErr := r.push(ctx, b, payload); pushErr != nil {
			log.Warn("fast path exhausted for device", "msg", msg.MsgID,
				"device", b.DeviceID, "gateway", b.GatewayID, "error", pushErr)
			// Release the claim so the offline fallback (or a replay) can deliver.
			if _, err := r.cache.Delete(ctx, []string{key}); err != nil {
				log.Warn("dedup release failed", "msg", msg.MsgID, "device", b.DeviceID, "error", err)
			}
			pushFailed = true
			continue
		}
		delivered++
	}
	if pushFailed {
		// A device whose push exhausted its budget still gets the message through the
		// offline store, even when a sibling device took it on the fast path. The
		// per-device dedup claims keep the delivered siblings from seeing it twice.
		if err := r.publishOffline(ctx, msg, seq); err != nil {
			return "", err
		}
	}
	if delivered > 0 {
		return DeliveryDelivered, nil
	}
	return DeliveryOffline, nil
}

// push performs one gateway delivery with a per-attempt deadline under the configured
// exponential retry budget.
func (r *Router) push(ctx context.Context, b Binding, payload []byte) error {
	return shopmesh.RetryExponential(ctx, r.cfg.MaxRetries, func(ctx context.Context) error {
		attempt, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
		defer cancel()
		if err := r.gateways.Push(attempt, b.GatewayID, b, payload); err != nil {
			if shopmesh.ShouldRetry(err) {
				return shopmesh.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

func (r *Router) publishOffline(ctx context.Context, msg Message, seq int64) error {
	convID, err := PrivateConvID(msg.Sender, msg.Recipient)
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Validation, Err: err}
	}
	ba, err := shopmesh.DefaultMarshaler.Marshal(OfflineMessageEvent{
		MsgID:     msg.MsgID,
		Recipient: msg.Recipient,
		Sender:    msg.Sender,
		ConvID:    convID,
		ConvType:  ScopePrivate,
		Content:   msg.Content,
		Seq:       seq,
		Ts:        msg.Ts,
	})
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, shopmesh.TopicOfflineMsg, msg.Recipient, ba); err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	return nil
}

// routeGroup publishes to the group bus; a separate fan-out service resolves members.
func (r *Router) routeGroup(ctx context.Context, msg Message, seq int64) (DeliveryStatus, error) {
	ba, err := shopmesh.DefaultMarshaler.Marshal(GroupMessageEvent{
		MsgID:   msg.MsgID,
		GroupID: msg.GroupID,
		Sender:  msg.Sender,
		Content: msg.Content,
		Seq:     seq,
		Ts:      msg.Ts,
	})
	if err != nil {
		return "", err
	}
	if err := r.bus.Publish(ctx, shopmesh.TopicGroupMsg, msg.GroupID, ba); err != nil {
		return "", shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	return DeliveryPending, nil
}
