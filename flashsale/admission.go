package flashsale

import (
	"context"
	log "log/slog"
	"math"
	"time"

	"github.com/shopmesh/shopmesh"
)

// AdmissionGate is the per-SKU rate-limited front door. It grants, queues, or rejects
// a request before the inventory engine is ever touched.
//
// The bucket is lazy: each acquire first refills by elapsed-time*rate (capped at
// capacity) then takes one token. Negative tokens represent queue depth; the depth is
// clamped at -QueueDepthFactor*capacity so a stampede cannot push the advertised wait
// beyond a bounded horizon.
type AdmissionGate struct {
	cache AdmissionCache
	cfg   Config
}

// NewAdmissionGate constructs the gate over the fast-store token buckets.
func NewAdmissionGate(cache AdmissionCache, cfg Config) *AdmissionGate {
	return &AdmissionGate{cache: cache, cfg: cfg}
}

// TryAcquire admits, queues, or rejects one (user, sku) request.
//
// Any fast-store error maps to Queuing with a small fixed ETA so clients retry;
// it is never converted into a grant, which keeps the gate from ever contributing
// to an oversell. The caller is never blocked.
func (g *AdmissionGate) TryAcquire(ctx context.Context, userID, skuID string) (AdmissionResult, error) {
	if userID == "" || skuID == "" {
		return AdmissionResult{}, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	floor := -g.cfg.QueueDepthFactor * g.cfg.TokenCapacity
	granted, tokens, soldOut, err := g.cache.TryAcquire(ctx, skuID, g.cfg.TokenRate, g.cfg.TokenCapacity, floor)
	if err != nil {
		// Degrade to Queuing, never Granted.
		log.Warn("admission acquire degraded to queuing", "sku", skuID, "error", err)
		return AdmissionResult{
			Status: AdmissionQueuing,
			Token:  shopmesh.NewUUID().String(),
			ETA:    g.cfg.QueueRetryETA,
		}, nil
	}
	if soldOut {
		return AdmissionResult{Status: AdmissionSoldOut}, nil
	}
	if granted {
		return AdmissionResult{
			Status: AdmissionGranted,
			Token:  shopmesh.NewUUID().String(),
		}, nil
	}
	// Negative tokens are the queue depth; eta = ceil(|tokens|/rate).
	eta := time.Duration(math.Ceil(float64(-tokens)/g.cfg.TokenRate)) * time.Second
	return AdmissionResult{
		Status: AdmissionQueuing,
		Token:  shopmesh.NewUUID().String(),
		ETA:    eta,
	}, nil
}

// NotifySoldOut flags the SKU sold out and drops its bucket so no further acquires
// succeed. Called by the inventory engine when remaining hits zero and by the
// lifecycle manager on teardown.
func (g *AdmissionGate) NotifySoldOut(ctx context.Context, skuID string) error {
	if err := g.cache.DropBucket(ctx, skuID); err != nil {
		return err
	}
	log.Info("admission bucket dropped on sold out", "sku", skuID)
	return nil
}

// ConfigureSKU stores the per-SKU rate/capacity overrides, typically at warmup time
// from the activity definition.
func (g *AdmissionGate) ConfigureSKU(ctx context.Context, skuID string, rate float64, capacity int64) error {
	if rate <= 0 {
		rate = g.cfg.TokenRate
	}
	if capacity <= 0 {
		capacity = g.cfg.TokenCapacity
	}
	return g.cache.ConfigureBucket(ctx, skuID, rate, capacity)
}
