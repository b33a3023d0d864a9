package kafka

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/Shopify/sarama"

	"github.com/shopmesh/shopmesh"
)

// ConsumerGroup runs a batch handler over a consumer group. Offsets are marked and
// committed only after the handler returns nil, so a crashed batch is redelivered
// (at-least-once). Batches close on size or age, whichever comes first; the next
// pull is blocked until the current batch commits, which is the consumer-side
// backpressure bound.
type ConsumerGroup struct {
	group        sarama.ConsumerGroup
	groupID      string
	topics       []string
	batchSize    int
	batchTimeout time.Duration
	handler      shopmesh.BatchHandler
}

// NewConsumerGroup opens a consumer group client on the globally configured brokers.
func NewConsumerGroup(groupID string, topics []string, batchSize int, batchTimeout time.Duration, handler shopmesh.BatchHandler) (*ConsumerGroup, error) {
	if !IsInitialized() {
		return nil, shopmesh.Error{Code: shopmesh.Fatal, Err: fmt.Errorf("Kafka is not initialized, please set kafka package's brokers config")}
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = false
	config.Consumer.MaxWaitTime = 500 * time.Millisecond

	g, err := sarama.NewConsumerGroup(globalConfig.Brokers, groupID, config)
	if err != nil {
		return nil, err
	}
	return &ConsumerGroup{
		group:        g,
		groupID:      groupID,
		topics:       topics,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		handler:      handler,
	}, nil
}

// Run consumes until the context is cancelled. Rebalances re-enter Consume, per the
// sarama consumer group contract.
func (cg *ConsumerGroup) Run(ctx context.Context) error {
	defer cg.group.Close()
	h := &groupHandler{owner: cg}
	for {
		if err := cg.group.Consume(ctx, cg.topics, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("consumer group session ended with error", "group", cg.groupID, "error", err)
			shopmesh.RandomSleep(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type groupHandler struct {
	owner *ConsumerGroup
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim accumulates messages into batches and hands them to the batch handler.
// Handler failure abandons the batch without marking offsets; the session ends and the
// bus redelivers.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cg := h.owner
	batch := make([]*sarama.ConsumerMessage, 0, cg.batchSize)
	timer := time.NewTimer(cg.batchTimeout)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		msgs := make([]shopmesh.BusMessage, len(batch))
		for i, m := range batch {
			msgs[i] = shopmesh.BusMessage{
				Topic:     m.Topic,
				Key:       string(m.Key),
				Value:     m.Value,
				Partition: m.Partition,
				Offset:    m.Offset,
			}
		}
		if err := cg.handler(session.Context(), msgs); err != nil {
			return err
		}
		for _, m := range batch {
			session.MarkMessage(m, "")
		}
		session.Commit()
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			batch = append(batch, m)
			if len(batch) >= cg.batchSize {
				if err := flush(); err != nil {
					return err
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(cg.batchTimeout)
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(cg.batchTimeout)
		case <-session.Context().Done():
			return flush()
		}
	}
}
