package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/Shopify/sarama"

	"github.com/shopmesh/shopmesh"
)

// QueueProducer wraps a sarama SyncProducer and implements shopmesh.BusProducer.
// The hash partitioner maps equal keys to the same partition, which is what gives
// per-user (order bus, offline bus) and per-group FIFO.
type QueueProducer struct {
	producer sarama.SyncProducer
}

// Package global producer.
var producer *QueueProducer
var mux sync.Mutex

func prepareMessage(topic, key string, value []byte) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Partition: -1,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
	}
	return msg
}

// GetProducer will return the singleton instance of the producer.
func GetProducer(config *sarama.Config) (*QueueProducer, error) {
	if producer != nil {
		return producer, nil
	}
	mux.Lock()
	defer mux.Unlock()
	if producer != nil {
		return producer, nil
	}
	if config == nil {
		config = sarama.NewConfig()
		config.Version = sarama.V2_6_0_0
		config.Producer.Partitioner = sarama.NewHashPartitioner
		config.Producer.RequiredAcks = sarama.WaitForAll
		config.Producer.Return.Successes = true
		// Default 2 MB buffer size on producer.
		config.Producer.Flush.Bytes = 2 * 1024 * 1024
	}
	p, err := sarama.NewSyncProducer(globalConfig.Brokers, config)
	if err != nil {
		return nil, err
	}
	producer = &QueueProducer{producer: p}
	return producer, nil
}

// CloseProducer closes the singleton instance producer.
func CloseProducer() {
	if producer != nil {
		mux.Lock()
		defer mux.Unlock()
		if producer == nil {
			return
		}
		producer.producer.Close()
		producer = nil
	}
}

// Publish sends one message to the given topic keyed for partitioning. It blocks until
// the broker acks (RequiredAcks=WaitForAll), making it usable as a commit point.
func (p *QueueProducer) Publish(ctx context.Context, topic string, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := prepareMessage(topic, key, value)
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: fmt.Errorf("sending message to topic %s failed: %w", topic, err)}
	}
	return nil
}

// NewProducer returns the singleton producer, opening it when needed.
func NewProducer() (shopmesh.BusProducer, error) {
	if !IsInitialized() {
		return nil, shopmesh.Error{Code: shopmesh.Fatal, Err: fmt.Errorf("Kafka is not initialized, please set kafka package's brokers config")}
	}
	return GetProducer(nil)
}
