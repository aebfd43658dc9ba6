package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"MarginClear/internal/clearing"
	"MarginClear/internal/ledger"
	"MarginClear/internal/observability"
	"MarginClear/internal/pool"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Message is the part of jetstream.Msg the consumer acts on.
type Message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

type Clearer interface {
	Clear(ctx context.Context, req clearing.TradeRequest) (*clearing.Trade, error)
}

type Submitter interface {
	Submit(ctx context.Context, task pool.Task) error
}

// RequestConsumer clears trade requests arriving on margin.requests.> through
// the shared worker pool. Final outcomes (cleared, rejected, bad request) are
// acknowledged; infrastructure failures are NAKed for redelivery.
type RequestConsumer struct {
	clearer   Clearer
	pool      Submitter
	dedup     *Deduplicator
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewRequestConsumer(c Clearer, p Submitter, dedup *Deduplicator, metrics *observability.Metrics, log zerolog.Logger) *RequestConsumer {
	return &RequestConsumer{
		clearer: c,
		pool:    p,
		dedup:   dedup,
		metrics: metrics,
		log:     log,
	}
}

// ConsumerManager is the part of jetstream.JetStream that creates consumers.
type ConsumerManager interface {
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

// Subscribe creates the durable consumer and starts delivering to Handle.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (rc *RequestConsumer) Subscribe(ctx context.Context, js ConsumerManager, durable string) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, RequestStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: RequestSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		rc.Handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	rc.consumers = append(rc.consumers, cc)
	rc.log.Info().Str("subject", RequestSubject).Str("consumer", durable).Msg("subscribed")
	return nil
}

// Handle hands msg to the worker pool. If the pool refuses it the message is
// NAKed and will be redelivered.
func (rc *RequestConsumer) Handle(ctx context.Context, msg Message) {
	if err := rc.pool.Submit(ctx, func() { rc.process(ctx, msg) }); err != nil {
		rc.count("error")
		rc.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("submit failed, message NAKed")
		_ = msg.Nak()
	}
}

func (rc *RequestConsumer) process(ctx context.Context, msg Message) {
	req, err := ParseTradeRequest(msg.Data())
	if err != nil {
		rc.count("invalid")
		rc.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed trade request")
		_ = msg.Term()
		return
	}

	key := req.RequestID
	if key != "" && rc.dedup != nil && !rc.dedup.TryReserve(key) {
		rc.count("duplicate")
		_ = msg.Ack()
		return
	}

	trade, err := rc.clearer.Clear(ctx, req)
	switch {
	case err == nil:
		rc.count(strings.ToLower(string(trade.Status)))
		_ = msg.Ack()
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, clearing.ErrInvalidTrade):
		rc.count("invalid")
		rc.log.Warn().Err(err).Str("request_id", key).Str("client_id", req.ClientID).Msg("trade request terminated")
		_ = msg.Term()
	default:
		if key != "" && rc.dedup != nil {
			rc.dedup.Release(key)
		}
		rc.count("error")
		rc.log.Error().Err(err).Str("request_id", key).Str("client_id", req.ClientID).Msg("clear failed, message NAKed")
		_ = msg.Nak()
	}
}

// Stop gracefully stops all consumers.
func (rc *RequestConsumer) Stop() {
	for _, cc := range rc.consumers {
		cc.Stop()
	}
	rc.log.Info().Msg("NATS consumers stopped")
}

func (rc *RequestConsumer) count(result string) {
	if rc.metrics != nil {
		rc.metrics.IngestRequests.WithLabelValues(result).Inc()
	}
}
