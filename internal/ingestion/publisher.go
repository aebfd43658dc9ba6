package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"MarginClear/internal/event"
	"MarginClear/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the slice of jetstream.JetStream used for outbound events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes trade outcomes to margin.trades.<status>.<client>.
// It is the clearer's EventSink: Emit only enqueues, and a full buffer drops
// the event rather than stall clearing. Downstream consumers can fall back to
// the trade history.
type OutboundPublisher struct {
	js      Publisher
	input   chan *event.TradeEvent
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewOutboundPublisher(js Publisher, buffer int, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &OutboundPublisher{
		js:      js,
		input:   make(chan *event.TradeEvent, buffer),
		metrics: metrics,
		log:     log,
	}
}

func (op *OutboundPublisher) Emit(evt *event.TradeEvent) {
	select {
	case op.input <- evt:
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		op.log.Warn().Str("trade_id", evt.TradeID).Msg("publish buffer full, event dropped")
	}
}

// Run publishes queued events until ctx is done, then flushes what is
// already buffered.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			op.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case evt := <-op.input:
			op.publishLogged(ctx, evt)
		}
	}
}

func (op *OutboundPublisher) drain(ctx context.Context) {
	for {
		select {
		case evt := <-op.input:
			op.publishLogged(ctx, evt)
		default:
			return
		}
	}
}

func (op *OutboundPublisher) publishLogged(ctx context.Context, evt *event.TradeEvent) {
	if err := op.publish(ctx, evt); err != nil {
		op.log.Warn().Err(err).Str("trade_id", evt.TradeID).Msg("outbound publish failed")
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt *event.TradeEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.IdempotencyKey())); err != nil {
		return err
	}
	if op.metrics != nil {
		op.metrics.PublishedEvents.WithLabelValues(evt.Status).Inc()
	}
	return nil
}
