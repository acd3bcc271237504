package ingestion

import (
	"TradeLedger/internal/core"
	"TradeLedger/internal/event"
	"TradeLedger/internal/ledger"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Submitter applies one trade. Implemented by *core.Engine.
type Submitter interface {
	Submit(ctx context.Context, t *event.Trade) (*core.Result, error)
}

// RejectionSink reports trades that failed before the engine saw them.
type RejectionSink interface {
	PublishRejection(ctx context.Context, r Rejection) error
}

// Outcome is what the pipeline did with a message.
type Outcome int

const (
	OutcomeAcked    Outcome = iota // Applied, duplicate or deferred
	OutcomeRejected                // Terminal failure, reported and acked
	OutcomeRetry                   // NAKed for redelivery
	OutcomeFailed                  // Delivery attempts exhausted, reported as fatal and acked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultNakDelay is the redelivery delay for retryable failures.
const DefaultNakDelay = 2 * time.Second

// Pipeline turns raw trade messages into engine submissions and settles
// each message: ack after the trade is durably applied, duplicate or
// deferred; report and ack terminal rejections; NAK retryable failures
// until the consumer's last delivery, which is reported as fatal.
type Pipeline struct {
	engine     Submitter
	rejections RejectionSink
	nakDelay   time.Duration
	maxDeliver uint64
	logger     zerolog.Logger
}

// NewPipeline creates a pipeline. rejections may be nil.
func NewPipeline(engine Submitter, rejections RejectionSink, nakDelay time.Duration, logger zerolog.Logger) *Pipeline {
	if nakDelay <= 0 {
		nakDelay = DefaultNakDelay
	}
	return &Pipeline{
		engine:     engine,
		rejections: rejections,
		nakDelay:   nakDelay,
		maxDeliver: uint64(DefaultSubscriberConfig().MaxDeliver),
		logger:     logger,
	}
}

// WithMaxDeliver matches the pipeline to the consumer's MaxDeliver. Zero
// NAKs retryable failures forever.
func (p *Pipeline) WithMaxDeliver(n int) *Pipeline {
	if n < 0 {
		n = 0
	}
	p.maxDeliver = uint64(n)
	return p
}

// Run drains in with the given number of workers until in is closed or ctx
// is done. Ordering per book is the engine's job, so workers may run in
// parallel.
func (p *Pipeline) Run(ctx context.Context, in <-chan RawEvent, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-in:
					if !ok {
						return
					}
					p.Handle(ctx, raw)
				}
			}
		}()
	}
	wg.Wait()
}

// Handle processes one message and settles it.
func (p *Pipeline) Handle(ctx context.Context, raw RawEvent) Outcome {
	t, err := ParseTrade(raw.Data, ParseOptions{})
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable trade")
		r := Rejection{Subject: raw.Subject, Reason: err.Error()}
		var ve *event.ValidationError
		if errors.As(err, &ve) {
			r.TradeID = ve.TradeID
			r.Field = ve.Field
		} else {
			r.Raw = string(raw.Data)
		}
		p.reject(ctx, r)
		return p.ack(raw, OutcomeRejected)
	}

	res, err := p.engine.Submit(ctx, t)
	if err == nil {
		return p.ack(raw, OutcomeAcked)
	}

	log := p.logger.With().Str("trade_id", t.ID).Str("key", t.BookKey()).Logger()
	switch {
	case res != nil && res.Status == core.StatusRejected, ledger.IsRejection(err):
		// The engine already published the TradeRejected envelope
		return p.ack(raw, OutcomeRejected)

	case p.maxDeliver > 0 && raw.Deliveries >= p.maxDeliver:
		// JetStream will not redeliver, so the trade is reported instead of dropped
		log.Error().Err(err).Uint64("deliveries", raw.Deliveries).Msg("trade not applied, delivery attempts exhausted")
		p.reject(ctx, Rejection{
			TradeID:  t.ID,
			Subject:  raw.Subject,
			Reason:   fmt.Sprintf("not applied after %d deliveries: %v", raw.Deliveries, err),
			Fatal:    true,
			Attempts: raw.Deliveries,
		})
		return p.ack(raw, OutcomeFailed)

	default:
		retryable := res == nil || res.Retryable || ledger.IsRetryable(err)
		log.Warn().Err(err).Bool("retryable", retryable).Uint64("deliveries", raw.Deliveries).Msg("trade not applied, redelivering")
		return p.nak(raw)
	}
}

func (p *Pipeline) reject(ctx context.Context, r Rejection) {
	if p.rejections == nil {
		return
	}
	if err := p.rejections.PublishRejection(ctx, r); err != nil {
		p.logger.Warn().Err(err).Str("trade_id", r.TradeID).Msg("publish rejection failed")
	}
}

func (p *Pipeline) ack(raw RawEvent, o Outcome) Outcome {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
	return o
}

func (p *Pipeline) nak(raw RawEvent) Outcome {
	if raw.NakFunc != nil {
		raw.NakFunc(p.nakDelay)
	}
	return OutcomeRetry
}
