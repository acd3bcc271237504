package ingestion

import (
	"TradeLedger/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamPublisher is the subset of jetstream.JetStream the publisher
// needs.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes ledger effects to NATS for downstream
// consumers. Publishing is best-effort: the store is the source of truth
// and consumers can always re-read positions.
//
// Subjects: ledger.effects.<asset> for position changes and recomputes,
// ledger.rejections for rejected trades.
type OutboundPublisher struct {
	js     JetStreamPublisher
	logger zerolog.Logger
}

// Rejection is the message published for a trade that will never apply.
type Rejection struct {
	TradeID   string    `json:"trade_id,omitempty"`
	Subject   string    `json:"subject,omitempty"` // Inbound subject, when known
	Reason    string    `json:"reason"`
	Field     string    `json:"field,omitempty"`
	Raw       string    `json:"raw,omitempty"` // Undecodable payload
	Fatal     bool      `json:"fatal,omitempty"`
	Attempts  uint64    `json:"attempts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewOutboundPublisher(js JetStreamPublisher, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:     js,
		logger: logger,
	}
}

// Run publishes envelopes until in is closed or ctx is done.
func (op *OutboundPublisher) Run(ctx context.Context, in <-chan event.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-in:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, env); err != nil {
				// Non-fatal: downstream consumers can query the store directly
				op.logger.Warn().Err(err).Str("type", env.Type).Str("trade_id", env.TradeID).Msg("outbound publish failed")
			}
		}
	}
}

// Publish sends one envelope. A trade emits at most one envelope per type,
// so type and trade id form the JetStream message id.
func (op *OutboundPublisher) Publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var opts []jetstream.PublishOpt
	if env.TradeID != "" {
		opts = append(opts, jetstream.WithMsgID(env.Type+":"+env.TradeID))
	}

	_, err = op.js.Publish(ctx, SubjectFor(env), data, opts...)
	return err
}

// PublishRejection reports a trade the engine never applied: an undecodable
// payload, or a trade still failing on its last delivery (Fatal).
func (op *OutboundPublisher) PublishRejection(ctx context.Context, r Rejection) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rejection: %w", err)
	}
	_, err = op.js.Publish(ctx, RejectionSubject, data)
	return err
}

// SubjectFor returns the outbound subject of an envelope.
func SubjectFor(env event.Envelope) string {
	if env.EventType == event.EventTypeTradeRejected {
		return RejectionSubject
	}
	if env.Asset == "" {
		return EffectSubject + ".all"
	}
	return EffectSubject + "." + subjectToken(env.Asset)
}

// subjectToken makes an asset safe as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
