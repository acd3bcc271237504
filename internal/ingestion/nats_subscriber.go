package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	TradeStream      = "LEDGER_TRADES"
	TradeSubjects    = "ledger.trades.>"
	TradeConsumer    = "ledger-trades"
	EffectStream     = "LEDGER_EFFECTS"
	EffectSubject    = "ledger.effects"
	RejectionSubject = "ledger.rejections"
)

// RawEvent is a message taken off the trade stream, not yet parsed.
// Exactly one of AckFunc or NakFunc is called per event.
type RawEvent struct {
	Subject    string
	Data       []byte
	Timestamp  time.Time
	Deliveries uint64
	AckFunc    func()                    // Processed (applied, duplicate, deferred or rejected)
	NakFunc    func(delay time.Duration) // Redeliver later
}

// SubscriberConfig describes the durable trade consumer.
type SubscriberConfig struct {
	Stream     string
	Subject    string
	Consumer   string
	MaxDeliver int
	AckWait    time.Duration
}

// DefaultSubscriberConfig returns the standard trade consumer.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Stream:     TradeStream,
		Subject:    TradeSubjects,
		Consumer:   TradeConsumer,
		MaxDeliver: 5,
		AckWait:    30 * time.Second,
	}
}

// NATSSubscriber consumes trades from JetStream and feeds them to the
// pipeline via eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer (explicit ack) and starts
// consuming.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc: func() {
				if err := msg.Ack(); err != nil {
					ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
				}
			},
			NakFunc: func(delay time.Duration) {
				if err := msg.NakWithDelay(delay); err != nil {
					ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("nak failed")
				}
			},
		}
		if md, err := msg.Metadata(); err == nil {
			raw.Deliveries = md.NumDelivered
		}

		select {
		case ns.eventChan <- raw:
			// Queued for processing
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.Consumer).Msg("subscribed")
	return nil
}

// Stop stops the consumer. Unacked messages are redelivered after AckWait.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the trade and effect streams if they don't exist.
// Streams use FileStorage, retention=Limits.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       TradeStream,
			Subjects:   []string{TradeSubjects},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:      EffectStream,
			Subjects:  []string{EffectSubject + ".>", RejectionSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("tradeledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
