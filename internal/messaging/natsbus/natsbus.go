// Package natsbus implements messaging.Channel on NATS JetStream.
//
// All engine subjects live in one stream. Each subscription is a JetStream
// consumer with explicit acks: a handler error naks the message for
// redelivery, an undecodable message is terminated. Publishes carry the
// envelope message id as Nats-Msg-Id so the stream drops duplicates inside
// its dedupe window.
package natsbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
)

// Config configures the JetStream channel.
type Config struct {
	URL            string
	Stream         string
	ConsumerPrefix string
	Subjects       []string
	AckWait        time.Duration
	MaxDeliver     int
	NakDelay       time.Duration
	DedupeWindow   time.Duration
}

// DefaultSubjects covers every subject the engine uses.
var DefaultSubjects = []string{"optimization.>", "provider.>"}

func (c *Config) setDefaults() {
	if c.Stream == "" {
		c.Stream = "MFGOPT"
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = "mfgopt"
	}
	if len(c.Subjects) == 0 {
		c.Subjects = DefaultSubjects
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.NakDelay == 0 {
		c.NakDelay = time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 2 * time.Minute
	}
}

// Channel is a JetStream-backed messaging.Channel.
type Channel struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []*subscription
}

var _ messaging.Channel = (*Channel)(nil)

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, cfg Config, logger *logging.Logger) (*Channel, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithComponent("natsbus")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ConsumerPrefix),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   cfg.Subjects,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: cfg.DedupeWindow,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	logger.Info("jetstream channel ready", "stream", cfg.Stream, "subjects", cfg.Subjects)
	return &Channel{
		cfg:    cfg,
		nc:     nc,
		js:     js,
		stream: stream,
		logger: logger,
		ctx:    runCtx,
		cancel: cancel,
	}, nil
}

// Publish stores env in the stream.
func (c *Channel) Publish(ctx context.Context, subject string, env messaging.Envelope) error {
	data, err := messaging.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set("Mfgopt-Kind", string(env.Kind))
	msg.Header.Set("Mfgopt-Correlation-Id", env.CorrelationID)

	ack, err := c.js.PublishMsg(ctx, msg, jetstream.WithMsgID(env.MessageID))
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Kind, subject, err)
	}
	if ack.Duplicate {
		c.logger.Debug("duplicate publish dropped by stream", "subject", subject, "message_id", env.MessageID)
	}
	return nil
}

type subscription struct {
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
	name     string
	ch       *Channel
}

// Unsubscribe stops consumption. A durable consumer keeps its position in
// the stream and resumes on the next Subscribe with the same name.
func (s *subscription) Unsubscribe() error {
	s.cc.Stop()
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	for i, other := range s.ch.subs {
		if other == s {
			s.ch.subs = append(s.ch.subs[:i:i], s.ch.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Subscribe creates (or resumes) a consumer filtered on subject. An empty
// durable creates an ephemeral consumer that only sees new messages.
func (c *Channel) Subscribe(ctx context.Context, subject, durable string, h messaging.Handler) (messaging.Subscription, error) {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	}
	name := ""
	if durable != "" {
		name = consumerName(c.cfg.ConsumerPrefix, durable)
		cfg.Durable = name
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	} else {
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
		cfg.InactiveThreshold = time.Minute
	}

	consumer, err := c.stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handleMessage(msg, name, h)
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", subject, err)
	}

	sub := &subscription{consumer: consumer, cc: cc, name: name, ch: c}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	c.logger.Info("subscribed", "subject", subject, "consumer", name)
	return sub, nil
}

func (c *Channel) handleMessage(msg jetstream.Msg, consumer string, h messaging.Handler) {
	if c.ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("failed to NAK message during shutdown", "error", err)
		}
		return
	}

	env, err := messaging.Unmarshal(msg.Data())
	if err != nil {
		c.logger.Error("terminating undecodable message", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			c.logger.Warn("failed to TERM message", "error", err)
		}
		return
	}

	if err := h(c.ctx, msg.Subject(), env); err != nil {
		c.logger.Warn("handler failed, requesting redelivery",
			"subject", msg.Subject(),
			"kind", env.Kind,
			"consumer", consumer,
			"error", err)
		if err := msg.NakWithDelay(c.cfg.NakDelay); err != nil {
			c.logger.Warn("failed to NAK message", "error", err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("failed to ACK message", "error", err)
	}
}

// Close stops every consumer and drains the connection.
func (c *Channel) Close() error {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.cc.Stop()
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}

// consumerName builds a JetStream-safe durable name.
func consumerName(prefix, durable string) string {
	r := strings.NewReplacer(".", "-", "*", "any", ">", "all", " ", "-")
	return r.Replace(prefix + "-" + durable)
}
