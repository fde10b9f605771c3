package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// AuditBus publishes filter audit events over NATS JetStream so outside
// observers (SIEM forwarders, the agent's connectors) can follow
// control-plane activity without touching the single-client port.
type AuditBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	mu   sync.RWMutex
	subs []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks audit bus counters.
type BusMetrics struct {
	mu              sync.Mutex
	EventsPublished int64
	EventsFailed    int64
}

// NewAuditBus creates an AuditBus. If cfg.Embedded is true, it starts an
// embedded NATS server.
func NewAuditBus(cfg *BusConfig, logger zerolog.Logger) (*AuditBus, error) {
	bus := &AuditBus{
		logger:  logger.With().Str("component", "audit_bus").Logger(),
		metrics: &BusMetrics{},
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// Create or update the audit stream. AddStream returns the existing
	// stream if config matches; if it exists with a different config
	// (e.g. after an upgrade), we update it.
	streamCfg := &nats.StreamConfig{
		Name:      "FILTER_AUDIT",
		Subjects:  []string{"filter.audit.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err = js.AddStream(streamCfg); err != nil {
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			bus.Close()
			return nil, fmt.Errorf("creating/updating audit stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishAudit publishes an AuditEvent. Implements Publisher.
func (b *AuditBus) PublishAudit(event *AuditEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	subject := fmt.Sprintf("filter.audit.%s", event.Kind)
	if _, err = b.js.Publish(subject, data); err != nil {
		b.metrics.mu.Lock()
		b.metrics.EventsFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing audit event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.EventsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", subject).
		Msg("audit event published")

	return nil
}

// SubscribeAudit creates a durable subscription to every audit event.
func (b *AuditBus) SubscribeAudit(durableName string, handler func(event *AuditEvent)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe("filter.audit.>", func(msg *nats.Msg) {
		event, err := UnmarshalAuditEvent(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal audit event")
			_ = msg.Nak()
			return
		}
		handler(event)
		_ = msg.Ack()
	}, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to audit stream: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *AuditBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *AuditBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"events_published": b.metrics.EventsPublished,
		"events_failed":    b.metrics.EventsFailed,
	}
}

// Close shuts down the audit bus.
func (b *AuditBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *AuditBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
		b.ns = nil
	}
}
