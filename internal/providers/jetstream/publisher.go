package jetstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
)

// Config holds the configuration for NATS JetStream connection
type Config struct {
	URL            string
	StreamName     string
	SubjectPrefix  string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectionName string
}

type publisher struct {
	nc     adapter.NatsConn
	js     adapter.JetStream
	prefix string
	json   adapter.JSON
}

// NewPublisher connects to NATS, makes sure the event stream exists and returns a publisher
func NewPublisher(ctx context.Context, cfg Config, natsJS adapter.NatsJetStream, jsonAdapter adapter.JSON) (messaging.Publisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, zap.String("message", "Disconnected from NATS"))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, js, err := natsJS.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS and create JetStream: %w", err)
	}

	err = js.EnsureStream(ctx, natsjs.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		Storage:  natsjs.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.StreamName, err)
	}

	return &publisher{
		nc:     nc,
		js:     js,
		prefix: cfg.SubjectPrefix,
		json:   jsonAdapter,
	}, nil
}

// Publish publishes a change event to NATS JetStream, deduplicated by event id
func (p *publisher) Publish(ctx context.Context, event messaging.Event) error {
	logger.DebugCtx(ctx, "Publishing NATS event", zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))

	data, err := p.json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, p.buildSubject(event), data, natsjs.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// buildSubject constructs the NATS subject based on the event
// Format: {prefix}.{entity}.{action}, e.g. deployd.transaction.recorded
func (p *publisher) buildSubject(event messaging.Event) string {
	return fmt.Sprintf("%s.%s", p.prefix, strings.ToLower(string(event.Type)))
}

// Close drains and closes the NATS connection
func (p *publisher) Close() {
	if p.nc == nil {
		return
	}

	if err := p.nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
		p.nc.Close()
	}
}
