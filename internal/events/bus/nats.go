package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// NATSEventBus is the NATS-backed EventBus. Each project maps to the
// subject loom.project.<id>.events; topic closure travels in-band as
// the terminal projectStatusChanged{closed} event, so subscribers on
// other processes end their streams too.
type NATSEventBus struct {
	conn   *nats.Conn
	buffer int
	logger *logger.Logger

	mu       sync.Mutex
	subs     map[*Subscription]*nats.Subscription
	closed   map[string]bool
	shutdown bool
}

// NewNATSEventBus connects to NATS with reconnection handling.
func NewNATSEventBus(cfg config.NATSConfig, buffer int, log *logger.Logger) (*NATSEventBus, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	log = log.WithFields(zap.String("component", "eventbus"))

	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return &NATSEventBus{
		conn:   conn,
		buffer: buffer,
		logger: log,
		subs:   make(map[*Subscription]*nats.Subscription),
		closed: make(map[string]bool),
	}, nil
}

// ProjectSubject returns the NATS subject carrying a project's events.
func ProjectSubject(projectID string) string {
	return fmt.Sprintf("loom.project.%s.events", projectID)
}

// Publish serializes the envelope onto the project subject.
func (b *NATSEventBus) Publish(ctx context.Context, env *Envelope) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.closed[env.ProjectID] {
		b.mu.Unlock()
		return ErrTopicClosed
	}
	b.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(ProjectSubject(env.ProjectID), data); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("project_id", env.ProjectID),
			zap.String("event_type", string(env.Type)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe attaches a bounded local queue fed by the project subject.
func (b *NATSEventBus) Subscribe(ctx context.Context, projectID string) (*Subscription, error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if b.closed[projectID] {
		b.mu.Unlock()
		return newClosedSubscription(projectID), nil
	}
	b.mu.Unlock()

	sub := newSubscription(projectID, b.buffer, func(s *Subscription) {
		b.detach(s)
	})

	natsSub, err := b.conn.Subscribe(ProjectSubject(projectID), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error("Failed to unmarshal event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		sub.offer(&env)
		if isTerminal(&env) {
			b.detach(sub)
			sub.finish()
		}
	})
	if err != nil {
		sub.finish()
		return nil, fmt.Errorf("failed to subscribe to project %s: %w", projectID, err)
	}

	b.mu.Lock()
	b.subs[sub] = natsSub
	b.mu.Unlock()

	b.logger.Debug("Subscribed to project", zap.String("project_id", projectID))
	return sub, nil
}

// Close publishes the terminal event; remote and local subscribers end
// their streams when it arrives.
func (b *NATSEventBus) Close(ctx context.Context, projectID string) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.closed[projectID] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	env := closedEnvelope(projectID)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(ProjectSubject(projectID), data); err != nil {
		return fmt.Errorf("failed to publish close event: %w", err)
	}

	b.mu.Lock()
	b.closed[projectID] = true
	b.mu.Unlock()

	b.logger.Info("Closed project topic", zap.String("project_id", projectID))
	return nil
}

// Shutdown drains the connection and ends all local streams.
func (b *NATSEventBus) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	subs := b.subs
	b.subs = make(map[*Subscription]*nats.Subscription)
	b.mu.Unlock()

	for sub, natsSub := range subs {
		_ = natsSub.Unsubscribe()
		sub.finish()
	}

	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS event bus shut down")
}

func (b *NATSEventBus) detach(s *Subscription) {
	b.mu.Lock()
	natsSub, ok := b.subs[s]
	if ok {
		delete(b.subs, s)
	}
	b.mu.Unlock()
	if ok {
		_ = natsSub.Unsubscribe()
	}
}

func isTerminal(env *Envelope) bool {
	if env.Type != v1.EventProjectStatusChanged {
		return false
	}
	status, _ := env.Data["status"].(string)
	return status == string(v1.ProjectStatusClosed)
}
