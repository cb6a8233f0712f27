package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
)

// MemoryEventBus is the in-process EventBus. Topics are created lazily
// on first publish or subscribe and live until Close or Shutdown.
type MemoryEventBus struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	buffer   int
	logger   *logger.Logger
	shutdown bool
}

// topic is one project's fan-out state.
type topic struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewMemoryEventBus creates an in-memory bus whose subscriptions stage
// up to buffer events each.
func NewMemoryEventBus(buffer int, log *logger.Logger) *MemoryEventBus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &MemoryEventBus{
		topics: make(map[string]*topic),
		buffer: buffer,
		logger: log.WithFields(zap.String("component", "eventbus")),
	}
}

func (b *MemoryEventBus) topicFor(projectID string) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return nil, ErrBusClosed
	}
	t, ok := b.topics[projectID]
	if !ok {
		t = &topic{}
		b.topics[projectID] = t
	}
	return t, nil
}

// Publish fans the envelope out to every subscriber of the project.
// Slow subscribers shed their oldest staged events instead of exerting
// backpressure.
func (b *MemoryEventBus) Publish(ctx context.Context, env *Envelope) error {
	t, err := b.topicFor(env.ProjectID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTopicClosed
	}
	subs := make([]*Subscription, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.offer(env)
	}

	b.logger.Debug("Published event",
		zap.String("project_id", env.ProjectID),
		zap.String("event_type", string(env.Type)),
		zap.Int("subscribers", len(subs)))
	return nil
}

// Subscribe attaches a new subscriber to the project topic. Subscribing
// to an already-closed topic returns a subscription whose stream has
// ended.
func (b *MemoryEventBus) Subscribe(ctx context.Context, projectID string) (*Subscription, error) {
	t, err := b.topicFor(projectID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return newClosedSubscription(projectID), nil
	}

	sub := newSubscription(projectID, b.buffer, func(s *Subscription) {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cur := range t.subs {
			if cur == s {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				break
			}
		}
	})
	t.subs = append(t.subs, sub)

	b.logger.Debug("Subscribed to project", zap.String("project_id", projectID))
	return sub, nil
}

// Close publishes the terminal status event and ends every subscriber
// stream for the project. Closing an unknown or already-closed project
// is a no-op.
func (b *MemoryEventBus) Close(ctx context.Context, projectID string) error {
	b.mu.RLock()
	t, ok := b.topics[projectID]
	shutdown := b.shutdown
	b.mu.RUnlock()
	if shutdown {
		return ErrBusClosed
	}
	if !ok {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	terminal := closedEnvelope(projectID)
	for _, sub := range subs {
		sub.offer(terminal)
		sub.finish()
	}

	b.logger.Info("Closed project topic",
		zap.String("project_id", projectID),
		zap.Int("subscribers", len(subs)))
	return nil
}

// Shutdown ends all streams without terminal events.
func (b *MemoryEventBus) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.closed = true
		subs := t.subs
		t.subs = nil
		t.mu.Unlock()
		for _, sub := range subs {
			sub.finish()
		}
	}

	b.logger.Info("Memory event bus shut down")
}
