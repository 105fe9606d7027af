package bus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/aidenhq/aiden/internal/common/logger"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Memory implements Bus with in-process delivery. Queue groups
// round-robin across their subscribers, mirroring broker semantics so
// the task engine behaves identically with and without a broker.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]*queueGroup // keyed by subject + ":" + queue
	logger *logger.Logger
	closed bool
}

type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

type memorySubscription struct {
	bus     *Memory
	key     string
	handler Handler
	active  bool
	mu      sync.Mutex
}

// NewMemory creates an in-process bus.
func NewMemory(log *logger.Logger) *Memory {
	return &Memory{
		groups: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish delivers the message to one member of every queue group
// subscribed to the subject. Delivery is asynchronous.
func (b *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for key, group := range b.groups {
		if subjectOf(key) != subject {
			continue
		}
		sub := group.pick()
		if sub == nil {
			continue
		}
		go sub.handler(ctx, data)
	}

	b.logger.Debug("published message", zap.String("subject", subject))
	return nil
}

// QueueSubscribe registers a queue-group member for a subject.
func (b *Memory) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	key := subject + ":" + queue
	group, ok := b.groups[key]
	if !ok {
		group = &queueGroup{}
		b.groups[key] = group
	}

	sub := &memorySubscription{bus: b, key: key, handler: handler, active: true}
	group.mu.Lock()
	group.members = append(group.members, sub)
	group.mu.Unlock()

	return sub, nil
}

// Close stops delivery. In-flight handlers are not interrupted.
func (b *Memory) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.groups = make(map[string]*queueGroup)
}

func (g *queueGroup) pick() *memorySubscription {
	g.mu.Lock()
	defer g.mu.Unlock()

	for range g.members {
		sub := g.members[g.next%len(g.members)]
		g.next++
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if active {
			return sub
		}
	}
	return nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if group, ok := s.bus.groups[s.key]; ok {
		group.mu.Lock()
		for i, member := range group.members {
			if member == s {
				group.members = append(group.members[:i], group.members[i+1:]...)
				break
			}
		}
		group.mu.Unlock()
	}
	return nil
}

func subjectOf(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
