package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/pkg/logger"
)

// Handler reacts to one event. Errors are logged, never returned to publishers.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type subscription struct {
	name string
	fn   Handler
}

// Bus dispatches events synchronously to subscribers in registration order.
// Publishers call Publish only after their transaction commits.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	logger *zap.Logger
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Kind][]subscription),
		logger: logger.WithModule("events"),
	}
}

// Subscribe registers fn for kind. name labels the subscriber in logs.
func (b *Bus) Subscribe(kind Kind, name string, fn Handler) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], subscription{name: name, fn: fn})
}

// Publish delivers ev to every subscriber of its kind. A failing or panicking
// subscriber does not stop the others.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev.Kind()]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := b.dispatch(ctx, sub, ev); err != nil {
			b.logger.Warn("event subscriber failed",
				zap.String("event", string(ev.Kind())),
				zap.String("subscriber", sub.name),
				zap.Error(err),
			)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, sub subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.fn(ctx, ev)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// Recorder captures published events; used by tests.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
}

// Kinds lists the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.Events))
	for _, ev := range r.Events {
		out = append(out, ev.Kind())
	}
	return out
}
