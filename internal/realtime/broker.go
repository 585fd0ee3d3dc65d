package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
)

// DeliverFunc receives a payload published on group.
type DeliverFunc func(group string, payload []byte)

// Broker carries group messages between processes.
type Broker interface {
	Publish(ctx context.Context, group string, payload []byte) error
	// Subscribe delivers every published message to fn until ctx ends.
	Subscribe(ctx context.Context, fn DeliverFunc) error
}

// MemoryBroker delivers in-process. Publish calls subscribers synchronously,
// which keeps per-group order.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[int]DeliverFunc
	next int
}

// NewMemoryBroker constructs a MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]DeliverFunc)}
}

func (b *MemoryBroker) Publish(_ context.Context, group string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(group, payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, fn DeliverFunc) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

const defaultChannelPrefix = "spoilr:ws:"

// RedisBroker fans out over Redis pub/sub so every API process sees every
// group message.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	ready  chan struct{}
	once   sync.Once
}

// NewRedisBroker constructs a RedisBroker. An empty prefix uses "spoilr:ws:".
func NewRedisBroker(client redis.UniversalClient, prefix string) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("realtime: redis client is required")
	}
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisBroker{client: client, prefix: prefix, ready: make(chan struct{})}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, group string, payload []byte) error {
	return b.client.Publish(ctx, b.prefix+group, payload).Err()
}

// Ready is closed once the pattern subscription is confirmed.
func (b *RedisBroker) Ready() <-chan struct{} { return b.ready }

func (b *RedisBroker) Subscribe(ctx context.Context, fn DeliverFunc) error {
	sub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	b.once.Do(func() { close(b.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(strings.TrimPrefix(msg.Channel, b.prefix), []byte(msg.Payload))
		}
	}
}
