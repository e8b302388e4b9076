package broker

import (
	"fmt"
	"sync"

	"github.com/fluxorio/flowstate/pkg/core"
)

const memorySubscriberBuffer = 256

var (
	memoryOnce   sync.Once
	memoryShared *MemoryBroker
)

// Memory returns the process-global in-memory broker. Every caller in
// the process shares it, which mirrors how all nodes share one NATS
// cluster.
func Memory() *MemoryBroker {
	memoryOnce.Do(func() {
		memoryShared = NewMemoryBroker(core.NewDefaultLogger())
	})
	return memoryShared
}

type memorySub struct {
	broker  *MemoryBroker
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.broker.remove(s.channel, s)
		close(s.done)
	})
	return nil
}

// MemoryBroker delivers messages within one process. Each subscriber
// drains its own buffered queue on a dedicated goroutine, so a slow
// consumer never blocks a publisher; an overflowing consumer loses
// messages with a warning.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
	logger core.Logger
}

// NewMemoryBroker creates a private in-memory broker, mostly for tests
// that need isolation from the shared one.
func NewMemoryBroker(logger core.Logger) *MemoryBroker {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &MemoryBroker{
		subs:   make(map[string][]*memorySub),
		logger: logger,
	}
}

// Publish delivers data to every subscriber of channel.
func (b *MemoryBroker) Publish(channel string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory broker is closed")
	}

	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- data:
		default:
			b.logger.Warnf("memory broker: subscriber on %s overflowed, dropping message", channel)
		}
	}
	return nil
}

// Subscribe registers a handler for channel.
func (b *MemoryBroker) Subscribe(channel string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("memory broker is closed")
	}

	sub := &memorySub{
		broker:  b,
		channel: channel,
		ch:      make(chan []byte, memorySubscriberBuffer),
		done:    make(chan struct{}),
	}
	b.subs[channel] = append(b.subs[channel], sub)

	go func() {
		for {
			select {
			case data := <-sub.ch:
				h(channel, data)
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// Close drops every subscription. The shared broker from Memory should
// never be closed; close only private instances.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.once.Do(func() { close(sub.done) })
		}
	}
	return nil
}

func (b *MemoryBroker) remove(channel string, target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[channel]
	for i, sub := range list {
		if sub == target {
			b.subs[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}
