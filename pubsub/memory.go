package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const memoryBufferSize = 64

// Hub connects in-process buses. Commands published on one node reach the
// listeners of every other node of the same hub.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]chan Command // listener id -> queue
	owners    map[string]string       // listener id -> node
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[string]chan Command),
		owners:    make(map[string]string),
	}
}

// Node attaches a new bus to the hub.
func (h *Hub) Node() *MemoryBus {
	return &MemoryBus{hub: h, node: uuid.NewString()}
}

func (h *Hub) register(node string) (string, chan Command) {
	id := uuid.NewString()
	ch := make(chan Command, memoryBufferSize)
	h.mu.Lock()
	h.listeners[id] = ch
	h.owners[id] = node
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.listeners, id)
	delete(h.owners, id)
	h.mu.Unlock()
}

// broadcast queues cmd for every listener not owned by its origin. Full
// queues drop the command.
func (h *Hub) broadcast(cmd Command) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.listeners {
		if h.owners[id] == cmd.Origin {
			continue
		}
		select {
		case ch <- cmd:
		default:
			log.Warn().Str("listener_id", id).Str("op", string(cmd.Op)).Str("client", cmd.Client).Msg("listener queue full, dropping command")
		}
	}
}

// MemoryBus is one node attached to a Hub.
type MemoryBus struct {
	hub  *Hub
	node string

	mu     sync.RWMutex
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) Node() string { return b.node }

// Publish delivers cmd to the other nodes without waiting for them.
func (b *MemoryBus) Publish(_ context.Context, cmd Command) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	cmd.Origin = b.node
	b.hub.broadcast(cmd)
	return nil
}

// Listen blocks until ctx is done.
func (b *MemoryBus) Listen(ctx context.Context, h Handler) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	b.mu.RUnlock()

	id, ch := b.hub.register(b.node)
	defer b.hub.unregister(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-ch:
			h(ctx, cmd)
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
