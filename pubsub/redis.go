package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the redis channel commands are published on.
const DefaultChannel = "ratelimit:commands"

// RedisBus broadcasts commands over a redis PUBLISH/SUBSCRIBE channel.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	node    string

	mu     sync.RWMutex
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus on channel. An empty channel uses DefaultChannel.
func NewRedisBus(client redis.UniversalClient, channel string) (*RedisBus, error) {
	if client == nil {
		return nil, errors.New("pubsub: redis client cannot be nil")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, node: uuid.NewString()}, nil
}

func (b *RedisBus) Node() string { return b.node }

func (b *RedisBus) Publish(ctx context.Context, cmd Command) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	cmd.Origin = b.node
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and delivers commands of other nodes
// until ctx is done.
func (b *RedisBus) Listen(ctx context.Context, h Handler) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	b.mu.RUnlock()

	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Str("channel", b.channel).Msg("failed to close redis subscription")
		}
	}()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	log.Debug().Str("channel", b.channel).Str("node", b.node).Msg("listening for cluster commands")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				log.Error().Err(err).Str("channel", b.channel).Msg("failed to unmarshal command")
				continue
			}
			if cmd.Origin == b.node {
				continue
			}
			h(ctx, cmd)
		}
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
