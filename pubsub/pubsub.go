// Package pubsub broadcasts operator commands to every proxy node so that
// in-process limiter state follows a reset issued on any one node.
package pubsub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var errBusClosed = errors.New("pubsub: bus is closed")

// Op names a broadcast command.
type Op string

const (
	// OpReset clears every limiter and the ledger for a client.
	OpReset Op = "reset"
	// OpClearAlerts drops the alerts raised for a client.
	OpClearAlerts Op = "clear_alerts"
	// OpBlock blocks a client permanently.
	OpBlock Op = "block"
	// OpUnblock lifts any block on a client.
	OpUnblock Op = "unblock"
)

// Command is one broadcast operator action.
type Command struct {
	ID     string    `json:"id"`
	Op     Op        `json:"op"`
	Client string    `json:"client"`
	Origin string    `json:"origin"` // node that published the command
	At     time.Time `json:"at"`

	// Set on OpBlock only.
	Reason    string `json:"reason,omitempty"`
	BlockedBy string `json:"blocked_by,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// NewCommand stamps a command with a fresh id and the current time.
func NewCommand(op Op, client string) Command {
	return Command{ID: uuid.NewString(), Op: op, Client: client, At: time.Now().UTC()}
}

// Handler applies a command received from another node.
type Handler func(ctx context.Context, cmd Command)

// Publisher sends commands to the other nodes.
type Publisher interface {
	Publish(ctx context.Context, cmd Command) error
}

// Bus publishes commands and delivers those of other nodes.
type Bus interface {
	Publisher
	// Listen delivers commands published by other nodes to h until ctx is done.
	Listen(ctx context.Context, h Handler) error
	// Node identifies this process on the bus.
	Node() string
	Close() error
}
