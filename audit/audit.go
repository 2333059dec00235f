// Package audit carries fire-and-forget records of denied requests to
// their persistent or notification sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one denied request.
type Record struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Path      string    `json:"path"`
	UserAgent string    `json:"user_agent"`
	Category  string    `json:"category"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// NewRecord stamps a record with a fresh id and the current time.
func NewRecord(client, path, userAgent, category, reason string) Record {
	return Record{
		ID:        uuid.NewString(),
		Client:    client,
		Path:      path,
		UserAgent: userAgent,
		Category:  category,
		Reason:    reason,
		At:        time.Now().UTC(),
	}
}

// Sink accepts audit records.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}
