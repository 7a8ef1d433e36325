package history

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("history: store closed")

// Record is one resolved work item.
type Record struct {
	ID         string        `json:"id"`
	Loop       string        `json:"loop"`
	State      string        `json:"state"`
	At         time.Time     `json:"at"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Store is an append-only outcome journal.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}

// Config selects and sizes the store.
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	Size        int
	BusyTimeout time.Duration // sqlite only; 0 means the driver default
}
