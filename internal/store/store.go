// ABOUTME: Store interface and data types for the invocation ledger
// ABOUTME: Defines the Invocation record and the operations the gateway needs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Outcome values for an invocation
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// DefaultListLimit caps ListInvocations when no limit is given
const DefaultListLimit = 100

// Invocation is one ledger entry
type Invocation struct {
	ID            string
	ThreadID      string // empty when the thread could not be created
	RunID         string
	RunStatus     string
	Outcome       string // "completed" or "failed"
	Stage         string // failing stage, empty on success
	Error         string
	ThreadCreated bool
	Caller        string // function key name, empty when keys are disabled
	StartedAt     time.Time
	Duration      time.Duration
}

// Store defines the interface for ledger persistence
type Store interface {
	// RecordInvocation appends an entry. An empty ID is filled in.
	RecordInvocation(ctx context.Context, inv *Invocation) error

	// GetInvocation returns a single entry or ErrNotFound.
	GetInvocation(ctx context.Context, id string) (*Invocation, error)

	// ListInvocations returns a thread's entries oldest first, at most limit
	// of the most recent ones. A non-positive limit means DefaultListLimit.
	ListInvocations(ctx context.Context, threadID string, limit int) ([]*Invocation, error)

	// Close releases database resources
	Close() error
}
