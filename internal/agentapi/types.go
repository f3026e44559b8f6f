// ABOUTME: Domain types for the remote agent service: threads, messages, runs and their statuses
// ABOUTME: Also defines the API interface the bridge depends on

package agentapi

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state reported for a run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusIncomplete     RunStatus = "incomplete"
	RunStatusExpired        RunStatus = "expired"
)

// Pending reports whether the run is still waiting to be picked up or executing.
// Every other status is treated as terminal.
func (s RunStatus) Pending() bool {
	return s == RunStatusQueued || s == RunStatusInProgress
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlock is one part of a message body. Only text blocks carry Text.
type ContentBlock struct {
	Type string
	Text string
}

// Message is a single entry in a thread.
type Message struct {
	ID        string
	ThreadID  string
	Role      Role
	Content   []ContentBlock
	CreatedAt time.Time
}

// FirstText returns the value of the first text block.
func (m Message) FirstText() (string, bool) {
	for _, b := range m.Content {
		if b.Type == "text" {
			return b.Text, true
		}
	}
	return "", false
}

// RunError is the failure detail attached to a failed run.
type RunError struct {
	Code    string
	Message string
}

// Run is one asynchronous processing attempt of an agent against a thread.
type Run struct {
	ID        string
	ThreadID  string
	AgentID   string
	Status    RunStatus
	LastError *RunError
}

// API is the subset of the remote service the bridge uses.
type API interface {
	CreateThread(ctx context.Context) (string, error)
	CreateMessage(ctx context.Context, threadID, content string) (*Message, error)
	CreateRun(ctx context.Context, threadID, agentID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	// ListMessages returns every message of the thread, oldest first.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}
