// ABOUTME: Error types for agent invocations
// ABOUTME: Sentinels for validation, non-completed runs and poll timeouts plus the stage-tagged InvocationError

package bridge

import (
	"errors"
	"fmt"

	"github.com/2389/copilot-bridge/internal/agentapi"
)

var (
	// ErrEmptyMessage is returned when the request has no message text.
	ErrEmptyMessage = errors.New("message is required")

	// ErrRunNotCompleted is returned when a run ends in a terminal status other than completed.
	ErrRunNotCompleted = errors.New("run did not complete")

	// ErrRunTimeout is returned when a run is still pending after the poll timeout.
	ErrRunTimeout = errors.New("run still in progress after poll timeout")
)

// Stage names the step of an invocation that failed.
type Stage string

// Invocation stages, in execution order.
const (
	StageValidate      Stage = "validate"
	StageCreateThread  Stage = "create_thread"
	StageCreateMessage Stage = "create_message"
	StageCreateRun     Stage = "create_run"
	StagePoll          Stage = "get_run"
	StageListMessages  Stage = "list_messages"
)

// InvocationError describes a failed invocation.
type InvocationError struct {
	Stage Stage
	// ThreadID is empty when the failure happened before a thread was known.
	ThreadID string
	// ThreadCreated is set when this invocation created ThreadID.
	ThreadCreated bool
	RunID         string
	// RunStatus is the last observed run status, if a run was created.
	RunStatus agentapi.RunStatus
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// runNotCompleted builds the error for a run that ended in a non-completed terminal status.
func runNotCompleted(run *agentapi.Run) error {
	if run.LastError != nil && run.LastError.Message != "" {
		return fmt.Errorf("%w: status %s: %s", ErrRunNotCompleted, run.Status, run.LastError.Message)
	}
	return fmt.Errorf("%w: status %s", ErrRunNotCompleted, run.Status)
}
