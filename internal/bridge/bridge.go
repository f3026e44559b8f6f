// ABOUTME: Agent invocation procedure: thread, message, run, poll, reply extraction
// ABOUTME: Polls with a constant backoff bounded by a timeout and the caller's context

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/copilot-bridge/internal/agentapi"
)

// Defaults used when Options leaves the poll settings at zero.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultPollTimeout  = 2 * time.Minute
)

// errRunPending tells the poll loop to wait and fetch again.
var errRunPending = errors.New("run pending")

// Options configures a Bridge.
type Options struct {
	Service agentapi.API
	// AgentID is the agent every run is created for. Never taken from callers.
	AgentID      string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *slog.Logger
}

// Request is a single invocation.
type Request struct {
	Message string
	// ThreadID continues an existing conversation. Empty starts a new one.
	ThreadID string
}

// Result is the outcome of a completed run.
type Result struct {
	ThreadID string
	RunID    string
	// Response is nil when the run produced no assistant message.
	Response      *string
	ThreadCreated bool
	RunStatus     agentapi.RunStatus
}

// Bridge forwards messages to a remote agent and waits for the reply.
type Bridge struct {
	svc          agentapi.API
	agentID      string
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
}

// New creates a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("bridge: service is required")
	}
	if opts.AgentID == "" {
		return nil, fmt.Errorf("bridge: agent id is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		svc:          opts.Service,
		agentID:      opts.AgentID,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		logger:       logger.With("component", "bridge"),
	}
	if b.pollInterval <= 0 {
		b.pollInterval = DefaultPollInterval
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = DefaultPollTimeout
	}
	return b, nil
}

// Invoke runs one request end to end. At most one message and one run are
// created. Errors are always *InvocationError.
func (b *Bridge) Invoke(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, &InvocationError{Stage: StageValidate, ThreadID: req.ThreadID, Err: ErrEmptyMessage}
	}

	res := &Result{ThreadID: req.ThreadID}
	logger := b.logger
	fail := func(e *InvocationError) error {
		e.ThreadCreated = res.ThreadCreated
		return b.fail(e)
	}

	if res.ThreadID == "" {
		id, err := b.svc.CreateThread(ctx)
		if err != nil {
			return nil, fail(&InvocationError{Stage: StageCreateThread, Err: err})
		}
		res.ThreadID = id
		res.ThreadCreated = true
		logger.Debug("thread created", "thread_id", id)
	}
	logger = logger.With("thread_id", res.ThreadID)

	if _, err := b.svc.CreateMessage(ctx, res.ThreadID, req.Message); err != nil {
		return nil, fail(&InvocationError{Stage: StageCreateMessage, ThreadID: res.ThreadID, Err: err})
	}
	logger.Debug("message appended")

	run, err := b.svc.CreateRun(ctx, res.ThreadID, b.agentID)
	if err != nil {
		return nil, fail(&InvocationError{Stage: StageCreateRun, ThreadID: res.ThreadID, Err: err})
	}
	res.RunID = run.ID
	logger = logger.With("run_id", run.ID)
	logger.Debug("run created", "status", run.Status)

	run, err = b.poll(ctx, run)
	if err != nil {
		invErr := &InvocationError{
			Stage:     StagePoll,
			ThreadID:  res.ThreadID,
			RunID:     res.RunID,
			RunStatus: run.Status,
			Err:       err,
		}
		return nil, fail(invErr)
	}
	res.RunStatus = run.Status

	if run.Status != agentapi.RunStatusCompleted {
		return nil, fail(&InvocationError{
			Stage:     StagePoll,
			ThreadID:  res.ThreadID,
			RunID:     res.RunID,
			RunStatus: run.Status,
			Err:       runNotCompleted(run),
		})
	}

	msgs, err := b.svc.ListMessages(ctx, res.ThreadID)
	if err != nil {
		return nil, fail(&InvocationError{
			Stage:     StageListMessages,
			ThreadID:  res.ThreadID,
			RunID:     res.RunID,
			RunStatus: run.Status,
			Err:       err,
		})
	}
	if reply, ok := LastAssistantText(msgs); ok {
		res.Response = &reply
	}

	logger.Info("invocation completed", "thread_created", res.ThreadCreated, "has_response", res.Response != nil)
	return res, nil
}

// poll waits until the run leaves the pending states. The returned run is
// never nil; on error it holds the last observed state.
func (b *Bridge) poll(ctx context.Context, run *agentapi.Run) (*agentapi.Run, error) {
	if !run.Status.Pending() {
		return run, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, b.pollTimeout)
	defer cancel()

	fetched := false
	op := func() error {
		if fetched {
			r, err := b.svc.GetRun(pollCtx, run.ThreadID, run.ID)
			if err != nil {
				if pollCtx.Err() != nil {
					return backoff.Permanent(pollCtx.Err())
				}
				return backoff.Permanent(err)
			}
			run = r
		}
		fetched = true
		if run.Status.Pending() {
			return errRunPending
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(b.pollInterval), pollCtx)
	err := backoff.Retry(op, policy)
	if err == nil {
		return run, nil
	}

	switch {
	case ctx.Err() != nil:
		return run, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return run, fmt.Errorf("%w: last status %s after %s", ErrRunTimeout, run.Status, b.pollTimeout)
	default:
		return run, err
	}
}

func (b *Bridge) fail(err *InvocationError) error {
	b.logger.Error("invocation failed",
		"stage", err.Stage,
		"thread_id", err.ThreadID,
		"run_id", err.RunID,
		"run_status", err.RunStatus,
		"error", err.Err,
	)
	return err
}

// LastAssistantText returns the first text block of the last assistant
// message in list order.
func LastAssistantText(msgs []agentapi.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != agentapi.RoleAssistant {
			continue
		}
		return msgs[i].FirstText()
	}
	return "", false
}
