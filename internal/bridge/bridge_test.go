// ABOUTME: Tests for the agent invocation procedure
// ABOUTME: Uses the in-memory agentapi mock plus a fixed-id stub for the reference conversation

package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/copilot-bridge/internal/agentapi"
)

func newTestBridge(t *testing.T, svc agentapi.API) *Bridge {
	t.Helper()
	b, err := New(Options{
		Service:      svc,
		AgentID:      "asst_copilot",
		PollInterval: time.Millisecond,
		PollTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return b
}

// fixedThreadAPI hands out thread "t1" and replays a fixed status sequence.
type fixedThreadAPI struct {
	statuses []agentapi.RunStatus
	polls    int
	messages []agentapi.Message
}

func (f *fixedThreadAPI) CreateThread(ctx context.Context) (string, error) { return "t1", nil }

func (f *fixedThreadAPI) CreateMessage(ctx context.Context, threadID, content string) (*agentapi.Message, error) {
	msg := agentapi.Message{ID: "m1", ThreadID: threadID, Role: agentapi.RoleUser,
		Content: []agentapi.ContentBlock{{Type: "text", Text: content}}}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fixedThreadAPI) CreateRun(ctx context.Context, threadID, agentID string) (*agentapi.Run, error) {
	return &agentapi.Run{ID: "r1", ThreadID: threadID, AgentID: agentID, Status: f.statuses[0]}, nil
}

func (f *fixedThreadAPI) GetRun(ctx context.Context, threadID, runID string) (*agentapi.Run, error) {
	if f.polls < len(f.statuses)-1 {
		f.polls++
	}
	status := f.statuses[f.polls]
	if status == agentapi.RunStatusCompleted && len(f.messages) == 1 {
		f.messages = append(f.messages, agentapi.Message{ID: "m2", ThreadID: threadID, Role: agentapi.RoleAssistant,
			Content: []agentapi.ContentBlock{{Type: "text", Text: "Hello!"}}})
	}
	return &agentapi.Run{ID: runID, ThreadID: threadID, Status: status}, nil
}

func (f *fixedThreadAPI) ListMessages(ctx context.Context, threadID string) ([]agentapi.Message, error) {
	return f.messages, nil
}

func TestInvoke_HiHelloConversation(t *testing.T) {
	api := &fixedThreadAPI{statuses: []agentapi.RunStatus{
		agentapi.RunStatusQueued, agentapi.RunStatusInProgress, agentapi.RunStatusCompleted,
	}}
	b := newTestBridge(t, api)

	res, err := b.Invoke(context.Background(), Request{Message: "Hi"})
	require.NoError(t, err)

	assert.Equal(t, "t1", res.ThreadID)
	assert.True(t, res.ThreadCreated)
	require.NotNil(t, res.Response)
	assert.Equal(t, "Hello!", *res.Response)
	assert.Equal(t, agentapi.RunStatusCompleted, res.RunStatus)
	assert.Equal(t, 2, api.polls)
}

func TestInvoke_CreatesDistinctThreads(t *testing.T) {
	mock := agentapi.NewMockService()
	b := newTestBridge(t, mock)

	first, err := b.Invoke(context.Background(), Request{Message: "one"})
	require.NoError(t, err)
	second, err := b.Invoke(context.Background(), Request{Message: "two"})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ThreadID)
	assert.NotEqual(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, 2, mock.Calls("CreateThread"))
	require.NotNil(t, second.Response)
	assert.Equal(t, "echo: two", *second.Response)
}

func TestInvoke_ReusesExistingThread(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.AddThread("thread_existing")
	b := newTestBridge(t, mock)

	res, err := b.Invoke(context.Background(), Request{Message: "again", ThreadID: "thread_existing"})
	require.NoError(t, err)

	assert.Equal(t, "thread_existing", res.ThreadID)
	assert.False(t, res.ThreadCreated)
	assert.Equal(t, 0, mock.Calls("CreateThread"))
	assert.Len(t, mock.Thread("thread_existing"), 2)
}

func TestInvoke_ReturnsLastAssistantMessage(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.AddThread("thread_history",
		agentapi.Message{ID: "old1", Role: agentapi.RoleUser, Content: []agentapi.ContentBlock{{Type: "text", Text: "earlier"}}},
		agentapi.Message{ID: "old2", Role: agentapi.RoleAssistant, Content: []agentapi.ContentBlock{{Type: "text", Text: "stale answer"}}},
	)
	mock.Reply = func(string) string { return "fresh answer" }
	b := newTestBridge(t, mock)

	res, err := b.Invoke(context.Background(), Request{Message: "now", ThreadID: "thread_history"})
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, "fresh answer", *res.Response)
}

func TestInvoke_NoAssistantMessage(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.Reply = func(string) string { return "" }
	b := newTestBridge(t, mock)

	res, err := b.Invoke(context.Background(), Request{Message: "silence"})
	require.NoError(t, err)
	assert.Nil(t, res.Response)
	assert.NotEmpty(t, res.ThreadID)
}

func TestInvoke_RunFailed(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.RunScript = []agentapi.RunStatus{agentapi.RunStatusQueued, agentapi.RunStatusFailed}
	mock.RunError = &agentapi.RunError{Code: "server_error", Message: "model overloaded"}
	b := newTestBridge(t, mock)

	_, err := b.Invoke(context.Background(), Request{Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunNotCompleted)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, err.Error(), "model overloaded")

	var invErr *InvocationError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, StagePoll, invErr.Stage)
	assert.Equal(t, agentapi.RunStatusFailed, invErr.RunStatus)
	assert.NotEmpty(t, invErr.ThreadID)
	assert.Equal(t, 0, mock.Calls("ListMessages"))
}

func TestInvoke_OtherTerminalStatuses(t *testing.T) {
	for _, status := range []agentapi.RunStatus{
		agentapi.RunStatusCancelled,
		agentapi.RunStatusExpired,
		agentapi.RunStatusIncomplete,
		agentapi.RunStatusRequiresAction,
	} {
		t.Run(string(status), func(t *testing.T) {
			mock := agentapi.NewMockService()
			mock.RunScript = []agentapi.RunStatus{agentapi.RunStatusQueued, status}
			b := newTestBridge(t, mock)

			_, err := b.Invoke(context.Background(), Request{Message: "hi"})
			assert.ErrorIs(t, err, ErrRunNotCompleted)
			assert.Contains(t, err.Error(), string(status))
		})
	}
}

func TestInvoke_StageFailures(t *testing.T) {
	boom := errors.New("remote exploded")

	tests := []struct {
		name       string
		setup      func(m *agentapi.MockService)
		wantStage  Stage
		wantThread bool
	}{
		{"create thread", func(m *agentapi.MockService) { m.CreateThreadErr = boom }, StageCreateThread, false},
		{"create message", func(m *agentapi.MockService) { m.CreateMessageErr = boom }, StageCreateMessage, true},
		{"create run", func(m *agentapi.MockService) { m.CreateRunErr = boom }, StageCreateRun, true},
		{"get run", func(m *agentapi.MockService) { m.GetRunErr = boom }, StagePoll, true},
		{"list messages", func(m *agentapi.MockService) { m.ListMessagesErr = boom }, StageListMessages, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := agentapi.NewMockService()
			tt.setup(mock)
			b := newTestBridge(t, mock)

			res, err := b.Invoke(context.Background(), Request{Message: "hi"})
			assert.Nil(t, res)
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)

			var invErr *InvocationError
			require.True(t, errors.As(err, &invErr))
			assert.Equal(t, tt.wantStage, invErr.Stage)
			if tt.wantThread {
				assert.NotEmpty(t, invErr.ThreadID)
			} else {
				assert.Empty(t, invErr.ThreadID)
			}
			assert.Equal(t, tt.wantThread, invErr.ThreadCreated)
		})
	}
}

func TestInvoke_FailureReportsThreadCreated(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.AddThread("existing")
	mock.RunScript = []agentapi.RunStatus{agentapi.RunStatusQueued, agentapi.RunStatusFailed}
	b := newTestBridge(t, mock)

	_, err := b.Invoke(context.Background(), Request{Message: "hi"})
	var invErr *InvocationError
	require.True(t, errors.As(err, &invErr))
	assert.True(t, invErr.ThreadCreated, "thread was created by this invocation")

	_, err = b.Invoke(context.Background(), Request{Message: "hi", ThreadID: "existing"})
	require.True(t, errors.As(err, &invErr))
	assert.False(t, invErr.ThreadCreated, "caller supplied the thread")
	assert.Equal(t, "existing", invErr.ThreadID)
}

func TestInvoke_CreateMessageFailureStopsEarly(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.CreateMessageErr = errors.New("rejected")
	b := newTestBridge(t, mock)

	_, err := b.Invoke(context.Background(), Request{Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, 0, mock.Calls("CreateRun"))
	assert.Equal(t, 0, mock.Calls("GetRun"))
}

func TestInvoke_PollTimeout(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.RunScript = []agentapi.RunStatus{agentapi.RunStatusQueued, agentapi.RunStatusInProgress}
	b, err := New(Options{
		Service:      mock,
		AgentID:      "asst_copilot",
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Invoke(context.Background(), Request{Message: "slow"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunTimeout)
	assert.Less(t, elapsed, 2*time.Second)

	var invErr *InvocationError
	require.True(t, errors.As(err, &invErr))
	assert.NotEmpty(t, invErr.ThreadID)
	assert.Equal(t, agentapi.RunStatusInProgress, invErr.RunStatus)
	assert.Greater(t, mock.Calls("GetRun"), 1)
}

func TestInvoke_ContextCancelStopsPolling(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.RunScript = []agentapi.RunStatus{agentapi.RunStatusQueued}
	b, err := New(Options{
		Service:      mock,
		AgentID:      "asst_copilot",
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = b.Invoke(ctx, Request{Message: "abandoned"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrRunTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvoke_OneMessageOneRun(t *testing.T) {
	mock := agentapi.NewMockService()
	mock.RunScript = []agentapi.RunStatus{
		agentapi.RunStatusQueued, agentapi.RunStatusQueued, agentapi.RunStatusInProgress,
		agentapi.RunStatusInProgress, agentapi.RunStatusCompleted,
	}
	b := newTestBridge(t, mock)

	res, err := b.Invoke(context.Background(), Request{Message: "count me"})
	require.NoError(t, err)

	assert.Equal(t, 1, mock.Calls("CreateMessage"))
	assert.Equal(t, 1, mock.Calls("CreateRun"))
	assert.Equal(t, 4, mock.Calls("GetRun"))
	require.Len(t, mock.RunIDs(), 1)
	assert.Equal(t, mock.RunIDs()[0], res.RunID)

	run, err := mock.GetRun(context.Background(), res.ThreadID, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "asst_copilot", run.AgentID)
}

func TestInvoke_EmptyMessage(t *testing.T) {
	mock := agentapi.NewMockService()
	b := newTestBridge(t, mock)

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := b.Invoke(context.Background(), Request{Message: msg, ThreadID: "thread_x"})
		assert.ErrorIs(t, err, ErrEmptyMessage)

		var invErr *InvocationError
		require.True(t, errors.As(err, &invErr))
		assert.Equal(t, "thread_x", invErr.ThreadID)
	}
	assert.Equal(t, 0, mock.Calls("CreateThread"))
	assert.Equal(t, 0, mock.Calls("CreateMessage"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{AgentID: "a"})
	assert.Error(t, err)

	_, err = New(Options{Service: agentapi.NewMockService()})
	assert.Error(t, err)

	b, err := New(Options{Service: agentapi.NewMockService(), AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, b.pollInterval)
	assert.Equal(t, DefaultPollTimeout, b.pollTimeout)
}

func TestLastAssistantText(t *testing.T) {
	text := func(role agentapi.Role, blocks ...agentapi.ContentBlock) agentapi.Message {
		return agentapi.Message{Role: role, Content: blocks}
	}

	msgs := []agentapi.Message{
		text(agentapi.RoleAssistant, agentapi.ContentBlock{Type: "text", Text: "first"}),
		text(agentapi.RoleUser, agentapi.ContentBlock{Type: "text", Text: "question"}),
		text(agentapi.RoleAssistant,
			agentapi.ContentBlock{Type: "image_file"},
			agentapi.ContentBlock{Type: "text", Text: "last"},
			agentapi.ContentBlock{Type: "text", Text: "ignored"}),
		text(agentapi.RoleUser, agentapi.ContentBlock{Type: "text", Text: "trailing user"}),
	}

	got, ok := LastAssistantText(msgs)
	assert.True(t, ok)
	assert.Equal(t, "last", got)

	_, ok = LastAssistantText(msgs[1:2])
	assert.False(t, ok)

	_, ok = LastAssistantText(nil)
	assert.False(t, ok)
}

func TestInvocationError_Message(t *testing.T) {
	err := &InvocationError{Stage: StageCreateRun, ThreadID: "t9", Err: errors.New("nope")}
	assert.True(t, strings.HasPrefix(err.Error(), "create_run"))
	assert.Contains(t, err.Error(), "nope")
}
