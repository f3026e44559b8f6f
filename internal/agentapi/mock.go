// ABOUTME: Mock API implementation for testing
// ABOUTME: Keeps threads, messages and scripted runs in memory without any HTTP

package agentapi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockService is an in-memory API implementation for testing.
type MockService struct {
	// RunScript is the status sequence every new run follows, advancing one
	// step per GetRun. The last status repeats forever.
	RunScript []RunStatus
	// Reply produces the assistant message added when a run completes.
	// Returning "" adds none.
	Reply func(userText string) string
	// RunError is attached to runs that end in a non-completed status.
	RunError *RunError

	// Per-operation errors returned instead of performing the call.
	CreateThreadErr  error
	CreateMessageErr error
	CreateRunErr     error
	GetRunErr        error
	ListMessagesErr  error

	mu       sync.Mutex
	nextID   int
	threads  map[string][]Message
	runs     map[string]*mockRun
	calls    map[string]int
	runOrder []string
}

type mockRun struct {
	run  Run
	step int
}

// NewMockService creates a MockService whose runs go queued → in_progress → completed
// and whose assistant echoes the user.
func NewMockService() *MockService {
	return &MockService{
		RunScript: []RunStatus{RunStatusQueued, RunStatusInProgress, RunStatusCompleted},
		Reply:     func(text string) string { return "echo: " + text },
		threads:   make(map[string][]Message),
		runs:      make(map[string]*mockRun),
		calls:     make(map[string]int),
	}
}

// Calls returns how often the named method was invoked.
func (m *MockService) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// AddThread registers an existing thread id with optional prior messages.
func (m *MockService) AddThread(id string, msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[id] = append(m.threads[id], msgs...)
}

// Thread returns a copy of the thread's messages.
func (m *MockService) Thread(id string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.threads[id]...)
}

// RunIDs returns every run id created, in order.
func (m *MockService) RunIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runOrder...)
}

func (m *MockService) newID(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s_%d", prefix, m.nextID)
}

// CreateThread creates an empty thread.
func (m *MockService) CreateThread(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateThread"]++

	if m.CreateThreadErr != nil {
		return "", m.CreateThreadErr
	}
	id := m.newID("thread")
	m.threads[id] = nil
	return id, nil
}

// CreateMessage appends a user message.
func (m *MockService) CreateMessage(ctx context.Context, threadID, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateMessage"]++

	if m.CreateMessageErr != nil {
		return nil, m.CreateMessageErr
	}
	if _, ok := m.threads[threadID]; !ok {
		return nil, fmt.Errorf("create message: thread %s not found", threadID)
	}
	msg := m.appendLocked(threadID, RoleUser, content)
	return &msg, nil
}

// CreateRun starts a scripted run.
func (m *MockService) CreateRun(ctx context.Context, threadID, agentID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateRun"]++

	if m.CreateRunErr != nil {
		return nil, m.CreateRunErr
	}
	if _, ok := m.threads[threadID]; !ok {
		return nil, fmt.Errorf("create run: thread %s not found", threadID)
	}
	if len(m.RunScript) == 0 {
		return nil, fmt.Errorf("create run: empty run script")
	}

	r := &mockRun{run: Run{
		ID:       m.newID("run"),
		ThreadID: threadID,
		AgentID:  agentID,
	}}
	m.runs[r.run.ID] = r
	m.runOrder = append(m.runOrder, r.run.ID)
	m.applyLocked(r)

	run := r.run
	return &run, nil
}

// GetRun advances the run one scripted step and returns it.
func (m *MockService) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetRun"]++

	if m.GetRunErr != nil {
		return nil, m.GetRunErr
	}
	r, ok := m.runs[runID]
	if !ok || r.run.ThreadID != threadID {
		return nil, fmt.Errorf("get run: run %s not found in thread %s", runID, threadID)
	}
	if r.step < len(m.RunScript)-1 {
		r.step++
	}
	m.applyLocked(r)

	run := r.run
	return &run, nil
}

// ListMessages returns the thread's messages oldest first.
func (m *MockService) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ListMessages"]++

	if m.ListMessagesErr != nil {
		return nil, m.ListMessagesErr
	}
	msgs, ok := m.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("list messages: thread %s not found", threadID)
	}
	return append([]Message(nil), msgs...), nil
}

// applyLocked sets the run status for its current step and performs the
// completion side effects the first time a terminal status is reached.
func (m *MockService) applyLocked(r *mockRun) {
	prev := r.run.Status
	r.run.Status = m.RunScript[r.step]
	if prev == r.run.Status || r.run.Status.Pending() {
		return
	}

	switch r.run.Status {
	case RunStatusCompleted:
		var lastUser string
		for _, msg := range m.threads[r.run.ThreadID] {
			if msg.Role == RoleUser {
				lastUser, _ = msg.FirstText()
			}
		}
		if m.Reply != nil {
			if reply := m.Reply(lastUser); reply != "" {
				m.appendLocked(r.run.ThreadID, RoleAssistant, reply)
			}
		}
	default:
		r.run.LastError = m.RunError
	}
}

func (m *MockService) appendLocked(threadID string, role Role, text string) Message {
	msg := Message{
		ID:        m.newID("msg"),
		ThreadID:  threadID,
		Role:      role,
		Content:   []ContentBlock{{Type: "text", Text: text}},
		CreatedAt: time.Now().UTC(),
	}
	m.threads[threadID] = append(m.threads[threadID], msg)
	return msg
}
