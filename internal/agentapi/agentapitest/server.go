// ABOUTME: In-process fake of the remote agent service (threads, messages, runs) plus its token endpoint
// ABOUTME: Used by package tests and cmd/fake-agent-service for local end-to-end runs

// Package agentapitest provides a fake agent-hosting service speaking the
// threads/messages/runs wire format, for tests and local development.
package agentapitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Run statuses the fake walks through.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Operation names accepted by FailNext.
const (
	OpCreateThread  = "create_thread"
	OpCreateMessage = "create_message"
	OpListMessages  = "list_messages"
	OpCreateRun     = "create_run"
	OpGetRun        = "get_run"
)

// DefaultRunScript is the status sequence a run follows, one step per fetch.
var DefaultRunScript = []string{StatusQueued, StatusInProgress, StatusCompleted}

type message struct {
	ID        string
	ThreadID  string
	Role      string
	Text      string
	RunID     string
	CreatedAt int64
	seq       int
}

type run struct {
	ID          string
	ThreadID    string
	AssistantID string
	CreatedAt   int64
	script      []string
	step        int
	replied     bool
}

func (r *run) status() string { return r.script[r.step] }

// Server is a fake agent service. The zero value is not usable; call NewServer.
type Server struct {
	// Reply builds the assistant reply for the latest user message.
	// Returning "" completes the run without an assistant message.
	Reply func(userText string) string

	// RunScript overrides DefaultRunScript for runs created afterwards.
	RunScript []string

	mux        *http.ServeMux
	signingKey []byte

	mu       sync.Mutex
	threads  map[string][]*message
	runs     map[string]*run
	tokens   map[string]bool
	failures map[string]int
	seq      int
	counts   map[string]int
}

// NewServer creates a fake service with an echo reply.
func NewServer() *Server {
	s := &Server{
		Reply:      func(text string) string { return "echo: " + text },
		mux:        http.NewServeMux(),
		signingKey: []byte(uuid.NewString()),
		threads:    make(map[string][]*message),
		runs:       make(map[string]*run),
		tokens:     make(map[string]bool),
		failures:   make(map[string]int),
		counts:     make(map[string]int),
	}

	s.mux.HandleFunc("POST /{tenant}/oauth2/v2.0/token", s.handleToken)
	s.mux.HandleFunc("POST /threads", s.authorized(OpCreateThread, s.handleCreateThread))
	s.mux.HandleFunc("POST /threads/{thread_id}/messages", s.authorized(OpCreateMessage, s.handleCreateMessage))
	s.mux.HandleFunc("GET /threads/{thread_id}/messages", s.authorized(OpListMessages, s.handleListMessages))
	s.mux.HandleFunc("POST /threads/{thread_id}/runs", s.authorized(OpCreateRun, s.handleCreateRun))
	s.mux.HandleFunc("GET /threads/{thread_id}/runs/{run_id}", s.authorized(OpGetRun, s.handleGetRun))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// FailNext makes the next n calls of op answer with HTTP 500.
func (s *Server) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] += n
}

// RevokeTokens invalidates every issued token; subsequent API calls get 401
// until the caller fetches a new one.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// Count returns how many times op (or "token") was served.
func (s *Server) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// ThreadCount returns the number of threads created so far.
func (s *Server) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Messages returns a thread's messages as role/text pairs in creation order.
func (s *Server) Messages(threadID string) [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]string, 0, len(s.threads[threadID]))
	for _, m := range s.threads[threadID] {
		out = append(out, [2]string{m.Role, m.Text})
	}
	return out
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "expected client_credentials")
		return
	}

	clientID, _, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tid":   r.PathValue("tenant"),
		"appid": clientID,
		"sub":   clientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"jti":   uuid.NewString(),
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	s.mu.Lock()
	s.tokens[signed] = true
	s.counts["token"]++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

// authorized checks the bearer token and any scripted failure before calling next.
func (s *Server) authorized(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		s.mu.Lock()
		valid := s.tokens[token]
		fail := s.failures[op] > 0
		if valid && fail {
			s.failures[op]--
		}
		if valid {
			s.counts[op]++
		}
		s.mu.Unlock()

		if !valid {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		if fail {
			writeError(w, http.StatusInternalServerError, "server_error", op+" failed")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := "thread_" + shortID()
	s.threads[id] = nil
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"object":     "thread",
		"created_at": time.Now().Unix(),
		"metadata":   map[string]string{},
	})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	var body struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	text, err := decodeContent(body.Content)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	s.mu.Lock()
	if _, ok := s.threads[threadID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no thread with id "+threadID)
		return
	}
	m := s.appendLocked(threadID, body.Role, text, "")
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, messageJSON(m))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	s.mu.Lock()
	msgs, ok := s.threads[threadID]
	list := append([]*message(nil), msgs...)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no thread with id "+threadID)
		return
	}

	if r.URL.Query().Get("order") != "asc" {
		sort.SliceStable(list, func(i, j int) bool { return list[i].seq > list[j].seq })
	}

	data := make([]map[string]any, 0, len(list))
	for _, m := range list {
		data = append(data, messageJSON(m))
	}
	resp := map[string]any{
		"object":   "list",
		"data":     data,
		"has_more": false,
	}
	if len(list) > 0 {
		resp["first_id"] = list[0].ID
		resp["last_id"] = list[len(list)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	var body struct {
		AssistantID string `json:"assistant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AssistantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "assistant_id is required")
		return
	}

	s.mu.Lock()
	if _, ok := s.threads[threadID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no thread with id "+threadID)
		return
	}
	script := s.RunScript
	if len(script) == 0 {
		script = DefaultRunScript
	}
	rn := &run{
		ID:          "run_" + shortID(),
		ThreadID:    threadID,
		AssistantID: body.AssistantID,
		CreatedAt:   time.Now().Unix(),
		script:      append([]string(nil), script...),
	}
	s.runs[rn.ID] = rn
	s.settleLocked(rn)
	resp := runJSON(rn)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rn, ok := s.runs[r.PathValue("run_id")]
	if !ok || rn.ThreadID != r.PathValue("thread_id") {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "no such run")
		return
	}
	if rn.step < len(rn.script)-1 {
		rn.step++
	}
	s.settleLocked(rn)
	resp := runJSON(rn)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// settleLocked appends the assistant reply once a run reaches completed.
func (s *Server) settleLocked(rn *run) {
	if rn.replied || rn.status() != StatusCompleted {
		return
	}
	rn.replied = true

	var lastUser string
	for _, m := range s.threads[rn.ThreadID] {
		if m.Role == "user" {
			lastUser = m.Text
		}
	}
	if reply := s.Reply(lastUser); reply != "" {
		s.appendLocked(rn.ThreadID, "assistant", reply, rn.ID)
	}
}

func (s *Server) appendLocked(threadID, role, text, runID string) *message {
	s.seq++
	m := &message{
		ID:        "msg_" + shortID(),
		ThreadID:  threadID,
		Role:      role,
		Text:      text,
		RunID:     runID,
		CreatedAt: time.Now().Unix(),
		seq:       s.seq,
	}
	s.threads[threadID] = append(s.threads[threadID], m)
	return m
}

// decodeContent accepts either a plain string or an array of text parts.
func decodeContent(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or an array of text parts")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

func messageJSON(m *message) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"object":     "thread.message",
		"created_at": m.CreatedAt,
		"thread_id":  m.ThreadID,
		"role":       m.Role,
		"status":     "completed",
		"content": []map[string]any{{
			"type": "text",
			"text": map[string]any{"value": m.Text, "annotations": []any{}},
		}},
		"attachments": []any{},
		"metadata":    map[string]string{},
	}
	if m.RunID != "" {
		out["run_id"] = m.RunID
	}
	return out
}

func runJSON(rn *run) map[string]any {
	out := map[string]any{
		"id":           rn.ID,
		"object":       "thread.run",
		"created_at":   rn.CreatedAt,
		"thread_id":    rn.ThreadID,
		"assistant_id": rn.AssistantID,
		"status":       rn.status(),
		"metadata":     map[string]string{},
	}
	if rn.status() == StatusFailed {
		out["last_error"] = map[string]string{"code": "server_error", "message": "the agent run failed"}
	}
	return out
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": msg, "type": code},
	})
}
