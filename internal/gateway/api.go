// ABOUTME: HTTP API handlers for invoking the agent and reading the invocation ledger.
// ABOUTME: Provides POST /invoke_copilot_agent, GET /test and the ledger read endpoints.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/copilot-bridge/internal/auth"
	"github.com/2389/copilot-bridge/internal/bridge"
	"github.com/2389/copilot-bridge/internal/dedupe"
	"github.com/2389/copilot-bridge/internal/store"
)

// HeaderIdempotencyKey opts a request into replay protection.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplay is set on responses served from the replay cache.
const HeaderIdempotentReplay = "Idempotent-Replayed"

// maxRequestBody bounds the invoke request body.
const maxRequestBody = 1 << 20

// ledgerWriteTimeout bounds recording an invocation after the request ended.
const ledgerWriteTimeout = 5 * time.Second

// InvokeRequest is the JSON request body for POST /invoke_copilot_agent.
type InvokeRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"convo_thread_id,omitempty"`
}

// InvokeResponse is the JSON success body. Response is null when the agent
// produced no message.
type InvokeResponse struct {
	ThreadID string  `json:"convo_thread_id"`
	Response *string `json:"response"`
}

// ErrorResponse is the JSON failure body. ThreadID is null until known.
type ErrorResponse struct {
	ThreadID *string `json:"convo_thread_id"`
	Error    string  `json:"error"`
}

// InvocationResponse is one ledger entry in GET /api/threads/{id}/invocations.
type InvocationResponse struct {
	ID            string `json:"id"`
	RunID         string `json:"run_id,omitempty"`
	RunStatus     string `json:"run_status,omitempty"`
	Outcome       string `json:"outcome"`
	Stage         string `json:"stage,omitempty"`
	Error         string `json:"error,omitempty"`
	ThreadCreated bool   `json:"thread_created"`
	Caller        string `json:"caller,omitempty"`
	StartedAt     string `json:"started_at"`
	DurationMS    int64  `json:"duration_ms"`
}

// InvocationsResponse is the JSON body of GET /api/threads/{id}/invocations.
type InvocationsResponse struct {
	ThreadID    string               `json:"convo_thread_id"`
	Invocations []InvocationResponse `json:"invocations"`
}

// InvocationDetailResponse is the JSON body of GET /api/invocations/{id}.
// ThreadID is null for invocations that failed before a thread existed.
type InvocationDetailResponse struct {
	ThreadID *string `json:"convo_thread_id"`
	InvocationResponse
}

// threadIDPtr maps an unknown (empty) thread id to JSON null.
func threadIDPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// sendJSONError writes the standard error body.
func sendJSONError(w http.ResponseWriter, status int, threadID, message string) {
	writeJSON(w, status, ErrorResponse{ThreadID: threadIDPtr(threadID), Error: message})
}

// errInvalidJSON is reported for bodies that are not an InvokeRequest.
var errInvalidJSON = errors.New("invalid JSON body")

// parseInvokeRequest decodes the body. Field validation is left to the bridge
// so the caller's thread id can still be reported.
func parseInvokeRequest(w http.ResponseWriter, r *http.Request) (*InvokeRequest, error) {
	var req InvokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return nil, errInvalidJSON
	}
	return &req, nil
}

// handleInvoke handles POST /invoke_copilot_agent.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" {
		state, stored := g.idempotency.Reserve(key)
		switch state {
		case dedupe.StateInFlight:
			sendJSONError(w, http.StatusConflict, "", "a request with this Idempotency-Key is still in progress")
			return
		case dedupe.StateDone:
			g.logger.Debug("replaying idempotent response", "status", stored.Status)
			w.Header().Set(HeaderIdempotentReplay, "true")
			w.Header().Set("Content-Type", stored.ContentType)
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}

		// Free the key if the handler panics before storing a response
		completed := false
		defer func() {
			if !completed {
				g.idempotency.Release(key)
			}
		}()
		w = &idempotentWriter{ResponseWriter: w, onWrite: func(status int, body []byte) {
			g.idempotency.Complete(key, dedupe.Response{Status: status, ContentType: "application/json", Body: body})
			completed = true
		}}
	}

	req, err := parseInvokeRequest(w, r)
	if err != nil {
		g.respond(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	caller := callerName(r)
	g.logger.Debug("invoking agent", "caller", caller, "thread_id", req.ThreadID)

	started := time.Now()
	res, err := g.bridge.Invoke(r.Context(), bridge.Request{Message: req.Message, ThreadID: req.ThreadID})
	g.record(r.Context(), caller, started, res, err)

	if err != nil {
		threadID := req.ThreadID
		var invErr *bridge.InvocationError
		if errors.As(err, &invErr) {
			threadID = invErr.ThreadID
		}
		g.respond(w, http.StatusInternalServerError, ErrorResponse{ThreadID: threadIDPtr(threadID), Error: err.Error()})
		return
	}

	g.respond(w, http.StatusOK, InvokeResponse{ThreadID: res.ThreadID, Response: res.Response})
}

// callerName is the matched function key name, or "" when keys are disabled.
func callerName(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil && a.Authenticated() {
		return a.KeyName
	}
	return ""
}

// idempotentWriter hands the marshalled response to the replay cache.
type idempotentWriter struct {
	http.ResponseWriter
	onWrite func(status int, body []byte)
}

// respond marshals v once so the same bytes reach the client and the replay cache.
func (g *Gateway) respond(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("failed to encode response", "error", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: "internal server error"})
	}
	body = append(body, '\n')

	if iw, ok := w.(*idempotentWriter); ok {
		iw.onWrite(status, body)
		w = iw.ResponseWriter
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// record appends the outcome to the ledger. Failures are logged only.
func (g *Gateway) record(ctx context.Context, caller string, started time.Time, res *bridge.Result, err error) {
	if g.store == nil {
		return
	}

	inv := &store.Invocation{
		Caller:    caller,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err == nil {
		inv.Outcome = store.OutcomeCompleted
		inv.ThreadID = res.ThreadID
		inv.RunID = res.RunID
		inv.RunStatus = string(res.RunStatus)
		inv.ThreadCreated = res.ThreadCreated
	} else {
		inv.Outcome = store.OutcomeFailed
		inv.Error = err.Error()
		var invErr *bridge.InvocationError
		if errors.As(err, &invErr) {
			inv.Stage = string(invErr.Stage)
			inv.ThreadID = invErr.ThreadID
			inv.RunID = invErr.RunID
			inv.RunStatus = string(invErr.RunStatus)
			inv.ThreadCreated = invErr.ThreadCreated
		}
	}

	// The request context may already be cancelled by a departed client
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if err := g.store.RecordInvocation(writeCtx, inv); err != nil {
		g.logger.Error("failed to record invocation", "thread_id", inv.ThreadID, "error", err)
	}
}

// handleTest handles GET /test.
func (g *Gateway) handleTest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Hello World!"))
}

// handleInvocations handles GET /api/threads/{thread_id}/invocations.
func (g *Gateway) handleInvocations(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	if g.store == nil {
		sendJSONError(w, http.StatusNotFound, threadID, "invocation ledger is disabled")
		return
	}

	// Parse optional limit parameter (default 50, max 1000)
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			sendJSONError(w, http.StatusBadRequest, threadID, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 1000)
	}

	invocations, err := g.store.ListInvocations(r.Context(), threadID, limit)
	if err != nil {
		g.logger.Error("failed to list invocations", "thread_id", threadID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, threadID, "internal server error")
		return
	}

	response := InvocationsResponse{
		ThreadID:    threadID,
		Invocations: make([]InvocationResponse, len(invocations)),
	}
	for i, inv := range invocations {
		response.Invocations[i] = invocationResponse(inv)
	}

	writeJSON(w, http.StatusOK, response)
}

// handleInvocation handles GET /api/invocations/{id}.
func (g *Gateway) handleInvocation(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		sendJSONError(w, http.StatusNotFound, "", "invocation ledger is disabled")
		return
	}

	inv, err := g.store.GetInvocation(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "", "invocation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get invocation", "id", r.PathValue("id"), "error", err)
		sendJSONError(w, http.StatusInternalServerError, "", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, InvocationDetailResponse{
		ThreadID:           threadIDPtr(inv.ThreadID),
		InvocationResponse: invocationResponse(inv),
	})
}

func invocationResponse(inv *store.Invocation) InvocationResponse {
	return InvocationResponse{
		ID:            inv.ID,
		RunID:         inv.RunID,
		RunStatus:     inv.RunStatus,
		Outcome:       inv.Outcome,
		Stage:         inv.Stage,
		Error:         inv.Error,
		ThreadCreated: inv.ThreadCreated,
		Caller:        inv.Caller,
		StartedAt:     inv.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:    inv.Duration.Milliseconds(),
	}
}
