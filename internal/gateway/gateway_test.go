// ABOUTME: Tests for Gateway construction, health checks, lifecycle and end-to-end invocation
// ABOUTME: Drives the real agent client against the in-process fake agent service

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/copilot-bridge/internal/agentapi"
	"github.com/2389/copilot-bridge/internal/agentapi/agentapitest"
	"github.com/2389/copilot-bridge/internal/config"
	"github.com/2389/copilot-bridge/internal/credential"
	"github.com/2389/copilot-bridge/internal/store"
)

// testConfig creates a minimal, already-defaulted config for testing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	retries := 0
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Agent: config.AgentConfig{
			TenantID:        "tenant-test",
			ClientID:        "client-test",
			ClientSecret:    "secret-test",
			AuthorityHost:   "http://127.0.0.1:1",
			TokenScope:      config.DefaultTokenScope,
			ProjectEndpoint: "http://127.0.0.1:1/api/projects/test",
			AgentID:         "asst_test",
			APIVersion:      config.DefaultAPIVersion,
			MaxRetries:      &retries,
			PollInterval:    time.Millisecond,
			PollTimeout:     2 * time.Second,
		},
		Idempotency: config.IdempotencyConfig{TTL: time.Minute, MaxEntries: 100},
		Logging:     config.LoggingConfig{Level: "info", Format: "text"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIdentity is a canned identitySource.
type fakeIdentity struct {
	id  *credential.Identity
	err error
}

func (f *fakeIdentity) Identity(ctx context.Context) (*credential.Identity, error) {
	return f.id, f.err
}

func readyIdentity() *fakeIdentity {
	return &fakeIdentity{id: &credential.Identity{
		TenantID: "tenant-test",
		AppID:    "client-test",
		Expiry:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
}

// newTestGateway builds a gateway around svc and an optional ledger.
func newTestGateway(t *testing.T, cfg *config.Config, svc agentapi.API, s store.Store) *Gateway {
	t.Helper()
	gw, err := newGateway(cfg, components{service: svc, identity: readyIdentity(), store: s}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func TestNew_MakesNoRemoteCalls(t *testing.T) {
	fake := agentapitest.NewServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Agent.AuthorityHost = srv.URL
	cfg.Agent.ProjectEndpoint = srv.URL
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Equal(t, 0, fake.Count("token"), "token must be acquired lazily")
	assert.NotNil(t, gw.store, "ledger should be enabled by database.path")
	assert.NotNil(t, gw.bridge)
	assert.Nil(t, gw.limiter)
}

func TestNew_LedgerDisabled(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Nil(t, gw.store)
}

func TestNew_MissingAgentID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.AgentID = ""

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestEndToEnd_InvokeThroughFakeService(t *testing.T) {
	fake := agentapitest.NewServer()
	fake.Reply = func(text string) string { return "Hello! You said " + text }
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Agent.AuthorityHost = srv.URL
	cfg.Agent.ProjectEndpoint = srv.URL
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	api := httptest.NewServer(gw.Handler())
	defer api.Close()

	resp, err := http.Post(api.URL+"/invoke_copilot_agent", "application/json", strings.NewReader(`{"message":"Hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body InvokeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.ThreadID)
	require.NotNil(t, body.Response)
	assert.Equal(t, "Hello! You said Hi", *body.Response)

	// Continue the same conversation
	resp2, err := http.Post(api.URL+"/invoke_copilot_agent", "application/json",
		strings.NewReader(`{"message":"Again","convo_thread_id":"`+body.ThreadID+`"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()

	var body2 InvokeResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body2))
	assert.Equal(t, body.ThreadID, body2.ThreadID)
	require.NotNil(t, body2.Response)
	assert.Equal(t, "Hello! You said Again", *body2.Response)

	assert.Equal(t, 1, fake.ThreadCount())
	assert.Equal(t, 1, fake.Count("token"))
	assert.Len(t, fake.Messages(body.ThreadID), 4)

	// Both invocations landed in the ledger
	ledger, err := http.Get(api.URL + "/api/threads/" + body.ThreadID + "/invocations")
	require.NoError(t, err)
	defer ledger.Body.Close()

	var invs InvocationsResponse
	require.NoError(t, json.NewDecoder(ledger.Body).Decode(&invs))
	require.Len(t, invs.Invocations, 2)
	assert.True(t, invs.Invocations[0].ThreadCreated)
	assert.False(t, invs.Invocations[1].ThreadCreated)
	assert.Equal(t, "completed", invs.Invocations[1].RunStatus)
}

func TestEndToEnd_RemoteFailureKeepsThreadID(t *testing.T) {
	fake := agentapitest.NewServer()
	fake.RunScript = []string{agentapitest.StatusQueued, agentapitest.StatusFailed}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Agent.AuthorityHost = srv.URL
	cfg.Agent.ProjectEndpoint = srv.URL

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/invoke_copilot_agent", strings.NewReader(`{"message":"Hi"}`))
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.ThreadID)
	assert.NotEmpty(t, *body.ThreadID)
	assert.Contains(t, body.Error, "failed")
}

func TestEndToEnd_HungIdentityProviderBoundedByRequest(t *testing.T) {
	fake := agentapitest.NewServer()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/oauth2/v2.0/token") {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fake.ServeHTTP(w, r)
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(t)
	cfg.Agent.AuthorityHost = srv.URL
	cfg.Agent.ProjectEndpoint = srv.URL

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	for _, path := range []string{"/invoke_copilot_agent", "/health/ready"} {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		method := http.MethodGet
		var body io.Reader
		if path == "/invoke_copilot_agent" {
			method = http.MethodPost
			body = strings.NewReader(`{"message":"Hi"}`)
		}
		req := httptest.NewRequest(method, path, body).WithContext(ctx)
		rec := httptest.NewRecorder()

		start := time.Now()
		gw.Handler().ServeHTTP(rec, req)
		cancel()

		assert.Less(t, time.Since(start), 3*time.Second, path)
		assert.NotEqual(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, 0, fake.ThreadCount())
}

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), agentapi.NewMockService(), nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleReady(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), agentapi.NewMockService(), nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "tenant-test", body.TenantID)
	assert.Equal(t, "client-test", body.AppID)
	assert.Equal(t, "2030-01-01T00:00:00Z", body.TokenExpiresAt)
}

func TestHandleReady_Unavailable(t *testing.T) {
	cfg := testConfig(t)
	gw, err := newGateway(cfg, components{
		service:  agentapi.NewMockService(),
		identity: &fakeIdentity{err: errors.New("acquiring access token: invalid_client")},
	}, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")
}

func TestHealthEndpointsIgnoreFunctionKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.FunctionKeys = []string{"k1"}
	gw := newTestGateway(t, cfg, agentapi.NewMockService(), nil)

	for _, path := range []string{"/health", "/health/ready"} {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRequestIDHeader(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), agentapi.NewMockService(), nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "caller-chosen")
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-chosen", rec.Header().Get(HeaderRequestID))
}

func TestShutdownClosesLedger(t *testing.T) {
	ledger := store.NewMockStore()
	gw, err := newGateway(testConfig(t), components{
		service:  agentapi.NewMockService(),
		identity: readyIdentity(),
		store:    ledger,
	}, testLogger())
	require.NoError(t, err)

	require.NoError(t, gw.Shutdown(context.Background()))
	assert.True(t, ledger.Closed())
}

func TestRunAndShutdown(t *testing.T) {
	// Find an available port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = addr
	gw, err := newGateway(cfg, components{service: agentapi.NewMockService(), identity: readyIdentity()}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw, err := newGateway(cfg, components{service: agentapi.NewMockService(), identity: readyIdentity()}, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	assert.Error(t, err)
}
