// Package gateway serves the copilot-bridge HTTP API.
//
// # Overview
//
// The gateway owns every long-lived component and wires them together:
//
//	type Gateway struct {
//	    config      *config.Config
//	    bridge      *bridge.Bridge      // invocation procedure
//	    service     agentapi.API        // remote agent service client
//	    credentials identitySource      // token provider, for readiness
//	    store       store.Store         // optional invocation ledger
//	    idempotency *dedupe.Cache       // Idempotency-Key replay cache
//	    limiter     *rate.Limiter       // optional invoke rate limit
//	    httpServer  *http.Server
//	}
//
// # HTTP API
//
// Function routes live under server.route_prefix (empty by default) and
// require a function key when keys are configured:
//
//   - POST /invoke_copilot_agent - Forward a message to the agent and wait for the reply
//   - GET /test - Returns "Hello World!"
//   - GET /api/threads/{id}/invocations - Ledger entries for a thread
//   - GET /api/invocations/{id} - One ledger entry, including its thread
//
// Ledger entries carry the name of the function key that made the call
// ("caller"), omitted when keys are disabled.
//
// Health endpoints are never prefixed and never need a key:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (a token can be acquired)
//
// # Invoke Contract
//
// Request:
//
//	{"message": "Hi", "convo_thread_id": "thread_abc"}
//
// Success (200):
//
//	{"convo_thread_id": "thread_abc", "response": "Hello!"}
//
// Failure (500, or 401/409/429 for refused requests):
//
//	{"convo_thread_id": null, "error": "create_thread: ..."}
//
// convo_thread_id is present in every response; it is null until a thread is
// known. A request carrying an Idempotency-Key header is answered from the
// replay cache when the same key finished recently, and refused with 409 while
// the first request with that key is still running.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//	gw.Shutdown(shutdownCtx)
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown, health checks
//   - api.go: invoke, test and ledger handlers
//   - middleware.go: recovery, request logging and rate limiting
package gateway
