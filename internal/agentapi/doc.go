// Package agentapi is the client for the remote agent-hosting service.
//
// # Overview
//
// The service exposes conversation threads, messages appended to them, and
// runs: asynchronous executions of a pre-configured agent against a thread.
// The wire format is the OpenAI Assistants v2 shape, so the client is built
// on github.com/openai/openai-go pointed at the project endpoint, with an
// api-version query parameter and bearer tokens from a TokenProvider.
//
// # Lifecycle
//
// Client is created once by the gateway and injected into the bridge. The
// underlying SDK client is constructed lazily on the first call, so bad
// credentials surface as request errors instead of a failed startup. When the
// service answers 401 the client invalidates the cached token, rebuilds the
// SDK client and retries the call once.
//
// # Testing
//
// MockService is an in-memory API with scripted run statuses and injectable
// failures. Package agentapitest provides an HTTP fake of the real service.
package agentapi
