// Package auth enforces function-level keys on the HTTP endpoints.
//
// # Function Keys
//
// A caller proves access by presenting one of the configured keys, either
// in the x-functions-key header or in the code query parameter (the header
// wins when both are present). Keys are compared in constant time.
//
// When no keys are configured the middleware lets every request through and
// tags it as unauthenticated; the gateway logs a warning at startup.
//
// # Context
//
// A successful check stores an AuthContext in the request context:
//
//	authCtx := auth.FromContext(r.Context())
//	if authCtx != nil {
//	    logger.Info("request", "key", authCtx.KeyName)
//	}
//
// # Failure Responses
//
// Rejected requests get HTTP 401 with the same JSON shape as every other
// bridge error:
//
//	{"convo_thread_id": null, "error": "missing function key"}
package auth
