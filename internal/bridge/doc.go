// Package bridge implements the agent invocation procedure.
//
// A single Invoke call ensures a conversation thread exists, appends the
// caller's message, starts a run of the configured agent and polls it until
// the run leaves the queued/in_progress states. When the run completes, the
// text of the last assistant message is returned.
//
// # Polling
//
// Polling uses a constant interval (200ms by default) and is bounded twice:
// by the request context, so a disconnecting client stops the loop, and by
// a poll timeout, which yields ErrRunTimeout instead of blocking forever.
//
// # Errors
//
// Every failure is an *InvocationError. It records the stage that failed
// and the thread id once one is known, so callers can always report it:
//
//	res, err := b.Invoke(ctx, bridge.Request{Message: "Hi"})
//	var invErr *bridge.InvocationError
//	if errors.As(err, &invErr) {
//	    log.Printf("thread %s failed at %s", invErr.ThreadID, invErr.Stage)
//	}
//
// Nothing created remotely is rolled back when a later stage fails.
package bridge
