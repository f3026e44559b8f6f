// Package dedupe provides the Idempotency-Key cache: a thread-safe,
// TTL-based, size-limited map from caller-supplied keys to either an
// in-flight marker or the stored response of a finished request.
package dedupe
