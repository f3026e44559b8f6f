// ABOUTME: HTTP middleware enforcing function-level keys
// ABOUTME: Accepts the x-functions-key header or code query parameter and compares in constant time

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Where callers put their key.
const (
	HeaderFunctionKey = "x-functions-key"
	QueryFunctionKey  = "code"
)

// errorBody mirrors the bridge's error payload. ThreadID is always null here.
type errorBody struct {
	ThreadID *string `json:"convo_thread_id"`
	Error    string  `json:"error"`
}

// extractKey returns the presented key and where it came from.
func extractKey(r *http.Request) (string, string) {
	if key := r.Header.Get(HeaderFunctionKey); key != "" {
		return key, SourceHeader
	}
	if key := r.URL.Query().Get(QueryFunctionKey); key != "" {
		return key, SourceQuery
	}
	return "", ""
}

// matchKey returns the index of the matching key, or -1. Every configured key
// is compared so timing does not reveal which one matched.
func matchKey(keys [][]byte, presented string) int {
	match := -1
	p := []byte(presented)
	for i, k := range keys {
		if subtle.ConstantTimeCompare(k, p) == 1 && match < 0 {
			match = i
		}
	}
	return match
}

// FunctionKeyMiddleware rejects requests that do not present one of keys.
// Empty keys are ignored; with no usable keys every request passes.
func FunctionKeyMiddleware(keys []string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	var usable [][]byte
	for _, k := range keys {
		if k != "" {
			usable = append(usable, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(usable) == 0 {
				ctx := WithAuth(r.Context(), &AuthContext{Source: SourceDisabled})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key, source := extractKey(r)
			if key == "" {
				writeUnauthorized(w, "missing function key")
				return
			}

			idx := matchKey(usable, key)
			if idx < 0 {
				logger.Warn("rejected invalid function key", "path", r.URL.Path, "source", source)
				writeUnauthorized(w, "invalid function key")
				return
			}

			authCtx := &AuthContext{KeyName: fmt.Sprintf("key-%d", idx), Source: source}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
