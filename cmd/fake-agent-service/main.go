// ABOUTME: Local stand-in for the hosted agent service, for end-to-end runs of copilot-bridge
// ABOUTME: Usage: fake-agent-service [-addr localhost:8089] [-reply-prefix "echo: "] [-fail-runs]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/copilot-bridge/internal/agentapi/agentapitest"
)

func main() {
	addr := flag.String("addr", "localhost:8089", "HTTP listen address")
	prefix := flag.String("reply-prefix", "echo: ", "text prepended to the user message in replies")
	failRuns := flag.Bool("fail-runs", false, "end every run in the failed status")
	flag.Parse()

	if err := run(*addr, *prefix, *failRuns); err != nil {
		log.Fatal(err)
	}
}

func run(addr, prefix string, failRuns bool) error {
	fake := agentapitest.NewServer()
	fake.Reply = func(text string) string { return echoReply(prefix, text) }
	if failRuns {
		fake.RunScript = []string{agentapitest.StatusQueued, agentapitest.StatusFailed}
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(fake),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(os.Stderr, "fake agent service on http://%s\n", addr)
	fmt.Fprintf(os.Stderr, "  PROJECT_ENDPOINT=http://%s\n", addr)
	fmt.Fprintf(os.Stderr, "  authority_host: http://%s\n", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// echoReply answers "ping" with "pong" and echoes anything else.
func echoReply(prefix, input string) string {
	if strings.EqualFold(strings.TrimSpace(input), "ping") {
		return "pong"
	}
	return prefix + input
}
