// ABOUTME: openai-go backed client for the threads/messages/runs API of the agent service
// ABOUTME: Lazily builds the SDK client and re-initializes it once on authentication failure

package agentapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// TokenProvider supplies authorized HTTP clients and can drop its cached token.
type TokenProvider interface {
	HTTPClient(base http.RoundTripper) *http.Client
	Invalidate()
}

// Options configures a Client.
type Options struct {
	// Endpoint is the project base URL, e.g. https://x.services.ai.azure.com/api/projects/p
	Endpoint   string
	APIVersion string
	// MaxRetries is the SDK-level retry count for transient HTTP failures.
	MaxRetries int
	// RequestTimeout bounds each individual HTTP call. Zero leaves it to ctx.
	RequestTimeout time.Duration
	Credentials    TokenProvider
	// Transport is the base round tripper under the auth layer. Nil uses the default.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client implements API against the remote service.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu  sync.Mutex
	sdk *openai.Client
}

var _ API = (*Client)(nil)

// New creates a Client. No connection or token request is made here.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: logger.With("component", "agentapi"),
	}
}

// sdkClient returns the SDK client, building it on first use.
func (c *Client) sdkClient() *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sdk == nil {
		reqOpts := []option.RequestOption{
			option.WithBaseURL(baseURL(c.opts.Endpoint)),
			option.WithHTTPClient(c.opts.Credentials.HTTPClient(c.opts.Transport)),
			option.WithMaxRetries(c.opts.MaxRetries),
		}
		if c.opts.APIVersion != "" {
			reqOpts = append(reqOpts, option.WithQuery("api-version", c.opts.APIVersion))
		}
		if c.opts.RequestTimeout > 0 {
			reqOpts = append(reqOpts, option.WithRequestTimeout(c.opts.RequestTimeout))
		}
		client := openai.NewClient(reqOpts...)
		c.sdk = &client
		c.logger.Info("agent service client initialized", "endpoint", c.opts.Endpoint, "api_version", c.opts.APIVersion)
	}
	return c.sdk
}

// reset discards the SDK client so the next call rebuilds it.
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sdk = nil
}

// Close releases the SDK client. The Client may be reused afterwards.
func (c *Client) Close() error {
	c.reset()
	return nil
}

// call runs fn and, if the service rejected the credentials, re-authenticates
// and runs it exactly once more. A 401 guarantees nothing was created.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context, *openai.Client) error) error {
	err := fn(ctx, c.sdkClient())
	if IsUnauthorized(err) {
		c.logger.Warn("agent service rejected credentials, re-initializing", "op", op)
		c.opts.Credentials.Invalidate()
		c.reset()
		err = fn(ctx, c.sdkClient())
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// CreateThread creates an empty thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var id string
	err := c.call(ctx, "create thread", func(ctx context.Context, sdk *openai.Client) error {
		thread, err := sdk.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
		if err != nil {
			return err
		}
		id = thread.ID
		return nil
	})
	return id, err
}

// CreateMessage appends a user message to the thread.
func (c *Client) CreateMessage(ctx context.Context, threadID, content string) (*Message, error) {
	var msg *Message
	err := c.call(ctx, "create message", func(ctx context.Context, sdk *openai.Client) error {
		m, err := sdk.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
			Role: openai.BetaThreadMessageNewParamsRoleUser,
			Content: openai.BetaThreadMessageNewParamsContentUnion{
				OfString: openai.String(content),
			},
		})
		if err != nil {
			return err
		}
		msg = convertMessage(m)
		return nil
	})
	return msg, err
}

// CreateRun starts a run of agentID against the thread.
func (c *Client) CreateRun(ctx context.Context, threadID, agentID string) (*Run, error) {
	var run *Run
	err := c.call(ctx, "create run", func(ctx context.Context, sdk *openai.Client) error {
		r, err := sdk.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
			AssistantID: agentID,
		})
		if err != nil {
			return err
		}
		run = convertRun(r)
		return nil
	})
	return run, err
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run *Run
	err := c.call(ctx, "get run", func(ctx context.Context, sdk *openai.Client) error {
		r, err := sdk.Beta.Threads.Runs.Get(ctx, threadID, runID)
		if err != nil {
			return err
		}
		run = convertRun(r)
		return nil
	})
	return run, err
}

// ListMessages walks every page of the thread's messages in ascending order.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	var out []Message
	err := c.call(ctx, "list messages", func(ctx context.Context, sdk *openai.Client) error {
		out = out[:0]
		iter := sdk.Beta.Threads.Messages.ListAutoPaging(ctx, threadID, openai.BetaThreadMessageListParams{
			Order: openai.BetaThreadMessageListParamsOrderAsc,
			Limit: openai.Int(100),
		})
		for iter.Next() {
			m := iter.Current()
			out = append(out, *convertMessage(&m))
		}
		return iter.Err()
	})
	return out, err
}

// IsUnauthorized reports whether err is an HTTP 401 from the service.
func IsUnauthorized(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func baseURL(endpoint string) string {
	if strings.HasSuffix(endpoint, "/") {
		return endpoint
	}
	return endpoint + "/"
}

func convertMessage(m *openai.Message) *Message {
	msg := &Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Role:      Role(m.Role),
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
		Content:   make([]ContentBlock, 0, len(m.Content)),
	}
	for _, part := range m.Content {
		block := ContentBlock{Type: part.Type}
		if part.Type == "text" {
			block.Text = part.Text.Value
		}
		msg.Content = append(msg.Content, block)
	}
	return msg
}

func convertRun(r *openai.Run) *Run {
	run := &Run{
		ID:       r.ID,
		ThreadID: r.ThreadID,
		AgentID:  r.AssistantID,
		Status:   RunStatus(r.Status),
	}
	if r.LastError.Message != "" || r.LastError.Code != "" {
		run.LastError = &RunError{
			Code:    string(r.LastError.Code),
			Message: r.LastError.Message,
		}
	}
	return run
}
