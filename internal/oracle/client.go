// Package oracle is the HTTP client for the external decision oracle, an
// OpenAI-compatible chat completions endpoint asked to answer in JSON.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/resilience"
)

// MaxResponseBytes caps how much of an oracle response body is read.
const MaxResponseBytes = 4 << 20

// Query is one structured question for the oracle.
type Query struct {
	Role         domain.Role
	Instructions string
	Prompt       string
	Payload      any
}

// Decider answers queries with a validated Reply.
type Decider interface {
	Decide(ctx context.Context, q Query) (*Reply, error)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	Timeout        time.Duration
	DefaultBackoff time.Duration
	// Quota is marked whenever the oracle reports rate limiting or an
	// authorization failure. May be nil.
	Quota *resilience.QuotaCache
}

// Client talks to the decision oracle.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	defaultBackoff time.Duration
	quota          *resilience.QuotaCache
	httpClient     *http.Client
}

// NewClient creates a new oracle client.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := opts.DefaultBackoff
	if backoff <= 0 {
		backoff = time.Hour
	}
	return &Client{
		baseURL:        opts.BaseURL,
		apiKey:         opts.APIKey,
		model:          opts.Model,
		defaultBackoff: backoff,
		quota:          opts.Quota,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
	Temperature    float64           `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Code    any    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decide sends q to the oracle and strictly decodes its reply.
func (c *Client) Decide(ctx context.Context, q Query) (*Reply, error) {
	user := q.Prompt
	if q.Payload != nil {
		user += "\n\nContext:\n" + mustJSON(q.Payload)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: q.Instructions},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindOther, Err: fmt.Errorf("http request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindOther, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(data) > MaxResponseBytes {
		return nil, &Error{Kind: KindOther, Status: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", MaxResponseBytes)}
	}

	if resp.StatusCode >= 400 {
		oe := c.classify(resp, data)
		if oe.Unavailable() && c.quota != nil {
			c.quota.MarkExceeded(resilience.DefaultQuotaKey, oe.Error(), oe.RetryAfter)
		}
		return nil, oe
	}

	var completion chatResponse
	if err := json.Unmarshal(data, &completion); err != nil {
		return nil, &InvalidReplyError{Violations: []string{fmt.Sprintf("unmarshal completion: %v", err)}}
	}
	if len(completion.Choices) == 0 {
		return nil, &InvalidReplyError{Violations: []string{"completion has no choices"}}
	}
	return DecodeReply(completion.Choices[0].Message.Content)
}

// classify maps an error response onto a tagged *Error.
func (c *Client) classify(resp *http.Response, body []byte) *Error {
	oe := &Error{Kind: KindOther, Status: resp.StatusCode}

	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil {
		if code, ok := ae.Error.Code.(string); ok {
			oe.Code = code
		}
		if oe.Code == "" {
			oe.Code = ae.Error.Type
		}
		if ae.Error.Message != "" {
			oe.Err = errors.New(ae.Error.Message)
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusPaymentRequired,
		oe.Code == "insufficient_quota":
		oe.Kind = KindRateLimited
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		oe.Kind = KindUnauthorized
	}

	if oe.Unavailable() {
		oe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		if oe.RetryAfter <= 0 {
			oe.RetryAfter = c.defaultBackoff
		}
	}
	return oe
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now)
	}
	return 0
}
