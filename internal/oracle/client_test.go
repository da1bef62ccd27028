package oracle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/oracle"
	"github.com/ironmill-erp/decision-engine/internal/resilience"
)

func completion(content string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
}

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func newQuota(t *testing.T) *resilience.QuotaCache {
	t.Helper()
	q, err := resilience.NewQuotaCache()
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestDecide_Success(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "erp-decider", body["model"])
		assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion(`{"decision":"approve","action":"approve_order","reasoning":"stock is sufficient","confidence":0.9}`))
	})

	c := oracle.NewClient(oracle.Options{BaseURL: srv.URL, APIKey: "test-key", Model: "erp-decider"})
	reply, err := c.Decide(context.Background(), oracle.Query{
		Role:         domain.RoleSales,
		Instructions: "decide",
		Prompt:       "approve order 42",
		Payload:      map[string]any{"order_id": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApprove, reply.Decision)
	assert.Equal(t, domain.ActionApproveOrder, reply.Action)
	assert.InDelta(t, 0.9, reply.Confidence, 1e-9)
}

func TestDecide_OversizedResponse(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(bytes.Repeat([]byte(" "), oracle.MaxResponseBytes+10))
	})

	c := oracle.NewClient(oracle.Options{BaseURL: srv.URL})
	_, err := c.Decide(context.Background(), oracle.Query{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response exceeds")
	assert.False(t, oracle.IsUnavailable(err))
}

func TestDecide_RateLimitedMarksQuota(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`))
	})
	quota := newQuota(t)

	c := oracle.NewClient(oracle.Options{BaseURL: srv.URL, Quota: quota})
	_, err := c.Decide(context.Background(), oracle.Query{Prompt: "x"})
	require.Error(t, err)

	oe, ok := oracle.AsUnavailable(err)
	require.True(t, ok, "expected unavailability tag, got %v", err)
	assert.Equal(t, oracle.KindRateLimited, oe.Kind)
	assert.Equal(t, 120*time.Second, oe.RetryAfter)
	assert.True(t, quota.IsExceeded(resilience.DefaultQuotaKey))
}

func TestDecide_InsufficientQuotaCode(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"insufficient_quota","message":"billing"}}`))
	})

	c := oracle.NewClient(oracle.Options{BaseURL: srv.URL, DefaultBackoff: 10 * time.Minute})
	_, err := c.Decide(context.Background(), oracle.Query{Prompt: "x"})

	oe, ok := oracle.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, oracle.KindRateLimited, oe.Kind)
	assert.Equal(t, 10*time.Minute, oe.RetryAfter)
}

func TestDecide_Unauthorized(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := oracle.NewClient(oracle.Options{BaseURL: srv.URL})
	_, err := c.Decide(context.Background(), oracle.Query{Prompt: "x"})

	oe, ok := oracle.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, oracle.KindUnauthorized, oe.Kind)
}

func TestDecide_ServerErrorIsOther(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	quota := newQuota(t)

	c := oracle.NewClient(oracle.Options{BaseURL: srv.URL, Quota: quota})
	_, err := c.Decide(context.Background(), oracle.Query{Prompt: "x"})
	require.Error(t, err)
	assert.False(t, oracle.IsUnavailable(err))

	var oe *oracle.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, oracle.KindOther, oe.Kind)
	assert.Equal(t, http.StatusInternalServerError, oe.Status)
	assert.False(t, quota.IsExceeded(resilience.DefaultQuotaKey))
}

func TestDecide_InvalidReply(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(completion(`{"decision":"maybe","reasoning":"","confidence":3}`))
	})

	c := oracle.NewClient(oracle.Options{BaseURL: srv.URL})
	_, err := c.Decide(context.Background(), oracle.Query{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOracleInvalidReply))

	var ire *oracle.InvalidReplyError
	require.True(t, errors.As(err, &ire))
	assert.Len(t, ire.Violations, 3)
}

func TestDecodeReply_RejectsUnknownFields(t *testing.T) {
	_, err := oracle.DecodeReply(`{"decision":"approve","reasoning":"ok","confidence":0.8,"mood":"great"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOracleInvalidReply))
}

func TestDecodeReply_RejectsTrailingData(t *testing.T) {
	_, err := oracle.DecodeReply(`{"decision":"approve","reasoning":"ok","confidence":0.8} {}`)
	require.Error(t, err)
}

func TestDecodeReply_Valid(t *testing.T) {
	r, err := oracle.DecodeReply(`{"decision":"conditional","reasoning":"needs QA","confidence":0.7,"conditions":["inspect batch"],"severity":"high"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionConditional, r.Decision)
	assert.Equal(t, []string{"inspect batch"}, r.Conditions)
	assert.Equal(t, domain.SeverityHigh, r.Severity)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rate_limited", oracle.KindRateLimited.String())
	assert.Equal(t, "unauthorized", oracle.KindUnauthorized.String())
	assert.Equal(t, "other", oracle.KindOther.String())
}
