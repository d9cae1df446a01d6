package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wsrouter/schema"
	"github.com/adred-codev/wsrouter/wsrouter"
)

type stubSocket struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *stubSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *stubSocket) SendWait(_ context.Context, frame []byte) error { return s.Send(frame) }
func (s *stubSocket) Subscribe(string)                               {}
func (s *stubSocket) Unsubscribe(string)                             {}
func (s *stubSocket) Close(int, string) error                        { return nil }
func (s *stubSocket) RemoteIP() string                               { return "203.0.113.7" }

var pingSchema = schema.MustNew(schema.Config{Type: "PING"})

type limiterHarness struct {
	conn    *wsrouter.Conn
	handled int
	errs    []*wsrouter.Error
}

func newLimiterHarness(t *testing.T, limiter Limiter, opts MiddlewareOptions) *limiterHarness {
	t.Helper()
	h := &limiterHarness{}

	r := wsrouter.New(wsrouter.Options{Logger: zerolog.Nop()})
	r.Use(Middleware(limiter, opts))
	r.On(pingSchema, func(ctx *wsrouter.Context) error {
		h.handled++
		return nil
	})
	r.OnError(func(err *wsrouter.Error, ctx *wsrouter.Context) {
		h.errs = append(h.errs, err)
	})

	h.conn = r.Accept(&stubSocket{}, wsrouter.AuthResult{ClientID: "u1"})
	return h
}

func (h *limiterHarness) ping(t *testing.T) {
	t.Helper()
	h.conn.HandleFrame(context.Background(), []byte(`{"type":"PING","meta":{}}`))
}

func TestMiddlewareAllowsWithinBudget(t *testing.T) {
	withClock(t)
	limiter := newTestLimiter(t, Policy{Capacity: 2, TokensPerSecond: 1})
	h := newLimiterHarness(t, limiter, MiddlewareOptions{})

	h.ping(t)
	h.ping(t)
	assert.Equal(t, 2, h.handled)
	assert.Empty(t, h.errs)
}

func TestMiddlewareDeniesWithRetryGuidance(t *testing.T) {
	withClock(t)
	limiter := newTestLimiter(t, Policy{Capacity: 1, TokensPerSecond: 2})
	h := newLimiterHarness(t, limiter, MiddlewareOptions{})

	h.ping(t)
	h.ping(t)

	assert.Equal(t, 1, h.handled)
	require.Len(t, h.errs, 1)
	e := h.errs[0]
	assert.Equal(t, wsrouter.CodeResourceExhausted, e.Code)
	assert.True(t, e.Retryable())
	require.NotNil(t, e.RetryAfter)
	assert.Equal(t, 500*time.Millisecond, *e.RetryAfter)
	assert.Equal(t, int64(1), e.Context["limit"])
}

func TestMiddlewareCostAboveCapacity(t *testing.T) {
	withClock(t)
	limiter := newTestLimiter(t, Policy{Capacity: 2, TokensPerSecond: 1})
	h := newLimiterHarness(t, limiter, MiddlewareOptions{Cost: 3})

	h.ping(t)

	assert.Equal(t, 0, h.handled)
	require.Len(t, h.errs, 1)
	e := h.errs[0]
	assert.Equal(t, wsrouter.CodeFailedPrecondition, e.Code)
	assert.False(t, e.Retryable())
	assert.Nil(t, e.RetryAfter)
}

func TestMiddlewareRejectsInvalidCost(t *testing.T) {
	withClock(t)
	limiter := newTestLimiter(t, Policy{Capacity: 10, TokensPerSecond: 1})
	h := newLimiterHarness(t, limiter, MiddlewareOptions{Cost: 1.5})

	h.ping(t)

	assert.Equal(t, 0, h.handled)
	require.Len(t, h.errs, 1)
	assert.Equal(t, wsrouter.CodeInvalidArgument, h.errs[0].Code)
}

type erroringLimiter struct{}

func (erroringLimiter) Consume(context.Context, string, int64) (Decision, error) {
	return Decision{}, assert.AnError
}

func (erroringLimiter) Policy() Policy {
	return Policy{Capacity: 1, TokensPerSecond: 1}
}

func TestMiddlewareMapsStorageFailureToUnavailable(t *testing.T) {
	h := newLimiterHarness(t, erroringLimiter{}, MiddlewareOptions{})

	h.ping(t)

	assert.Equal(t, 0, h.handled)
	require.Len(t, h.errs, 1)
	assert.Equal(t, wsrouter.CodeUnavailable, h.errs[0].Code)
}

func TestKeyFuncs(t *testing.T) {
	limiter := newTestLimiter(t, Policy{Capacity: 100, TokensPerSecond: 100})

	var got string
	capture := func(ctx *wsrouter.Context) string {
		got = KeyPerUserOrIPPerType(ctx)
		return KeyPerUser(ctx)
	}

	h := newLimiterHarness(t, limiter, MiddlewareOptions{Key: capture})

	h.ping(t)
	require.Equal(t, 1, h.handled)
	assert.Equal(t, "u1:PING", got)
}
