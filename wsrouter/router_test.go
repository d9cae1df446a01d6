package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wsrouter/schema"
)

var (
	joinSchema = schema.MustNew(schema.Config{
		Type:    "JOIN_ROOM",
		Payload: schema.Object(schema.Props{"roomId": schema.String()}, "roomId"),
	})

	userJoinedSchema = schema.MustNew(schema.Config{
		Type:    "USER_JOINED",
		Payload: schema.Object(schema.Props{"userId": schema.String()}, "userId"),
	})

	pingSchema = schema.MustNew(schema.Config{
		Type:    "PING",
		Payload: schema.Object(schema.Props{"text": schema.String()}, "text"),
		Response: &schema.Config{
			Type:    "PONG",
			Payload: schema.Object(schema.Props{"reply": schema.String()}, "reply"),
		},
	})
)

type recordSocket struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
}

func (s *recordSocket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordSocket) SendWait(_ context.Context, frame []byte) error { return s.Send(frame) }
func (s *recordSocket) Subscribe(string)                               {}
func (s *recordSocket) Unsubscribe(string)                             {}
func (s *recordSocket) Close(int, string) error                        { return nil }
func (s *recordSocket) RemoteIP() string                               { return "192.0.2.10" }

type wireFrame struct {
	Type    string         `json:"type"`
	Meta    map[string]any `json:"meta"`
	Payload map[string]any `json:"payload"`
}

func (s *recordSocket) sent(t *testing.T) []wireFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wireFrame, len(s.frames))
	for i, raw := range s.frames {
		require.NoError(t, json.Unmarshal(raw, &out[i]))
	}
	return out
}

type countingRecorder struct {
	mu                sync.Mutex
	validationFailed  map[string]int
	rateLimited       map[string]int
	handlerErrors     map[string]int
	published         map[string]int
	framesSent        int
	connectionsOpened int
	connectionsClosed int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		validationFailed: map[string]int{},
		rateLimited:      map[string]int{},
		handlerErrors:    map[string]int{},
		published:        map[string]int{},
	}
}

func (c *countingRecorder) ConnectionOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsOpened++
}

func (c *countingRecorder) ConnectionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsClosed++
}

func (c *countingRecorder) FrameReceived(int) {}

func (c *countingRecorder) FrameSent(int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesSent++
}

func (c *countingRecorder) ValidationFailed(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validationFailed[msgType]++
}

func (c *countingRecorder) RateLimited(msgType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimited[msgType]++
}

func (c *countingRecorder) HandlerError(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerErrors[code]++
}

func (c *countingRecorder) Published(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic]++
}

type harness struct {
	router  *Router
	metrics *countingRecorder

	mu   sync.Mutex
	errs []*Error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{metrics: newCountingRecorder()}
	opts.Logger = zerolog.Nop()
	opts.Metrics = h.metrics
	h.router = New(opts)
	h.router.OnError(func(err *Error, ctx *Context) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.errs = append(h.errs, err)
	})
	return h
}

func (h *harness) errors() []*Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Error{}, h.errs...)
}

func withFixedNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func TestEventDispatchStampsReservedMeta(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	withFixedNow(t, at)

	h := newHarness(t, Options{})
	var got Meta
	h.router.On(joinSchema, func(ctx *Context) error {
		got = ctx.Meta()
		return nil
	})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	// Client-supplied values for the reserved keys pass validation but are
	// overwritten by the server.
	conn.HandleFrame(context.Background(), []byte(
		`{"type":"JOIN_ROOM","meta":{"clientId":"spoofed","receivedAt":1},"payload":{"roomId":"lobby"}}`))

	require.NotNil(t, got)
	assert.Equal(t, "u1", got.ClientID())
	assert.Equal(t, at.UnixMilli(), got.ReceivedAt())
	assert.Empty(t, h.errors())
}

func TestMalformedFrameEmitsParseError(t *testing.T) {
	h := newHarness(t, Options{})
	sock := &recordSocket{}
	conn := h.router.Accept(sock, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(`{not json`))
	conn.HandleFrame(context.Background(), []byte(`[1,2,3]`))

	errs := h.errors()
	require.Len(t, errs, 2)
	assert.Equal(t, CodeInvalidArgument, errs[0].Code)
	assert.Equal(t, CodeInvalidArgument, errs[1].Code)
	// No correlation id is known, so nothing goes back on the wire.
	assert.Empty(t, sock.sent(t))
}

func TestMissingTypeDiscriminator(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(`{"meta":{},"payload":{}}`))

	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInvalidArgument, errs[0].Code)
}

func TestUnregisteredTypeMirrorsCorrelationID(t *testing.T) {
	h := newHarness(t, Options{})
	sock := &recordSocket{}
	conn := h.router.Accept(sock, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"NOPE","meta":{"correlationId":"r-9"}}`))

	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, CodeUnimplemented, errs[0].Code)

	frames := sock.sent(t)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0].Type)
	assert.Equal(t, "r-9", frames[0].Meta["correlationId"])
	assert.Equal(t, string(CodeUnimplemented), frames[0].Payload["code"])
}

func TestUnhandledObserverSuppressesError(t *testing.T) {
	h := newHarness(t, Options{})
	var seen []Envelope
	h.router.Observe(Observers{OnUnhandled: func(conn *Conn, env Envelope) {
		seen = append(seen, env)
	}})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"NOPE","meta":{"k":"v"},"payload":{"n":1}}`))

	require.Len(t, seen, 1)
	assert.Equal(t, "NOPE", seen[0].Type)
	assert.Equal(t, "v", seen[0].Meta["k"])
	assert.Empty(t, h.errors())
}

func TestValidationFailureCarriesIssues(t *testing.T) {
	h := newHarness(t, Options{})
	handled := false
	h.router.On(joinSchema, func(ctx *Context) error {
		handled = true
		return nil
	})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":42}}`))

	assert.False(t, handled)
	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, CodeValidationError, errs[0].Code)
	assert.NotEmpty(t, errs[0].Context["issues"])
	assert.Equal(t, 1, h.metrics.validationFailed["JOIN_ROOM"])
}

func TestOversizeFrameRejectedBeforeValidation(t *testing.T) {
	h := newHarness(t, Options{MaxPayloadBytes: 64})
	h.router.On(joinSchema, func(ctx *Context) error { return nil })
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	big := `{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"` +
		strings.Repeat("x", 128) + `"}}`
	conn.HandleFrame(context.Background(), []byte(big))

	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, CodeResourceExhausted, errs[0].Code)
	assert.Equal(t, 64, errs[0].Context["limit"])
}

func TestMaxPendingBackpressure(t *testing.T) {
	h := newHarness(t, Options{MaxPending: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	h.router.On(joinSchema, func(ctx *Context) error {
		close(started)
		<-block
		return nil
	})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	frame := []byte(`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"lobby"}}`)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.HandleFrame(context.Background(), frame)
	}()
	<-started

	conn.HandleFrame(context.Background(), frame)

	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, CodeResourceExhausted, errs[0].Code)
	assert.Equal(t, 1, h.metrics.rateLimited["JOIN_ROOM"])

	close(block)
	wg.Wait()
}

func TestRPCReplyMirrorsCorrelationID(t *testing.T) {
	h := newHarness(t, Options{})
	h.router.RPC(pingSchema, func(ctx *RPCContext) error {
		require.NoError(t, ctx.Reply(map[string]any{"reply": "pong"}, nil))
		// A second terminal reply is ignored.
		require.NoError(t, ctx.Reply(map[string]any{"reply": "again"}, nil))
		assert.True(t, ctx.Replied())
		return nil
	})
	sock := &recordSocket{}
	conn := h.router.Accept(sock, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"PING","meta":{"correlationId":"r-1"},"payload":{"text":"hi"}}`))

	frames := sock.sent(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "PONG", frames[0].Type)
	assert.Equal(t, "r-1", frames[0].Meta["correlationId"])
	assert.Equal(t, "pong", frames[0].Payload["reply"])
	assert.Empty(t, h.errors())
}

func TestRPCProgressThenReply(t *testing.T) {
	h := newHarness(t, Options{})
	h.router.RPC(pingSchema, func(ctx *RPCContext) error {
		require.NoError(t, ctx.Progress(map[string]any{"reply": "25%"}, nil))
		require.NoError(t, ctx.Progress(map[string]any{"reply": "75%"}, nil))
		return ctx.Reply(map[string]any{"reply": "done"}, nil)
	})
	sock := &recordSocket{}
	conn := h.router.Accept(sock, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"PING","meta":{"correlationId":"r-2"},"payload":{"text":"hi"}}`))

	frames := sock.sent(t)
	require.Len(t, frames, 3)
	for _, f := range frames[:2] {
		assert.Equal(t, TypeRPCProgress, f.Type)
		assert.Equal(t, "r-2", f.Meta["correlationId"])
	}
	assert.Equal(t, "PONG", frames[2].Type)
	assert.Equal(t, "done", frames[2].Payload["reply"])
}

func TestRPCHandlerErrorBecomesErrorFrame(t *testing.T) {
	h := newHarness(t, Options{})
	h.router.RPC(pingSchema, func(ctx *RPCContext) error {
		return E(CodeNotFound, "no such room").WithContext(map[string]any{"roomId": "x"})
	})
	sock := &recordSocket{}
	conn := h.router.Accept(sock, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"PING","meta":{"correlationId":"r-3"},"payload":{"text":"hi"}}`))

	frames := sock.sent(t)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0].Type)
	assert.Equal(t, "r-3", frames[0].Meta["correlationId"])
	assert.Equal(t, string(CodeNotFound), frames[0].Payload["code"])
	assert.Equal(t, false, frames[0].Payload["retryable"])
	assert.Equal(t, 1, h.metrics.handlerErrors[string(CodeNotFound)])
}

func TestErrorFrameRetryAfterField(t *testing.T) {
	decode := func(t *testing.T, e *Error) map[string]any {
		t.Helper()
		raw, err := errorEnvelope(e, "r-1").Encode()
		require.NoError(t, err)
		var frame struct {
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame.Payload
	}

	// A retryable rate-limit denial carries the millisecond value.
	p := decode(t, E(CodeResourceExhausted, "limit").WithRetryAfter(1500*time.Millisecond))
	assert.Equal(t, float64(1500), p["retryAfterMs"])

	// An impossible-under-policy denial still carries the field, as null.
	p = decode(t, E(CodeFailedPrecondition, "cost exceeds capacity"))
	v, present := p["retryAfterMs"]
	require.True(t, present, "retryAfterMs must be present on FAILED_PRECONDITION")
	assert.Nil(t, v)

	// Other codes carry the field only when guidance was set explicitly.
	p = decode(t, E(CodeNotFound, "missing"))
	assert.NotContains(t, p, "retryAfterMs")
	p = decode(t, E(CodeUnavailable, "draining").WithRetryAfter(2*time.Second))
	assert.Equal(t, float64(2000), p["retryAfterMs"])
}

func TestHandlerPanicMapsToInternal(t *testing.T) {
	h := newHarness(t, Options{})
	h.router.On(joinSchema, func(ctx *Context) error {
		panic("boom")
	})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"lobby"}}`))

	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, CodeInternal, errs[0].Code)
	assert.Contains(t, errs[0].Message, "boom")
}

func TestSendStripsReservedMeta(t *testing.T) {
	h := newHarness(t, Options{})
	h.router.On(joinSchema, func(ctx *Context) error {
		return ctx.Send(userJoinedSchema, map[string]any{"userId": "u2"}, &SendOptions{
			Meta: Meta{
				schema.MetaClientID:   "forged",
				schema.MetaReceivedAt: float64(1),
				"roomId":              "lobby",
			},
		})
	})
	sock := &recordSocket{}
	conn := h.router.Accept(sock, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"lobby"}}`))

	frames := sock.sent(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "USER_JOINED", frames[0].Type)
	assert.Equal(t, "lobby", frames[0].Meta["roomId"])
	assert.NotContains(t, frames[0].Meta, schema.MetaClientID)
	assert.NotContains(t, frames[0].Meta, schema.MetaReceivedAt)
}

func TestSendValidatesOutgoingPayload(t *testing.T) {
	h := newHarness(t, Options{})
	var sendErr error
	h.router.On(joinSchema, func(ctx *Context) error {
		sendErr = ctx.Send(userJoinedSchema, map[string]any{"bogus": true}, nil)
		return nil
	})
	sock := &recordSocket{}
	conn := h.router.Accept(sock, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"lobby"}}`))

	require.Error(t, sendErr)
	assert.Equal(t, CodeValidationError, AsError(sendErr).Code)
	assert.Empty(t, sock.sent(t))
}

func TestMiddlewareOrderAndShortCircuit(t *testing.T) {
	h := newHarness(t, Options{})
	var order []string
	h.router.Use(func(ctx *Context, next func() error) error {
		order = append(order, "global")
		return next()
	})
	h.router.On(joinSchema, func(ctx *Context) error {
		order = append(order, "handler")
		return nil
	})
	h.router.UseFor(joinSchema, func(ctx *Context, next func() error) error {
		order = append(order, "route")
		return next()
	})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	frame := []byte(`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"lobby"}}`)
	conn.HandleFrame(context.Background(), frame)
	assert.Equal(t, []string{"global", "route", "handler"}, order)
}

func TestMiddlewareErrorAbortsHandler(t *testing.T) {
	h := newHarness(t, Options{})
	handled := false
	h.router.Use(func(ctx *Context, next func() error) error {
		return E(CodePermissionDenied, "nope")
	})
	h.router.On(joinSchema, func(ctx *Context) error {
		handled = true
		return nil
	})
	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	conn.HandleFrame(context.Background(), []byte(
		`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"lobby"}}`))

	assert.False(t, handled)
	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, CodePermissionDenied, errs[0].Code)
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	h := newHarness(t, Options{})
	sockA := &recordSocket{}
	sockB := &recordSocket{}
	connA := h.router.Accept(sockA, AuthResult{ClientID: "a"})
	h.router.Accept(sockB, AuthResult{ClientID: "b"})

	ctx := context.Background()
	_, err := connA.Topics().Subscribe(ctx, "room:1", &OpOptions{Confirm: ConfirmSettled})
	require.NoError(t, err)

	res, err := h.router.Publish(ctx, "room:1", userJoinedSchema, map[string]any{"userId": "a"}, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Matched)

	framesA := sockA.sent(t)
	require.Len(t, framesA, 1)
	assert.Equal(t, "USER_JOINED", framesA[0].Type)
	assert.Empty(t, sockB.sent(t))
	assert.Equal(t, 1, h.metrics.published["room:1"])
}

func TestHandleCloseCleansUpOnce(t *testing.T) {
	h := newHarness(t, Options{})
	closes := 0
	h.router.OnClose(func(conn *Conn) { closes++ })
	var observed []string
	h.router.Observe(Observers{OnConnectionClose: func(clientID string) {
		observed = append(observed, clientID)
	}})

	conn := h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})
	ctx := context.Background()
	_, err := conn.Topics().Subscribe(ctx, "room:1", &OpOptions{Confirm: ConfirmSettled})
	require.NoError(t, err)
	require.Contains(t, h.router.Driver().Topics(), "room:1")

	conn.HandleClose()
	conn.HandleClose()

	assert.Equal(t, 1, closes)
	assert.Equal(t, []string{"u1"}, observed)
	_, live := h.router.Connection("u1")
	assert.False(t, live)
	assert.Empty(t, h.router.Driver().LocalSubscribers("room:1"))
	assert.Equal(t, 1, h.metrics.connectionsClosed)
}

func TestConnectionDataStore(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.router.Accept(&recordSocket{}, AuthResult{
		ClientID: "u1",
		Data:     map[string]any{"plan": "free"},
	})

	conn.AssignData(map[string]any{"plan": "pro", "region": "eu"})
	data := conn.Data()
	assert.Equal(t, "pro", data["plan"])
	assert.Equal(t, "eu", data["region"])

	// Snapshot, not a live reference.
	data["plan"] = "mutated"
	assert.Equal(t, "pro", conn.Data()["plan"])
}

func TestRegistrationFreezesAfterAccept(t *testing.T) {
	h := newHarness(t, Options{})
	h.router.On(joinSchema, func(ctx *Context) error { return nil })
	h.router.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})

	assert.Panics(t, func() {
		h.router.On(userJoinedSchema, func(ctx *Context) error { return nil })
	})
}

func TestMergeComposesRouters(t *testing.T) {
	a := New(Options{Logger: zerolog.Nop()})
	b := New(Options{Logger: zerolog.Nop()})

	handledBy := ""
	a.On(joinSchema, func(ctx *Context) error { handledBy = "a"; return nil })
	b.On(joinSchema, func(ctx *Context) error { handledBy = "b"; return nil })
	b.On(userJoinedSchema, func(ctx *Context) error { return nil })

	a.Merge(b)
	conn := a.Accept(&recordSocket{}, AuthResult{ClientID: "u1"})
	conn.HandleFrame(context.Background(), []byte(
		`{"type":"JOIN_ROOM","meta":{},"payload":{"roomId":"lobby"}}`))

	assert.Equal(t, "b", handledBy)
}

func TestAsError(t *testing.T) {
	plain := errors.New("disk full")
	e := AsError(plain)
	assert.Equal(t, CodeInternal, e.Code)
	assert.ErrorIs(t, e, plain)

	typed := E(CodeNotFound, "x")
	assert.Same(t, typed, AsError(typed))
}

func TestRetryableDefaults(t *testing.T) {
	assert.True(t, RetryableDefault(CodeUnavailable))
	assert.True(t, RetryableDefault(CodeResourceExhausted))
	assert.False(t, RetryableDefault(CodeInvalidArgument))
	assert.False(t, RetryableDefault(Code("APP_SPECIFIC")))

	e := E(CodeInvalidArgument, "x").WithRetryable(true)
	assert.True(t, e.Retryable())
}
