package connection

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type fakeConn struct {
	in      chan []byte
	end     chan error
	closed  chan struct{}
	once    sync.Once
	pingErr error

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), end: make(chan error, 1), closed: make(chan struct{})}
}

func (c *fakeConn) Kind() string { return "fake" }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.end:
		return nil, err
	case <-c.closed:
		return nil, &transport.CloseError{Code: transport.CodeAbnormalClosure}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer answers dial n (1-based) with next(n). A nil next refuses.
type fakeDialer struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	next   func(ctx context.Context, n int) (transport.Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, token string) (transport.Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.tokens = append(d.tokens, token)
	next := d.next
	d.mu.Unlock()

	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next(ctx, n)
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// always hands out the given conns in order, then refuses.
func always(conns ...*fakeConn) func(context.Context, int) (transport.Conn, error) {
	return func(_ context.Context, n int) (transport.Conn, error) {
		if n > len(conns) {
			return nil, errors.New("connection refused")
		}
		return conns[n-1], nil
	}
}

type frameSink struct {
	mu     sync.Mutex
	frames []string
}

func (f *frameSink) HandleFrame(_ context.Context, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(raw))
}

func (f *frameSink) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type statusLog struct {
	mu     sync.Mutex
	states []State
}

func (l *statusLog) Publish(_ context.Context, topic bus.Topic, payload any) error {
	if topic != bus.TopicConnectionStatus {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, payload.(State))
	return nil
}

func (l *statusLog) States() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *statusLog) Saw(pred func(State) bool) bool {
	for _, s := range l.States() {
		if pred(s) {
			return true
		}
	}
	return false
}

func testOptions() Options {
	return Options{
		Endpoint:       "ws://game.test/ws/game",
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		MaxRetries:     5,
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
	}
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	frames *frameSink
	status *statusLog
}

func newHarness(t *testing.T, opts Options, next func(context.Context, int) (transport.Conn, error)) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{next: next},
		frames: &frameSink{},
		status: &statusLog{},
	}
	h.m = New(context.Background(), opts, h.dialer, h.frames, h.status, zaptest.NewLogger(t))
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.Stats().Status == want }, waitFor, tick,
		"status stuck at %s, want %s", h.m.Stats().Status, want)
}

func TestDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Delay(time.Second, 10*time.Second, tc.attempt), "attempt %d", tc.attempt)
	}

	m := New(context.Background(), Options{}, &fakeDialer{}, nil, nil, nil)
	defer m.Close()
	assert.Equal(t, 4*time.Second, m.Backoff(2))
}

func TestInitialize_ConnectsAndJoins(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, testOptions(), always(conn))

	require.NoError(t, h.m.Initialize("tok-1"))
	h.waitStatus(t, StatusConnected)

	st := h.m.Stats()
	assert.Equal(t, 0, st.Attempt)
	assert.Empty(t, st.LastError)
	assert.Equal(t, "fake", st.Transport)
	assert.True(t, st.Connected())
	assert.Equal(t, []string{"tok-1"}, h.dialer.tokens)

	require.Eventually(t, func() bool { return len(conn.Writes()) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"type":"game.join"}`, conn.Writes()[0])

	conn.in <- []byte(`{"type":"new_round","payload":{"round_id":"r1"}}`)
	require.Eventually(t, func() bool { return len(h.frames.Frames()) == 1 }, waitFor, tick)
}

func TestInitialize_NoopWhileConnected(t *testing.T) {
	h := newHarness(t, testOptions(), always(newFakeConn(), newFakeConn()))

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusConnected)
	require.NoError(t, h.m.Initialize("other"))
	require.NoError(t, h.m.Connect())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Calls())
	assert.Equal(t, StatusConnected, h.m.Stats().Status)
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, testOptions(), nil)

	require.NoError(t, h.m.Initialize("tok"))
	h.waitStatus(t, StatusFailed)

	st := h.m.Stats()
	assert.Equal(t, 5, st.Attempt)
	assert.Equal(t, ErrMaxRetriesExceeded.Error(), st.LastError)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 5, h.dialer.Calls(), "no dial after giving up")

	assert.True(t, h.status.Saw(func(s State) bool {
		return s.Status == StatusReconnecting && s.Attempt == 1
	}))
}

func TestConnect_AfterFailedResetsAttempts(t *testing.T) {
	conn := newFakeConn()
	opts := testOptions()
	opts.MaxRetries = 2
	h := newHarness(t, opts, func(_ context.Context, n int) (transport.Conn, error) {
		if n <= 2 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	})

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusFailed)

	require.NoError(t, h.m.Connect())
	h.waitStatus(t, StatusConnected)
	assert.Equal(t, 3, h.dialer.Calls())
	assert.True(t, h.status.Saw(func(s State) bool {
		return s.Status == StatusConnecting && s.Attempt == 1 && s.LastError == ErrMaxRetriesExceeded.Error()
	}))
}

func TestSend_NotConnected(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.m.Send(ctx, "anything", nil), ErrNotConnected)
	assert.ErrorIs(t, h.m.PlaceBet(ctx, 10), ErrNotConnected)
	assert.ErrorIs(t, h.m.Cashout(ctx, "b1"), ErrNotConnected)
	assert.Equal(t, 0, h.dialer.Calls())
	assert.Equal(t, StatusDisconnected, h.m.Stats().Status)
}

func TestCommands_Validation(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	ctx := context.Background()

	for _, amount := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, h.m.PlaceBet(ctx, amount), ErrInvalidAmount, "amount %v", amount)
	}
	assert.ErrorIs(t, h.m.Cashout(ctx, ""), ErrInvalidBetID)
}

func TestCommands_WriteFrames(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, testOptions(), always(conn))
	ctx := context.Background()

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusConnected)
	require.Eventually(t, func() bool { return len(conn.Writes()) == 1 }, waitFor, tick)

	require.NoError(t, h.m.PlaceBet(ctx, 12.5))
	require.NoError(t, h.m.Cashout(ctx, "bet-7"))

	writes := conn.Writes()
	require.Len(t, writes, 3)
	assert.JSONEq(t, `{"type":"place_bet","payload":{"amount":12.5}}`, writes[1])
	assert.JSONEq(t, `{"type":"cashout","payload":{"bet_id":"bet-7"}}`, writes[2])
}

func TestDisconnect_Idempotent(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, testOptions(), always(conn))

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusConnected)

	require.NoError(t, h.m.Disconnect())
	require.NoError(t, h.m.Disconnect())
	assert.Equal(t, State{Status: StatusDisconnected}, h.m.Stats())
	require.Eventually(t, conn.isClosed, waitFor, tick)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Calls())
	assert.ErrorIs(t, h.m.PlaceBet(context.Background(), 1), ErrNotConnected)
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	opts := testOptions()
	opts.BaseDelay = 30 * time.Millisecond
	h := newHarness(t, opts, nil)

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusReconnecting)
	require.NoError(t, h.m.Disconnect())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Calls())
	assert.Equal(t, StatusDisconnected, h.m.Stats().Status)
}

func TestServerClose(t *testing.T) {
	cases := []struct {
		name       string
		code       int
		wantStatus Status
		wantDials  int
	}{
		{name: "normal closure", code: transport.CodeNormalClosure, wantStatus: StatusDisconnected, wantDials: 1},
		{name: "going away", code: transport.CodeGoingAway, wantStatus: StatusDisconnected, wantDials: 1},
		{name: "abnormal closure", code: transport.CodeAbnormalClosure, wantStatus: StatusConnected, wantDials: 2},
		{name: "application code", code: 4001, wantStatus: StatusConnected, wantDials: 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			first, second := newFakeConn(), newFakeConn()
			h := newHarness(t, testOptions(), always(first, second))

			require.NoError(t, h.m.Initialize(""))
			h.waitStatus(t, StatusConnected)

			first.end <- &transport.CloseError{Code: tc.code}
			require.Eventually(t, func() bool { return h.dialer.Calls() == tc.wantDials }, waitFor, tick)
			h.waitStatus(t, tc.wantStatus)
			if tc.wantDials > 1 {
				assert.True(t, h.status.Saw(func(s State) bool {
					return s.Status == StatusReconnecting && s.LastError != ""
				}))
			}

			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, tc.wantDials, h.dialer.Calls())
		})
	}
}

func TestPingFailure_Reconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	first.pingErr = errors.New("pong timeout")
	opts := testOptions()
	opts.PingInterval = 5 * time.Millisecond
	opts.PingTimeout = 5 * time.Millisecond
	h := newHarness(t, opts, always(first, second))

	require.NoError(t, h.m.Initialize(""))
	require.Eventually(t, func() bool { return h.dialer.Calls() == 2 }, waitFor, tick)
	h.waitStatus(t, StatusConnected)

	assert.True(t, h.status.Saw(func(s State) bool {
		return s.Status == StatusReconnecting && s.LastError == "ping timeout"
	}))
	require.Eventually(t, first.isClosed, waitFor, tick)
}

func TestNetworkOfflineOnline(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	h := newHarness(t, testOptions(), always(first, second))

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusConnected)

	require.NoError(t, h.m.NetworkOffline())
	st := h.m.Stats()
	assert.Equal(t, StatusReconnecting, st.Status)
	assert.Equal(t, networkLost, st.LastError)
	assert.Equal(t, 0, st.Attempt)
	require.Eventually(t, first.isClosed, waitFor, tick)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Calls(), "no retry while offline")

	require.NoError(t, h.m.NetworkOnline())
	h.waitStatus(t, StatusConnected)
	assert.Equal(t, 2, h.dialer.Calls())
}

func TestNetworkOnline_IgnoredWhenDisconnected(t *testing.T) {
	h := newHarness(t, testOptions(), always(newFakeConn()))

	require.NoError(t, h.m.NetworkOffline())
	assert.Equal(t, StatusDisconnected, h.m.Stats().Status)
	assert.Equal(t, networkLost, h.m.Stats().LastError)

	require.NoError(t, h.m.NetworkOnline())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.dialer.Calls())
}

func TestNetworkOffline_KeepsFailureReason(t *testing.T) {
	h := newHarness(t, testOptions(), nil)

	require.NoError(t, h.m.Initialize("tok"))
	h.waitStatus(t, StatusFailed)

	require.NoError(t, h.m.NetworkOffline())
	st := h.m.Stats()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, ErrMaxRetriesExceeded.Error(), st.LastError)
	assert.Equal(t, 5, st.Attempt)
}

func TestPreflightFailure(t *testing.T) {
	opts := testOptions()
	opts.Preflight = func(context.Context) error { return errors.New("health check returned 503") }
	h := newHarness(t, opts, always(newFakeConn()))

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusFailed)

	assert.Contains(t, h.m.Stats().LastError, "server unavailable")
	assert.Equal(t, 0, h.dialer.Calls())
}

func TestConnectTimeout(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 10 * time.Millisecond
	opts.MaxRetries = 2
	h := newHarness(t, opts, func(ctx context.Context, _ int) (transport.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusFailed)

	assert.Equal(t, 2, h.dialer.Calls())
	assert.True(t, h.status.Saw(func(s State) bool {
		return s.Status == StatusReconnecting && strings.Contains(s.LastError, "connection timeout")
	}))
}

func TestStatusPublishedInOrder(t *testing.T) {
	h := newHarness(t, testOptions(), always(newFakeConn()))

	require.NoError(t, h.m.Initialize(""))
	h.waitStatus(t, StatusConnected)
	require.Eventually(t, func() bool { return len(h.status.States()) >= 2 }, waitFor, tick)

	states := h.status.States()
	assert.Equal(t, StatusConnecting, states[0].Status)
	assert.Equal(t, 1, states[0].Attempt)
	assert.Equal(t, StatusConnected, states[1].Status)
}

func TestSubscriberMayCallBack(t *testing.T) {
	b := bus.New()
	dialer := &fakeDialer{next: always(newFakeConn())}
	m := New(context.Background(), testOptions(), dialer, nil, b, zaptest.NewLogger(t))
	t.Cleanup(m.Close)

	sent := make(chan error, 1)
	b.SubscribeFunc(bus.TopicConnectionStatus, func(ctx context.Context, msg bus.Message) {
		if msg.Payload.(State).Connected() {
			sent <- m.PlaceBet(ctx, 1)
		}
	})

	require.NoError(t, m.Initialize(""))
	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("subscriber never ran")
	}
}

func TestClose(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{next: always(conn)}
	m := New(context.Background(), testOptions(), dialer, nil, nil, nil)

	require.NoError(t, m.Initialize(""))
	require.Eventually(t, func() bool { return m.Stats().Connected() }, waitFor, tick)

	m.Close()
	assert.True(t, conn.isClosed())
	assert.Equal(t, StatusDisconnected, m.Stats().Status)
	assert.ErrorIs(t, m.Connect(), ErrClosed)
	assert.ErrorIs(t, m.Send(context.Background(), "x", nil), ErrClosed)
}
