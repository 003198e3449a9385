// Package connection owns the single link to the game server.
//
// All mutable state lives in one goroutine (the loop) and changes only in
// response to messages on its inbox: user commands, dial results, connection
// losses and retry timers. Helper goroutines report back tagged with the
// generation they were started for; reports from an abandoned generation are
// dropped, which is what keeps at most one live transport.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/transport"
	"github.com/DoyleJ11/crash-client/pkg/types"
)

// FrameHandler receives inbound frames in arrival order, one at a time.
type FrameHandler interface {
	HandleFrame(ctx context.Context, raw []byte)
}

type Publisher interface {
	Publish(ctx context.Context, topic bus.Topic, payload any) error
}

type msg interface{ isMsg() }

type initializeMsg struct {
	token string
	reply chan struct{}
}

type connectMsg struct{ reply chan struct{} }

type disconnectMsg struct{ reply chan struct{} }

type networkMsg struct {
	online bool
	reply  chan struct{}
}

type sendMsg struct{ reply chan sendTarget }

type sendTarget struct {
	conn transport.Conn
	err  error
}

type dialResult struct {
	gen  uint64
	conn transport.Conn
	err  error
}

type connLost struct {
	gen uint64
	err error
}

type retryFired struct{ gen uint64 }

func (initializeMsg) isMsg() {}
func (connectMsg) isMsg()    {}
func (disconnectMsg) isMsg() {}
func (networkMsg) isMsg()    {}
func (sendMsg) isMsg()       {}
func (dialResult) isMsg()    {}
func (connLost) isMsg()      {}
func (retryFired) isMsg()    {}

type Manager struct {
	opts   Options
	dialer transport.Dialer
	frames FrameHandler
	logger *zap.Logger

	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	snap   atomic.Pointer[State]
	feed   *statusFeed

	// Owned by the loop goroutine.
	state      State
	token      string
	conn       transport.Conn
	gen        uint64
	connCtx    context.Context
	connCancel context.CancelFunc
	retry      *time.Timer
	retryGen   uint64
}

func New(parent context.Context, opts Options, dialer transport.Dialer, frames FrameHandler, pub Publisher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	opts = opts.withDefaults()

	m := &Manager{
		opts:   opts,
		dialer: dialer,
		frames: frames,
		logger: logger.Named("connection").With(zap.String("endpoint", transport.Redact(opts.Endpoint))),
		inbox:  make(chan msg, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		feed:   newStatusFeed(pub),
		state:  State{Status: StatusDisconnected},
		token:  opts.Token,
	}
	initial := m.state
	m.snap.Store(&initial)

	go m.feed.run(ctx, m.logger)
	go m.loop()
	return m
}

// Stats returns the authoritative connection state at the instant of the call.
func (m *Manager) Stats() State {
	return *m.snap.Load()
}

// Backoff returns the delay scheduled after a failure at the given attempt.
func (m *Manager) Backoff(attempt int) time.Duration {
	return Delay(m.opts.BaseDelay, m.opts.MaxDelay, attempt)
}

// Initialize starts a fresh connect cycle with the attempt counter reset. It
// is a no-op while connected or connecting. An empty token keeps the current
// one.
func (m *Manager) Initialize(token string) error {
	reply := make(chan struct{})
	return m.call(initializeMsg{token: token, reply: reply}, reply)
}

// Connect dials now unless already connected or connecting. Calling it after
// StatusFailed resumes with a reset attempt counter.
func (m *Manager) Connect() error {
	reply := make(chan struct{})
	return m.call(connectMsg{reply: reply}, reply)
}

// Disconnect tears the link down on purpose. It cancels any pending retry and
// is safe to call repeatedly.
func (m *Manager) Disconnect() error {
	reply := make(chan struct{})
	return m.call(disconnectMsg{reply: reply}, reply)
}

// NetworkOnline reports that the host regained connectivity.
func (m *Manager) NetworkOnline() error {
	reply := make(chan struct{})
	return m.call(networkMsg{online: true, reply: reply}, reply)
}

// NetworkOffline reports that the host lost connectivity.
func (m *Manager) NetworkOffline() error {
	reply := make(chan struct{})
	return m.call(networkMsg{online: false, reply: reply}, reply)
}

// Send writes one {type, payload} frame. It fails with ErrNotConnected,
// without touching the transport, unless the manager is connected.
func (m *Manager) Send(ctx context.Context, name string, payload any) error {
	reply := make(chan sendTarget, 1)
	if err := m.post(sendMsg{reply: reply}); err != nil {
		return err
	}

	var target sendTarget
	select {
	case target = <-reply:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if target.err != nil {
		m.logger.Debug("command not sent", zap.String("command", name), zap.Error(target.err))
		return target.err
	}

	frame, err := encode(name, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := target.conn.Write(wctx, frame); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	m.logger.Debug("command sent", zap.String("command", name))
	return nil
}

func (m *Manager) PlaceBet(ctx context.Context, amount float64) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}
	return m.Send(ctx, types.CmdPlaceBet, types.PlaceBetPayload{Amount: amount})
}

func (m *Manager) Cashout(ctx context.Context, betID string) error {
	if betID == "" {
		return ErrInvalidBetID
	}
	return m.Send(ctx, types.CmdCashout, types.CashoutPayload{BetID: betID})
}

// Close disconnects and stops the loop. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.cancel()
	<-m.done
}

func (m *Manager) call(in msg, reply chan struct{}) error {
	if err := m.post(in); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) post(in msg) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.inbox <- in:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// notify is used by helper goroutines; it gives up once the loop is gone.
func (m *Manager) notify(in msg) bool {
	select {
	case m.inbox <- in:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return

		case in := <-m.inbox:
			switch x := in.(type) {
			case initializeMsg:
				if x.token != "" {
					m.token = x.token
				}
				if m.state.busy() {
					m.logger.Debug("initialize ignored", zap.String("status", string(m.state.Status)))
				} else {
					m.cancelRetry()
					m.state.Attempt = 0
					m.startDial(true)
				}
				close(x.reply)

			case connectMsg:
				if m.state.busy() {
					m.logger.Debug("connect ignored", zap.String("status", string(m.state.Status)))
				} else {
					if m.state.Status == StatusFailed {
						m.state.Attempt = 0
					}
					m.cancelRetry()
					m.startDial(false)
				}
				close(x.reply)

			case disconnectMsg:
				m.cancelRetry()
				m.dropConn()
				if m.state != (State{Status: StatusDisconnected}) {
					m.logger.Info("disconnected")
					m.setState(State{Status: StatusDisconnected})
				}
				close(x.reply)

			case networkMsg:
				if x.online {
					m.handleOnline()
				} else {
					m.handleOffline()
				}
				close(x.reply)

			case sendMsg:
				if m.state.Status != StatusConnected || m.conn == nil {
					x.reply <- sendTarget{err: ErrNotConnected}
				} else {
					x.reply <- sendTarget{conn: m.conn}
				}

			case dialResult:
				m.handleDial(x)

			case connLost:
				m.handleLost(x)

			case retryFired:
				if x.gen != m.retryGen || m.state.Status != StatusReconnecting {
					break
				}
				m.retry = nil
				m.startDial(false)
			}
		}
	}
}

func (m *Manager) handleOnline() {
	m.logger.Info("network online", zap.String("status", string(m.state.Status)))
	switch m.state.Status {
	case StatusReconnecting, StatusFailed:
		m.cancelRetry()
		m.startDial(false)
	}
}

func (m *Manager) handleOffline() {
	m.logger.Warn("network offline", zap.String("status", string(m.state.Status)))
	next := m.state
	if next.Status != StatusFailed {
		next.LastError = networkLost
	}
	switch m.state.Status {
	case StatusConnected, StatusConnecting, StatusReconnecting:
		// Wait for NetworkOnline; the attempt counter is not touched.
		m.cancelRetry()
		m.dropConn()
		next.Status = StatusReconnecting
		next.Transport = ""
	}
	m.setState(next)
}

func (m *Manager) startDial(preflight bool) {
	m.dropConn()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.connCtx, m.connCancel = ctx, cancel

	next := m.state
	next.Attempt++
	next.Status = StatusConnecting
	next.Transport = ""
	m.setState(next)
	m.logger.Info("connecting", zap.Int("attempt", next.Attempt))

	go m.dial(ctx, gen, preflight, m.token)
}

func (m *Manager) dial(ctx context.Context, gen uint64, preflight bool, token string) {
	if preflight && m.opts.Preflight != nil {
		if err := m.opts.Preflight(ctx); err != nil {
			m.notify(dialResult{gen: gen, err: fmt.Errorf("%w: %v", ErrServerUnavailable, err)})
			return
		}
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dctx, m.opts.Endpoint, token)
	if err != nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("connection timeout after %s: %w", m.opts.ConnectTimeout, err)
	}
	if !m.notify(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) handleDial(r dialResult) {
	if r.gen != m.gen {
		if r.conn != nil {
			go r.conn.Close()
		}
		return
	}

	if r.err != nil {
		m.logger.Warn("connect failed", zap.Int("attempt", m.state.Attempt), zap.Error(r.err))
		if errors.Is(r.err, ErrServerUnavailable) {
			next := m.state
			next.Status = StatusFailed
			next.LastError = r.err.Error()
			m.setState(next)
			return
		}
		m.fail("connection error: " + r.err.Error())
		return
	}

	m.conn = r.conn
	m.setState(State{Status: StatusConnected, Transport: r.conn.Kind()})
	m.logger.Info("connected", zap.String("transport", r.conn.Kind()))

	ctx, gen, conn := m.connCtx, m.gen, r.conn
	go m.readLoop(ctx, gen, conn)
	go m.pingLoop(ctx, gen, conn)

	frame, _ := encode(types.CmdJoinGame, nil)
	wctx, cancel := context.WithTimeout(m.ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, frame); err != nil {
		m.logger.Warn("join failed", zap.Error(err))
	}
}

func (m *Manager) handleLost(l connLost) {
	if l.gen != m.gen {
		return
	}
	m.dropConn()

	ce := transport.AsClose(l.err)
	if ce.Clean() {
		// Same outcome as an explicit Disconnect.
		m.logger.Info("server closed connection", zap.Int("code", ce.Code), zap.String("reason", ce.Reason))
		m.cancelRetry()
		m.setState(State{Status: StatusDisconnected})
		return
	}

	m.logger.Warn("connection lost", zap.Int("code", ce.Code), zap.Error(l.err))
	diag := ce.Diagnostic()
	if ce.Reason != "" && ce.Code == transport.CodeAbnormalClosure {
		diag = ce.Reason
	}
	m.fail(diag)
}

// fail records a failed attempt or drop and either schedules the next dial or
// gives up.
func (m *Manager) fail(diag string) {
	next := m.state
	next.Transport = ""
	next.LastError = diag

	if next.Attempt >= m.opts.MaxRetries {
		next.Status = StatusFailed
		next.LastError = ErrMaxRetriesExceeded.Error()
		m.setState(next)
		m.logger.Error("giving up", zap.Int("attempts", next.Attempt))
		return
	}

	delay := m.Backoff(next.Attempt)
	next.Status = StatusReconnecting
	m.setState(next)
	m.logger.Info("reconnect scheduled", zap.Int("attempt", next.Attempt), zap.Duration("delay", delay))
	m.scheduleRetry(delay)
}

func (m *Manager) scheduleRetry(delay time.Duration) {
	m.cancelRetry()
	gen := m.retryGen
	m.retry = time.AfterFunc(delay, func() { m.notify(retryFired{gen: gen}) })
}

// cancelRetry stops the pending timer and invalidates a fire that is already
// queued.
func (m *Manager) cancelRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retryGen++
}

// dropConn abandons the current dial or connection. Its helper goroutines
// become stale immediately; the close handshake runs in the background.
func (m *Manager) dropConn() {
	m.gen++
	cancel, conn := m.connCancel, m.conn
	m.connCtx, m.connCancel, m.conn = nil, nil, nil
	if cancel == nil && conn == nil {
		return
	}
	go func() {
		if conn != nil {
			_ = conn.Close()
		}
		if cancel != nil {
			cancel()
		}
	}()
}

func (m *Manager) shutdown() {
	m.cancelRetry()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.state = State{Status: StatusDisconnected}
	final := m.state
	m.snap.Store(&final)
}

func (m *Manager) setState(s State) {
	m.state = s
	snap := s
	m.snap.Store(&snap)
	m.feed.push(snap)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.notify(connLost{gen: gen, err: err})
			return
		}
		if m.frames != nil {
			m.frames.HandleFrame(ctx, data)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, gen uint64, conn transport.Conn) {
	if m.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.notify(connLost{gen: gen, err: &transport.CloseError{
				Code:   transport.CodeAbnormalClosure,
				Reason: "ping timeout",
				Err:    err,
			}})
			return
		}
	}
}

func encode(name string, payload any) ([]byte, error) {
	env := types.Envelope{Type: name}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		env.Payload = body
	}
	return json.Marshal(env)
}
