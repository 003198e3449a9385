package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/config"
	"github.com/DoyleJ11/crash-client/internal/connection"
	"github.com/DoyleJ11/crash-client/internal/engine"
	"github.com/DoyleJ11/crash-client/internal/hub"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestConsole(t *testing.T) (*console, *syncBuffer) {
	t.Helper()
	cfg := config.Default()
	cfg.WSURL = "ws://127.0.0.1:1/ws/game"
	cfg.Preflight = false
	h, err := hub.New(context.Background(), cfg, hub.Deps{})
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)

	out := &syncBuffer{}
	c := newConsole(h, out)
	c.watch()
	return c, out
}

func TestConsole_Commands(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	cases := []struct {
		line    string
		wantErr error
		errText string
	}{
		{line: ""},
		{line: "bet 10", wantErr: connection.ErrNotConnected},
		{line: "bet 0", wantErr: connection.ErrInvalidAmount},
		{line: "bet ten", errText: "not a number"},
		{line: "bet", errText: "usage"},
		{line: "cashout b1", wantErr: connection.ErrNotConnected},
		{line: "cashout", errText: "usage"},
		{line: "disconnect"},
		{line: "stats"},
		{line: "state"},
		{line: "history"},
		{line: "history x", errText: "usage"},
		{line: "dance", errText: "unknown command"},
		{line: "quit", wantErr: errQuit},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			err := c.exec(ctx, tc.line)
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.errText != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errText)
			default:
				assert.NoError(t, err)
			}
		})
	}

	assert.Contains(t, out.String(), `"status": "disconnected"`)
	assert.Contains(t, out.String(), `"phase": "waiting"`)
}

func TestConsole_PrintsNotifications(t *testing.T) {
	c, out := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.h.Projector.Apply(ctx, engine.RoundStarted{RoundID: "r5"}))
	require.NoError(t, c.h.Projector.Apply(ctx, engine.RoundCrashed{CrashPoint: 3.5}))
	require.NoError(t, c.h.Bus.Publish(ctx, bus.TopicConnectionStatus, connection.State{
		Status:    connection.StatusReconnecting,
		LastError: "server unavailable",
	}))

	text := out.String()
	assert.Contains(t, text, "round r5 open for bets")
	assert.Contains(t, text, "crashed at 3.50x")
	assert.Contains(t, text, "[reconnecting] server unavailable")
}

func TestConsole_RunStopsOnQuit(t *testing.T) {
	c, out := newTestConsole(t)

	done := make(chan error, 1)
	go func() { done <- c.run(context.Background(), strings.NewReader("stats\nquit\nstats\n")) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
	}
	assert.Equal(t, 1, strings.Count(out.String(), `"status"`))
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	cmd := newCommand(cfg)
	cmd.Action = func(_ context.Context, cmd *cli.Command) error {
		applyFlags(cfg, cmd)
		return nil
	}

	err := cmd.Run(context.Background(), []string{
		"crashclient",
		"--url", "wss://example.com/ws/game",
		"--max-retries", "2",
		"--base-delay", "250ms",
		"--preflight=false",
	})
	require.NoError(t, err)

	assert.Equal(t, "wss://example.com/ws/game", cfg.WSURL)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseDelay)
	assert.False(t, cfg.Preflight)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.NoError(t, cfg.Validate())
}
