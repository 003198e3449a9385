// Command crashclient connects to a crash game server, keeps the round state
// in sync and accepts bet and cashout commands on stdin.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crash-client/internal/config"
	"github.com/DoyleJ11/crash-client/internal/httpapi"
	"github.com/DoyleJ11/crash-client/internal/hub"
	"github.com/DoyleJ11/crash-client/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand(cfg).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "crashclient",
		Usage: "play a crash game from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: cfg.WSURL, Usage: "game server websocket endpoint"},
			&cli.StringFlag{Name: "token", Value: cfg.AuthToken, Usage: "auth token sent as the token query parameter"},
			&cli.DurationFlag{Name: "base-delay", Value: cfg.BaseDelay, Usage: "first reconnect delay"},
			&cli.DurationFlag{Name: "max-delay", Value: cfg.MaxDelay, Usage: "reconnect delay cap"},
			&cli.IntFlag{Name: "max-retries", Value: cfg.MaxRetries, Usage: "attempts before giving up"},
			&cli.DurationFlag{Name: "connect-timeout", Value: cfg.ConnectTimeout, Usage: "per-dial timeout"},
			&cli.DurationFlag{Name: "health-interval", Value: cfg.HealthInterval, Usage: "connection stats interval"},
			&cli.BoolFlag{Name: "preflight", Value: cfg.Preflight, Usage: "probe /health before the first dial"},
			&cli.StringFlag{Name: "debug-addr", Value: cfg.DebugAddr, Usage: "serve /stats, /state, /history and /metrics here"},
			&cli.StringFlag{Name: "database-url", Value: cfg.DatabaseURL, Usage: "postgres DSN for round history"},
			&cli.StringFlag{Name: "log-level", Value: cfg.LogLevel, Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Value: cfg.LogFormat, Usage: "json or console"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyFlags(cfg, cmd)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
}

func applyFlags(cfg *config.Config, cmd *cli.Command) {
	cfg.WSURL = cmd.String("url")
	cfg.AuthToken = cmd.String("token")
	cfg.BaseDelay = cmd.Duration("base-delay")
	cfg.MaxDelay = cmd.Duration("max-delay")
	cfg.MaxRetries = cmd.Int("max-retries")
	cfg.ConnectTimeout = cmd.Duration("connect-timeout")
	cfg.HealthInterval = cmd.Duration("health-interval")
	cfg.Preflight = cmd.Bool("preflight")
	cfg.DebugAddr = cmd.String("debug-addr")
	cfg.DatabaseURL = cmd.String("database-url")
	cfg.LogLevel = cmd.String("log-level")
	cfg.LogFormat = cmd.String("log-format")
}

func run(ctx context.Context, cfg *config.Config) error {
	base, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = base.Sync() }()
	logger := logging.WithClient(base, uuid.NewString())

	h, err := hub.New(ctx, cfg, hub.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer h.Shutdown()

	if cfg.DebugAddr != "" {
		srv := &http.Server{
			Addr:              cfg.DebugAddr,
			Handler:           httpapi.SetupRoutes(h),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("debug server listening", zap.String("addr", cfg.DebugAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("debug server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	c := newConsole(h, os.Stdout)
	c.watch()
	if err := h.Start(); err != nil {
		return err
	}
	return c.run(ctx, os.Stdin)
}
