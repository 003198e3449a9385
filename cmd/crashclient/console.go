package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/DoyleJ11/crash-client/internal/bus"
	"github.com/DoyleJ11/crash-client/internal/connection"
	"github.com/DoyleJ11/crash-client/internal/engine"
	"github.com/DoyleJ11/crash-client/internal/httpapi"
	"github.com/DoyleJ11/crash-client/internal/hub"
)

var errQuit = errors.New("quit")

const help = `commands:
  bet <amount>       place a bet on the next round
  cashout <bet_id>   cash out a running bet
  reconnect          drop the link and dial again
  disconnect         close the link
  stats              connection status
  state              current round
  history [n]        last crashed rounds
  quit               exit`

type console struct {
	h   *hub.Hub
	mu  sync.Mutex
	out io.Writer
}

func newConsole(h *hub.Hub, out io.Writer) *console {
	return &console{h: h, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// watch prints the notifications a player cares about.
func (c *console) watch() {
	b := c.h.Bus
	b.SubscribeFunc(bus.TopicConnectionStatus, func(_ context.Context, msg bus.Message) {
		st := msg.Payload.(connection.State)
		switch {
		case st.LastError != "" && st.Status != connection.StatusConnected:
			c.printf("[%s] %s", st.Status, st.LastError)
		default:
			c.printf("[%s]", st.Status)
		}
	})
	b.SubscribeFunc(bus.Topic(engine.EvtRoundStarted), func(_ context.Context, msg bus.Message) {
		c.printf("round %s open for bets", msg.Payload.(engine.RoundStarted).RoundID)
	})
	b.SubscribeFunc(bus.Topic(engine.EvtRoundCrashed), func(_ context.Context, msg bus.Message) {
		c.printf("crashed at %.2fx", msg.Payload.(engine.RoundCrashed).CrashPoint)
	})
	b.SubscribeFunc(bus.Topic(engine.EvtBetAccepted), func(_ context.Context, msg bus.Message) {
		e := msg.Payload.(engine.BetAccepted)
		c.printf("bet %s accepted: %.2f", e.BetID, e.Amount)
	})
	b.SubscribeFunc(bus.Topic(engine.EvtBetRejected), func(_ context.Context, msg bus.Message) {
		c.printf("bet rejected: %s", msg.Payload.(engine.BetRejected).Reason)
	})
	b.SubscribeFunc(bus.Topic(engine.EvtCashoutAccepted), func(_ context.Context, msg bus.Message) {
		e := msg.Payload.(engine.CashoutAccepted)
		c.printf("cashed out %s at %.2fx: %.2f", e.BetID, e.Multiplier, e.Payout)
	})
	b.SubscribeFunc(bus.Topic(engine.EvtCashoutRejected), func(_ context.Context, msg bus.Message) {
		c.printf("cashout rejected: %s", msg.Payload.(engine.CashoutRejected).Reason)
	})
}

// run executes lines from r until quit, EOF or ctx is done.
func (c *console) run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.printf("error: %v", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	m := c.h.Manager

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "bet":
		if len(args) != 1 {
			return errors.New("usage: bet <amount>")
		}
		amount, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("amount %q is not a number", args[0])
		}
		return m.PlaceBet(ctx, amount)

	case "cashout":
		if len(args) != 1 {
			return errors.New("usage: cashout <bet_id>")
		}
		return m.Cashout(ctx, args[0])

	case "reconnect":
		if err := m.Disconnect(); err != nil {
			return err
		}
		return m.Connect()

	case "disconnect":
		return m.Disconnect()

	case "stats":
		return c.dump(c.h.Monitor.Snapshot())

	case "state":
		return c.dump(httpapi.Snapshot(c.h.Projector.State()))

	case "history":
		limit := 10
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return errors.New("usage: history [n]")
			}
			limit = n
		}
		recs, err := c.h.Recorder.Recent(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range recs {
			c.printf("%s  %-12s %.2fx", r.CrashedAt.Format("15:04:05"), r.RoundID, r.CrashPoint)
		}
		return nil

	case "help", "?":
		c.printf("%s", help)
		return nil

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (c *console) dump(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	c.printf("%s", data)
	return nil
}
