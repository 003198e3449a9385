package engine

import (
	"errors"
	"fmt"
	"time"
)

var ErrOutOfOrderTick = errors.New("multiplier tick below current multiplier")

// ErrTickAfterCrash matches ErrOutOfOrderTick: a tick that lands after the
// crash is a late tick of the round that just ended.
var ErrTickAfterCrash = fmt.Errorf("%w: round already crashed", ErrOutOfOrderTick)
var ErrUnsupportedEvent = errors.New("unsupported event")

type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseBetting Phase = "betting"
	PhasePlaying Phase = "playing"
	PhaseCrashed Phase = "crashed"
)

// State is the projected round state. Values are replaced, never mutated, so a
// copy handed to a reader is always a complete snapshot.
// CrashPoint is non-zero only while Phase is PhaseCrashed.
type State struct {
	Phase       Phase
	Multiplier  float64
	ElapsedTime time.Duration
	CrashPoint  float64
	RoundID     string
}

type EventType string

const (
	EvtRoundStarted    EventType = "round.started"
	EvtMultiplierTick  EventType = "multiplier.tick"
	EvtRoundCrashed    EventType = "round.crashed"
	EvtBetAccepted     EventType = "bet.accepted"
	EvtBetRejected     EventType = "bet.rejected"
	EvtCashoutAccepted EventType = "cashout.accepted"
	EvtCashoutRejected EventType = "cashout.rejected"
)

// Event is the closed set of domain events decoded from server frames.
type Event interface {
	Type() EventType
	isEvent()
}

type RoundStarted struct {
	RoundID string
}

type MultiplierTick struct {
	Multiplier  float64
	ElapsedTime time.Duration
}

type RoundCrashed struct {
	CrashPoint float64
	RoundID    string
}

type BetAccepted struct {
	BetID  string
	Amount float64
}

type BetRejected struct {
	Reason string
}

type CashoutAccepted struct {
	BetID      string
	Multiplier float64
	Payout     float64
}

type CashoutRejected struct {
	Reason string
}

func (RoundStarted) Type() EventType    { return EvtRoundStarted }
func (MultiplierTick) Type() EventType  { return EvtMultiplierTick }
func (RoundCrashed) Type() EventType    { return EvtRoundCrashed }
func (BetAccepted) Type() EventType     { return EvtBetAccepted }
func (BetRejected) Type() EventType     { return EvtBetRejected }
func (CashoutAccepted) Type() EventType { return EvtCashoutAccepted }
func (CashoutRejected) Type() EventType { return EvtCashoutRejected }

func (RoundStarted) isEvent()    {}
func (MultiplierTick) isEvent()  {}
func (RoundCrashed) isEvent()    {}
func (BetAccepted) isEvent()     {}
func (BetRejected) isEvent()     {}
func (CashoutAccepted) isEvent() {}
func (CashoutRejected) isEvent() {}

// Apply reduces one event into the next state. On error the input state is
// returned unchanged.
func Apply(s State, ev Event) (State, error) {
	switch e := ev.(type) {
	case RoundStarted:
		return State{
			Phase:      PhaseBetting,
			Multiplier: 1.0,
			RoundID:    e.RoundID,
		}, nil

	case MultiplierTick:
		// Only RoundStarted leaves Crashed.
		if s.Phase == PhaseCrashed {
			return s, ErrTickAfterCrash
		}
		if e.Multiplier < s.Multiplier {
			return s, ErrOutOfOrderTick
		}
		newState := s
		newState.Phase = PhasePlaying
		newState.Multiplier = e.Multiplier
		newState.ElapsedTime = e.ElapsedTime
		newState.CrashPoint = 0
		return newState, nil

	case RoundCrashed:
		newState := s
		newState.Phase = PhaseCrashed
		newState.Multiplier = e.CrashPoint
		newState.CrashPoint = e.CrashPoint
		if e.RoundID != "" {
			newState.RoundID = e.RoundID
		}
		return newState, nil

	case BetAccepted, BetRejected, CashoutAccepted, CashoutRejected:
		// Notifications only.
		return s, nil

	default:
		return s, ErrUnsupportedEvent
	}
}

// Reduce replays events from NewState. Rejected events are skipped, exactly as
// a live projection would skip them.
func Reduce(events []Event) State {
	s := NewState()
	for _, ev := range events {
		next, err := Apply(s, ev)
		if err != nil {
			continue
		}
		s = next
	}
	return s
}
