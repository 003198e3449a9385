package engine

func NewState() State {
	return State{
		Phase:      PhaseWaiting,
		Multiplier: 1.0,
	}
}

// ChangesState reports whether an event of this type can move the projection.
// Bet and cashout results are forwarded as notifications only.
func ChangesState(t EventType) bool {
	switch t {
	case EvtRoundStarted, EvtMultiplierTick, EvtRoundCrashed:
		return true
	default:
		return false
	}
}

// HasCrashPoint reports whether the crash point of s is meaningful.
func (s State) HasCrashPoint() bool {
	return s.Phase == PhaseCrashed
}
