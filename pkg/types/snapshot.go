package types

// GameSnapshot is the read-only view of the projected game state served by
// the debug HTTP surface.
//
//   phase:        "waiting" | "betting" | "playing" | "crashed"
//   multiplier:   number >= 1.0
//   elapsed_ms:   number >= 0
//   crash_point:  number, only while crashed
//   round_id:     string
type GameSnapshot struct {
	Phase      string  `json:"phase"`
	Multiplier float64 `json:"multiplier"`
	ElapsedMS  int64   `json:"elapsed_ms"`
	CrashPoint float64 `json:"crash_point,omitempty"`
	RoundID    string  `json:"round_id,omitempty"`
}
