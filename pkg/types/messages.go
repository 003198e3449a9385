package types

import "encoding/json"

// Client -> Server
//   game.join:  {}                      (sent right after every connect)
//   place_bet:  { amount: number }
//   cashout:    { bet_id: string }
//
// Server -> Client
//   new_round | round_start | game.started:  { round_id | id }
//   multiplier_update:                       { multiplier, elapsed_time(ms) }
//   betting_closed:                          { multiplier?, elapsed_time? }
//   game_crash | game.crash | round_end:     { crash_point, round_id | id }
//   game_state | game.state:                 { state | phase, multiplier, elapsed_time, crash_point?, round_id? }
//   bet_placed | bet.placed:                 { bet_id | id, amount }
//   bet_error | bet.error:                   { message | reason | error }
//   bet_cashout | cashout_success:           { bet_id, multiplier | cashout_multiplier, payout | winnings | amount }
//   cashout_error | cashout.error:           { message | reason | error }

// Outbound command names.
const (
	CmdJoinGame = "game.join"
	CmdPlaceBet = "place_bet"
	CmdCashout  = "cashout"
)

// Inbound message tags.
const (
	MsgGameState        = "game_state"
	MsgGameStateDotted  = "game.state"
	MsgMultiplierUpdate = "multiplier_update"
	MsgBettingClosed    = "betting_closed"
	MsgGameCrash        = "game_crash"
	MsgGameCrashDotted  = "game.crash"
	MsgNewRound         = "new_round"
	MsgRoundStart       = "round_start"
	MsgGameStarted      = "game.started"
	MsgRoundEnd         = "round_end"
	MsgBetPlaced        = "bet_placed"
	MsgBetPlacedDotted  = "bet.placed"
	MsgBetCashout       = "bet_cashout"
	MsgCashoutSuccess   = "cashout_success"
	MsgCashoutDotted    = "cashout.success"
	MsgBetError         = "bet_error"
	MsgBetErrorDotted   = "bet.error"
	MsgCashoutError     = "cashout_error"
	MsgCashoutErrDotted = "cashout.error"
)

// Envelope is the frame shape in both directions. Inbound frames may carry
// the tag in Event and the body in Data; outbound frames always use Type and
// Payload.
type Envelope struct {
	Type    string          `json:"type,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Tag returns the message tag, preferring Type.
func (e Envelope) Tag() string {
	if e.Type != "" {
		return e.Type
	}
	return e.Event
}

// Body returns the message body, preferring Payload.
func (e Envelope) Body() json.RawMessage {
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		return e.Payload
	}
	return e.Data
}

// PlaceBetPayload is the body of a place_bet command.
type PlaceBetPayload struct {
	Amount float64 `json:"amount"`
}

// CashoutPayload is the body of a cashout command.
type CashoutPayload struct {
	BetID string `json:"bet_id"`
}
