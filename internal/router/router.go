// Package router turns raw server frames into engine events.
//
// Decoding is a lookup from the envelope tag to a constructor that validates
// the body before building the event. Anything that does not fit is reported
// as an error and never as a partially-built event.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/DoyleJ11/crash-client/internal/engine"
	"github.com/DoyleJ11/crash-client/pkg/types"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
	ErrMissingField   = errors.New("missing required field")
	ErrProtocol       = errors.New("protocol violation")
	ErrNoEvent        = errors.New("frame carries no event")
)

const defaultReason = "unknown error"

// DecodeError records which tag failed to decode.
type DecodeError struct {
	Tag string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %q: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type constructor func(body json.RawMessage) (engine.Event, error)

var table = map[string]constructor{
	types.MsgNewRound:         decodeRoundStarted,
	types.MsgRoundStart:       decodeRoundStarted,
	types.MsgGameStarted:      decodeRoundStarted,
	types.MsgMultiplierUpdate: decodeMultiplierTick,
	types.MsgBettingClosed:    decodeBettingClosed,
	types.MsgGameCrash:        decodeRoundCrashed,
	types.MsgGameCrashDotted:  decodeRoundCrashed,
	types.MsgRoundEnd:         decodeRoundCrashed,
	types.MsgGameState:        decodeGameState,
	types.MsgGameStateDotted:  decodeGameState,
	types.MsgBetPlaced:        decodeBetAccepted,
	types.MsgBetPlacedDotted:  decodeBetAccepted,
	types.MsgBetError:         decodeBetRejected,
	types.MsgBetErrorDotted:   decodeBetRejected,
	types.MsgBetCashout:       decodeCashoutAccepted,
	types.MsgCashoutSuccess:   decodeCashoutAccepted,
	types.MsgCashoutDotted:    decodeCashoutAccepted,
	types.MsgCashoutError:     decodeCashoutRejected,
	types.MsgCashoutErrDotted: decodeCashoutRejected,
}

// Decode maps one raw frame to exactly one event. The returned error wraps
// one of the package sentinels; the tag is returned whenever it was readable.
func Decode(raw []byte) (engine.Event, string, error) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}

	tag := env.Tag()
	if tag == "" {
		return nil, "", &DecodeError{Err: fmt.Errorf("%w: type", ErrMissingField)}
	}

	build, ok := table[tag]
	if !ok {
		return nil, tag, &DecodeError{Tag: tag, Err: ErrUnknownType}
	}

	ev, err := build(env.Body())
	if err != nil {
		return nil, tag, &DecodeError{Tag: tag, Err: err}
	}
	return ev, tag, nil
}

// Tags lists every tag the router understands, sorted.
func Tags() []string {
	out := make([]string, 0, len(table))
	for tag := range table {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Reason classifies a decode error into a short label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrNoEvent):
		return "no_event"
	default:
		return "other"
	}
}

// flexID accepts identifiers sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

func firstID(ids ...*flexID) (string, bool) {
	for _, id := range ids {
		if id != nil && *id != "" {
			return string(*id), true
		}
	}
	return "", false
}

func firstNumber(nums ...*float64) (float64, bool) {
	for _, n := range nums {
		if n != nil {
			return *n, true
		}
	}
	return 0, false
}

func unmarshalBody(body json.RawMessage, v any) error {
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func checkNumber(name string, v, min float64, inclusive bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not finite", ErrProtocol, name)
	}
	if v < min || (!inclusive && v == min) {
		op := ">="
		if !inclusive {
			op = ">"
		}
		return fmt.Errorf("%w: %s %v must be %s %v", ErrProtocol, name, v, op, min)
	}
	return nil
}

// maxElapsedMS is the largest elapsed_time that fits in a time.Duration.
const maxElapsedMS = float64(math.MaxInt64 / int64(time.Millisecond))

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

type roundBody struct {
	RoundID *flexID `json:"round_id"`
	ID      *flexID `json:"id"`
}

func decodeRoundStarted(body json.RawMessage) (engine.Event, error) {
	var b roundBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	id, ok := firstID(b.RoundID, b.ID)
	if !ok {
		return nil, fmt.Errorf("%w: round_id", ErrMissingField)
	}
	return engine.RoundStarted{RoundID: id}, nil
}

type tickBody struct {
	Multiplier  *float64 `json:"multiplier"`
	ElapsedTime *float64 `json:"elapsed_time"`
}

func buildTick(m, elapsed float64) (engine.Event, error) {
	if err := checkNumber("multiplier", m, 1.0, true); err != nil {
		return nil, err
	}
	if err := checkNumber("elapsed_time", elapsed, 0, true); err != nil {
		return nil, err
	}
	if elapsed > maxElapsedMS {
		return nil, fmt.Errorf("%w: elapsed_time %v out of range", ErrProtocol, elapsed)
	}
	return engine.MultiplierTick{Multiplier: m, ElapsedTime: millis(elapsed)}, nil
}

func decodeMultiplierTick(body json.RawMessage) (engine.Event, error) {
	var b tickBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	if b.Multiplier == nil {
		return nil, fmt.Errorf("%w: multiplier", ErrMissingField)
	}
	var elapsed float64
	if b.ElapsedTime != nil {
		elapsed = *b.ElapsedTime
	}
	return buildTick(*b.Multiplier, elapsed)
}

// betting_closed marks the start of play; servers often send it bare.
func decodeBettingClosed(body json.RawMessage) (engine.Event, error) {
	var b tickBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	m, elapsed := 1.0, 0.0
	if b.Multiplier != nil {
		m = *b.Multiplier
	}
	if b.ElapsedTime != nil {
		elapsed = *b.ElapsedTime
	}
	return buildTick(m, elapsed)
}

type crashBody struct {
	CrashPoint *float64 `json:"crash_point"`
	RoundID    *flexID  `json:"round_id"`
	ID         *flexID  `json:"id"`
}

func buildCrash(point float64, roundID string) (engine.Event, error) {
	if err := checkNumber("crash_point", point, 1.0, true); err != nil {
		return nil, err
	}
	return engine.RoundCrashed{CrashPoint: point, RoundID: roundID}, nil
}

func decodeRoundCrashed(body json.RawMessage) (engine.Event, error) {
	var b crashBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	if b.CrashPoint == nil {
		return nil, fmt.Errorf("%w: crash_point", ErrMissingField)
	}
	id, _ := firstID(b.RoundID, b.ID)
	return buildCrash(*b.CrashPoint, id)
}

type stateBody struct {
	State       string   `json:"state"`
	Phase       string   `json:"phase"`
	Multiplier  *float64 `json:"multiplier"`
	ElapsedTime *float64 `json:"elapsed_time"`
	CrashPoint  *float64 `json:"crash_point"`
	RoundID     *flexID  `json:"round_id"`
	ID          *flexID  `json:"id"`
}

// decodeGameState folds a full server snapshot into the event that would
// have produced it.
func decodeGameState(body json.RawMessage) (engine.Event, error) {
	var b stateBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	phase := b.State
	if phase == "" {
		phase = b.Phase
	}
	if phase == "" {
		return nil, fmt.Errorf("%w: state", ErrMissingField)
	}
	id, hasID := firstID(b.RoundID, b.ID)

	switch strings.ToLower(phase) {
	case "betting":
		if !hasID {
			return nil, fmt.Errorf("%w: round_id", ErrMissingField)
		}
		return engine.RoundStarted{RoundID: id}, nil
	case "playing", "in_progress":
		if b.Multiplier == nil {
			return nil, fmt.Errorf("%w: multiplier", ErrMissingField)
		}
		var elapsed float64
		if b.ElapsedTime != nil {
			elapsed = *b.ElapsedTime
		}
		return buildTick(*b.Multiplier, elapsed)
	case "crashed":
		point, ok := firstNumber(b.CrashPoint, b.Multiplier)
		if !ok {
			return nil, fmt.Errorf("%w: crash_point", ErrMissingField)
		}
		return buildCrash(point, id)
	case "waiting":
		return nil, ErrNoEvent
	default:
		return nil, fmt.Errorf("%w: unknown phase %q", ErrProtocol, phase)
	}
}

type betBody struct {
	BetID  *flexID  `json:"bet_id"`
	ID     *flexID  `json:"id"`
	Amount *float64 `json:"amount"`
}

func decodeBetAccepted(body json.RawMessage) (engine.Event, error) {
	var b betBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	id, ok := firstID(b.BetID, b.ID)
	if !ok {
		return nil, fmt.Errorf("%w: bet_id", ErrMissingField)
	}
	if b.Amount == nil {
		return nil, fmt.Errorf("%w: amount", ErrMissingField)
	}
	if err := checkNumber("amount", *b.Amount, 0, false); err != nil {
		return nil, err
	}
	return engine.BetAccepted{BetID: id, Amount: *b.Amount}, nil
}

type cashoutBody struct {
	BetID             *flexID  `json:"bet_id"`
	Multiplier        *float64 `json:"multiplier"`
	CashoutMultiplier *float64 `json:"cashout_multiplier"`
	Payout            *float64 `json:"payout"`
	Winnings          *float64 `json:"winnings"`
	Amount            *float64 `json:"amount"`
}

func decodeCashoutAccepted(body json.RawMessage) (engine.Event, error) {
	var b cashoutBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	id, ok := firstID(b.BetID)
	if !ok {
		return nil, fmt.Errorf("%w: bet_id", ErrMissingField)
	}
	m, ok := firstNumber(b.Multiplier, b.CashoutMultiplier)
	if !ok {
		return nil, fmt.Errorf("%w: multiplier", ErrMissingField)
	}
	if err := checkNumber("multiplier", m, 1.0, true); err != nil {
		return nil, err
	}
	payout, ok := firstNumber(b.Payout, b.Winnings, b.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: payout", ErrMissingField)
	}
	if err := checkNumber("payout", payout, 0, true); err != nil {
		return nil, err
	}
	return engine.CashoutAccepted{BetID: id, Multiplier: m, Payout: payout}, nil
}

type errorBody struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

func (b errorBody) reason() string {
	for _, s := range []string{b.Message, b.Reason, b.Error} {
		if s != "" {
			return s
		}
	}
	return defaultReason
}

func decodeBetRejected(body json.RawMessage) (engine.Event, error) {
	var b errorBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	return engine.BetRejected{Reason: b.reason()}, nil
}

func decodeCashoutRejected(body json.RawMessage) (engine.Event, error) {
	var b errorBody
	if err := unmarshalBody(body, &b); err != nil {
		return nil, err
	}
	return engine.CashoutRejected{Reason: b.reason()}, nil
}
