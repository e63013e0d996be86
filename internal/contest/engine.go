package contest

import (
	"context"
	"encoding/json"
	"fmt"
)

// TurnEngine is the stand-in engine used in development mode. Each turn
// carries a non-negative score contribution; "finish" resolves the side with
// the accumulated total and "forfeit" resolves it at zero.
//
// Production games replace this with an engine that validates real moves.
type TurnEngine struct {
	MaxTurns int
}

// NewTurnEngine creates a turn engine with the default turn limit.
func NewTurnEngine() *TurnEngine {
	return &TurnEngine{MaxTurns: 20}
}

type turnState struct {
	Turns int `json:"turns"`
	Total int `json:"total"`
}

type turnAction struct {
	Type  string `json:"type"` // turn, finish, forfeit
	Score int    `json:"score,omitempty"`
}

func (e *TurnEngine) Apply(ctx context.Context, prior json.RawMessage, action json.RawMessage) (json.RawMessage, *Result, bool, error) {
	var state turnState
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &state); err != nil {
			return nil, nil, false, fmt.Errorf("%w: corrupt side state", ErrInvalidAction)
		}
	}

	var act turnAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, nil, false, fmt.Errorf("%w: malformed action", ErrInvalidAction)
	}

	switch act.Type {
	case "turn":
		if act.Score < 0 {
			return nil, nil, false, fmt.Errorf("%w: negative turn score", ErrInvalidAction)
		}
		if state.Turns >= e.MaxTurns {
			return nil, nil, false, fmt.Errorf("%w: turn limit reached, finish or forfeit", ErrInvalidAction)
		}
		state.Turns++
		state.Total += act.Score
		next, err := json.Marshal(state)
		if err != nil {
			return nil, nil, false, err
		}
		return next, nil, false, nil

	case "finish":
		next, err := json.Marshal(state)
		if err != nil {
			return nil, nil, false, err
		}
		return next, &Result{Score: state.Total, Label: "score"}, true, nil

	case "forfeit":
		next, err := json.Marshal(state)
		if err != nil {
			return nil, nil, false, err
		}
		return next, &Result{Score: 0, Label: "forfeit"}, true, nil

	default:
		return nil, nil, false, fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, act.Type)
	}
}

// Compile-time assertion that TurnEngine implements Engine.
var _ Engine = (*TurnEngine)(nil)
