package flow

import "fmt"

// State is a step of an attestation flow.
type State int

// Flow states, in execution order. Failed is reachable from every
// non-terminal state.
const (
	Idle State = iota
	HashingRequest
	DiscoveringProviders
	SelectingBackend
	IssuingToken
	Verifying
	Completed
	Failed
)

var stateNames = [...]string{
	Idle:                 "Idle",
	HashingRequest:       "HashingRequest",
	DiscoveringProviders: "DiscoveringProviders",
	SelectingBackend:     "SelectingBackend",
	IssuingToken:         "IssuingToken",
	Verifying:            "Verifying",
	Completed:            "Completed",
	Failed:               "Failed",
}

// successors is the success column of the transition table.
var successors = map[State]State{
	Idle:                 HashingRequest,
	HashingRequest:       DiscoveringProviders,
	DiscoveringProviders: SelectingBackend,
	SelectingBackend:     IssuingToken,
	IssuingToken:         Verifying,
	Verifying:            Completed,
}

// States returns every state in declaration order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Next returns the state following s given the outcome of the step performed
// in s. A nil stepErr advances along the success path; any error leads to
// Failed.
func Next(s State, stepErr error) (State, error) {
	if s.Terminal() {
		return s, fmt.Errorf("%v: %w", s, ErrTerminalState)
	}
	succ, ok := successors[s]
	if !ok {
		return s, fmt.Errorf("unknown flow state %v", s)
	}
	if stepErr != nil {
		return Failed, nil
	}
	return succ, nil
}
