// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"fmt"
)

// State is a request's position in the routing state machine.
type State string

const (
	StateReceived            State = "RECEIVED"
	StateValidated           State = "VALIDATED"
	StateClassified          State = "CLASSIFIED"
	StateAdapted             State = "ADAPTED"
	StateEnhanced            State = "ENHANCED"
	StateScored              State = "SCORED"
	StateDecided             State = "DECIDED"
	StateCached              State = "CACHED"
	StateRouted              State = "ROUTED"
	StateRejected            State = "REJECTED"
	StateClarificationNeeded State = "CLARIFICATION_NEEDED"
)

// transitions lists the legal successors of each non-terminal state.
var transitions = map[State][]State{
	StateReceived:   {StateValidated},
	StateValidated:  {StateClassified, StateRejected},
	StateClassified: {StateAdapted},
	StateAdapted:    {StateEnhanced},
	StateEnhanced:   {StateScored},
	StateScored:     {StateDecided},
	StateDecided:    {StateCached, StateRouted, StateRejected, StateClarificationNeeded},
	StateCached:     {StateRouted, StateRejected, StateClarificationNeeded},
}

// Terminal reports whether s ends the machine.
func (s State) Terminal() bool {
	switch s {
	case StateRouted, StateRejected, StateClarificationNeeded:
		return true
	}
	return false
}

// terminalFor maps an action to the terminal state that reports it.
func terminalFor(a Action) State {
	switch a {
	case ActionRoute, ActionRouteWithAlternatives:
		return StateRouted
	case ActionReject:
		return StateRejected
	default:
		return StateClarificationNeeded
	}
}

// stateMachine tracks one request. Not safe for concurrent use; each request
// owns its own.
type stateMachine struct {
	state   State
	history []State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateReceived, history: []State{StateReceived}}
}

// advance moves to next, or returns ErrIllegalTransition.
func (m *stateMachine) advance(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}

// abort ends the machine from any non-terminal state. Only the fallback
// chain uses it.
func (m *stateMachine) abort(terminal State) error {
	if m.state.Terminal() || !terminal.Terminal() {
		return fmt.Errorf("%w: abort %s -> %s", ErrIllegalTransition, m.state, terminal)
	}
	m.state = terminal
	m.history = append(m.history, terminal)
	return nil
}
