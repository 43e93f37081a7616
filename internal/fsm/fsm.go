// Package fsm tracks the lifecycle of one vhost-user session.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateOwned      State = "owned"
	StateConfigured State = "configured"
	StateRunning    State = "running"
)

const (
	EventOwner        Event = "owner"
	EventMemTable     Event = "mem_table"
	EventRingStart    Event = "ring_start"
	EventRingsStopped Event = "rings_stopped"
	EventReset        Event = "reset"
)

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle, StateOwned, StateConfigured, StateRunning:
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}

	if event == EventReset {
		return StateIdle, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventOwner:
			return StateOwned, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateOwned:
		switch event {
		case EventMemTable:
			return StateConfigured, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConfigured:
		switch event {
		case EventMemTable, EventRingsStopped:
			return StateConfigured, nil
		case EventRingStart:
			return StateRunning, nil
		default:
			return current, invalidTransition(current, event)
		}
	default: // StateRunning
		switch event {
		case EventMemTable, EventRingStart:
			return StateRunning, nil
		case EventRingsStopped:
			return StateConfigured, nil
		default:
			return current, invalidTransition(current, event)
		}
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
