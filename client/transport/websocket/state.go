package websocket

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrIllegalTransition = errors.New("illegal channel state transition")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// State is the channel status tagged with the reconnect attempt
// it refers to (zero outside of reconnection).
type State struct {
	Status  Status
	Attempt int
}

func (s State) String() string {
	if s.Status == StatusReconnecting {
		return fmt.Sprintf("%s(%d)", s.Status, s.Attempt)
	}
	return s.Status.String()
}

var transitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting: {
		StatusConnecting, // superseded by a newer connect
		StatusConnected,
		StatusDisconnected,
		StatusReconnecting,
		StatusFailed,
		StatusDisconnecting,
	},
	StatusConnected:     {StatusConnecting, StatusReconnecting, StatusFailed, StatusDisconnecting},
	StatusReconnecting:  {StatusConnecting, StatusDisconnecting},
	StatusFailed:        {StatusConnecting, StatusDisconnecting},
	StatusDisconnecting: {StatusDisconnected},
}

func (s State) next(to Status, attempt int) (State, error) {
	for _, allowed := range transitions[s.Status] {
		if allowed == to {
			return State{Status: to, Attempt: attempt}, nil
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, to)
}

// Backoff returns the delay before reconnect attempt n (1-based): base × 2^(n−1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
