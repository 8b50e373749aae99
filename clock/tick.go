package clock

import (
	"context"
	"fmt"
)

type Mode int

const (
	ModeConvergence Mode = iota
	ModeData
)

func (m Mode) String() string {
	switch m {
	case ModeConvergence:
		return "convergence"
	case ModeData:
		return "data"
	default:
		return fmt.Sprintf("unknown mode: %d", m)
	}
}

// Tick is broadcast to every actor once per clock step. Seq starts at 1.
type Tick struct {
	Seq      uint64
	Mode     Mode
	SendData bool
}

// Actor is a network entity driven by the clock. Run serves the actor until
// ctx is done. Tick hands the actor one tick and returns once the actor has
// finished processing it.
type Actor interface {
	Run(ctx context.Context) error
	Tick(ctx context.Context, t Tick) error
}

type State int

const (
	StateIdle State = iota
	StateConverging
	StateForwarding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConverging:
		return "converging"
	case StateForwarding:
		return "forwarding"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown state: %d", s)
	}
}
