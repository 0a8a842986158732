package state

import (
	"time"

	"PowerSched/internal/pool"
)

// Record is the persisted per-machine entry: the last committed power
// state plus transition metadata. It is recovery data, never current
// truth; every cycle re-derives truth from the live backends.
type Record struct {
	State          pool.PowerState `json:"state"`
	LastTransition time.Time       `json:"last_transition"`

	// TransitionStart is set while the machine is Booting or ShuttingDown
	// and bounds how long the transition may take before the machine is
	// declared Stuck.
	TransitionStart time.Time `json:"transition_start,omitempty"`
}

// MachineState is one machine's view within a reconciled snapshot, the
// input the decision engine works from.
type MachineState struct {
	Machine *pool.Machine
	State   pool.PowerState

	// Unknown marks a machine whose live probe failed this cycle. Unknown
	// machines are excluded from both the satisfaction and shutdown
	// passes.
	Unknown bool

	// IdleFor is how long the demand source reports the machine as fully
	// idle; meaningful only when IdleKnown.
	IdleFor   time.Duration
	IdleKnown bool
}

// Snapshot is a consistent point-in-time view of the whole pool taken by
// one reconcile. The decision pass completes against it before any power
// command of the cycle is issued.
type Snapshot struct {
	Taken    time.Time
	Machines []MachineState
}

// Eligible returns the snapshot entries usable for automated decisions:
// machines in On or Off whose live probe succeeded.
func (s *Snapshot) Eligible() []MachineState {
	var out []MachineState
	for _, ms := range s.Machines {
		if ms.Unknown {
			continue
		}
		if ms.State == pool.On || ms.State == pool.Off {
			out = append(out, ms)
		}
	}
	return out
}

// MachineStatus is the control-channel view of one machine.
type MachineStatus struct {
	Machine         string          `json:"machine"`
	State           pool.PowerState `json:"state"`
	Slots           int             `json:"slots"`
	LastTransition  time.Time       `json:"last_transition"`
	TransitionStart time.Time       `json:"transition_start,omitempty"`
	IdleFor         string          `json:"idle_for,omitempty"`
}
