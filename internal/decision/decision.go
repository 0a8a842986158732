// Package decision turns one reconciled pool snapshot plus the current
// idle-job list into power transitions. Engines are pure: identical
// inputs yield identical outputs, with no state carried between cycles.
package decision

import (
	"fmt"
	"sort"

	"PowerSched/internal/demand"
	"PowerSched/internal/pool"
	"PowerSched/internal/state"
)

// Transition is one commanded power-state change.
type Transition struct {
	Machine string
	Target  pool.PowerState
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s", t.Machine, t.Target)
}

// Engine decides which transitions the current cycle should apply.
// Decide must not issue I/O and must not retain the snapshot.
type Engine interface {
	Decide(snapshot *state.Snapshot, jobs []demand.Job) []Transition
}

type factory func() Engine

var engines = make(map[string]factory)

func Register(name string, f func() Engine) {
	engines[name] = f
}

// New builds the engine registered under name.
func New(name string) (Engine, error) {
	f, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown decision engine %s (available: %v)", name, Names())
	}
	return f(), nil
}

func Names() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
