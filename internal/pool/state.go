package pool

import (
	"fmt"
	"strings"
)

// PowerState is the authoritative state of one machine. Exactly one state
// holds at any time; it is what the state file records between cycles.
type PowerState string

const (
	Unavailable  PowerState = "Unavailable"
	Off          PowerState = "Off"
	On           PowerState = "On"
	Booting      PowerState = "Booting"
	ShuttingDown PowerState = "ShuttingDown"
	Stuck        PowerState = "Stuck"
	Maintenance  PowerState = "Maintenance"
)

var allStates = []PowerState{
	Unavailable, Off, On, Booting, ShuttingDown, Stuck, Maintenance,
}

// ParsePowerState resolves a case-insensitive state name, e.g. from an
// operator override request.
func ParsePowerState(name string) (PowerState, error) {
	for _, s := range allStates {
		if strings.EqualFold(string(s), name) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown power state: %s", name)
}

// PowerStateNames lists the valid state names for help output.
func PowerStateNames() []string {
	names := make([]string, len(allStates))
	for i, s := range allStates {
		names[i] = string(s)
	}
	return names
}

// Transient reports whether the state is a pending transition that must
// converge or time out into Stuck.
func (s PowerState) Transient() bool {
	return s == Booting || s == ShuttingDown
}

// Frozen reports whether the state excludes the machine from all automated
// handling until an operator clears it.
func (s PowerState) Frozen() bool {
	return s == Unavailable || s == Maintenance
}
