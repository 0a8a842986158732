// Package power abstracts per-machine power control. Backends implement
// the Interface contract and register by name; the daemon selects one per
// machine from the manifest. All calls are bounded by the caller's context.
package power

import (
	"context"
	"fmt"
	"sort"

	"PowerSched/internal/pool"
)

// Interface is the capability contract for one power-control backend.
// State reports whether the machine is powered on. PowerOn and PowerOff
// request the transition; they do not wait for it to complete.
type Interface interface {
	State(ctx context.Context, m *pool.Machine) (bool, error)
	PowerOn(ctx context.Context, m *pool.Machine) error
	PowerOff(ctx context.Context, m *pool.Machine) error
}

// Config carries backend settings shared across machines; per-machine
// credential pins in the manifest take precedence.
type Config struct {
	IPMI struct {
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
	} `mapstructure:"ipmi"`

	Redfish struct {
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		SystemID string `mapstructure:"system_id"`
		Insecure bool   `mapstructure:"insecure"`
	} `mapstructure:"redfish"`
}

type factory func(cfg *Config) (Interface, error)

var backends = map[string]factory{}

func register(name string, f factory) {
	backends[name] = f
}

// New builds the backend registered under name.
func New(name string, cfg *Config) (Interface, error) {
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown power backend %q (available: %v)", name, Names())
	}
	return f(cfg)
}

// Names lists the registered backend names.
func Names() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
