package power

import (
	"fmt"

	"PowerSched/internal/pool"
)

// Selector holds the backend instances the manifest references and
// resolves the right one per machine.
type Selector struct {
	byName map[string]Interface
}

// NewSelector instantiates every backend named by the pool's machines.
func NewSelector(cfg *Config, p *pool.Pool) (*Selector, error) {
	byName := make(map[string]Interface)
	for _, m := range p.Machines() {
		if _, ok := byName[m.Backend]; ok {
			continue
		}
		backend, err := New(m.Backend, cfg)
		if err != nil {
			return nil, fmt.Errorf("machine %s: %w", m.Name, err)
		}
		byName[m.Backend] = backend
	}
	return &Selector{byName: byName}, nil
}

// NewStaticSelector wraps a single backend for every machine; used by
// tests and single-backend deployments.
func NewStaticSelector(backend Interface, p *pool.Pool) *Selector {
	byName := make(map[string]Interface)
	for _, m := range p.Machines() {
		byName[m.Backend] = backend
	}
	return &Selector{byName: byName}
}

// For resolves the backend for one machine.
func (s *Selector) For(m *pool.Machine) (Interface, error) {
	backend, ok := s.byName[m.Backend]
	if !ok {
		return nil, fmt.Errorf("machine %s references unknown backend %q", m.Name, m.Backend)
	}
	return backend, nil
}
