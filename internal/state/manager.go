// Package state owns the authoritative, persisted power-state record for
// every machine and re-derives it from the live backends each cycle. The
// persisted record is recovery data only; whenever it disagrees with a
// live observation, the live observation wins.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"PowerSched/internal/demand"
	"PowerSched/internal/pool"
	"PowerSched/internal/power"
)

// Options bound the manager's timing behavior.
type Options struct {
	StateFile string

	// StuckTimeout is how long a Booting or ShuttingDown machine may miss
	// its expected live state before being declared Stuck.
	StuckTimeout time.Duration

	// CallTimeout bounds every individual power-interface and demand
	// lookup issued during reconcile.
	CallTimeout time.Duration

	// StateExpiry discards a state file older than this on load; a
	// fresh reconcile rebuilds truth anyway.
	StateExpiry time.Duration
}

const (
	DefaultStuckTimeout = 15 * time.Minute
	DefaultCallTimeout  = 20 * time.Second
	DefaultStateExpiry  = 15 * time.Minute
)

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = DefaultStuckTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.StateExpiry <= 0 {
		opts.StateExpiry = DefaultStateExpiry
	}
	return opts
}

type override struct {
	machine string
	target  pool.PowerState
}

// Manager is the single owner of the power-state record. The
// reconciliation loop is its only writer during automatic operation;
// the control channel only queues overrides, which the manager applies at
// the next cycle boundary.
type Manager struct {
	pool     *pool.Pool
	backends *power.Selector
	source   demand.Source
	opts     Options

	mu      sync.Mutex
	records map[string]*Record
	idle    map[string]time.Duration // last known idle durations, for status

	ovMu      sync.Mutex
	overrides []override
}

func NewManager(p *pool.Pool, backends *power.Selector, source demand.Source, opts Options) *Manager {
	return &Manager{
		pool:     p,
		backends: backends,
		source:   source,
		opts:     opts.withDefaults(),
		records:  make(map[string]*Record),
		idle:     make(map[string]time.Duration),
	}
}

// QueueOverride validates and queues a manual state override. It takes
// effect at the next reconcile, never mid-cycle.
func (m *Manager) QueueOverride(machine string, target pool.PowerState) error {
	if _, ok := m.pool.Machine(machine); !ok {
		return fmt.Errorf("machine %s does not exist", machine)
	}

	m.ovMu.Lock()
	defer m.ovMu.Unlock()
	m.overrides = append(m.overrides, override{machine: machine, target: target})
	log.Infof("Queued override: %s -> %s", machine, target)
	return nil
}

func (m *Manager) takeOverrides() []override {
	m.ovMu.Lock()
	defer m.ovMu.Unlock()
	ovs := m.overrides
	m.overrides = nil
	return ovs
}

// Reconcile re-derives every machine's state from the live backends and
// returns a consistent snapshot for the decision pass. Queued overrides
// are applied first, then live power states are probed concurrently.
func (m *Manager) Reconcile(ctx context.Context) *Snapshot {
	for _, ov := range m.takeOverrides() {
		m.applyOverride(ctx, ov)
	}

	type probe struct {
		machine *pool.Machine
		state   pool.PowerState
		skip    bool

		liveOn  bool
		unknown bool
	}

	m.mu.Lock()
	probes := make([]*probe, 0, m.pool.Len())
	for _, machine := range m.pool.Machines() {
		rec := m.record(machine.Name)
		p := &probe{machine: machine, state: rec.State}
		// Frozen machines are under operator control; Stuck machines wait
		// for an operator. Neither is probed or automated.
		if rec.State.Frozen() || rec.State == pool.Stuck {
			p.skip = true
		}
		probes = append(probes, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range probes {
		if p.skip {
			continue
		}
		wg.Add(1)
		go func(p *probe) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
			defer cancel()

			backend, err := m.backends.For(p.machine)
			if err == nil {
				p.liveOn, err = backend.State(callCtx, p.machine)
			}
			if err != nil {
				log.Warnf("Power state of %s unknown this cycle: %v", p.machine.Name, err)
				p.unknown = true
			}
		}(p)
	}
	wg.Wait()

	now := time.Now()
	m.mu.Lock()
	for _, p := range probes {
		if p.skip || p.unknown {
			continue
		}
		m.observe(p.machine.Name, p.liveOn, now)
	}

	snapshot := &Snapshot{Taken: now}
	idleTargets := make([]string, 0)
	for _, p := range probes {
		rec := m.record(p.machine.Name)
		ms := MachineState{
			Machine: p.machine,
			State:   rec.State,
			Unknown: p.unknown,
		}
		snapshot.Machines = append(snapshot.Machines, ms)
		if rec.State == pool.On && !p.unknown {
			idleTargets = append(idleTargets, p.machine.Name)
		}
	}
	m.mu.Unlock()

	idle := make(map[string]time.Duration, len(idleTargets))
	for _, name := range idleTargets {
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		d, known, err := m.source.IdleDuration(callCtx, name)
		cancel()
		if err != nil {
			log.Warnf("Idle duration of %s unknown this cycle: %v", name, err)
			continue
		}
		if known {
			idle[name] = d
		}
	}

	m.mu.Lock()
	m.idle = idle
	m.mu.Unlock()

	for i := range snapshot.Machines {
		d, known := idle[snapshot.Machines[i].Machine.Name]
		snapshot.Machines[i].IdleFor = d
		snapshot.Machines[i].IdleKnown = known
	}
	return snapshot
}

// observe folds one live power reading into the record. The live state
// wins unconditionally; disagreement is logged, not treated as an error.
func (m *Manager) observe(name string, liveOn bool, now time.Time) {
	rec := m.record(name)

	switch rec.State {
	case pool.Booting:
		if liveOn {
			log.Infof("Machine %s confirmed On after %s",
				name, now.Sub(rec.TransitionStart).Round(time.Second))
			m.setState(rec, pool.On, now)
		} else if now.Sub(rec.TransitionStart) >= m.opts.StuckTimeout {
			log.Errorf("Machine %s stuck: no power-on confirmation within %s",
				name, m.opts.StuckTimeout)
			m.setState(rec, pool.Stuck, now)
		}
	case pool.ShuttingDown:
		if !liveOn {
			log.Infof("Machine %s confirmed Off after %s",
				name, now.Sub(rec.TransitionStart).Round(time.Second))
			m.setState(rec, pool.Off, now)
		} else if now.Sub(rec.TransitionStart) >= m.opts.StuckTimeout {
			log.Errorf("Machine %s stuck: no power-off confirmation within %s",
				name, m.opts.StuckTimeout)
			m.setState(rec, pool.Stuck, now)
		}
	default:
		live := pool.Off
		if liveOn {
			live = pool.On
		}
		if rec.State != live {
			log.Infof("Machine %s record says %s but live state is %s; trusting live state",
				name, rec.State, live)
			m.setState(rec, live, now)
		}
	}
}

func (m *Manager) setState(rec *Record, target pool.PowerState, now time.Time) {
	rec.State = target
	rec.LastTransition = now
	if target.Transient() {
		rec.TransitionStart = now
	} else {
		rec.TransitionStart = time.Time{}
	}
}

// record returns the entry for name, creating an Off default. Callers
// hold m.mu.
func (m *Manager) record(name string) *Record {
	rec, ok := m.records[name]
	if !ok {
		rec = &Record{State: pool.Off}
		m.records[name] = rec
	}
	return rec
}

// applyOverride sets the target state directly, bypassing the decision
// engine. Overriding into On or Off issues the matching power command and
// enters the transient state, mirroring automatic transitions.
func (m *Manager) applyOverride(ctx context.Context, ov override) {
	machine, ok := m.pool.Machine(ov.machine)
	if !ok {
		log.Errorf("Override for unknown machine %s dropped", ov.machine)
		return
	}

	target := ov.target
	switch target {
	case pool.On:
		if err := m.BeginTransition(ctx, ov.machine, pool.On); err != nil {
			log.Errorf("Override %s -> On failed: %v", ov.machine, err)
		}
		return
	case pool.Off:
		if err := m.BeginTransition(ctx, ov.machine, pool.Off); err != nil {
			log.Errorf("Override %s -> Off failed: %v", ov.machine, err)
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(machine.Name)
	log.Infof("Override: machine %s %s -> %s", machine.Name, rec.State, target)
	m.setState(rec, target, time.Now())
}

// BeginTransition issues the power command for target (On or Off) and, on
// success, moves the machine into the matching transient state. The
// record is untouched when the command fails.
func (m *Manager) BeginTransition(ctx context.Context, name string, target pool.PowerState) error {
	machine, ok := m.pool.Machine(name)
	if !ok {
		return fmt.Errorf("machine %s does not exist", name)
	}
	if target != pool.On && target != pool.Off {
		return fmt.Errorf("cannot transition %s to %s", name, target)
	}

	backend, err := m.backends.For(machine)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	if target == pool.On {
		err = backend.PowerOn(callCtx, machine)
	} else {
		err = backend.PowerOff(callCtx, machine)
	}
	if err != nil {
		return fmt.Errorf("power command for %s failed: %w", name, err)
	}

	transient := pool.Booting
	if target == pool.Off {
		transient = pool.ShuttingDown
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(name)
	log.Infof("Machine %s: %s -> %s", name, rec.State, transient)
	m.setState(rec, transient, time.Now())
	return nil
}

// Status returns a point-in-time copy of the state record; it never
// probes live backends.
func (m *Manager) Status() []MachineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]MachineStatus, 0, m.pool.Len())
	for _, machine := range m.pool.Machines() {
		rec := m.record(machine.Name)
		status := MachineStatus{
			Machine:         machine.Name,
			State:           rec.State,
			Slots:           len(machine.Slots),
			LastTransition:  rec.LastTransition,
			TransitionStart: rec.TransitionStart,
		}
		if d, ok := m.idle[machine.Name]; ok {
			status.IdleFor = d.Round(time.Second).String()
		}
		statuses = append(statuses, status)
	}
	return statuses
}
