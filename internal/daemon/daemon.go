// Package daemon drives the whole system: a fixed-period reconciliation
// loop that is the only writer of machine state during automatic
// operation, plus a local control server that queues operator requests
// into the loop's cycle boundary.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"PowerSched/internal/decision"
	"PowerSched/internal/demand"
	"PowerSched/internal/pool"
	"PowerSched/internal/power"
	"PowerSched/internal/state"
)

// Phase is the daemon lifecycle state. Stopping means a stop was
// requested and the in-flight cycle is being allowed to finish.
type Phase int32

const (
	Running Phase = iota
	Stopping
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	}
	return "Unknown"
}

type Daemon struct {
	cfg     *Config
	pool    *pool.Pool
	manager *state.Manager
	source  demand.Source
	engine  decision.Engine

	recorder *Recorder
	control  *controlServer

	// persist commits the state record; points at the manager and is
	// swapped out in tests.
	persist func() error

	mu    sync.Mutex
	phase Phase

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg *Config) (*Daemon, error) {
	p, err := pool.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	backends, err := power.NewSelector(&cfg.Power, p)
	if err != nil {
		return nil, fmt.Errorf("failed to set up power backends: %w", err)
	}

	condor := demand.NewHTCondorSource()
	if cfg.Demand.StatusCacheSeconds > 0 {
		condor.CacheTTL = time.Duration(cfg.Demand.StatusCacheSeconds) * time.Second
	}

	manager := state.NewManager(p, backends, condor, state.Options{
		StateFile:    cfg.StateFile,
		StuckTimeout: cfg.StuckTimeout(),
		CallTimeout:  cfg.CallTimeout(),
		StateExpiry:  cfg.StateExpiry(),
	})

	engine, err := decision.New(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if seq, ok := engine.(*decision.SequentialEngine); ok {
		seq.IdleThreshold = cfg.IdleThreshold()
	}

	recorder, err := NewRecorder(cfg.InfluxDB)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		pool:     p,
		manager:  manager,
		source:   condor,
		engine:   engine,
		recorder: recorder,
		persist:  manager.Persist,
		phase:    Running,
		stopCh:   make(chan struct{}),
	}
	d.control = newControlServer(d)
	return d, nil
}

func (d *Daemon) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *Daemon) setPhase(p Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p > d.phase {
		d.phase = p
		log.Infof("Daemon is now %s", p)
	}
}

// Stop requests shutdown. The in-flight cycle, if any, finishes and is
// persisted before Run returns.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.setPhase(Stopping)
		close(d.stopCh)
	})
}

// Run loads persisted state, starts the control server and runs cycles
// at the configured period until Stop is called or ctx is canceled. The
// first cycle runs immediately.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.manager.Load(); err != nil {
		return fmt.Errorf("cannot start with unloadable state: %w", err)
	}

	if err := d.control.Start(d.cfg.SocketPath); err != nil {
		return err
	}

	log.Infof("Managing %d machines, cycle period %v", d.pool.Len(), d.cfg.CyclePeriod())

	ticker := time.NewTicker(d.cfg.CyclePeriod())
	defer ticker.Stop()

	d.runCycle(ctx)

loop:
	for {
		select {
		case <-ticker.C:
			d.runCycle(ctx)
		case <-d.stopCh:
			break loop
		case <-ctx.Done():
			d.Stop()
			break loop
		}
	}

	// Final persist so operator overrides queued after the last cycle
	// are not silently lost across a restart.
	if err := d.persist(); err != nil {
		log.Errorf("Final state persist failed: %v", err)
	}

	d.control.Close()
	d.recorder.Close()
	d.setPhase(Stopped)
	return nil
}
