package daemon

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"PowerSched/internal/demand"
	"PowerSched/internal/pool"
	"PowerSched/internal/require"
	"PowerSched/internal/state"
)

func TestRunStopsCleanly(t *testing.T) {
	d, _ := testDaemon(t, "a")

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	// Give the first cycle time to complete, then stop.
	time.Sleep(200 * time.Millisecond)
	d.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	if d.Phase() != Stopped {
		t.Errorf("phase = %s, want Stopped", d.Phase())
	}

	// The final persist must leave a state file behind.
	if _, err := os.Stat(d.cfg.StateFile); err != nil {
		t.Errorf("state file missing after shutdown: %v", err)
	}
	// The socket must be gone from the listener's perspective only after
	// Close; the file itself may linger, but a second daemon can rebind.
	if err := d.control.Start(d.cfg.SocketPath); err != nil {
		t.Errorf("socket path not rebindable after shutdown: %v", err)
	}
	d.control.Close()
}

func TestCycleAppliesDecisions(t *testing.T) {
	d, backend := testDaemon(t, "a", "b")

	src := d.source.(*fakeSource)
	job := demand.Job{ID: "j1", Cores: 2}
	job.Requirements = require.MustCompile("Cpus >= RequestCpus")
	src.jobs = []demand.Job{job}

	d.runCycle(context.Background())

	backend.mu.Lock()
	aOn := backend.on["a"]
	backend.mu.Unlock()
	if !aOn {
		t.Error("cycle should power on machine a for the idle job")
	}

	var aState pool.PowerState
	for _, s := range d.manager.Status() {
		if s.Machine == "a" {
			aState = s.State
		}
	}
	if aState != pool.Booting {
		t.Errorf("a = %s after apply, want Booting", aState)
	}

	// Next cycle sees the machine live-on and confirms it.
	d.runCycle(context.Background())
	for _, s := range d.manager.Status() {
		if s.Machine == "a" && s.State != pool.On {
			t.Errorf("a = %s after confirmation cycle, want On", s.State)
		}
	}
}

func TestCycleSkipsDecisionOnDemandFailure(t *testing.T) {
	d, backend := testDaemon(t, "a")
	d.source = &failingSource{}

	d.runCycle(context.Background())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.on["a"] {
		t.Error("no decision may be applied when the demand source fails")
	}
}

func TestCyclePersistFailureAbortsCommitOnly(t *testing.T) {
	origDelay := persistRetryDelay
	persistRetryDelay = time.Millisecond
	defer func() { persistRetryDelay = origDelay }()

	d, _ := testDaemon(t, "a")

	calls := 0
	d.persist = func() error {
		calls++
		return fmt.Errorf("disk full")
	}

	d.runCycle(context.Background())

	if calls != persistAttempts {
		t.Errorf("persist attempts = %d, want %d", calls, persistAttempts)
	}
	if d.Phase() != Running {
		t.Errorf("phase = %s after persist failure, want Running", d.Phase())
	}
	if _, err := os.Stat(d.cfg.StateFile); !os.IsNotExist(err) {
		t.Errorf("no state file may exist after an aborted commit: %v", err)
	}

	// The persistence layer recovers: the next cycle commits normally.
	d.persist = d.manager.Persist
	d.runCycle(context.Background())
	if _, err := os.Stat(d.cfg.StateFile); err != nil {
		t.Errorf("state file missing after recovered cycle: %v", err)
	}
}

func TestPersistRetryStopsOnCancel(t *testing.T) {
	d, _ := testDaemon(t, "a")

	calls := 0
	d.persist = func() error {
		calls++
		return fmt.Errorf("disk full")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.persistWithRetry(ctx); err == nil {
		t.Fatal("persist failure must surface")
	}
	if calls != 1 {
		t.Errorf("persist attempts = %d with canceled context, want 1", calls)
	}
}

func TestFetchDemandSkipsWhenAllPowered(t *testing.T) {
	entry := func(name string, st pool.PowerState, unknown bool) state.MachineState {
		return state.MachineState{
			Machine: &pool.Machine{Name: name},
			State:   st,
			Unknown: unknown,
		}
	}

	tests := []struct {
		name     string
		skipFlag bool
		machines []state.MachineState
		wantSkip bool
	}{
		{
			name:     "all on",
			skipFlag: true,
			machines: []state.MachineState{entry("a", pool.On, false), entry("b", pool.On, false)},
			wantSkip: true,
		},
		{
			name:     "booting counts as powered",
			skipFlag: true,
			machines: []state.MachineState{entry("a", pool.On, false), entry("b", pool.Booting, false)},
			wantSkip: true,
		},
		{
			name:     "off machine present",
			skipFlag: true,
			machines: []state.MachineState{entry("a", pool.On, false), entry("b", pool.Off, false)},
			wantSkip: false,
		},
		{
			name:     "unknown machine present",
			skipFlag: true,
			machines: []state.MachineState{entry("a", pool.On, true), entry("b", pool.On, false)},
			wantSkip: false,
		},
		{
			name:     "flag disabled",
			skipFlag: false,
			machines: []state.MachineState{entry("a", pool.On, false)},
			wantSkip: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := testDaemon(t, "a", "b")
			d.cfg.SkipDemandWhenAllOn = tt.skipFlag
			src := d.source.(*fakeSource)

			snapshot := &state.Snapshot{Taken: time.Now(), Machines: tt.machines}
			_, ok := d.fetchDemand(context.Background(), snapshot)
			if !ok {
				t.Fatal("healthy demand source must allow the decision pass")
			}

			queried := src.idleJobsCalls > 0
			if queried == tt.wantSkip {
				t.Errorf("queue queried = %v, want skip = %v", queried, tt.wantSkip)
			}
		})
	}
}

type failingSource struct{}

func (f *failingSource) IdleJobs(ctx context.Context) ([]demand.Job, error) {
	return nil, context.DeadlineExceeded
}

func (f *failingSource) IdleDuration(ctx context.Context, machine string) (time.Duration, bool, error) {
	return 0, false, context.DeadlineExceeded
}
