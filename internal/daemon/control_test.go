package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"PowerSched/internal/decision"
	"PowerSched/internal/demand"
	"PowerSched/internal/pool"
	"PowerSched/internal/power"
	"PowerSched/internal/state"
)

type fakeBackend struct {
	mu sync.Mutex
	on map[string]bool
}

func (f *fakeBackend) State(ctx context.Context, m *pool.Machine) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on[m.Name], nil
}

func (f *fakeBackend) PowerOn(ctx context.Context, m *pool.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on[m.Name] = true
	return nil
}

func (f *fakeBackend) PowerOff(ctx context.Context, m *pool.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on[m.Name] = false
	return nil
}

type fakeSource struct {
	jobs []demand.Job
	idle map[string]time.Duration

	idleJobsCalls int
}

func (f *fakeSource) IdleJobs(ctx context.Context) ([]demand.Job, error) {
	f.idleJobsCalls++
	return f.jobs, nil
}

func (f *fakeSource) IdleDuration(ctx context.Context, machine string) (time.Duration, bool, error) {
	d, ok := f.idle[machine]
	return d, ok, nil
}

func testDaemon(t *testing.T, names ...string) (*Daemon, *fakeBackend) {
	t.Helper()

	var machines []*pool.Machine
	for _, name := range names {
		machines = append(machines, &pool.Machine{
			Name:    name,
			BMCHost: name + ".oob",
			Backend: "fake",
			Slots:   []*pool.Slot{{Name: "slot1", Machine: name, Cores: 4}},
		})
	}
	p, err := pool.NewPool(machines)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.json")

	backend := &fakeBackend{on: make(map[string]bool)}
	source := &fakeSource{}
	manager := state.NewManager(p, power.NewStaticSelector(backend, p), source, state.Options{
		StateFile: stateFile,
	})

	recorder, _ := NewRecorder(nil)
	d := &Daemon{
		cfg: &Config{
			StateFile:       stateFile,
			SocketPath:      filepath.Join(dir, "powersched.sock"),
			CycleSeconds:    1,
			CallTimeoutSecs: 5,
		},
		pool:     p,
		manager:  manager,
		source:   source,
		engine:   decision.NewSequentialEngine(),
		recorder: recorder,
		persist:  manager.Persist,
		phase:    Running,
		stopCh:   make(chan struct{}),
	}
	d.control = newControlServer(d)
	return d, backend
}

func controlRequest(t *testing.T, d *Daemon, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	d.control.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestControlStatus(t *testing.T) {
	d, _ := testDaemon(t, "a", "b")
	d.runCycle(context.Background())

	rec := controlRequest(t, d, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var statuses []state.MachineStatus
	if err := json.NewDecoder(rec.Body).Decode(&statuses); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	if statuses[0].Machine != "a" || statuses[0].State != pool.Off {
		t.Errorf("unexpected first status: %+v", statuses[0])
	}

	if rec := controlRequest(t, d, http.MethodPost, "/api/v1/status", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestControlOverride(t *testing.T) {
	d, _ := testDaemon(t, "a")

	rec := controlRequest(t, d, http.MethodPost, "/api/v1/override",
		OverrideRequest{Machine: "a", State: "Maintenance"})
	if rec.Code != http.StatusOK {
		t.Fatalf("override = %d, body %s", rec.Code, rec.Body.String())
	}

	d.runCycle(context.Background())
	var statuses []state.MachineStatus
	rec = controlRequest(t, d, http.MethodGet, "/api/v1/status", nil)
	if err := json.NewDecoder(rec.Body).Decode(&statuses); err != nil {
		t.Fatal(err)
	}
	if statuses[0].State != pool.Maintenance {
		t.Errorf("a = %s after override cycle, want Maintenance", statuses[0].State)
	}
}

func TestControlOverrideRejectsBadRequests(t *testing.T) {
	d, _ := testDaemon(t, "a")

	tests := []struct {
		name string
		req  OverrideRequest
		code int
	}{
		{"unknown state", OverrideRequest{Machine: "a", State: "Exploded"}, http.StatusBadRequest},
		{"unknown machine", OverrideRequest{Machine: "nosuch", State: "Off"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := controlRequest(t, d, http.MethodPost, "/api/v1/override", tt.req)
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			var errResp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil || errResp.Error == "" {
				t.Errorf("rejection should carry an error message")
			}
		})
	}
}

func TestControlShutdown(t *testing.T) {
	d, _ := testDaemon(t, "a")

	rec := controlRequest(t, d, http.MethodPost, "/api/v1/shutdown", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("shutdown = %d, want 200", rec.Code)
	}
	select {
	case <-d.stopCh:
	default:
		t.Error("shutdown request must trigger Stop")
	}
	if d.Phase() != Stopping {
		t.Errorf("phase = %s, want Stopping", d.Phase())
	}
}
