package demand

import (
	"context"
	"strconv"
	"testing"
	"time"

	"PowerSched/internal/require"
)

func TestParseIdleJobs(t *testing.T) {
	output := []byte(`[
  {
    "GlobalJobId": "submit.example.org#123.0#1724900000",
    "RequestCpus": 4,
    "RequestMemory": 8192,
    "Requirements": "TARGET.Cpus >= TARGET.RequestCpus && TARGET.Memory >= RequestMemory"
  },
  {
    "GlobalJobId": "submit.example.org#124.0#1724900060",
    "RequestMemory": 1024,
    "RequestGpus": 1
  }
]`)

	jobs, err := parseIdleJobs(output)
	if err != nil {
		t.Fatalf("parseIdleJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}

	first := jobs[0]
	if first.ID != "submit.example.org#123.0#1724900000" {
		t.Errorf("first job ID = %q", first.ID)
	}
	if first.Cores != 4 || first.MemoryMB != 8192 || first.GPUs != 0 {
		t.Errorf("first job resources = %d/%d/%d", first.Cores, first.MemoryMB, first.GPUs)
	}
	if first.Requirements == nil {
		t.Fatal("first job requirements should be compiled")
	}
	// TARGET. scoping must be stripped so slot attributes resolve.
	if !first.Requirements.Eval(require.Attributes{
		"Cpus": 8, "Memory": int64(16384),
		"RequestCpus": 4, "RequestMemory": int64(8192),
	}) {
		t.Error("translated requirements should match a big enough slot")
	}

	second := jobs[1]
	if second.Cores != 1 {
		t.Errorf("job without RequestCpus should default to 1 core, got %d", second.Cores)
	}
	if second.GPUs != 1 {
		t.Errorf("second job GPUs = %d, want 1", second.GPUs)
	}
}

func TestParseIdleJobsEmptyQueue(t *testing.T) {
	jobs, err := parseIdleJobs([]byte(""))
	if err != nil {
		t.Fatalf("empty output should not error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("empty queue should yield no jobs, got %d", len(jobs))
	}
}

func TestParseIdleJobsBadOutput(t *testing.T) {
	if _, err := parseIdleJobs([]byte("condor_q: command not found")); err == nil {
		t.Error("non-JSON output should be rejected")
	}
}

func TestCompileJobRequirementsFallback(t *testing.T) {
	// Condor function calls are outside the expression language; the
	// fallback must still enforce a plain resource fit.
	expr := compileJobRequirements("job1", `regexp("^gpu", TARGET.Machine)`)
	if expr == nil {
		t.Fatal("fallback expression expected")
	}
	if !expr.Eval(require.Attributes{
		"Cpus": 4, "Memory": int64(4096), "Gpus": 0,
		"RequestCpus": 2, "RequestMemory": int64(1024), "RequestGpus": 0,
	}) {
		t.Error("fallback should match a slot that fits the request")
	}
	if expr.Eval(require.Attributes{
		"Cpus": 1, "Memory": int64(4096), "Gpus": 0,
		"RequestCpus": 2, "RequestMemory": int64(1024), "RequestGpus": 0,
	}) {
		t.Error("fallback should reject a slot with too few cores")
	}
}

func TestParseActivity(t *testing.T) {
	now := time.Now().Unix()
	output := []byte(`[
  {"Machine": "cpu1", "State": "Unclaimed", "Activity": "Idle", "EnteredCurrentActivity": ` + itoa(now-7200) + `},
  {"Machine": "cpu1", "State": "Unclaimed", "Activity": "Idle", "EnteredCurrentActivity": ` + itoa(now-3600) + `},
  {"Machine": "cpu2", "State": "Claimed", "Activity": "Busy", "EnteredCurrentActivity": ` + itoa(now-60) + `},
  {"Machine": "cpu2", "State": "Unclaimed", "Activity": "Idle", "EnteredCurrentActivity": ` + itoa(now-3600) + `}
]`)

	activity, err := parseActivity(output)
	if err != nil {
		t.Fatalf("parseActivity failed: %v", err)
	}

	cpu1, ok := activity["cpu1"]
	if !ok || !cpu1.idle {
		t.Fatalf("cpu1 should be idle: %+v", cpu1)
	}
	// Idleness starts at the most recently idled slot.
	if got := cpu1.enteredIdle.Unix(); got != now-3600 {
		t.Errorf("cpu1 enteredIdle = %d, want %d", got, now-3600)
	}

	if cpu2 := activity["cpu2"]; cpu2.idle {
		t.Error("cpu2 has a busy slot and must not be idle")
	}
}

func TestIdleDurationUsesCache(t *testing.T) {
	calls := 0
	orig := execCommand
	defer func() { execCommand = orig }()
	execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		entered := time.Now().Add(-2 * time.Hour).Unix()
		return []byte(`[{"Machine": "cpu1", "State": "Unclaimed", "Activity": "Idle", "EnteredCurrentActivity": ` + itoa(entered) + `}]`), nil
	}

	s := NewHTCondorSource()
	s.CacheTTL = time.Minute

	d, known, err := s.IdleDuration(context.Background(), "cpu1")
	if err != nil || !known {
		t.Fatalf("IdleDuration failed: %v, known=%v", err, known)
	}
	if d < 2*time.Hour-time.Minute || d > 2*time.Hour+time.Minute {
		t.Errorf("idle duration = %v, want about 2h", d)
	}

	if _, known, _ := s.IdleDuration(context.Background(), "cpu2"); known {
		t.Error("unreported machine must have unknown idleness")
	}
	if calls != 1 {
		t.Errorf("condor_status should run once within the cache TTL, ran %d times", calls)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
