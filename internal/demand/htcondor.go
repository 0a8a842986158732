package demand

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"PowerSched/internal/require"
)

// execCommand is swapped out in tests.
var execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// machineActivity is one machine's idle report derived from the startd
// ads, cached between IdleDuration calls within a cycle.
type machineActivity struct {
	idle        bool
	enteredIdle time.Time
}

// HTCondorSource reads idle demand from an HTCondor pool by shelling out
// to condor_q and condor_status with JSON output.
type HTCondorSource struct {
	// CacheTTL bounds how long one condor_status result is reused for
	// per-machine idle lookups. Zero means the default.
	CacheTTL time.Duration

	mu          sync.Mutex
	activity    map[string]machineActivity
	activityAge time.Time
}

const defaultActivityCacheTTL = 30 * time.Second

func NewHTCondorSource() *HTCondorSource {
	return &HTCondorSource{}
}

// IdleJobs lists the queued jobs with JobStatus == 1 (Idle) along with
// their resource requests.
func (s *HTCondorSource) IdleJobs(ctx context.Context) ([]Job, error) {
	output, err := execCommand(ctx, "condor_q",
		"-json",
		"-attributes", "GlobalJobId,RequestCpus,RequestMemory,RequestGpus,Requirements",
		"-constraint", "JobStatus == 1")
	if err != nil {
		return nil, fmt.Errorf("condor_q failed: %v, output: %s", err, string(output))
	}
	return parseIdleJobs(output)
}

func parseIdleJobs(output []byte) ([]Job, error) {
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		// condor_q emits nothing at all when the queue is empty.
		return nil, nil
	}
	parsed := gjson.Parse(trimmed)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("unexpected condor_q output: %s", trimmed)
	}

	var jobs []Job
	for _, ad := range parsed.Array() {
		raw := []byte(ad.Raw)

		// Ads submitted without an explicit cpu request still occupy one
		// core; make that explicit before reading the ad.
		if !gjson.GetBytes(raw, "RequestCpus").Exists() {
			raw, _ = sjson.SetBytes(raw, "RequestCpus", 1)
		}

		job := Job{
			ID:       gjson.GetBytes(raw, "GlobalJobId").String(),
			Cores:    int(gjson.GetBytes(raw, "RequestCpus").Int()),
			MemoryMB: gjson.GetBytes(raw, "RequestMemory").Int(),
			GPUs:     int(gjson.GetBytes(raw, "RequestGpus").Int()),
		}
		job.Requirements = compileJobRequirements(job.ID, gjson.GetBytes(raw, "Requirements").String())
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// compileJobRequirements adapts an ad's Requirements string to the local
// expression language; condor scopes slot attributes as TARGET.<name>,
// which maps directly onto our merged attribute set. Ads whose
// requirements do not translate fall back to a plain resource fit.
func compileJobRequirements(jobID, src string) *require.Expression {
	if src != "" {
		translated := strings.ReplaceAll(src, "TARGET.", "")
		expr, err := require.Compile(translated)
		if err == nil {
			return expr
		}
		log.Debugf("Job %s requirements %q not translatable, using resource fit: %v", jobID, src, err)
	}
	return require.MustCompile("Cpus >= RequestCpus && Memory >= RequestMemory && Gpus >= RequestGpus")
}

// IdleDuration reports how long every startd slot on the machine has been
// unclaimed and idle. The underlying condor_status query covers the whole
// pool and is cached briefly so per-machine lookups within one cycle cost
// a single fork.
func (s *HTCondorSource) IdleDuration(ctx context.Context, machine string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := s.CacheTTL
	if ttl <= 0 {
		ttl = defaultActivityCacheTTL
	}

	if s.activity == nil || time.Since(s.activityAge) > ttl {
		activity, err := s.fetchActivity(ctx)
		if err != nil {
			return 0, false, err
		}
		s.activity = activity
		s.activityAge = time.Now()
	}

	report, ok := s.activity[machine]
	if !ok || !report.idle {
		return 0, false, nil
	}
	return time.Since(report.enteredIdle), true, nil
}

func (s *HTCondorSource) fetchActivity(ctx context.Context) (map[string]machineActivity, error) {
	output, err := execCommand(ctx, "condor_status",
		"-json",
		"-attributes", "Machine,State,Activity,EnteredCurrentActivity",
		"-constraint", `SlotType != "Dynamic"`)
	if err != nil {
		return nil, fmt.Errorf("condor_status failed: %v, output: %s", err, string(output))
	}
	return parseActivity(output)
}

func parseActivity(output []byte) (map[string]machineActivity, error) {
	activity := make(map[string]machineActivity)

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return activity, nil
	}
	parsed := gjson.Parse(trimmed)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("unexpected condor_status output: %s", trimmed)
	}

	for _, ad := range parsed.Array() {
		machine := ad.Get("Machine").String()
		if machine == "" {
			continue
		}

		slotIdle := ad.Get("State").String() == "Unclaimed" &&
			ad.Get("Activity").String() == "Idle"
		entered := time.Unix(ad.Get("EnteredCurrentActivity").Int(), 0)

		report, seen := activity[machine]
		if !seen {
			report = machineActivity{idle: true, enteredIdle: entered}
		}
		if !slotIdle {
			report.idle = false
		} else if entered.After(report.enteredIdle) {
			// The machine is only as idle as its most recently active slot.
			report.enteredIdle = entered
		}
		activity[machine] = report
	}
	return activity, nil
}
