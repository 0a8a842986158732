// Package demand reports what the external job-scheduling pool is waiting
// for. Jobs are transient: they are re-fetched every cycle and never
// persisted, and carry no identity beyond what the source reports.
package demand

import (
	"context"
	"time"

	"PowerSched/internal/require"
)

// Job is one idle demand unit: a requirement expression plus resource
// needs.
type Job struct {
	ID           string
	Cores        int
	MemoryMB     int64
	GPUs         int
	Requirements *require.Expression
}

// Attributes exposes the job's resource requests for evaluation of slot
// constraints and of job requirements that reference their own request
// values (e.g. `Cpus >= RequestCpus`).
func (j Job) Attributes() require.Attributes {
	return require.Attributes{
		"JobId":         j.ID,
		"RequestCpus":   j.Cores,
		"RequestMemory": j.MemoryMB,
		"RequestGpus":   j.GPUs,
	}
}

// Source is the capability contract of the external job-queue authority.
//
// IdleDuration reports how long the machine has been fully idle; ok is
// false when the machine is busy, not reporting, or otherwise unknown. A
// machine with unknown idleness is never shut down.
type Source interface {
	IdleJobs(ctx context.Context) ([]Job, error)
	IdleDuration(ctx context.Context, machine string) (time.Duration, bool, error)
}
