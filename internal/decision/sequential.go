package decision

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"PowerSched/internal/demand"
	"PowerSched/internal/pool"
	"PowerSched/internal/state"
)

const DefaultIdleThreshold = time.Hour

func init() {
	Register("sequential", func() Engine {
		return NewSequentialEngine()
	})
}

// SequentialEngine walks machines in a fixed order: it packs idle jobs
// onto already-On capacity first, powers on Off machines one at a time
// only while unsatisfied demand remains, and shuts down On machines that
// claimed nothing and have been idle past the threshold. The fixed
// ordering is what keeps decisions stable across cycles: with unchanged
// demand and states, the same machines are chosen every time.
type SequentialEngine struct {
	IdleThreshold time.Duration

	// Less orders candidate machines. The default sorts by name
	// ascending, which already yields a total order since names are
	// unique; the comparator is a field so deployments can bias the
	// walk differently without touching the packing logic.
	Less func(a, b state.MachineState) bool
}

func NewSequentialEngine() *SequentialEngine {
	return &SequentialEngine{
		IdleThreshold: DefaultIdleThreshold,
		Less:          defaultOrder,
	}
}

// defaultOrder sorts by name, breaking a duplicate-name tie in favor of
// On so powered capacity is considered before powering anything new.
func defaultOrder(a, b state.MachineState) bool {
	if a.Machine.Name != b.Machine.Name {
		return a.Machine.Name < b.Machine.Name
	}
	return a.State == pool.On && b.State != pool.On
}

func (e *SequentialEngine) Decide(snapshot *state.Snapshot, jobs []demand.Job) []Transition {
	candidates := snapshot.Eligible()
	less := e.Less
	if less == nil {
		less = defaultOrder
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})

	var on, off []state.MachineState
	for _, ms := range candidates {
		if ms.State == pool.On {
			on = append(on, ms)
		} else {
			off = append(off, ms)
		}
	}

	var transitions []Transition

	// Greedy expansion: pack over the active set, and while unsatisfied
	// demand remains, add the first Off machine able to claim at least
	// one leftover job and pack again from scratch.
	active := append([]state.MachineState(nil), on...)
	claims, unsatisfied := pack(active, jobs)
	for len(unsatisfied) > 0 && len(off) > 0 {
		picked := -1
		for i, ms := range off {
			if canClaimAny(ms.Machine, unsatisfied) {
				picked = i
				break
			}
		}
		if picked < 0 {
			log.Debugf("%d idle jobs not satisfiable by any remaining machine", len(unsatisfied))
			break
		}

		machine := off[picked]
		off = append(off[:picked], off[picked+1:]...)
		transitions = append(transitions, Transition{Machine: machine.Machine.Name, Target: pool.On})
		log.Infof("Powering on %s for %d unsatisfied jobs", machine.Machine.Name, len(unsatisfied))

		active = insertOrdered(active, machine, less)
		claims, unsatisfied = pack(active, jobs)
	}

	// Shutdown pass over the machines that were actually On this cycle,
	// never the hypothetically powered-on ones.
	for _, ms := range on {
		if claims[ms.Machine.Name] > 0 {
			continue
		}
		if !ms.IdleKnown || ms.IdleFor < e.IdleThreshold {
			continue
		}
		transitions = append(transitions, Transition{Machine: ms.Machine.Name, Target: pool.Off})
		log.Infof("Powering off %s, idle for %s", ms.Machine.Name, ms.IdleFor.Round(time.Second))
	}
	return transitions
}

// pack tentatively places every job onto the active machines in order.
// It returns per-machine claim counts and the jobs that found no slot.
// Placement is capacity accounting only; counters are reset first so each
// call starts from full slots.
func pack(active []state.MachineState, jobs []demand.Job) (map[string]int, []demand.Job) {
	for _, ms := range active {
		ms.Machine.ResetResources()
	}

	claims := make(map[string]int)
	var unsatisfied []demand.Job
	for _, job := range jobs {
		placed := false
		for _, ms := range active {
			if claimOnMachine(ms.Machine, job) {
				claims[ms.Machine.Name]++
				placed = true
				break
			}
		}
		if !placed {
			unsatisfied = append(unsatisfied, job)
		}
	}
	return claims, unsatisfied
}

// claimOnMachine claims the first slot of m that matches the job, if any.
func claimOnMachine(m *pool.Machine, job demand.Job) bool {
	for _, slot := range m.Slots {
		if !slotMatches(slot, job) {
			continue
		}
		if slot.TryClaim(job.Cores, job.MemoryMB, job.GPUs) {
			return true
		}
	}
	return false
}

// slotMatches evaluates both directions of the match: the job's
// requirement expression against the slot's attributes, and the slot's
// constraint against the job's. The merged attribute set lets job
// requirements reference their own request values (Cpus >= RequestCpus).
func slotMatches(slot *pool.Slot, job demand.Job) bool {
	if job.Requirements != nil {
		attrs := slot.Attributes()
		for k, v := range job.Attributes() {
			attrs[k] = v
		}
		if !job.Requirements.Eval(attrs) {
			return false
		}
	}
	if slot.Constraint != nil {
		if !slot.Constraint.Eval(job.Attributes()) {
			return false
		}
	}
	return true
}

// canClaimAny reports whether m, starting from full slots, could claim at
// least one of the jobs.
func canClaimAny(m *pool.Machine, jobs []demand.Job) bool {
	m.ResetResources()
	for _, job := range jobs {
		for _, slot := range m.Slots {
			if !slotMatches(slot, job) {
				continue
			}
			if slot.TryClaim(job.Cores, job.MemoryMB, job.GPUs) {
				m.ResetResources()
				return true
			}
		}
	}
	return false
}

func insertOrdered(active []state.MachineState, ms state.MachineState, less func(a, b state.MachineState) bool) []state.MachineState {
	i := sort.Search(len(active), func(i int) bool {
		return less(ms, active[i])
	})
	active = append(active, state.MachineState{})
	copy(active[i+1:], active[i:])
	active[i] = ms
	return active
}
