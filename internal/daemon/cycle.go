package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"PowerSched/internal/decision"
	"PowerSched/internal/demand"
	"PowerSched/internal/pool"
	"PowerSched/internal/state"
)

const persistAttempts = 3

// persistRetryDelay is shortened in tests.
var persistRetryDelay = time.Second

// runCycle executes one full reconcile-decide-apply-persist round. The
// decision pass completes against one consistent snapshot before any
// power command of the cycle is issued.
func (d *Daemon) runCycle(ctx context.Context) {
	started := time.Now()

	snapshot := d.manager.Reconcile(ctx)

	jobs, demandOK := d.fetchDemand(ctx, snapshot)

	var transitions []decision.Transition
	if demandOK {
		transitions = d.engine.Decide(snapshot, jobs)
	} else {
		// Without a trustworthy job list any decision would be built on
		// stale demand, so the cycle changes nothing.
		log.Warn("Skipping decision pass this cycle")
	}

	d.applyTransitions(ctx, transitions)

	if err := d.persistWithRetry(ctx); err != nil {
		log.Errorf("Cycle commit aborted, state not persisted: %v", err)
	}

	d.recorder.RecordCycle(snapshot, len(jobs), transitions)
	log.Debugf("Cycle finished in %v (%d idle jobs, %d transitions)",
		time.Since(started).Round(time.Millisecond), len(jobs), len(transitions))
}

// persistWithRetry commits the state record, retrying a bounded number of
// times. A canceled context cuts the backoff short so shutdown is not
// delayed by a broken persistence layer.
func (d *Daemon) persistWithRetry(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = d.persist(); err == nil {
			return nil
		}
		log.Errorf("State persist attempt %d/%d failed: %v", attempt, persistAttempts, err)
		if attempt == persistAttempts {
			break
		}
		select {
		case <-time.After(persistRetryDelay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// fetchDemand returns the idle-job list and whether the decision pass may
// run. A demand-source failure is soft: the cycle proceeds without
// deciding. With skip_demand_when_all_on set, a fully powered-on pool
// skips the queue query and decides on idle durations alone.
func (d *Daemon) fetchDemand(ctx context.Context, snapshot *state.Snapshot) ([]demand.Job, bool) {
	if d.cfg.SkipDemandWhenAllOn && allPowered(snapshot) {
		log.Debug("All machines powered or booting, skipping idle-job query")
		return nil, true
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout())
	defer cancel()

	jobs, err := d.source.IdleJobs(callCtx)
	if err != nil {
		log.Warnf("Failed to list idle jobs: %v", err)
		return nil, false
	}
	return jobs, true
}

func allPowered(snapshot *state.Snapshot) bool {
	for _, ms := range snapshot.Machines {
		if ms.Unknown {
			return false
		}
		if ms.State != pool.On && ms.State != pool.Booting {
			return false
		}
	}
	return true
}

// applyTransitions issues the cycle's power commands. Calls are
// independent per machine and run concurrently; a failed command leaves
// that machine's record untouched for the next cycle to retry.
func (d *Daemon) applyTransitions(ctx context.Context, transitions []decision.Transition) {
	if len(transitions) == 0 {
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, t := range transitions {
		wg.Add(1)
		go func(t decision.Transition) {
			defer wg.Done()
			if err := d.manager.BeginTransition(ctx, t.Machine, t.Target); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		log.Errorf("Some transitions failed: %v", err)
	}
}
