package daemon

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	log "github.com/sirupsen/logrus"

	"PowerSched/internal/decision"
	"PowerSched/internal/pool"
	"PowerSched/internal/state"
)

// Recorder writes one measurement point per cycle to InfluxDB. A nil
// configuration yields a disabled recorder whose methods are no-ops; a
// recording failure never affects the cycle.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewRecorder(cfg *InfluxDBConfig) (*Recorder, error) {
	if cfg == nil {
		return &Recorder{}, nil
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, err
	}

	log.Infof("Recording cycle metrics to %s", cfg.URL)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (r *Recorder) RecordCycle(snapshot *state.Snapshot, idleJobs int, transitions []decision.Transition) {
	if r.writeAPI == nil {
		return
	}

	states := make(map[pool.PowerState]int)
	unknown := 0
	for _, ms := range snapshot.Machines {
		if ms.Unknown {
			unknown++
			continue
		}
		states[ms.State]++
	}

	powerOns, powerOffs := 0, 0
	for _, t := range transitions {
		if t.Target == pool.On {
			powerOns++
		} else {
			powerOffs++
		}
	}

	fields := map[string]interface{}{
		"on":            states[pool.On],
		"off":           states[pool.Off],
		"booting":       states[pool.Booting],
		"shutting_down": states[pool.ShuttingDown],
		"stuck":         states[pool.Stuck],
		"maintenance":   states[pool.Maintenance],
		"unavailable":   states[pool.Unavailable],
		"unknown":       unknown,
		"idle_jobs":     idleJobs,
		"power_ons":     powerOns,
		"power_offs":    powerOffs,
	}
	point := influxdb2.NewPoint("pool_cycle", nil, fields, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.writeAPI.WritePoint(ctx, point); err != nil {
		log.Warnf("Failed to record cycle metrics: %v", err)
	}
}

func (r *Recorder) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
