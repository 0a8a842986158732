package pool

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"PowerSched/internal/require"
	"PowerSched/internal/util"
)

// Manifest declares the fixed machine/slot pool. It is loaded once at
// daemon start; the running system never adds or removes machines.
type Manifest struct {
	Defaults struct {
		Backend   string       `yaml:"Backend"`
		BMCInsert string       `yaml:"BMCInsert"`
		Auth      *Credentials `yaml:"Auth"`
	} `yaml:"Defaults"`

	Machines []ManifestMachine `yaml:"Machines"`
}

type ManifestMachine struct {
	// Hosts is a host-list expression; every expanded host becomes one
	// machine with identical slots, e.g. "cpu[1-8].htc.example.org".
	Hosts   string         `yaml:"Hosts"`
	BMCHost string         `yaml:"BMCHost"`
	Backend string         `yaml:"Backend"`
	Auth    *Credentials   `yaml:"Auth"`
	Slots   []ManifestSlot `yaml:"Slots"`
}

type ManifestSlot struct {
	Name       string         `yaml:"Name"`
	Cores      int            `yaml:"Cores"`
	MemoryMB   int64          `yaml:"MemoryMB"`
	GPUs       int            `yaml:"GPUs"`
	Attributes map[string]any `yaml:"Attributes"`
	Constraint string         `yaml:"Constraint"`
}

// LoadManifest reads, validates and expands the manifest into a Pool.
// Malformed entries are rejected here and never reach the reconciliation
// loop.
func LoadManifest(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest := &Manifest{}
	if err := yaml.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest file: %w", err)
	}

	if len(manifest.Machines) == 0 {
		return nil, fmt.Errorf("manifest declares no machines")
	}

	var machines []*Machine
	for i, entry := range manifest.Machines {
		if entry.Hosts == "" {
			return nil, fmt.Errorf("manifest machine entry %d has no Hosts", i)
		}
		if len(entry.Slots) == 0 {
			return nil, fmt.Errorf("manifest entry %q declares no slots", entry.Hosts)
		}

		hosts, ok := util.ParseHostList(entry.Hosts)
		if !ok {
			return nil, fmt.Errorf("invalid host expression: %s", entry.Hosts)
		}
		if entry.BMCHost != "" && len(hosts) > 1 {
			return nil, fmt.Errorf("entry %q: BMCHost cannot apply to a host range", entry.Hosts)
		}

		backend := entry.Backend
		if backend == "" {
			backend = manifest.Defaults.Backend
		}
		if backend == "" {
			return nil, fmt.Errorf("entry %q: no power backend set and no default", entry.Hosts)
		}
		auth := entry.Auth
		if auth == nil {
			auth = manifest.Defaults.Auth
		}

		for _, host := range hosts {
			machine := &Machine{
				Name:    host,
				Backend: backend,
				Auth:    auth,
			}
			machine.BMCHost = entry.BMCHost
			if machine.BMCHost == "" {
				machine.BMCHost = DeriveBMCHost(host, manifest.Defaults.BMCInsert)
			}

			for j, ms := range entry.Slots {
				slot, err := buildSlot(host, j, ms)
				if err != nil {
					return nil, err
				}
				machine.Slots = append(machine.Slots, slot)
			}
			machine.ResetResources()
			machines = append(machines, machine)
		}
	}

	pool, err := NewPool(machines)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded manifest %s: %d machines", path, pool.Len())
	return pool, nil
}

func buildSlot(host string, index int, ms ManifestSlot) (*Slot, error) {
	if ms.Cores <= 0 {
		return nil, fmt.Errorf("machine %s slot %d: Cores must be positive", host, index)
	}
	if ms.MemoryMB < 0 || ms.GPUs < 0 {
		return nil, fmt.Errorf("machine %s slot %d: negative resource count", host, index)
	}

	name := ms.Name
	if name == "" {
		name = fmt.Sprintf("slot%d", index+1)
	}

	slot := &Slot{
		Name:     name,
		Machine:  host,
		Cores:    ms.Cores,
		MemoryMB: ms.MemoryMB,
		GPUs:     ms.GPUs,
		Attrs:    ms.Attributes,
	}
	if ms.Constraint != "" {
		expr, err := require.Compile(ms.Constraint)
		if err != nil {
			return nil, fmt.Errorf("machine %s slot %s: %w", host, name, err)
		}
		slot.Constraint = expr
	}
	slot.ResetResources()
	return slot, nil
}
