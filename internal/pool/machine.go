package pool

import (
	"fmt"
	"sort"
	"strings"

	"PowerSched/internal/require"
)

// Credentials are management-interface session credentials. A machine may
// pin its own; otherwise the backend's defaults apply.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Slot is a schedulable resource unit on a machine. Attributes are fixed
// after manifest load; the remaining-resource counters are recomputed each
// decision pass as jobs are tentatively packed.
type Slot struct {
	Name       string
	Machine    string
	Cores      int
	MemoryMB   int64
	GPUs       int
	Attrs      map[string]any
	Constraint *require.Expression

	freeCores  int
	freeMemory int64
	freeGPUs   int
}

// ResetResources restores the remaining-resource counters to the slot's
// totals. Called before each decision pass.
func (s *Slot) ResetResources() {
	s.freeCores = s.Cores
	s.freeMemory = s.MemoryMB
	s.freeGPUs = s.GPUs
}

// Attributes exposes the slot for requirement evaluation. The remaining
// counters are published under the job-facing names (Cpus, Memory, Gpus) so
// expressions observe capacity left after earlier claims in the same pass.
func (s *Slot) Attributes() require.Attributes {
	attrs := require.Attributes{
		"Machine":     s.Machine,
		"SlotName":    s.Name,
		"TotalCpus":   s.Cores,
		"TotalMemory": s.MemoryMB,
		"TotalGpus":   s.GPUs,
		"Cpus":        s.freeCores,
		"Memory":      s.freeMemory,
		"Gpus":        s.freeGPUs,
	}
	for k, v := range s.Attrs {
		attrs[k] = v
	}
	return attrs
}

// TryClaim decrements the remaining counters if the request fits. Claims
// are hypothetical capacity accounting only; no job placement happens here.
func (s *Slot) TryClaim(cores int, memoryMB int64, gpus int) bool {
	if cores > s.freeCores || memoryMB > s.freeMemory || gpus > s.freeGPUs {
		return false
	}
	s.freeCores -= cores
	s.freeMemory -= memoryMB
	s.freeGPUs -= gpus
	return true
}

// Machine is one manageable member of the pool. The set of machines is
// fixed for the process lifetime; only power state and the per-cycle slot
// counters change while the daemon runs.
type Machine struct {
	Name    string
	BMCHost string
	Backend string
	Auth    *Credentials
	Slots   []*Slot
}

func (m *Machine) String() string {
	return fmt.Sprintf("Machine(name=%s, slots=%d)", m.Name, len(m.Slots))
}

// ResetResources resets every slot counter on the machine.
func (m *Machine) ResetResources() {
	for _, s := range m.Slots {
		s.ResetResources()
	}
}

// Pool is the fixed machine set loaded from the manifest.
type Pool struct {
	machines []*Machine
	byName   map[string]*Machine
}

func NewPool(machines []*Machine) (*Pool, error) {
	byName := make(map[string]*Machine, len(machines))
	for _, m := range machines {
		if _, dup := byName[m.Name]; dup {
			return nil, fmt.Errorf("duplicate machine in manifest: %s", m.Name)
		}
		byName[m.Name] = m
	}
	sorted := make([]*Machine, len(machines))
	copy(sorted, machines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Pool{machines: sorted, byName: byName}, nil
}

// Machines returns the pool members sorted by name.
func (p *Pool) Machines() []*Machine {
	return p.machines
}

func (p *Pool) Machine(name string) (*Machine, bool) {
	m, ok := p.byName[name]
	return m, ok
}

func (p *Pool) Len() int {
	return len(p.machines)
}

// DeriveBMCHost maps a machine host name onto its out-of-band controller
// address by inserting a label after the host part: cpu1.htc.example.org
// becomes cpu1.oob.htc.example.org. The inserted label defaults to "oob".
func DeriveBMCHost(machineName, insert string) string {
	if insert == "" {
		insert = "oob"
	}
	idx := strings.IndexByte(machineName, '.')
	if idx < 0 {
		return machineName + "." + insert
	}
	return machineName[:idx] + "." + insert + machineName[idx:]
}
