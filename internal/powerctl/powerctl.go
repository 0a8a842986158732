package powerctl

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/xlab/treeprint"

	"PowerSched/internal/pool"
	"PowerSched/internal/util"
)

var client *Client

// Status prints one row per machine from the daemon's state record.
func Status() util.PowerSchedCmdError {
	statuses, err := client.Status()
	if err != nil {
		log.Errorf("Failed to query status: %v", err)
		return util.ErrorNetwork
	}

	table := tablewriter.NewWriter(os.Stdout)
	util.SetBorderlessTable(table)
	header := []string{"Machine", "State", "Slots", "LastTransition", "IdleFor"}
	tableData := make([][]string, len(statuses))
	for i, s := range statuses {
		lastTransition := ""
		if !s.LastTransition.IsZero() {
			lastTransition = s.LastTransition.Format(time.RFC3339)
		}
		tableData[i] = []string{
			s.Machine,
			string(s.State),
			strconv.Itoa(s.Slots),
			lastTransition,
			s.IdleFor,
		}
	}

	if !FlagNoHeader {
		table.SetHeader(header)
	}
	table.AppendBulk(tableData)
	table.Render()
	return util.ErrorSuccess
}

// ChangeMachineState queues an override for each named machine. Failures
// are reported per machine; the first failure sets the exit code.
func ChangeMachineState(machines []string, targetState string) util.PowerSchedCmdError {
	if _, err := pool.ParsePowerState(targetState); err != nil {
		log.Errorf("%v", err)
		return util.ErrorCmdArg
	}

	result := util.ErrorSuccess
	for _, machine := range machines {
		if err := client.Override(machine, targetState); err != nil {
			log.Errorf("Failed to override %s: %v", machine, err)
			if result == util.ErrorSuccess {
				result = util.ErrorBackEnd
			}
			continue
		}
		fmt.Printf("Queued override: %s -> %s\n", machine, targetState)
	}
	return result
}

// ShowMachine prints the manifest view of one machine as a tree, with
// the daemon's current state attached when reachable.
func ShowMachine(manifestPath, name string) util.PowerSchedCmdError {
	p, err := pool.LoadManifest(manifestPath)
	if err != nil {
		log.Errorf("Failed to load manifest: %v", err)
		return util.ErrorManifest
	}

	machine, ok := p.Machine(name)
	if !ok {
		log.Errorf("Machine %s not found in manifest", name)
		return util.ErrorCmdArg
	}

	tree := treeprint.NewWithRoot(machine.Name)
	tree.AddNode(fmt.Sprintf("bmc: %s (%s)", machine.BMCHost, machine.Backend))
	if statuses, err := client.Status(); err == nil {
		for _, s := range statuses {
			if s.Machine == name {
				tree.AddNode(fmt.Sprintf("state: %s", s.State))
				break
			}
		}
	}

	slots := tree.AddBranch("slots")
	for _, slot := range machine.Slots {
		branch := slots.AddBranch(slot.Name)
		branch.AddNode(fmt.Sprintf("cores: %d", slot.Cores))
		branch.AddNode(fmt.Sprintf("memory: %d MB", slot.MemoryMB))
		if slot.GPUs > 0 {
			branch.AddNode(fmt.Sprintf("gpus: %d", slot.GPUs))
		}
		for k, v := range slot.Attrs {
			branch.AddNode(fmt.Sprintf("%s: %v", k, v))
		}
		if slot.Constraint != nil {
			branch.AddNode(fmt.Sprintf("constraint: %s", slot.Constraint))
		}
	}

	fmt.Print(tree.String())
	return util.ErrorSuccess
}

// ShutdownDaemon asks powerschedd to stop after its in-flight cycle.
func ShutdownDaemon() util.PowerSchedCmdError {
	if err := client.Shutdown(); err != nil {
		log.Errorf("Failed to request shutdown: %v", err)
		return util.ErrorNetwork
	}
	fmt.Println("Shutdown requested, daemon will stop after the current cycle")
	return util.ErrorSuccess
}
