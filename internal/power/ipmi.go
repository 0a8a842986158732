package power

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"PowerSched/internal/pool"
)

// execCommand is swapped out in tests.
var execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IPMITool drives machine power through each machine's BMC using the
// ipmitool binary over lanplus.
type IPMITool struct {
	user     string
	password string
}

func init() {
	register("ipmi", func(cfg *Config) (Interface, error) {
		if cfg.IPMI.User == "" || cfg.IPMI.Password == "" {
			return nil, fmt.Errorf("ipmi backend requires user and password")
		}
		return &IPMITool{user: cfg.IPMI.User, password: cfg.IPMI.Password}, nil
	})
}

func (t *IPMITool) run(ctx context.Context, m *pool.Machine, subcmd ...string) ([]byte, error) {
	user, password := t.user, t.password
	if m.Auth != nil {
		user, password = m.Auth.User, m.Auth.Password
	}

	args := []string{
		"-I", "lanplus",
		"-H", m.BMCHost,
		"-U", user,
		"-P", password,
	}
	args = append(args, subcmd...)

	return execCommand(ctx, "ipmitool", args...)
}

func (t *IPMITool) State(ctx context.Context, m *pool.Machine) (bool, error) {
	output, err := t.run(ctx, m, "power", "status")
	if err != nil {
		return false, fmt.Errorf("IPMI power status check failed for machine %s: %v, output: %s",
			m.Name, err, string(output))
	}
	return strings.Contains(string(output), "is on"), nil
}

func (t *IPMITool) PowerOn(ctx context.Context, m *pool.Machine) error {
	log.Debugf("Issue power on command to %s", m.BMCHost)

	output, err := t.run(ctx, m, "power", "on")
	if err != nil {
		return fmt.Errorf("IPMI power on failed for machine %s: %v, output: %s",
			m.Name, err, string(output))
	}
	if !strings.Contains(string(output), "Up/On") {
		return fmt.Errorf("unexpected IPMI output for power on: %s", string(output))
	}
	return nil
}

func (t *IPMITool) PowerOff(ctx context.Context, m *pool.Machine) error {
	log.Debugf("Issue power soft command to %s", m.BMCHost)

	// Soft shutdown via ACPI so the host can drain cleanly; a hard
	// "power off" would cut a machine that still flushes state.
	output, err := t.run(ctx, m, "power", "soft")
	if err != nil {
		return fmt.Errorf("IPMI power off failed for machine %s: %v, output: %s",
			m.Name, err, string(output))
	}
	if !strings.Contains(string(output), "Soft") && !strings.Contains(string(output), "Down/Off") {
		return fmt.Errorf("unexpected IPMI output for power off: %s", string(output))
	}
	return nil
}
