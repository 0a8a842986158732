package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"PowerSched/internal/pool"
)

// stateFile is the on-disk layout of the persisted record.
type stateFile struct {
	Updated  time.Time          `json:"updated"`
	Machines map[string]*Record `json:"machines"`
}

// Load reads the persisted state file into the record. A missing file is
// a fresh start with every machine Off; a file older than StateExpiry is
// discarded the same way. Entries for machines no longer in the pool are
// pruned. A file that exists but cannot be parsed is an error, so a
// corrupted record never silently degrades into an all-Off pool.
func (m *Manager) Load() error {
	path := m.opts.StateFile

	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock state file %s: %w", path, err)
	}
	defer lock.Unlock()

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("State file %s does not exist, assuming all machines Off", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	var file stateFile
	if err := json.Unmarshal(content, &file); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", path, err)
	}

	if age := time.Since(file.Updated); age > m.opts.StateExpiry {
		log.Warnf("State file %s is %s old, discarding it and assuming all machines Off",
			path, age.Round(time.Second))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, rec := range file.Machines {
		if _, ok := m.pool.Machine(name); !ok {
			log.Infof("Pruning state of machine %s, no longer in the pool", name)
			continue
		}
		if _, err := pool.ParsePowerState(string(rec.State)); err != nil {
			return fmt.Errorf("state file %s: machine %s has invalid state %q",
				path, name, rec.State)
		}
		m.records[name] = rec
	}
	log.Infof("Loaded state of %d machines from %s", len(m.records), path)
	return nil
}

// Persist writes the current record atomically: marshal a copy under the
// lock, write to a temp file, then rename over the state file.
func (m *Manager) Persist() error {
	path := m.opts.StateFile

	m.mu.Lock()
	file := stateFile{
		Updated:  time.Now(),
		Machines: make(map[string]*Record, len(m.records)),
	}
	for name, rec := range m.records {
		copied := *rec
		file.Machines[name] = &copied
	}
	m.mu.Unlock()

	content, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock state file %s: %w", path, err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file %s: %w", path, err)
	}
	return nil
}
