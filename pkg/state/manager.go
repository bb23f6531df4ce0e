/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"k8s.io/utils/clock"
)

const (
	// BaselineID names the snapshot loaded at boot. It is never mutated in place.
	BaselineID = "baseline"
	// WorkingCopyID names the mutable clone of the baseline that boots active.
	WorkingCopyID = "working-copy"

	maxLogEntries = 1000
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrNoActiveSnapshot = errors.New("no active snapshot")
)

// LogEntry is one line of a snapshot's what-if audit trail.
type LogEntry struct {
	TimestampSeconds int64          `json:"timestamp_seconds"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
}

// Manager holds every loaded snapshot and tracks which one is active. Snapshots handed
// out are treated as immutable; all writes go through Apply, which deep copies the
// active snapshot, runs the mutation, and republishes the result under the write lock.
// Each snapshot carries its own audit trail, guarded by the same lock.
type Manager struct {
	mu        sync.RWMutex
	clock     clock.Clock
	snapshots map[string]*Snapshot
	order     []string
	activeID  string
	logs      map[string][]LogEntry
}

func NewManager(clk clock.Clock) *Manager {
	return &Manager{
		clock:     clk,
		snapshots: map[string]*Snapshot{},
		logs:      map[string][]LogEntry{},
	}
}

// Add registers a snapshot under the given id. The first snapshot added becomes
// active; adding an existing id replaces its snapshot.
func (m *Manager) Add(id string, snapshot *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(id, snapshot)
}

func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

func (m *Manager) Get(id string) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[id]
	return snapshot, ok
}

// Active returns the active snapshot id and the published snapshot. Callers must not
// modify the returned snapshot.
func (m *Manager) Active() (string, *Snapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return "", nil
	}
	return m.activeID, m.snapshots[m.activeID]
}

func (m *Manager) ActiveID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return fmt.Errorf("%w: %q", ErrSnapshotNotFound, id)
	}
	m.activeID = id
	return nil
}

// Apply deep copies the active snapshot, hands the copy to fn, and republishes fn's
// result as the new active snapshot. Entries returned by fn are stamped and appended to
// the active snapshot's trail. The write lock is held for the whole exchange so
// concurrent mutations serialize and readers only ever observe fully applied states.
func (m *Manager) Apply(fn func(active *Snapshot) (*Snapshot, []LogEntry, error)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return "", ErrNoActiveSnapshot
	}
	next, entries, err := fn(m.snapshots[m.activeID].DeepCopy())
	if err != nil {
		return "", err
	}
	m.snapshots[m.activeID] = next
	for _, entry := range entries {
		m.appendLogLocked(m.activeID, entry)
	}
	return m.activeID, nil
}

// Reset replaces the working copy with a fresh clone of the baseline, activates it,
// and clears its audit trail.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	baseline, ok := m.snapshots[BaselineID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSnapshotNotFound, BaselineID)
	}
	m.addLocked(WorkingCopyID, baseline.DeepCopy())
	m.activeID = WorkingCopyID
	delete(m.logs, WorkingCopyID)
	m.appendLogLocked(WorkingCopyID, LogEntry{Message: "reset: working copy restored from baseline"})
	return nil
}

// Capture collects a live snapshot and registers it as live-<unix>. Collection and
// persistence run before the lock is taken so a slow cluster never blocks readers.
func (m *Manager) Capture(ctx context.Context, collect func(context.Context) (*Snapshot, error), persist func(id string, snapshot *Snapshot) error) (string, error) {
	snapshot, err := collect(ctx)
	if err != nil {
		return "", fmt.Errorf("collecting cluster state, %w", err)
	}
	id := fmt.Sprintf("live-%d", m.clock.Now().Unix())
	if persist != nil {
		if err := persist(id, snapshot); err != nil {
			return "", fmt.Errorf("saving snapshot %q, %w", id, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(id, snapshot)
	m.appendLogLocked(id, LogEntry{Message: fmt.Sprintf("capture: live cluster saved as %q", id)})
	return id, nil
}

// AppendLog records an entry on the active snapshot's trail.
func (m *Manager) AppendLog(message string, details map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return
	}
	m.appendLogLocked(m.activeID, LogEntry{Message: message, Details: details})
}

// Logs returns up to limit entries from the active snapshot's trail, newest first.
// limit <= 0 returns everything.
func (m *Manager) Logs(limit int) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.logs[m.activeID])
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Manager) addLocked(id string, snapshot *Snapshot) {
	if _, ok := m.snapshots[id]; !ok {
		m.order = append(m.order, id)
	}
	m.snapshots[id] = snapshot
	if m.activeID == "" {
		m.activeID = id
	}
}

func (m *Manager) appendLogLocked(id string, entry LogEntry) {
	entry.TimestampSeconds = m.clock.Now().Unix()
	trail := append(m.logs[id], entry)
	if len(trail) > maxLogEntries {
		trail = trail[len(trail)-maxLogEntries:]
	}
	m.logs[id] = trail
}
