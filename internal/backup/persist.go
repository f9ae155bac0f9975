package backup

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mkarls/chat-backup-search/pkg/log"
)

// loadJobs restores the registry from the durable snapshot file. A missing
// or corrupt file means no jobs; corruption is logged, never fatal.
// Non-terminal jobs without a source URL are marked failed on the spot; the
// rest are queued for startup reconciliation.
func (m *Manager) loadJobs() {
	raw, err := os.ReadFile(m.cfg.JobsFile())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("Unable to read job persistence file %s: %v", m.cfg.JobsFile(), err)
		}
		return
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		log.Warn("Ignoring corrupt job persistence file %s: %v", m.cfg.JobsFile(), err)
		return
	}

	dirty := false
	for _, snapshot := range snapshots {
		if snapshot.ID == "" {
			log.Warn("Skipping persisted job snapshot without an id")
			dirty = true
			continue
		}
		job := restoreJob(snapshot)
		m.jobs[job.id] = job
		m.order = append(m.order, job.id)

		if job.status.Terminal() {
			continue
		}
		if job.url == "" {
			job.SetMessage("Job missing source URL when restarting")
			job.SetStage("failed", StatusFailed, "Missing source URL; cannot resume")
			dirty = true
			continue
		}
		m.resumeIDs = append(m.resumeIDs, job.id)
	}
	if dirty {
		m.persist()
	}
}

// persist writes the full ordered snapshot collection to disk. Failures are
// logged, not fatal; the in-memory registry stays authoritative and the file
// catches up on the next successful write.
func (m *Manager) persist() {
	m.mu.Lock()
	snapshots := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok {
			snapshots = append(snapshots, job.Snapshot())
		}
	}
	m.mu.Unlock()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := writeSnapshotFile(m.cfg.JobsFile(), snapshots); err != nil {
		log.Error("Failed to persist jobs: %v", err)
	}
}

// writeSnapshotFile writes the collection to a temporary file and atomically
// renames it into place so a concurrent reader never sees a partial document.
func writeSnapshotFile(path string, snapshots []Snapshot) error {
	data, err := json.MarshalIndent(snapshots, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}
