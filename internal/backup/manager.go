package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mkarls/chat-backup-search/internal/archive"
	"github.com/mkarls/chat-backup-search/internal/config"
	"github.com/mkarls/chat-backup-search/internal/download"
	"github.com/mkarls/chat-backup-search/internal/indexer"
	"github.com/mkarls/chat-backup-search/pkg/log"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrNotReady is returned when a search is requested before the job's
	// index is complete.
	ErrNotReady = errors.New("job has not completed indexing yet")
)

// Manager owns the job registry and drives each job through
// download, extraction, and indexing as an independent pipeline task.
type Manager struct {
	cfg    *config.Config
	engine *download.Engine

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string

	persistMu sync.Mutex

	startupGroup singleflight.Group
	startupDone  atomic.Bool
	resumeIDs    []string
}

type Option func(*Manager)

// WithDownloadEngine overrides the default download engine, mainly for tests.
func WithDownloadEngine(engine *download.Engine) Option {
	return func(m *Manager) { m.engine = engine }
}

// NewManager builds a manager, restores persisted jobs from disk, and marks
// unresumable ones failed. Interrupted jobs are relaunched on the first call
// to Startup.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg: cfg,
		engine: download.NewEngine(
			download.WithChunkSize(cfg.Download.ChunkSize),
			download.WithRetries(cfg.Download.Retries),
			download.WithBackoff(cfg.Download.Backoff),
		),
		jobs: make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loadJobs()
	m.startupDone.Store(len(m.resumeIDs) == 0)
	return m
}

// Startup reconciles jobs persisted by a previous run. It runs exactly once;
// concurrent first callers block until reconciliation finishes.
func (m *Manager) Startup() {
	if m.startupDone.Load() {
		return
	}
	m.startupGroup.Do("startup", func() (any, error) {
		if m.startupDone.Load() {
			return nil, nil
		}
		m.reconcileStartupJobs()
		m.startupDone.Store(true)
		return nil, nil
	})
}

// CreateJob registers a new ingestion job for url and launches its pipeline
// in the background. Callers observe progress by polling; pipeline errors
// never surface here.
func (m *Manager) CreateJob(url string) (Snapshot, error) {
	m.Startup()
	if url == "" {
		return Snapshot{}, fmt.Errorf("url is required")
	}

	id := uuid.New().String()
	job := NewJob(
		id,
		url,
		filepath.Join(m.cfg.DownloadDir(), id+".zip"),
		filepath.Join(m.cfg.ExtractDir(), id),
		filepath.Join(m.cfg.IndexDir(), id+".sqlite3"),
	)

	m.mu.Lock()
	m.jobs[id] = job
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.persist()
	go m.runJob(job)
	return job.Snapshot(), nil
}

// ListJobs returns snapshots of every registered job in creation order.
func (m *Manager) ListJobs() []Snapshot {
	m.Startup()
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok {
			snapshots = append(snapshots, job.Snapshot())
		}
	}
	return snapshots
}

// GetJob returns a snapshot of one job.
func (m *Manager) GetJob(id string) (Snapshot, error) {
	m.Startup()
	job, ok := m.lookup(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Snapshot(), nil
}

// Search runs a ranked full-text query against a completed job's index.
func (m *Manager) Search(id, query string, limit int) ([]indexer.Result, error) {
	m.Startup()
	job, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status() != StatusCompleted {
		return nil, ErrNotReady
	}
	return indexer.Query(job.IndexPath(), query, limit)
}

// PruneExpired drops terminal jobs whose last update is older than maxAge and
// removes their on-disk artifacts. Returns the number of jobs removed.
func (m *Manager) PruneExpired(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	expired := make([]*Job, 0)
	kept := m.order[:0]
	for _, id := range m.order {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		snapshot := job.Snapshot()
		if snapshot.Status.Terminal() && snapshot.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			expired = append(expired, job)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	m.mu.Unlock()

	for _, job := range expired {
		m.removeArtifacts(job)
	}
	if len(expired) > 0 {
		log.Info("Pruned %d expired job(s)", len(expired))
		m.persist()
	}
	return len(expired)
}

func (m *Manager) lookup(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok
}

func (m *Manager) runJob(job *Job) {
	if err := m.executePipeline(job); err != nil {
		log.Error("Job %s failed: %v", job.ID(), err)
		job.Fail(err.Error())
		m.persist()
	}
}

func (m *Manager) executePipeline(job *Job) error {
	job.SetStage("queued", StatusPending, "Awaiting processing")
	m.persist()

	if err := m.download(job); err != nil {
		return err
	}
	job.SetStage("downloaded", StatusDownloaded, "Archive downloaded")
	m.persist()

	if err := m.extract(job); err != nil {
		return err
	}
	job.SetStage("extracted", StatusExtracted, "Files unpacked")
	m.persist()

	if err := m.index(job); err != nil {
		return err
	}
	job.SetProgress(1.0, "")
	job.SetStage("completed", StatusCompleted, "Index ready")
	m.persist()
	return nil
}

func (m *Manager) download(job *Job) error {
	job.SetStage("downloading", StatusDownloading, "Starting download")
	job.SetProgress(0, "")
	m.persist()
	return m.engine.Fetch(context.Background(), job.URL(), job.ArchivePath(), job)
}

func (m *Manager) extract(job *Job) error {
	job.SetStage("extracting", StatusExtracting, "Unpacking archive")
	job.SetProgress(0, "")
	m.persist()

	err := archive.Extract(job.ArchivePath(), job.ExtractPath(), func(done, total int) {
		if total > 0 {
			job.SetProgress(float64(done)/float64(total), fmt.Sprintf("Extracted %d/%d entries", done, total))
		}
	})
	if err != nil {
		return err
	}
	job.SetProgress(1.0, "Extraction complete")
	m.persist()
	return nil
}

func (m *Manager) index(job *Job) error {
	job.SetStage("indexing", StatusIndexing, "Creating search index")
	job.SetProgress(0, "")
	m.persist()

	err := indexer.Build(job.ExtractPath(), job.IndexPath(), func(done, total int) {
		if total > 0 {
			job.SetProgress(float64(done)/float64(total), fmt.Sprintf("Indexed %d/%d records", done, total))
		}
	})
	if err != nil {
		return err
	}
	job.SetProgress(1.0, "Indexing finished")
	m.persist()
	return nil
}

func (m *Manager) reconcileStartupJobs() {
	m.mu.Lock()
	toResume := make([]*Job, 0, len(m.resumeIDs))
	for _, id := range m.resumeIDs {
		if job, ok := m.jobs[id]; ok {
			toResume = append(toResume, job)
		}
	}
	m.resumeIDs = nil
	m.mu.Unlock()

	if len(toResume) == 0 {
		return
	}
	log.Info("Re-queuing %d job(s) interrupted by restart", len(toResume))
	for _, job := range toResume {
		job.SetStage("queued", StatusPending, "Re-queued after restart")
		job.ClearProgress()
		job.SetMessage("Job automatically re-queued after restart")
	}
	m.persist()
	for _, job := range toResume {
		go m.runJob(job)
	}
}

func (m *Manager) removeArtifacts(job *Job) {
	if err := os.Remove(job.ArchivePath()); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove archive for job %s: %v", job.ID(), err)
	}
	if err := os.RemoveAll(job.ExtractPath()); err != nil {
		log.Warn("Failed to remove extraction dir for job %s: %v", job.ID(), err)
	}
	if err := os.Remove(job.IndexPath()); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove index for job %s: %v", job.ID(), err)
	}
}
