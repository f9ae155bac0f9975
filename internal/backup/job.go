package backup

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a backup ingestion job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusExtracting  Status = "extracting"
	StatusExtracted   Status = "extracted"
	StatusIndexing    Status = "indexing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Snapshot is a fully populated point-in-time copy of a job's state.
// Its JSON field layout is the on-disk compatibility surface of the
// registry file; renaming a field is a breaking change.
type Snapshot struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Status          Status    `json:"status"`
	Stage           string    `json:"stage"`
	StageDetail     string    `json:"stage_detail,omitempty"`
	Progress        *float64  `json:"progress"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      *int64    `json:"total_bytes"`
	Message         string    `json:"message,omitempty"`
	ArchivePath     string    `json:"archive_path"`
	ExtractPath     string    `json:"extract_path"`
	IndexPath       string    `json:"index_path"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Job is the state of one backup ingestion pipeline run. All mutation goes
// through the methods below, which hold the job's own lock, so concurrent
// snapshot readers never observe a half-applied update.
type Job struct {
	mu sync.Mutex

	id          string
	url         string
	archivePath string
	extractPath string
	indexPath   string

	status          Status
	stage           string
	stageDetail     string
	progress        float64
	progressKnown   bool
	bytesDownloaded int64
	totalBytes      int64 // 0 while unknown
	message         string

	createdAt time.Time
	updatedAt time.Time
}

func NewJob(id, url, archivePath, extractPath, indexPath string) *Job {
	now := time.Now().UTC()
	return &Job{
		id:          id,
		url:         url,
		archivePath: archivePath,
		extractPath: extractPath,
		indexPath:   indexPath,
		status:      StatusPending,
		stage:       "pending",
		createdAt:   now,
		updatedAt:   now,
	}
}

// restoreJob rebuilds a job from a persisted snapshot.
func restoreJob(s Snapshot) *Job {
	job := &Job{
		id:              s.ID,
		url:             s.URL,
		archivePath:     s.ArchivePath,
		extractPath:     s.ExtractPath,
		indexPath:       s.IndexPath,
		status:          s.Status,
		stage:           s.Stage,
		stageDetail:     s.StageDetail,
		bytesDownloaded: s.BytesDownloaded,
		message:         s.Message,
		createdAt:       s.CreatedAt,
		updatedAt:       s.UpdatedAt,
	}
	if s.Progress != nil {
		job.progress = *s.Progress
		job.progressKnown = true
	}
	if s.TotalBytes != nil {
		job.totalBytes = *s.TotalBytes
	}
	if job.stage == "" {
		job.stage = string(job.status)
	}
	return job
}

func (j *Job) ID() string          { return j.id }
func (j *Job) URL() string         { return j.url }
func (j *Job) ArchivePath() string { return j.archivePath }
func (j *Job) ExtractPath() string { return j.extractPath }
func (j *Job) IndexPath() string   { return j.indexPath }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetStage moves the job to a new pipeline stage. An empty status keeps the
// current one; an empty detail keeps the current detail. Terminal jobs are
// never mutated.
func (j *Job) SetStage(stage string, status Status, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.stage = stage
	if status != "" {
		j.status = status
	}
	if detail != "" {
		j.stageDetail = detail
	}
	j.touchLocked()
}

// SetProgress sets the stage progress fraction. An empty detail keeps the
// current detail.
func (j *Job) SetProgress(progress float64, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.progress = progress
	j.progressKnown = true
	if detail != "" {
		j.stageDetail = detail
	}
	j.touchLocked()
}

// ClearProgress marks the progress fraction unknown, e.g. when a job is
// re-queued after a restart.
func (j *Job) ClearProgress() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.progress = 0
	j.progressKnown = false
	j.touchLocked()
}

// SetProgressDetail updates the human-readable detail without touching the
// progress fraction.
func (j *Job) SetProgressDetail(detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.stageDetail = detail
	j.touchLocked()
}

// SetTotalBytes records the expected archive size and recomputes progress
// from the bytes downloaded so far. A non-positive total means the size is
// unknown and progress stays unset.
func (j *Job) SetTotalBytes(total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	if total > 0 {
		j.totalBytes = total
		j.progress = float64(j.bytesDownloaded) / float64(total)
		j.progressKnown = true
	} else {
		j.totalBytes = 0
		j.progress = 0
		j.progressKnown = false
	}
	j.touchLocked()
}

// SetDownloaded overwrites the downloaded byte count, used when a resumed
// fetch picks up an existing partial file or discards one.
func (j *Job) SetDownloaded(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.bytesDownloaded = n
	j.recomputeProgressLocked()
	j.touchLocked()
}

// BumpDownloaded adds n to the downloaded byte count and recomputes progress,
// clamped to 1.0.
func (j *Job) BumpDownloaded(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.bytesDownloaded += n
	j.recomputeProgressLocked()
	j.touchLocked()
}

// Fail transitions the job to its terminal failed state in one step so a
// reader never sees a failed status without its message.
func (j *Job) Fail(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = StatusFailed
	j.stage = "failed"
	j.stageDetail = message
	j.message = message
	j.touchLocked()
}

// SetMessage records an explanatory message on the job.
func (j *Job) SetMessage(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.message = message
	j.touchLocked()
}

// Snapshot returns an immutable point-in-time copy of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:              j.id,
		URL:             j.url,
		Status:          j.status,
		Stage:           j.stage,
		StageDetail:     j.stageDetail,
		BytesDownloaded: j.bytesDownloaded,
		Message:         j.message,
		ArchivePath:     j.archivePath,
		ExtractPath:     j.extractPath,
		IndexPath:       j.indexPath,
		CreatedAt:       j.createdAt,
		UpdatedAt:       j.updatedAt,
	}
	if j.progressKnown {
		p := j.progress
		s.Progress = &p
	}
	if j.totalBytes > 0 {
		t := j.totalBytes
		s.TotalBytes = &t
	}
	return s
}

func (j *Job) recomputeProgressLocked() {
	if j.totalBytes <= 0 {
		return
	}
	progress := float64(j.bytesDownloaded) / float64(j.totalBytes)
	if progress > 1.0 {
		progress = 1.0
	}
	j.progress = progress
	j.progressKnown = true
}

func (j *Job) touchLocked() {
	j.updatedAt = time.Now().UTC()
}
