package backup

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarls/chat-backup-search/internal/config"
	"github.com/mkarls/chat-backup-search/internal/download"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	cfg, err := config.NewFromEnv()
	require.NoError(t, err)
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	engine := download.NewEngine(
		download.WithChunkSize(1024),
		download.WithRetries(3),
		download.WithBackoff(time.Millisecond),
	)
	return NewManager(cfg, WithDownloadEngine(engine))
}

// backupZip builds a backup archive holding a conversations.json with three
// records.
func backupZip(t *testing.T) []byte {
	t.Helper()
	conversations := []map[string]any{
		conversationRecord("conv-1", "First", "the quick brown fox"),
		conversationRecord("conv-2", "Second", "a very quokka sentence"),
		conversationRecord("conv-3", "Third", "closing remarks"),
	}
	raw, err := json.Marshal(conversations)
	require.NoError(t, err)

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	entry, err := writer.Create("conversations.json")
	require.NoError(t, err)
	_, err = entry.Write(raw)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func conversationRecord(id, title, text string) map[string]any {
	return map[string]any{
		"id":          id,
		"title":       title,
		"create_time": 1700000000.0,
		"mapping": map[string]any{
			"n1": map[string]any{
				"message": map[string]any{
					"author":      map[string]any{"role": "user"},
					"create_time": 1700000001.0,
					"content":     map[string]any{"parts": []any{text}},
				},
			},
		},
	}
}

func archiveServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		snapshot, err := m.GetJob(id)
		return err == nil && snapshot.Status == want
	}, 10*time.Second, 20*time.Millisecond)
	snapshot, err := m.GetJob(id)
	require.NoError(t, err)
	return snapshot
}

func TestManager_PipelineCompletesAndIsSearchable(t *testing.T) {
	payload := backupZip(t)
	server := archiveServer(t, payload)
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg)

	created, err := m.CreateJob(server.URL)
	require.NoError(t, err)

	snapshot := waitForStatus(t, m, created.ID, StatusCompleted)
	assert.Equal(t, "completed", snapshot.Stage)
	assert.Equal(t, int64(len(payload)), snapshot.BytesDownloaded)
	require.NotNil(t, snapshot.Progress)
	assert.Equal(t, 1.0, *snapshot.Progress)

	results, err := m.Search(created.ID, "quokka", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "conv-2", results[0].ConversationID)

	// Every record made it into the index.
	all, err := m.Search(created.ID, "user", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestManager_CreateJobRejectsEmptyURL(t *testing.T) {
	m := newTestManager(t, newTestConfig(t))
	_, err := m.CreateJob("")
	require.Error(t, err)
}

func TestManager_GetJobUnknownID(t *testing.T) {
	m := newTestManager(t, newTestConfig(t))
	_, err := m.GetJob("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SearchStates(t *testing.T) {
	m := newTestManager(t, newTestConfig(t))

	_, err := m.Search("missing", "query", 5)
	assert.ErrorIs(t, err, ErrNotFound)

	// Point at a server that always fails so the job never completes.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	created, err := m.CreateJob(server.URL)
	require.NoError(t, err)

	_, err = m.Search(created.ID, "query", 5)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestManager_DownloadFailureEndsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	m := newTestManager(t, newTestConfig(t))
	created, err := m.CreateJob(server.URL)
	require.NoError(t, err)

	snapshot := waitForStatus(t, m, created.ID, StatusFailed)
	assert.Equal(t, "failed", snapshot.Stage)
	assert.Contains(t, snapshot.Message, "download failed after 3 attempts")
	assert.Contains(t, snapshot.Message, "500")
}

func TestManager_PersistsSnapshotsAtomically(t *testing.T) {
	payload := backupZip(t)
	server := archiveServer(t, payload)
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg)

	created, err := m.CreateJob(server.URL)
	require.NoError(t, err)
	waitForStatus(t, m, created.ID, StatusCompleted)

	raw, err := os.ReadFile(cfg.JobsFile())
	require.NoError(t, err)

	var snapshots []Snapshot
	require.NoError(t, json.Unmarshal(raw, &snapshots))
	require.Len(t, snapshots, 1)
	assert.Equal(t, created.ID, snapshots[0].ID)
	assert.Equal(t, StatusCompleted, snapshots[0].Status)

	_, err = os.Stat(cfg.JobsFile() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")
}

func writeJobsFile(t *testing.T, cfg *config.Config, snapshots []Snapshot) {
	t.Helper()
	raw, err := json.MarshalIndent(snapshots, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.JobsFile(), raw, 0o644))
}

func interruptedSnapshot(cfg *config.Config, id, url string) Snapshot {
	now := time.Now().UTC()
	return Snapshot{
		ID:              id,
		URL:             url,
		Status:          StatusDownloading,
		Stage:           "downloading",
		BytesDownloaded: 42,
		ArchivePath:     filepath.Join(cfg.DownloadDir(), id+".zip"),
		ExtractPath:     filepath.Join(cfg.ExtractDir(), id),
		IndexPath:       filepath.Join(cfg.IndexDir(), id+".sqlite3"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestManager_RestartRequeuesInterruptedJob(t *testing.T) {
	payload := backupZip(t)
	server := archiveServer(t, payload)
	cfg := newTestConfig(t)
	writeJobsFile(t, cfg, []Snapshot{interruptedSnapshot(cfg, "job-resume", server.URL)})

	m := newTestManager(t, cfg)
	m.Startup()

	snapshot := waitForStatus(t, m, "job-resume", StatusCompleted)
	assert.Equal(t, "Job automatically re-queued after restart", snapshot.Message)

	results, err := m.Search("job-resume", "quokka", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestManager_RestartFailsJobWithoutURL(t *testing.T) {
	cfg := newTestConfig(t)
	writeJobsFile(t, cfg, []Snapshot{interruptedSnapshot(cfg, "job-nourl", "")})

	m := newTestManager(t, cfg)
	m.Startup()

	snapshot, err := m.GetJob("job-nourl")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snapshot.Status)
	assert.Equal(t, "Job missing source URL when restarting", snapshot.Message)
	assert.Equal(t, "Missing source URL; cannot resume", snapshot.StageDetail)

	// The failure is persisted immediately.
	raw, err := os.ReadFile(cfg.JobsFile())
	require.NoError(t, err)
	var persisted []Snapshot
	require.NoError(t, json.Unmarshal(raw, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, StatusFailed, persisted[0].Status)
}

func TestManager_RestartLeavesTerminalJobsAlone(t *testing.T) {
	cfg := newTestConfig(t)
	done := interruptedSnapshot(cfg, "job-done", "http://example.com/a.zip")
	done.Status = StatusCompleted
	done.Stage = "completed"
	writeJobsFile(t, cfg, []Snapshot{done})

	m := newTestManager(t, cfg)
	m.Startup()

	snapshot, err := m.GetJob("job-done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snapshot.Status)
	assert.Empty(t, snapshot.Message)
}

func TestManager_CorruptJobsFileMeansNoJobs(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.JobsFile(), []byte("{not json"), 0o644))

	m := newTestManager(t, cfg)
	assert.Empty(t, m.ListJobs())
}

func TestManager_PruneExpiredRemovesTerminalJobsAndArtifacts(t *testing.T) {
	payload := backupZip(t)
	server := archiveServer(t, payload)
	cfg := newTestConfig(t)
	m := newTestManager(t, cfg)

	created, err := m.CreateJob(server.URL)
	require.NoError(t, err)
	snapshot := waitForStatus(t, m, created.ID, StatusCompleted)

	// Nothing younger than the cutoff is touched.
	assert.Equal(t, 0, m.PruneExpired(time.Hour))

	time.Sleep(20 * time.Millisecond)
	removed := m.PruneExpired(10 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Empty(t, m.ListJobs())

	_, err = os.Stat(snapshot.ArchivePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(snapshot.IndexPath)
	assert.True(t, os.IsNotExist(err))
}

func TestManager_ListJobsKeepsCreationOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	m := newTestManager(t, newTestConfig(t))
	first, err := m.CreateJob(server.URL + "/first")
	require.NoError(t, err)
	second, err := m.CreateJob(server.URL + "/second")
	require.NoError(t, err)

	listed := m.ListJobs()
	require.Len(t, listed, 2)
	assert.Equal(t, first.ID, listed[0].ID)
	assert.Equal(t, second.ID, listed[1].ID)
}
