package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mkarls/chat-backup-search/pkg/log"
)

const userAgent = "chat-backup-search/1.0"

// Tracker receives byte-level progress while a fetch is running. It is the
// narrow slice of job state the engine is allowed to touch.
type Tracker interface {
	// SetTotalBytes records the expected total size; <=0 means unknown.
	SetTotalBytes(total int64)
	// SetDownloaded overwrites the downloaded byte count.
	SetDownloaded(n int64)
	// BumpDownloaded adds n received bytes.
	BumpDownloaded(n int64)
	// SetProgressDetail publishes a human-readable progress line.
	SetProgressDetail(detail string)
}

// Engine fetches remote archives into local files, resuming partial
// downloads with ranged requests and retrying transient failures.
type Engine struct {
	client    *http.Client
	chunkSize int
	retries   int
	backoff   time.Duration
}

type Option func(*Engine)

func WithClient(client *http.Client) Option {
	return func(e *Engine) { e.client = client }
}

func WithChunkSize(size int) Option {
	return func(e *Engine) { e.chunkSize = size }
}

func WithRetries(retries int) Option {
	return func(e *Engine) { e.retries = retries }
}

// WithBackoff sets the retry backoff unit; the wait after attempt n is
// unit * 2^n.
func WithBackoff(unit time.Duration) Option {
	return func(e *Engine) { e.backoff = unit }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		client:    &http.Client{},
		chunkSize: 1024 * 1024,
		retries:   3,
		backoff:   time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch downloads url into dest, retrying up to the configured budget. The
// error returned after the budget is exhausted wraps the last attempt's
// failure.
func (e *Engine) Fetch(ctx context.Context, url, dest string, tracker Tracker) error {
	var lastErr error
	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.stream(ctx, url, dest, tracker)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn("Download attempt %d/%d for %s failed: %v", attempt, e.retries, url, err)
		tracker.SetProgressDetail(fmt.Sprintf("Retry %d/%d after error: %v", attempt, e.retries, err))

		wait := e.backoff * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", e.retries, lastErr)
}

func (e *Engine) stream(ctx context.Context, url, dest string, tracker Tracker) error {
	var resumeFrom int64
	if info, err := os.Stat(dest); err == nil {
		resumeFrom = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if resumeFrom > 0 && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the range request; restart from scratch.
		log.Info("Server ignored range request for %s, restarting download", url)
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard partial file: %w", err)
		}
		resumeFrom = 0
		tracker.SetDownloaded(0)
	}

	// Trust the most recent server-reported total: on a resumed fetch the
	// Content-Length only covers the tail, so add the offset back.
	total := resp.ContentLength
	if total >= 0 && resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent {
		total += resumeFrom
	}
	tracker.SetTotalBytes(total)

	if resumeFrom > 0 {
		tracker.SetDownloaded(resumeFrom)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer file.Close()

	downloaded := resumeFrom
	buf := make([]byte, e.chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			downloaded += int64(n)
			tracker.BumpDownloaded(int64(n))
			tracker.SetProgressDetail(formatDetail(downloaded, total))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read chunk: %w", readErr)
		}
	}
}

func formatDetail(downloaded, total int64) string {
	if total > 0 {
		return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(downloaded)), humanize.IBytes(uint64(total)))
	}
	return fmt.Sprintf("%s downloaded", humanize.IBytes(uint64(downloaded)))
}
