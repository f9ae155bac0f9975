package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const copyBufferSize = 1024 * 1024

// ProgressFunc is called after each archive entry with the number of entries
// processed so far and the total entry count.
type ProgressFunc func(done, total int)

// Extract unpacks the zip archive at archivePath into destDir. Any prior
// contents of destDir are removed first. An entry whose resolved path would
// escape destDir aborts the whole extraction.
func Extract(archivePath, destDir string, progress ProgressFunc) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create extraction directory: %w", err)
	}
	if err := clearDirectory(destDir); err != nil {
		return fmt.Errorf("clear extraction directory: %w", err)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	total := len(reader.File)
	for i, member := range reader.File {
		if err := extractMember(member, destDir); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}

func clearDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func extractMember(member *zip.File, destDir string) error {
	target, err := safeDestination(destDir, member.Name)
	if err != nil {
		return err
	}

	if member.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	src, err := member.Open()
	if err != nil {
		return fmt.Errorf("open archive member %s: %w", member.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer dst.Close()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(dst, src, buf); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

// safeDestination resolves the absolute destination for an archive member
// and rejects any path that lands outside the extraction directory.
func safeDestination(destDir, name string) (string, error) {
	base, err := filepath.Abs(destDir)
	if err != nil {
		return "", err
	}
	target, err := filepath.Abs(filepath.Join(base, name))
	if err != nil {
		return "", err
	}
	if target != base && !strings.HasPrefix(target, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member escapes extraction directory: %s", name)
	}
	return target, nil
}
