// Package storage keeps installer logs. Logs of successful runs are
// compressed with lz4; logs of failed runs stay plain text so they can be
// read with any pager.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
)

// compressedExt marks archived logs.
const compressedExt = ".lz4"

// LogArchive manages the installer logs in one directory.
type LogArchive struct {
	Dir string
}

// NewLogArchive creates the archive directory if needed.
func NewLogArchive(dir string) (*LogArchive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create log directory: %w", err)
	}
	return &LogArchive{Dir: dir}, nil
}

// LogEntry describes one stored log.
type LogEntry struct {
	Name       string
	Path       string
	Size       int64
	ModTime    time.Time
	Compressed bool
}

// Archive compresses the plain log at path and removes the original. It
// returns the path of the compressed log.
func (a *LogArchive) Archive(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := path + compressedExt
	file, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	zw := lz4.NewWriter(file)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
		file.Close()
		os.Remove(dst)
		return "", err
	}

	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		file.Close()
		os.Remove(dst)
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		file.Close()
		os.Remove(dst)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}

	src.Close()
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dst, nil
}

// Open returns a reader for a stored log, decompressing archived ones.
func (a *LogArchive) Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, compressedExt) {
		return file, nil
	}
	return &compressedLog{Reader: lz4.NewReader(file), file: file}, nil
}

type compressedLog struct {
	*lz4.Reader
	file *os.File
}

func (c *compressedLog) Close() error {
	return c.file.Close()
}

// Resolve finds a log by file name (with or without the archive
// extension) or by path.
func (a *LogArchive) Resolve(name string) (string, error) {
	candidates := []string{name, filepath.Join(a.Dir, name), filepath.Join(a.Dir, name) + compressedExt}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("log not found: %s", name)
}

// List returns the stored logs, newest first. A non-empty prefix filters by
// file name (logs are named after their environment).
func (a *LogArchive) List(prefix string) ([]LogEntry, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var logs []LogEntry
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, LogEntry{
			Name:       entry.Name(),
			Path:       filepath.Join(a.Dir, entry.Name()),
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			Compressed: strings.HasSuffix(entry.Name(), compressedExt),
		})
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].ModTime.After(logs[j].ModTime)
	})
	return logs, nil
}

// Prune removes logs older than maxAge and returns how many were removed.
func (a *LogArchive) Prune(maxAge time.Duration) (int, error) {
	logs, err := a.List("")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, l := range logs {
		if l.ModTime.Before(cutoff) {
			if err := os.Remove(l.Path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
