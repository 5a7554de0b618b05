package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestArchiveRoundTrip(t *testing.T) {
	a, err := NewLogArchive(filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatal(err)
	}

	content := strings.Repeat("Collecting requests\nSuccessfully installed requests\n", 100)
	plain := writeLog(t, a.Dir, "env-1.log", content)

	archived, err := a.Archive(plain)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if archived != plain+".lz4" {
		t.Errorf("archived path = %q", archived)
	}
	if _, err := os.Stat(plain); !os.IsNotExist(err) {
		t.Error("plain log should be removed after archiving")
	}

	info, _ := os.Stat(archived)
	if info.Size() >= int64(len(content)) {
		t.Errorf("archive (%d bytes) not smaller than log (%d bytes)", info.Size(), len(content))
	}

	r, err := a.Open(archived)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Error("decompressed log differs from original")
	}
}

func TestOpenPlainLog(t *testing.T) {
	a := &LogArchive{Dir: t.TempDir()}
	path := writeLog(t, a.Dir, "env-2.log", "ERROR: boom\n")

	r, err := a.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "ERROR: boom\n" {
		t.Errorf("got %q", got)
	}
}

func TestListResolveAndPrune(t *testing.T) {
	a := &LogArchive{Dir: t.TempDir()}
	oldPath := writeLog(t, a.Dir, "default-old.log", "old")
	writeLog(t, a.Dir, "default-new.log", "new")
	writeLog(t, a.Dir, "worker-new.log", "new")

	past := time.Now().Add(-10 * 24 * time.Hour)
	os.Chtimes(oldPath, past, past)

	logs, err := a.List("default")
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 default logs, got %d", len(logs))
	}
	if logs[0].Name != "default-new.log" {
		t.Errorf("newest first, got %q", logs[0].Name)
	}

	if p, err := a.Resolve("worker-new.log"); err != nil || p != filepath.Join(a.Dir, "worker-new.log") {
		t.Errorf("Resolve = %q, %v", p, err)
	}
	if _, err := a.Resolve("missing.log"); err == nil {
		t.Error("expected error for missing log")
	}

	removed, err := a.Prune(7 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed %d logs, want 1", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old log should be pruned")
	}
}

func TestListMissingDir(t *testing.T) {
	a := &LogArchive{Dir: filepath.Join(t.TempDir(), "nope")}
	logs, err := a.List("")
	if err != nil || logs != nil {
		t.Errorf("List on missing dir = %v, %v", logs, err)
	}
}
