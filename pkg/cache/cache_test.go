package cache

import (
	"testing"

	"github.com/jayeheffernan/builder/pkg/reader"
)

// countingReader is a cacheable fake that tracks how often Read runs.
type countingReader struct {
	content string
	reads   int
	remote  bool
}

func (r *countingReader) Supports(ref string) bool { return true }

func (r *countingReader) Read(ref string) (string, error) {
	r.reads++
	return r.content, nil
}

func (r *countingReader) ParsePath(ref string) (reader.Path, error) {
	return reader.Path{File: ref, Path: "fake"}, nil
}

func (r *countingReader) Cacheable() bool { return r.remote }

func TestCacheMemoizes(t *testing.T) {
	c := New(t.TempDir())
	rd := &countingReader{content: "data\n", remote: true}

	for i := 0; i < 3; i++ {
		result, err := c.Read(rd, "lib.nut")
		if err != nil {
			t.Fatalf("Read error: %v", err)
		}
		if result.Content != "data\n" {
			t.Fatalf("content = %q", result.Content)
		}
		if result.Path.File != "lib.nut" || result.Path.Path != "fake" {
			t.Fatalf("path = %+v", result.Path)
		}
	}
	if rd.reads != 1 {
		t.Fatalf("reader ran %d times, want 1", rd.reads)
	}
}

func TestCacheSkipsLocalReaders(t *testing.T) {
	c := New(t.TempDir())
	rd := &countingReader{content: "data\n", remote: false}

	for i := 0; i < 2; i++ {
		if _, err := c.Read(rd, "lib.nut"); err != nil {
			t.Fatalf("Read error: %v", err)
		}
	}
	if rd.reads != 2 {
		t.Fatalf("reader ran %d times, want 2", rd.reads)
	}
}

func TestCacheExcludeBypasses(t *testing.T) {
	c := New(t.TempDir())
	c.Exclude = []string{"volatile-*"}
	rd := &countingReader{content: "data\n", remote: true}

	for i := 0; i < 2; i++ {
		if _, err := c.Read(rd, "volatile-lib.nut"); err != nil {
			t.Fatalf("Read error: %v", err)
		}
	}
	if rd.reads != 2 {
		t.Fatalf("excluded ref was cached; reader ran %d times, want 2", rd.reads)
	}
}

func TestDisabledCachePassesThrough(t *testing.T) {
	c := Disabled()
	rd := &countingReader{content: "data\n", remote: true}

	for i := 0; i < 2; i++ {
		if _, err := c.Read(rd, "lib.nut"); err != nil {
			t.Fatalf("Read error: %v", err)
		}
	}
	if rd.reads != 2 {
		t.Fatalf("disabled cache memoized; reader ran %d times, want 2", rd.reads)
	}
}

func TestCacheClear(t *testing.T) {
	c := New(t.TempDir())
	rd := &countingReader{content: "data\n", remote: true}

	if _, err := c.Read(rd, "lib.nut"); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if _, err := c.Read(rd, "lib.nut"); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if rd.reads != 2 {
		t.Fatalf("reader ran %d times after clear, want 2", rd.reads)
	}
}

func TestCacheClearMissingDir(t *testing.T) {
	c := New(t.TempDir() + "/never-created")
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear of missing dir should be a no-op, got %v", err)
	}
}
