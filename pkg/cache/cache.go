// Package cache memoizes remote source content on disk, keyed by the source
// reference. The execution machine reads every inclusion through it; local
// and excluded references pass straight through to the reader.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jayeheffernan/builder/pkg/reader"
)

// DefaultDir is the cache location used when none is configured.
const DefaultDir = ".builder-cache"

// Result is what an inclusion needs: the content and the parsed provenance.
type Result struct {
	Content string
	Path    reader.Path
}

// Cache wraps a reader with an on-disk content store.
type Cache struct {
	Dir     string
	Enabled bool
	// Exclude holds glob patterns of references that must always bypass
	// the cache.
	Exclude []string
}

// New constructs an enabled cache rooted at dir (DefaultDir when empty).
func New(dir string) *Cache {
	if dir == "" {
		dir = DefaultDir
	}
	return &Cache{Dir: dir, Enabled: true}
}

// Disabled constructs a pass-through cache.
func Disabled() *Cache {
	return &Cache{Dir: DefaultDir}
}

type entry struct {
	Ref     string `json:"ref"`
	File    string `json:"file"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Read returns the content and parsed path for ref, via rd. Cacheable
// readers (remote sources) are memoized on disk; within one execution two
// reads of the same ref are observationally identical either way.
func (c *Cache) Read(rd reader.Reader, ref string) (Result, error) {
	parsed, err := rd.ParsePath(ref)
	if err != nil {
		return Result{}, err
	}

	if !c.shouldCache(rd, ref) {
		content, err := rd.Read(ref)
		if err != nil {
			return Result{}, err
		}
		return Result{Content: content, Path: parsed}, nil
	}

	key := c.keyPath(ref)
	if cached, err := c.load(key); err == nil && cached.Ref == ref {
		return Result{
			Content: cached.Content,
			Path:    reader.Path{File: cached.File, Path: cached.Path},
		}, nil
	}

	content, err := rd.Read(ref)
	if err != nil {
		return Result{}, err
	}
	c.store(key, entry{Ref: ref, File: parsed.File, Path: parsed.Path, Content: content})
	return Result{Content: content, Path: parsed}, nil
}

func (c *Cache) shouldCache(rd reader.Reader, ref string) bool {
	if !c.Enabled {
		return false
	}
	cacheable, ok := rd.(reader.Cacheable)
	if !ok || !cacheable.Cacheable() {
		return false
	}
	for _, pattern := range c.Exclude {
		if matched, err := filepath.Match(pattern, ref); err == nil && matched {
			return false
		}
	}
	return true
}

func (c *Cache) keyPath(ref string) string {
	sum := sha1.Sum([]byte(ref))
	return filepath.Join(c.Dir, hex.EncodeToString(sum[:]))
}

func (c *Cache) load(key string) (entry, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		return entry{}, err
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return entry{}, err
	}
	return e, nil
}

func (c *Cache) store(key string, e entry) {
	// A failed write only loses memoization, never the read itself.
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(key, data, 0o644)
}

// Clear empties the cache directory.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cache: clear %s: %w", c.Dir, err)
	}
	for _, ent := range entries {
		if err := os.Remove(filepath.Join(c.Dir, ent.Name())); err != nil {
			return fmt.Errorf("cache: clear %s: %w", c.Dir, err)
		}
	}
	return nil
}
