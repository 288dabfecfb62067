package reader

import (
	"os"
	"path/filepath"
	"regexp"
)

var schemePattern = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)

// File reads sources from the local filesystem. Relative references are
// resolved against Dirs in order, then against the working directory.
type File struct {
	Dirs []string
}

// NewFile constructs a filesystem reader with no extra search directories.
func NewFile() *File {
	return &File{}
}

// Supports accepts any reference that does not carry a URL scheme.
func (f *File) Supports(ref string) bool {
	return ref != "" && !schemePattern.MatchString(ref)
}

func (f *File) Cacheable() bool { return false }

func (f *File) resolve(ref string) (string, error) {
	if filepath.IsAbs(ref) {
		if _, err := os.Stat(ref); err != nil {
			return "", err
		}
		return ref, nil
	}
	for _, dir := range f.Dirs {
		candidate := filepath.Join(dir, ref)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if _, err := os.Stat(ref); err != nil {
		return "", err
	}
	return ref, nil
}

// Read returns the full file content.
func (f *File) Read(ref string) (string, error) {
	resolved, err := f.resolve(ref)
	if err != nil {
		return "", readErrorf(ref, "%v", err)
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", readErrorf(ref, "%v", err)
	}
	return string(content), nil
}

// ParsePath yields the provenance descriptor: basename and absolute
// directory of the resolved file.
func (f *File) ParsePath(ref string) (Path, error) {
	resolved, err := f.resolve(ref)
	if err != nil {
		resolved = ref
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	return Path{
		File: filepath.Base(abs),
		Path: filepath.Dir(abs),
	}, nil
}
