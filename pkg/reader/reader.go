package reader

import "fmt"

// Path is the provenance descriptor for an included source: File populates
// `__FILE__` and Path populates `__PATH__` in the nested context.
type Path struct {
	File string
	Path string
}

// Reader maps a source reference to its content. Implementations decide
// which reference shapes they accept via Supports; the registry picks the
// first reader that does.
type Reader interface {
	Supports(ref string) bool
	Read(ref string) (string, error)
	ParsePath(ref string) (Path, error)
}

// Cacheable is implemented by readers whose content is worth persisting in
// the inclusion cache (remote sources).
type Cacheable interface {
	Cacheable() bool
}

// ReadingError is an I/O-level failure from a reader: missing file,
// unreachable host, timeout, rate limit.
type ReadingError struct {
	Ref     string
	Message string
}

func (e *ReadingError) Error() string {
	return fmt.Sprintf("Failed to read %q: %s", e.Ref, e.Message)
}

func readErrorf(ref, format string, a ...interface{}) *ReadingError {
	return &ReadingError{Ref: ref, Message: fmt.Sprintf(format, a...)}
}

// UnsupportedError reports that no registered reader accepts a reference.
type UnsupportedError struct {
	Ref string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("Source %q is not supported", e.Ref)
}

// Registry is an ordered reader sequence; Lookup returns the first reader
// whose Supports accepts the reference.
type Registry struct {
	readers []Reader
}

// NewRegistry builds a registry preserving the given order.
func NewRegistry(readers ...Reader) *Registry {
	return &Registry{readers: readers}
}

// DefaultRegistry wires the stock readers: GitHub, then HTTP, then the local
// filesystem (which accepts nearly anything, so it goes last).
func DefaultRegistry() *Registry {
	return NewRegistry(NewGitHub(), NewHTTP(), NewFile())
}

// Lookup selects a reader for ref.
func (r *Registry) Lookup(ref string) (Reader, error) {
	for _, rd := range r.readers {
		if rd.Supports(ref) {
			return rd, nil
		}
	}
	return nil, &UnsupportedError{Ref: ref}
}
