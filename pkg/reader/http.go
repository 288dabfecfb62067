package reader

import (
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

var httpPattern = regexp.MustCompile(`(?i)^https?://`)

// HTTP reads sources from absolute http(s) URLs.
type HTTP struct {
	Client *http.Client
}

// NewHTTP constructs an HTTP reader with a 30 second request timeout.
func NewHTTP() *HTTP {
	return &HTTP{
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTP) Supports(ref string) bool {
	return httpPattern.MatchString(ref)
}

func (h *HTTP) Cacheable() bool { return true }

// Read fetches the URL and returns the response body.
func (h *HTTP) Read(ref string) (string, error) {
	resp, err := h.Client.Get(ref)
	if err != nil {
		return "", readErrorf(ref, "%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", readErrorf(ref, "rate limit exceeded (HTTP %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", readErrorf(ref, "HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", readErrorf(ref, "%v", err)
	}
	return string(body), nil
}

// ParsePath splits the URL into basename and the URL of its directory.
func (h *HTTP) ParsePath(ref string) (Path, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return Path{}, readErrorf(ref, "%v", err)
	}
	file := path.Base(u.Path)
	if file == "/" || file == "." {
		file = u.Host
	}
	dir := path.Dir(u.Path)
	if dir == "." {
		dir = "/"
	}
	base := u.Scheme + "://" + u.Host + strings.TrimSuffix(dir, "/")
	return Path{File: file, Path: base}, nil
}
