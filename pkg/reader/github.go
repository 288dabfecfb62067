package reader

import (
	"context"
	"errors"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

var githubPattern = regexp.MustCompile(`(?i)^(?:github\.com|github)[:/]([a-z0-9._-]+)/([a-z0-9._-]+)/(.+)$`)

// GitHub reads sources referenced as
// `github[.com][/:]<user>/<repo>/<path>[@<ref>]`, cloning the repository
// in memory.
type GitHub struct {
	// Token authenticates clones of private repositories and lifts the
	// anonymous rate limit. Empty means anonymous.
	Token   string
	Timeout time.Duration
}

// NewGitHub constructs a GitHub reader with a 30 second clone deadline.
func NewGitHub() *GitHub {
	return &GitHub{Timeout: 30 * time.Second}
}

type githubRef struct {
	user, repo, path, rev string
}

func parseGithubRef(ref string) (githubRef, bool) {
	m := githubPattern.FindStringSubmatch(ref)
	if m == nil {
		return githubRef{}, false
	}
	parsed := githubRef{user: m[1], repo: m[2], path: m[3]}
	if at := strings.LastIndex(parsed.path, "@"); at >= 0 {
		parsed.rev = parsed.path[at+1:]
		parsed.path = parsed.path[:at]
	}
	if parsed.path == "" {
		return githubRef{}, false
	}
	return parsed, true
}

func (g *GitHub) Supports(ref string) bool {
	_, ok := parseGithubRef(ref)
	return ok
}

func (g *GitHub) Cacheable() bool { return true }

// Read clones the repository into memory, checks out the requested revision
// when one is given, and returns the file content.
func (g *GitHub) Read(ref string) (string, error) {
	parsed, ok := parseGithubRef(ref)
	if !ok {
		return "", readErrorf(ref, "malformed github reference")
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	opts := &git.CloneOptions{
		URL: "https://github.com/" + parsed.user + "/" + parsed.repo,
	}
	if parsed.rev == "" {
		opts.Depth = 1
	}
	if g.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "builder", Password: g.Token}
	}

	fs := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), fs, opts)
	if err != nil {
		return "", g.cloneError(ref, err, ctx)
	}

	if parsed.rev != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(parsed.rev))
		if err != nil {
			return "", readErrorf(ref, "unknown revision %q: %v", parsed.rev, err)
		}
		worktree, err := repo.Worktree()
		if err != nil {
			return "", readErrorf(ref, "%v", err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
			return "", g.cloneError(ref, err, ctx)
		}
	}

	content, err := util.ReadFile(fs, parsed.path)
	if err != nil {
		return "", readErrorf(ref, "no file %q in %s/%s: %v", parsed.path, parsed.user, parsed.repo, err)
	}
	return string(content), nil
}

func (g *GitHub) cloneError(ref string, err error, ctx context.Context) *ReadingError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return readErrorf(ref, "timed out after %s", g.Timeout)
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "rate limit") {
		return readErrorf(ref, "rate limit exceeded: %v", err)
	}
	return readErrorf(ref, "%v", err)
}

// ParsePath yields `basename(path)` and `github:<user>/<repo>/<dir>`.
func (g *GitHub) ParsePath(ref string) (Path, error) {
	parsed, ok := parseGithubRef(ref)
	if !ok {
		return Path{}, readErrorf(ref, "malformed github reference")
	}
	dir := path.Dir(parsed.path)
	base := "github:" + parsed.user + "/" + parsed.repo
	if dir != "." && dir != "/" {
		base += "/" + dir
	}
	return Path{File: path.Base(parsed.path), Path: base}, nil
}
