// Package driver loads builder.yml, the optional per-project configuration
// consumed by the CLI: predefined variables, line-control emission, cache
// settings, and GitHub credentials.
package driver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jayeheffernan/builder/pkg/runtime"
)

// ConfigFileName is what FindConfig searches for.
const ConfigFileName = "builder.yml"

// ErrConfigNotFound reports that no builder.yml exists above a directory.
var ErrConfigNotFound = errors.New("builder.yml not found")

// Config is the parsed contents of builder.yml.
type Config struct {
	Path        string
	Name        string
	Defines     map[string]any
	LineControl bool
	Cache       CacheConfig
	GitHub      GitHubConfig
}

// CacheConfig controls the on-disk inclusion cache.
type CacheConfig struct {
	Enabled bool
	Dir     string
	Exclude []string
}

// GitHubConfig carries credentials for the GitHub reader.
type GitHubConfig struct {
	Token string
}

// ValidationError aggregates configuration failures.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "config: invalid configuration"
	}
	var b strings.Builder
	b.WriteString("config validation failed:")
	for _, issue := range e.Issues {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	return b.String()
}

type configFile struct {
	Name        string         `yaml:"name"`
	Defines     map[string]any `yaml:"defines"`
	LineControl bool           `yaml:"line_control"`
	Cache       struct {
		Enabled bool     `yaml:"enabled"`
		Dir     string   `yaml:"dir"`
		Exclude []string `yaml:"exclude"`
	} `yaml:"cache"`
	GitHub struct {
		Token string `yaml:"token"`
	} `yaml:"github"`
}

// LoadConfig parses builder.yml from disk, returning a validated config.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: empty path")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", absPath, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	var raw configFile
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			raw = configFile{}
		} else {
			return nil, fmt.Errorf("config: parse %s: %w", absPath, err)
		}
	}

	config := &Config{
		Path:        absPath,
		Name:        strings.TrimSpace(raw.Name),
		Defines:     raw.Defines,
		LineControl: raw.LineControl,
		Cache: CacheConfig{
			Enabled: raw.Cache.Enabled,
			Dir:     strings.TrimSpace(raw.Cache.Dir),
			Exclude: cloneStrings(raw.Cache.Exclude),
		},
		GitHub: GitHubConfig{Token: strings.TrimSpace(raw.GitHub.Token)},
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var definePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (c *Config) validate() error {
	var errs ValidationError
	for name := range c.Defines {
		if !definePattern.MatchString(name) {
			errs.Issues = append(errs.Issues, fmt.Sprintf("defines.%s is not a valid identifier", name))
		}
	}
	for i, pattern := range c.Cache.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errs.Issues = append(errs.Issues, fmt.Sprintf("cache.exclude[%d]: invalid pattern %q", i, pattern))
		}
	}
	if strings.ContainsAny(c.GitHub.Token, " \t\n") {
		errs.Issues = append(errs.Issues, "github.token must not contain whitespace")
	}
	if len(errs.Issues) > 0 {
		return &errs
	}
	return nil
}

// DefineValues converts the configured defines to runtime values. Scalars
// map naturally; anything structured is rejected during validation of use.
func (c *Config) DefineValues() (map[string]runtime.Value, error) {
	if len(c.Defines) == 0 {
		return nil, nil
	}
	out := make(map[string]runtime.Value, len(c.Defines))
	for name, raw := range c.Defines {
		value, err := scalarValue(raw)
		if err != nil {
			return nil, fmt.Errorf("config: defines.%s: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

func scalarValue(raw any) (runtime.Value, error) {
	switch v := raw.(type) {
	case nil:
		return runtime.NullValue{}, nil
	case bool:
		return runtime.BoolValue{Val: v}, nil
	case int:
		return runtime.NumberValue{Val: float64(v)}, nil
	case int64:
		return runtime.NumberValue{Val: float64(v)}, nil
	case float64:
		return runtime.NumberValue{Val: v}, nil
	case string:
		return runtime.StringValue{Val: v}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", raw)
	}
}

// FindConfig walks upward from dir looking for builder.yml.
func FindConfig(dir string) (string, error) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("config: resolve %s: %w", dir, err)
	}
	for {
		candidate := filepath.Join(current, ConfigFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrConfigNotFound
		}
		current = parent
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
