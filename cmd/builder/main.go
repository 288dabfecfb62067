package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/jayeheffernan/builder/pkg/cache"
	"github.com/jayeheffernan/builder/pkg/driver"
	"github.com/jayeheffernan/builder/pkg/machine"
	"github.com/jayeheffernan/builder/pkg/reader"
	"github.com/jayeheffernan/builder/pkg/runtime"
)

const cliVersion = "builder 1.0.0"

const historyFile = ".builder_history"

func main() {
	os.Exit(run(os.Args[1:]))
}

type multiFlag []string

func (f *multiFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *multiFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

type options struct {
	defines      multiFlag
	lineControl  bool
	output       string
	useCache     bool
	cacheDir     string
	cacheExclude multiFlag
	githubToken  string
	configPath   string
	showVersion  bool
	input        string
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("builder", flag.ContinueOnError)
	fs.Var(&opts.defines, "D", "predefine a variable as NAME=VALUE (repeatable)")
	fs.BoolVar(&opts.lineControl, "l", false, "emit #line control statements")
	fs.BoolVar(&opts.lineControl, "lineControl", false, "emit #line control statements")
	fs.StringVar(&opts.output, "o", "", "write output to file (default stdout)")
	fs.BoolVar(&opts.useCache, "cache", false, "cache remote includes on disk")
	fs.StringVar(&opts.cacheDir, "cache-dir", "", "cache directory")
	fs.Var(&opts.cacheExclude, "cache-exclude", "reference glob that bypasses the cache (repeatable)")
	fs.StringVar(&opts.githubToken, "github-token", "", "GitHub token for private repositories")
	fs.StringVar(&opts.configPath, "config", "", "explicit builder.yml path")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: builder [flags] [input-file]\n\nWith no input file an interactive session starts.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) > 1 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
	}
	if len(rest) == 1 {
		opts.input = rest[0]
	}
	return opts, nil
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if opts.showVersion {
		fmt.Fprintln(os.Stdout, cliVersion)
		return 0
	}

	config, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	m, vars, err := buildMachine(opts, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if opts.input == "" {
		return repl(m, vars)
	}
	return runFile(m, vars, opts)
}

// loadConfig resolves builder.yml: an explicit --config path, else the
// nearest one above the input file (or the working directory). Absence is
// not an error.
func loadConfig(opts *options) (*driver.Config, error) {
	if opts.configPath != "" {
		return driver.LoadConfig(opts.configPath)
	}
	start := "."
	if opts.input != "" {
		start = filepath.Dir(opts.input)
	}
	path, err := driver.FindConfig(start)
	if err != nil {
		if errors.Is(err, driver.ErrConfigNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return driver.LoadConfig(path)
}

func buildMachine(opts *options, config *driver.Config) (*machine.Machine, map[string]runtime.Value, error) {
	m := machine.New()
	m.ColorWarnings = isTerminal(os.Stderr)

	vars := map[string]runtime.Value{}
	if config != nil {
		m.GenerateLineControlStatements = config.LineControl
		configVars, err := config.DefineValues()
		if err != nil {
			return nil, nil, err
		}
		for name, value := range configVars {
			vars[name] = value
		}
	}
	if opts.lineControl {
		m.GenerateLineControlStatements = true
	}
	for _, def := range opts.defines {
		name, value, err := parseDefine(def)
		if err != nil {
			return nil, nil, err
		}
		vars[name] = value
	}

	token := opts.githubToken
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" && config != nil {
		token = config.GitHub.Token
	}

	github := reader.NewGitHub()
	github.Token = token
	file := reader.NewFile()
	if opts.input != "" {
		file.Dirs = []string{filepath.Dir(opts.input)}
	}
	m.Readers = reader.NewRegistry(github, reader.NewHTTP(), file)

	cacheDir := opts.cacheDir
	enabled := opts.useCache
	var exclude []string
	if config != nil {
		if cacheDir == "" {
			cacheDir = config.Cache.Dir
		}
		enabled = enabled || config.Cache.Enabled
		exclude = append(exclude, config.Cache.Exclude...)
	}
	exclude = append(exclude, opts.cacheExclude...)
	if enabled {
		c := cache.New(cacheDir)
		c.Exclude = exclude
		m.Cache = c
	}

	if opts.input != "" {
		abs, err := filepath.Abs(opts.input)
		if err == nil {
			m.File = filepath.Base(abs)
			m.Path = filepath.Dir(abs)
		} else {
			m.File = filepath.Base(opts.input)
		}
	}

	return m, vars, nil
}

// parseDefine splits NAME=VALUE, reading VALUE as a number, boolean, or
// string. A bare NAME defines true.
func parseDefine(def string) (string, runtime.Value, error) {
	name, raw, found := strings.Cut(def, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("invalid define %q", def)
	}
	if !found {
		return name, runtime.BoolValue{Val: true}, nil
	}
	switch raw {
	case "true":
		return name, runtime.BoolValue{Val: true}, nil
	case "false":
		return name, runtime.BoolValue{Val: false}, nil
	case "null":
		return name, runtime.NullValue{}, nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return name, runtime.NumberValue{Val: n}, nil
	}
	return name, runtime.StringValue{Val: raw}, nil
}

func runFile(m *machine.Machine, vars map[string]runtime.Value, opts *options) int {
	source, err := os.ReadFile(opts.input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", opts.input, err)
		return 1
	}

	output, err := m.Execute(string(source), vars)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if opts.output == "" {
		fmt.Fprint(os.Stdout, output)
		return 0
	}
	if err := os.WriteFile(opts.output, []byte(output), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", opts.output, err)
		return 1
	}
	return 0
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// repl runs an interactive session: each entered chunk is preprocessed as a
// standalone source and the expansion printed.
func repl(m *machine.Machine, vars map[string]runtime.Value) int {
	fmt.Println(cliVersion + " — interactive mode, :quit to exit")

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	for {
		chunk, ok := readChunk(ln)
		if !ok {
			fmt.Println()
			return 0
		}
		trimmed := strings.TrimSpace(chunk)
		if trimmed == "" {
			continue
		}
		if trimmed == ":quit" || trimmed == ":q" {
			return 0
		}

		output, err := m.Execute(chunk, vars)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Print(output)
		if output != "" && !strings.HasSuffix(output, "\n") {
			fmt.Println()
		}
		ln.AppendHistory(strings.ReplaceAll(strings.TrimRight(chunk, "\n"), "\n", " "))
	}
}

// readChunk collects lines until every block directive is closed, so macro
// and conditional bodies can be entered interactively.
func readChunk(ln *liner.State) (string, bool) {
	var b strings.Builder
	prompt := "builder> "
	for {
		line, err := ln.Prompt(prompt)
		if err != nil {
			return "", false
		}
		b.WriteString(line)
		b.WriteString("\n")
		if !needsMore(b.String()) {
			return b.String(), true
		}
		prompt = "     ... "
	}
}

// needsMore reports whether a chunk has unclosed block directives.
func needsMore(chunk string) bool {
	depth := 0
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case hasDirective(trimmed, "macro"), hasDirective(trimmed, "if"),
			hasDirective(trimmed, "while"), hasDirective(trimmed, "repeat"):
			depth++
		case hasDirective(trimmed, "end"), hasDirective(trimmed, "endmacro"),
			hasDirective(trimmed, "endif"), hasDirective(trimmed, "endwhile"),
			hasDirective(trimmed, "endrepeat"):
			if depth > 0 {
				depth--
			}
		}
	}
	return depth > 0
}

func hasDirective(line, keyword string) bool {
	if !strings.HasPrefix(line, "@"+keyword) {
		return false
	}
	rest := line[len(keyword)+1:]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '('
}
