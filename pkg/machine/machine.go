package machine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jayeheffernan/builder/pkg/ast"
	"github.com/jayeheffernan/builder/pkg/cache"
	"github.com/jayeheffernan/builder/pkg/expr"
	"github.com/jayeheffernan/builder/pkg/parser"
	"github.com/jayeheffernan/builder/pkg/reader"
	"github.com/jayeheffernan/builder/pkg/runtime"
)

// MaxExecutionDepth bounds nested execution frames (inclusions, macro
// expansions, block bodies). Exceeding it is treated as a cycle.
const MaxExecutionDepth = 256

// MacroDef is a declared macro: its parameters, body, and declaration
// origin. Macro bodies see `__FILE__`/`__PATH__` of the declaring file, not
// the call site.
type MacroDef struct {
	Name   string
	Params []string
	Body   []ast.Instruction
	File   string
	Path   string
	Line   int
}

// Machine walks the instruction list produced by the directive parser,
// evaluating operands, expanding macros and inclusions, and appending to an
// output buffer. One instance is not safe for concurrent Execute calls.
type Machine struct {
	Parser     *parser.Parser
	Expression *expr.Evaluator
	Readers    *reader.Registry
	Cache      *cache.Cache

	// GenerateLineControlStatements emits `#line <n> "<source>"` at file
	// boundaries in the output.
	GenerateLineControlStatements bool

	// Warnings receives @warning diagnostics; they never enter the
	// output buffer.
	Warnings io.Writer
	// ColorWarnings wraps warnings in ANSI yellow.
	ColorWarnings bool

	// File and Path seed `__FILE__`/`__PATH__` for top-level source.
	File string
	Path string

	globals  map[string]runtime.Value
	macros   map[string]*MacroDef
	included map[string]bool
	buffer   []string
	depth    int
	lastFile string
}

// New wires a machine with the stock parser, evaluator, readers, and a
// pass-through cache.
func New() *Machine {
	return &Machine{
		Parser:     parser.New(),
		Expression: expr.New(),
		Readers:    reader.DefaultRegistry(),
		Cache:      cache.Disabled(),
		Warnings:   os.Stderr,
		File:       "main",
	}
}

// Globals exposes the global variable store (variables written by @set and
// macro callables). Values persist only within one Execute call.
func (m *Machine) Globals() map[string]runtime.Value {
	return m.globals
}

// Execute preprocesses source and returns the expanded output. vars, when
// non-nil, is layered on top of the globals for the whole run.
func (m *Machine) Execute(source string, vars map[string]runtime.Value) (string, error) {
	m.reset()

	m.Parser.File = m.File
	instructions, err := m.Parser.Parse(source)
	if err != nil {
		return "", convertParseError(err)
	}

	ctx := m.rootContext(vars)
	if err := m.executeBlock(instructions, ctx); err != nil {
		return "", err
	}
	return strings.Join(m.buffer, ""), nil
}

func (m *Machine) reset() {
	m.globals = make(map[string]runtime.Value)
	m.macros = make(map[string]*MacroDef)
	m.included = make(map[string]bool)
	m.buffer = nil
	m.depth = 0
	m.lastFile = ""
}

// rootContext layers, lowest to highest precedence: file defaults, built-in
// functions, the global store, and the caller-supplied variables.
func (m *Machine) rootContext(vars map[string]runtime.Value) *runtime.Context {
	defaults := runtime.NewContext(nil)
	defaults.Define(runtime.FileKey, runtime.StringValue{Val: m.File})
	defaults.Define(runtime.PathKey, runtime.StringValue{Val: m.Path})

	builtins := runtime.NewContext(defaults)
	for name, fn := range expr.Builtins() {
		builtins.Define(name, fn)
	}
	builtins.Define("include", &runtime.FunctionValue{Name: "include", Call: m.includeFn})

	ctx := runtime.Wrap(m.globals, builtins)
	if len(vars) > 0 {
		ctx = ctx.With(vars)
	}
	return ctx
}

// executeBlock walks one instruction list. Every entry is a frame counted
// against MaxExecutionDepth; the limit is the cycle-detection fallback.
func (m *Machine) executeBlock(instructions []ast.Instruction, ctx *runtime.Context) error {
	m.depth++
	defer func() { m.depth-- }()
	if m.depth > MaxExecutionDepth {
		line := 0
		if len(instructions) > 0 {
			line = instructions[0].Pos()
		}
		return &Error{
			Kind:    KindMaxExecutionDepth,
			Message: fmt.Sprintf("Maximum execution depth of %d reached", MaxExecutionDepth),
			File:    ctxFile(ctx),
			Line:    line,
		}
	}

	for _, instruction := range instructions {
		ictx := ctx.With(map[string]runtime.Value{
			runtime.LineKey: runtime.NumberValue{Val: float64(instruction.Pos())},
		})
		if err := m.executeInstruction(instruction, ictx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) executeInstruction(instruction ast.Instruction, ictx *runtime.Context) error {
	switch instr := instruction.(type) {
	case *ast.Set:
		value, err := m.evaluate(instr.Value, ictx)
		if err != nil {
			return err
		}
		m.globals[instr.Variable] = value
		return nil

	case *ast.Output:
		if instr.Computed {
			m.out(instr.Value, ictx)
			return nil
		}
		value, err := m.evaluate(instr.Value, ictx)
		if err != nil {
			return err
		}
		m.out(runtime.Stringify(value), ictx)
		return nil

	case *ast.Include:
		return m.executeInclude(instr, ictx)

	case *ast.Conditional:
		_, err := m.executeConditional(instr, ictx)
		return err

	case *ast.Loop:
		return m.executeLoop(instr, ictx)

	case *ast.Macro:
		return m.declareMacro(instr, ictx)

	case *ast.ErrorDirective:
		value, err := m.evaluate(instr.Value, ictx)
		if err != nil {
			return err
		}
		return &Error{
			Kind:    KindUserDefined,
			Message: runtime.Stringify(value),
			File:    ctxFile(ictx),
			Line:    instr.Line,
		}

	case *ast.Warning:
		value, err := m.evaluate(instr.Value, ictx)
		if err != nil {
			return err
		}
		m.warn(runtime.Stringify(value))
		return nil

	default:
		return &Error{
			Kind:    KindParse,
			Message: fmt.Sprintf("Unknown instruction %T", instruction),
			File:    ctxFile(ictx),
			Line:    instruction.Pos(),
		}
	}
}

// executeConditional evaluates one if/elseif link and reports whether its
// test was truthy, so the chain stops at the first taken branch.
func (m *Machine) executeConditional(cond *ast.Conditional, ictx *runtime.Context) (bool, error) {
	test, err := m.evaluate(cond.Test, ictx)
	if err != nil {
		return false, err
	}
	if runtime.Truthy(test) {
		return true, m.executeBlock(cond.Consequent, ictx)
	}
	for _, branch := range cond.ElseIfs {
		branchCtx := ictx.With(map[string]runtime.Value{
			runtime.LineKey: runtime.NumberValue{Val: float64(branch.Line)},
		})
		taken, err := m.executeConditional(branch, branchCtx)
		if err != nil {
			return false, err
		}
		if taken {
			return false, nil
		}
	}
	if cond.Alternate != nil {
		return false, m.executeBlock(cond.Alternate, ictx)
	}
	return false, nil
}

func (m *Machine) executeLoop(loop *ast.Loop, ictx *runtime.Context) error {
	index := 0
	for {
		condition, err := m.evaluate(loop.Condition, ictx)
		if err != nil {
			return err
		}
		switch loop.Kind {
		case ast.LoopWhile:
			if !runtime.Truthy(condition) {
				return nil
			}
		case ast.LoopRepeat:
			count, err := expr.ToNumber(condition)
			if err != nil {
				return m.wrapEvalError(err, ictx)
			}
			if float64(index) >= count {
				return nil
			}
		}

		bodyCtx := ictx.With(map[string]runtime.Value{
			runtime.LoopKey: &runtime.ObjectValue{Fields: map[string]runtime.Value{
				"index":     runtime.NumberValue{Val: float64(index)},
				"iteration": runtime.NumberValue{Val: float64(index + 1)},
			}},
		})
		if err := m.executeBlock(loop.Body, bodyCtx); err != nil {
			return err
		}
		index++
	}
}

func (m *Machine) declareMacro(instr *ast.Macro, ictx *runtime.Context) error {
	name, params, err := m.Expression.ParseMacroDeclaration(instr.Declaration)
	if err != nil {
		return m.wrapEvalError(err, ictx)
	}
	if existing, ok := m.macros[name]; ok {
		return &Error{
			Kind: KindMacroAlreadyDeclared,
			Message: fmt.Sprintf("Macro %q is already declared in %s:%d",
				name, existing.File, existing.Line),
			File: ctxFile(ictx),
			Line: instr.Line,
		}
	}

	def := &MacroDef{
		Name:   name,
		Params: params,
		Body:   instr.Body,
		File:   ctxFile(ictx),
		Path:   ctxPath(ictx),
		Line:   instr.Line,
	}
	m.macros[name] = def

	// Expressions can call the macro as a function; the call expands the
	// body in inline mode and yields the joined text.
	m.globals[name] = &runtime.FunctionValue{
		Name: name,
		Call: func(args []runtime.Value, callCtx *runtime.Context) (runtime.Value, error) {
			text, err := m.expandInline(def, args, callCtx)
			if err != nil {
				return nil, err
			}
			return runtime.StringValue{Val: text}, nil
		},
	}
	return nil
}

func (m *Machine) executeInclude(instr *ast.Include, ictx *runtime.Context) error {
	call, err := m.Expression.ParseMacroCall(instr.Value, ictx, func(name string) bool {
		_, ok := m.macros[name]
		return ok
	})
	if err != nil {
		return m.wrapEvalError(err, ictx)
	}
	if call != nil {
		return m.expandMacro(m.macros[call.Name], call.Args, ictx)
	}

	value, err := m.evaluate(strings.TrimSpace(instr.Value), ictx)
	if err != nil {
		return err
	}
	ref := strings.TrimSpace(runtime.Stringify(value))
	return m.includeSource(ref, instr.Once, ictx)
}

func (m *Machine) includeSource(ref string, once bool, ictx *runtime.Context) error {
	if once && m.included[ref] {
		return nil
	}

	rd, err := m.Readers.Lookup(ref)
	if err != nil {
		return m.wrapInclusionError(err, ictx)
	}
	result, err := m.Cache.Read(rd, ref)
	if err != nil {
		return m.wrapInclusionError(err, ictx)
	}

	m.Parser.File = result.Path.File
	instructions, err := m.Parser.Parse(result.Content)
	if err != nil {
		return convertParseError(err)
	}

	m.included[ref] = true
	nested := ictx.With(map[string]runtime.Value{
		runtime.FileKey: runtime.StringValue{Val: result.Path.File},
		runtime.PathKey: runtime.StringValue{Val: result.Path.Path},
	})
	return m.executeBlock(instructions, nested)
}

// expandMacro expands a directive-level macro inclusion into the shared
// buffer. Binding is positional: excess arguments are discarded, missing
// parameters bind to Null.
func (m *Machine) expandMacro(def *MacroDef, args []runtime.Value, ictx *runtime.Context) error {
	overlay := m.macroBindings(def, args)
	return m.executeBlock(def.Body, ictx.With(overlay))
}

// expandInline expands a macro in inline mode: a fresh buffer, `__INLINE__`
// set, and a single trailing newline trimmed from the result.
func (m *Machine) expandInline(def *MacroDef, args []runtime.Value, callCtx *runtime.Context) (string, error) {
	overlay := m.macroBindings(def, args)
	overlay[runtime.InlineKey] = runtime.BoolValue{Val: true}
	return m.captureInline(func() error {
		return m.executeBlock(def.Body, callCtx.With(overlay))
	})
}

func (m *Machine) macroBindings(def *MacroDef, args []runtime.Value) map[string]runtime.Value {
	overlay := map[string]runtime.Value{
		runtime.FileKey: runtime.StringValue{Val: def.File},
		runtime.PathKey: runtime.StringValue{Val: def.Path},
	}
	for i, param := range def.Params {
		if i < len(args) {
			overlay[param] = args[i]
		} else {
			overlay[param] = runtime.NullValue{}
		}
	}
	return overlay
}

// includeFn is the internal `include(ref)` expression function: it expands
// a source reference in inline mode and returns the text.
func (m *Machine) includeFn(args []runtime.Value, callCtx *runtime.Context) (runtime.Value, error) {
	if len(args) != 1 {
		return nil, &expr.Error{Message: "Wrong number of arguments for include()"}
	}
	ref := strings.TrimSpace(runtime.Stringify(args[0]))
	text, err := m.captureInline(func() error {
		inlineCtx := callCtx.With(map[string]runtime.Value{
			runtime.InlineKey: runtime.BoolValue{Val: true},
		})
		return m.includeSource(ref, false, inlineCtx)
	})
	if err != nil {
		return nil, err
	}
	return runtime.StringValue{Val: text}, nil
}

// captureInline runs fn against a fresh buffer, restores the shared buffer,
// and returns the captured text with one trailing newline trimmed.
func (m *Machine) captureInline(fn func() error) (string, error) {
	savedBuffer, savedLast := m.buffer, m.lastFile
	m.buffer = nil
	defer func() {
		m.buffer, m.lastFile = savedBuffer, savedLast
	}()

	if err := fn(); err != nil {
		return "", err
	}
	if n := len(m.buffer); n > 0 {
		m.buffer[n-1] = strings.TrimSuffix(m.buffer[n-1], "\n")
	}
	return strings.Join(m.buffer, ""), nil
}

// out appends a chunk to the buffer, prepending a line control statement at
// file boundaries when enabled and not in inline mode.
func (m *Machine) out(chunk string, ictx *runtime.Context) {
	if m.GenerateLineControlStatements && !ctxInline(ictx) {
		file := ctxFile(ictx)
		if file != m.lastFile {
			source := file
			if p := ctxPath(ictx); p != "" {
				source = p + "/" + file
			}
			source = strings.ReplaceAll(source, `"`, `\"`)
			m.buffer = append(m.buffer,
				fmt.Sprintf("#line %d \"%s\"\n", ctxLine(ictx), source))
			m.lastFile = file
		}
	}
	m.buffer = append(m.buffer, chunk)
}

func (m *Machine) warn(message string) {
	if m.Warnings == nil {
		return
	}
	if m.ColorWarnings {
		fmt.Fprintf(m.Warnings, "\x1b[33m%s\x1b[0m\n", message)
		return
	}
	fmt.Fprintln(m.Warnings, message)
}

// evaluate runs expression source and enriches failures with provenance.
func (m *Machine) evaluate(source string, ictx *runtime.Context) (runtime.Value, error) {
	value, err := m.Expression.Evaluate(source, ictx)
	if err != nil {
		return nil, m.wrapEvalError(err, ictx)
	}
	return value, nil
}

// wrapEvalError re-wraps expression failures with file/line provenance at
// the per-instruction boundary. Machine errors from nested expansion pass
// through unchanged.
func (m *Machine) wrapEvalError(err error, ictx *runtime.Context) error {
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	return &Error{
		Kind:    KindExpressionEvaluation,
		Message: err.Error(),
		File:    ctxFile(ictx),
		Line:    ctxLine(ictx),
	}
}

func (m *Machine) wrapInclusionError(err error, ictx *runtime.Context) error {
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	return &Error{
		Kind:    KindSourceInclusion,
		Message: err.Error(),
		File:    ctxFile(ictx),
		Line:    ctxLine(ictx),
	}
}

func convertParseError(err error) error {
	var parseErr *parser.Error
	if errors.As(err, &parseErr) {
		return &Error{
			Kind:    KindParse,
			Message: parseErr.Message,
			File:    parseErr.File,
			Line:    parseErr.Line,
		}
	}
	return err
}

func ctxFile(ctx *runtime.Context) string {
	if v, ok := ctx.Get(runtime.FileKey); ok {
		return runtime.Stringify(v)
	}
	return "main"
}

func ctxPath(ctx *runtime.Context) string {
	if v, ok := ctx.Get(runtime.PathKey); ok {
		if s, isString := v.(runtime.StringValue); isString {
			return s.Val
		}
	}
	return ""
}

func ctxLine(ctx *runtime.Context) int {
	if v, ok := ctx.Get(runtime.LineKey); ok {
		if n, isNumber := v.(runtime.NumberValue); isNumber {
			return int(n.Val)
		}
	}
	return 0
}

func ctxInline(ctx *runtime.Context) bool {
	v, ok := ctx.Get(runtime.InlineKey)
	return ok && runtime.Truthy(v)
}
