package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jayeheffernan/builder/pkg/ast"
)

// Parser scans preprocessor source line by line into an instruction list.
// Lines whose first non-whitespace token is `@<keyword>` become directives;
// every other line becomes verbatim output, with inline `@{...}` slots split
// out as computed output instructions.
type Parser struct {
	// File is cited in parse errors. The execution machine sets it before
	// each parse so nested inclusions report the right source.
	File string
}

// New constructs a parser reporting errors against the file label "main"
// until File is changed.
func New() *Parser {
	return &Parser{File: "main"}
}

// Error is a directive-level syntax failure.
type Error struct {
	Message string
	File    string
	Line    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s:%d)", e.Message, e.File, e.Line)
}

func (p *Parser) errorf(line int, format string, a ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, a...), File: p.File, Line: line}
}

type blockKind int

const (
	blockRoot blockKind = iota
	blockMacro
	blockIf
	blockWhile
	blockRepeat
)

func (k blockKind) String() string {
	switch k {
	case blockMacro:
		return "@macro"
	case blockIf:
		return "@if"
	case blockWhile:
		return "@while"
	case blockRepeat:
		return "@repeat"
	default:
		return "block"
	}
}

type blockFrame struct {
	kind     blockKind
	openLine int
	owner    ast.Instruction
	cond     *ast.Conditional // current branch target for blockIf
	target   *[]ast.Instruction
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*`)
var directivePattern = regexp.MustCompile(`^@([a-z]+)\b`)

// Parse lexes source into a typed instruction list with nested bodies.
func (p *Parser) Parse(source string) ([]ast.Instruction, error) {
	root := []ast.Instruction{}
	stack := []*blockFrame{{kind: blockRoot, target: &root}}
	top := func() *blockFrame { return stack[len(stack)-1] }

	lines := splitLines(source)
	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimLeft(line, " \t")

		if strings.HasPrefix(trimmed, "@") && !strings.HasPrefix(trimmed, "@{") {
			if err := p.parseDirective(trimmed, lineNo, &stack, top); err != nil {
				return nil, err
			}
			continue
		}

		outputs, err := p.parseOutputLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		*top().target = append(*top().target, outputs...)
	}

	if top().kind != blockRoot {
		return nil, p.errorf(top().openLine, "Unclosed %s", top().kind)
	}
	return root, nil
}

func (p *Parser) parseDirective(trimmed string, lineNo int, stack *[]*blockFrame, top func() *blockFrame) error {
	m := directivePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return p.errorf(lineNo, "Unknown directive %q", firstWord(trimmed))
	}
	keyword := m[1]
	operand, err := p.stripComments(trimmed[len(m[0]):], lineNo)
	if err != nil {
		return err
	}
	operand = strings.TrimSpace(operand)

	push := func(frame *blockFrame) {
		*top().target = append(*top().target, frame.owner)
		*stack = append(*stack, frame)
	}
	pop := func(want blockKind, name string) error {
		if top().kind != want {
			return p.errorf(lineNo, "Unexpected @%s", name)
		}
		*stack = (*stack)[:len(*stack)-1]
		return nil
	}

	switch keyword {
	case "set":
		name, value, err := p.parseSetOperand(operand, lineNo)
		if err != nil {
			return err
		}
		*top().target = append(*top().target, &ast.Set{Line: lineNo, Variable: name, Value: value})

	case "macro":
		if operand == "" {
			return p.errorf(lineNo, "Missing macro declaration")
		}
		macro := &ast.Macro{Line: lineNo, Declaration: operand}
		push(&blockFrame{kind: blockMacro, openLine: lineNo, owner: macro, target: &macro.Body})

	case "end", "endmacro":
		if err := pop(blockMacro, keyword); err != nil {
			return err
		}

	case "if":
		if operand == "" {
			return p.errorf(lineNo, "Missing @if condition")
		}
		cond := &ast.Conditional{Line: lineNo, Test: operand}
		push(&blockFrame{kind: blockIf, openLine: lineNo, owner: cond, cond: cond, target: &cond.Consequent})

	case "elseif":
		frame := top()
		if frame.kind != blockIf {
			return p.errorf(lineNo, "Unexpected @elseif")
		}
		if frame.cond.HasElse {
			return p.errorf(lineNo, "@elseif after @else")
		}
		if operand == "" {
			return p.errorf(lineNo, "Missing @elseif condition")
		}
		branch := &ast.Conditional{Line: lineNo, Test: operand}
		frame.cond.ElseIfs = append(frame.cond.ElseIfs, branch)
		frame.target = &branch.Consequent

	case "else":
		frame := top()
		if frame.kind != blockIf {
			return p.errorf(lineNo, "Unexpected @else")
		}
		if frame.cond.HasElse {
			return p.errorf(lineNo, "Duplicate @else")
		}
		frame.cond.HasElse = true
		frame.cond.Alternate = []ast.Instruction{}
		frame.target = &frame.cond.Alternate

	case "endif":
		if err := pop(blockIf, keyword); err != nil {
			return err
		}

	case "while":
		if operand == "" {
			return p.errorf(lineNo, "Missing @while condition")
		}
		loop := &ast.Loop{Line: lineNo, Kind: ast.LoopWhile, Condition: operand}
		push(&blockFrame{kind: blockWhile, openLine: lineNo, owner: loop, target: &loop.Body})

	case "endwhile":
		if err := pop(blockWhile, keyword); err != nil {
			return err
		}

	case "repeat":
		if operand == "" {
			return p.errorf(lineNo, "Missing @repeat count")
		}
		loop := &ast.Loop{Line: lineNo, Kind: ast.LoopRepeat, Condition: operand}
		push(&blockFrame{kind: blockRepeat, openLine: lineNo, owner: loop, target: &loop.Body})

	case "endrepeat":
		if err := pop(blockRepeat, keyword); err != nil {
			return err
		}

	case "include":
		once := false
		if rest, ok := strings.CutPrefix(operand, "once"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			once = true
			operand = strings.TrimSpace(rest)
		}
		if operand == "" {
			return p.errorf(lineNo, "Missing @include source")
		}
		*top().target = append(*top().target, &ast.Include{Line: lineNo, Value: operand, Once: once})

	case "error":
		*top().target = append(*top().target, &ast.ErrorDirective{Line: lineNo, Value: operand})

	case "warning":
		*top().target = append(*top().target, &ast.Warning{Line: lineNo, Value: operand})

	default:
		return p.errorf(lineNo, "Unknown directive %q", "@"+keyword)
	}
	return nil
}

// parseSetOperand splits `NAME expr` or `NAME = expr` into the variable name
// and the expression source.
func (p *Parser) parseSetOperand(operand string, lineNo int) (string, string, error) {
	name := identPattern.FindString(operand)
	if name == "" {
		return "", "", p.errorf(lineNo, "Missing variable name in @set")
	}
	rest := strings.TrimSpace(operand[len(name):])
	if after, ok := strings.CutPrefix(rest, "="); ok {
		rest = strings.TrimSpace(after)
	}
	if rest == "" {
		return "", "", p.errorf(lineNo, "Missing value in @set %s", name)
	}
	return name, rest, nil
}

// parseOutputLine splits a verbatim line into literal fragments and inline
// `@{...}` expression slots.
func (p *Parser) parseOutputLine(line string, lineNo int) ([]ast.Instruction, error) {
	var out []ast.Instruction
	rest := line
	for {
		idx := strings.Index(rest, "@{")
		if idx < 0 {
			break
		}
		if idx > 0 {
			out = append(out, &ast.Output{Line: lineNo, Value: rest[:idx], Computed: true})
		}
		inner, remainder, ok := scanInlineSlot(rest[idx+2:])
		if !ok {
			return nil, p.errorf(lineNo, "Unterminated @{...} expression")
		}
		out = append(out, &ast.Output{Line: lineNo, Value: inner, Computed: false})
		rest = remainder
	}
	if rest != "" || len(out) == 0 {
		out = append(out, &ast.Output{Line: lineNo, Value: rest, Computed: true})
	}
	return out, nil
}

// scanInlineSlot reads up to the matching `}`, balancing nested braces and
// skipping quoted strings. s starts just past the opening `@{`.
func scanInlineSlot(s string) (inner, rest string, ok bool) {
	depth := 1
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i], s[i+1:], true
			}
		}
	}
	return "", "", false
}

// stripComments removes `//` line comments and `/* */` block comments from a
// directive operand, leaving quoted strings intact.
func (p *Parser) stripComments(s string, lineNo int) (string, error) {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			b.WriteByte(ch)
			if ch == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			quote = ch
			b.WriteByte(ch)
		case ch == '/' && i+1 < len(s) && s[i+1] == '/':
			return b.String(), nil
		case ch == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return "", p.errorf(lineNo, "Unterminated block comment")
			}
			i += 2 + end + 1
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}

// splitLines splits source keeping each line's terminating newline, so
// verbatim output round-trips exactly.
func splitLines(source string) []string {
	if source == "" {
		return nil
	}
	lines := strings.SplitAfter(source, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func firstWord(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' || s[i] == '\n' {
			return s[:i]
		}
	}
	return strings.TrimRight(s, "\n")
}
