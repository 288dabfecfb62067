package parser

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jayeheffernan/builder/pkg/ast"
)

func mustParse(t *testing.T, source string) []ast.Instruction {
	t.Helper()
	instructions, err := New().Parse(source)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	return instructions
}

func TestParseVerbatimLines(t *testing.T) {
	source := "first\nsecond\n"
	want := []ast.Instruction{
		&ast.Output{Line: 1, Value: "first\n", Computed: true},
		&ast.Output{Line: 2, Value: "second\n", Computed: true},
	}
	if diff := cmp.Diff(want, mustParse(t, source)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseKeepsMissingFinalNewline(t *testing.T) {
	want := []ast.Instruction{
		&ast.Output{Line: 1, Value: "no newline", Computed: true},
	}
	if diff := cmp.Diff(want, mustParse(t, "no newline")); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInlineSlots(t *testing.T) {
	source := "a @{x + 1} b @{y}\n"
	want := []ast.Instruction{
		&ast.Output{Line: 1, Value: "a ", Computed: true},
		&ast.Output{Line: 1, Value: "x + 1", Computed: false},
		&ast.Output{Line: 1, Value: " b ", Computed: true},
		&ast.Output{Line: 1, Value: "y", Computed: false},
		&ast.Output{Line: 1, Value: "\n", Computed: true},
	}
	if diff := cmp.Diff(want, mustParse(t, source)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInlineSlotBracesAndQuotes(t *testing.T) {
	source := "@{\"}\" + 'x'}\n"
	want := []ast.Instruction{
		&ast.Output{Line: 1, Value: "\"}\" + 'x'", Computed: false},
		&ast.Output{Line: 1, Value: "\n", Computed: true},
	}
	if diff := cmp.Diff(want, mustParse(t, source)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSet(t *testing.T) {
	cases := []struct {
		source string
		want   *ast.Set
	}{
		{"@set FOO 1 + 2\n", &ast.Set{Line: 1, Variable: "FOO", Value: "1 + 2"}},
		{"@set FOO = 1 + 2\n", &ast.Set{Line: 1, Variable: "FOO", Value: "1 + 2"}},
		{"@set FOO \"x\" // trailing\n", &ast.Set{Line: 1, Variable: "FOO", Value: "\"x\""}},
		{"@set FOO /* inline */ 7\n", &ast.Set{Line: 1, Variable: "FOO", Value: "7"}},
	}
	for _, tc := range cases {
		got := mustParse(t, tc.source)
		if diff := cmp.Diff([]ast.Instruction{tc.want}, got); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tc.source, diff)
		}
	}
}

func TestParseCommentKeepsQuotedSlashes(t *testing.T) {
	got := mustParse(t, "@include \"https://example.com/x\" // remote\n")
	want := []ast.Instruction{
		&ast.Include{Line: 1, Value: "\"https://example.com/x\""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIncludeOnce(t *testing.T) {
	got := mustParse(t, "@include once \"lib\"\n@include \"lib\"\n")
	want := []ast.Instruction{
		&ast.Include{Line: 1, Value: "\"lib\"", Once: true},
		&ast.Include{Line: 2, Value: "\"lib\""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConditionalChain(t *testing.T) {
	source := strings.Join([]string{
		"@if a",
		"A",
		"@elseif b",
		"B",
		"@else",
		"C",
		"@endif",
	}, "\n") + "\n"

	got := mustParse(t, source)
	want := []ast.Instruction{
		&ast.Conditional{
			Line: 1,
			Test: "a",
			Consequent: []ast.Instruction{
				&ast.Output{Line: 2, Value: "A\n", Computed: true},
			},
			ElseIfs: []*ast.Conditional{
				{
					Line: 3,
					Test: "b",
					Consequent: []ast.Instruction{
						&ast.Output{Line: 4, Value: "B\n", Computed: true},
					},
				},
			},
			Alternate: []ast.Instruction{
				&ast.Output{Line: 6, Value: "C\n", Computed: true},
			},
			HasElse: true,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLoops(t *testing.T) {
	got := mustParse(t, "@while i < 3\nx\n@endwhile\n@repeat 2\ny\n@endrepeat\n")
	want := []ast.Instruction{
		&ast.Loop{
			Line:      1,
			Kind:      ast.LoopWhile,
			Condition: "i < 3",
			Body: []ast.Instruction{
				&ast.Output{Line: 2, Value: "x\n", Computed: true},
			},
		},
		&ast.Loop{
			Line:      4,
			Kind:      ast.LoopRepeat,
			Condition: "2",
			Body: []ast.Instruction{
				&ast.Output{Line: 5, Value: "y\n", Computed: true},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMacroBlock(t *testing.T) {
	for _, terminator := range []string{"@end", "@endmacro"} {
		source := "@macro M(a, b)\nbody\n" + terminator + "\n"
		got := mustParse(t, source)
		want := []ast.Instruction{
			&ast.Macro{
				Line:        1,
				Declaration: "M(a, b)",
				Body: []ast.Instruction{
					&ast.Output{Line: 2, Value: "body\n", Computed: true},
				},
			},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Parse with %s mismatch (-want +got):\n%s", terminator, diff)
		}
	}
}

func TestParseNestedBlocks(t *testing.T) {
	source := "@macro M()\n@if x\n@while y\nz\n@endwhile\n@endif\n@end\n"
	got := mustParse(t, source)
	macro, ok := got[0].(*ast.Macro)
	if !ok {
		t.Fatalf("expected macro, got %T", got[0])
	}
	cond, ok := macro.Body[0].(*ast.Conditional)
	if !ok {
		t.Fatalf("expected conditional in macro body, got %T", macro.Body[0])
	}
	if _, ok := cond.Consequent[0].(*ast.Loop); !ok {
		t.Fatalf("expected loop in conditional body, got %T", cond.Consequent[0])
	}
}

func TestParseErrorAndWarning(t *testing.T) {
	got := mustParse(t, "@error \"boom\"\n@warning \"careful\"\n")
	want := []ast.Instruction{
		&ast.ErrorDirective{Line: 1, Value: "\"boom\""},
		&ast.Warning{Line: 2, Value: "\"careful\""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name     string
		source   string
		contains string
	}{
		{"unknown directive", "@bogus x\n", "Unknown directive"},
		{"unclosed if", "@if a\n", "Unclosed @if"},
		{"unclosed macro", "@macro M()\n", "Unclosed @macro"},
		{"unclosed while", "@while a\n", "Unclosed @while"},
		{"stray endif", "@endif\n", "Unexpected @endif"},
		{"stray end", "@end\n", "Unexpected @end"},
		{"elseif outside if", "@elseif a\n", "Unexpected @elseif"},
		{"elseif after else", "@if a\n@else\n@elseif b\n@endif\n", "@elseif after @else"},
		{"duplicate else", "@if a\n@else\n@else\n@endif\n", "Duplicate @else"},
		{"mismatched close", "@if a\n@endwhile\n", "Unexpected @endwhile"},
		{"set without name", "@set\n", "Missing variable name"},
		{"set without value", "@set FOO\n", "Missing value"},
		{"if without condition", "@if\n", "Missing @if condition"},
		{"include without source", "@include\n", "Missing @include source"},
		{"bare include once", "@include once\n", "Missing @include source"},
		{"unterminated inline", "text @{a + b\n", "Unterminated @{...}"},
		{"unterminated block comment", "@set FOO /* 7\n", "Unterminated block comment"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New()
			p.File = "test"
			_, err := p.Parse(tc.source)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.contains)
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tc.contains)
			}
			if !strings.Contains(err.Error(), "test:") {
				t.Fatalf("error %q should cite the file", err.Error())
			}
		})
	}
}

func TestParseErrorCitesLine(t *testing.T) {
	p := New()
	p.File = "f"
	_, err := p.Parse("ok\n@bogus\n")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "(f:2)") {
		t.Fatalf("error %q should cite f:2", err.Error())
	}
}
