package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the part of *testing.T the asserters use.
type TestingT interface {
	Errorf(format string, args ...any)
}

type TextAssertOptions struct {
	TrimSpace                bool
	IgnoreLeadingWhitespace  bool
	IgnoreTrailingWhitespace bool
	IgnoreEmptyLines         bool
	// Colors renders the diff with ANSI colors and visible whitespace.
	Colors bool `default:"false"`
}

type TextOption func(*TextAssertOptions)

func WithTrimSpace(v bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = v }
}

func WithIgnoreLeadingWhitespace(v bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreLeadingWhitespace = v }
}

func WithIgnoreTrailingWhitespace(v bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = v }
}

func WithIgnoreEmptyLines(v bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreEmptyLines = v }
}

func WithColors(v bool) TextOption {
	return func(o *TextAssertOptions) { o.Colors = v }
}

// TextAsserter compares text and reports a unified diff.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t TestingT) *TextAsserter {
	ta := &TextAsserter{t: t}
	defaults.SetDefaults(&ta.options)
	return ta
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

func (ta *TextAsserter) Options() TextAssertOptions { return ta.options }

func (ta *TextAsserter) Assert(actual, expected string) bool {
	if h, ok := ta.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	if d := ta.Diff(actual, expected); d != "" {
		ta.t.Errorf("Text assertion failed:\n%s", d)
		return false
	}
	return true
}

// Diff returns "" when the normalized texts are equal.
func (ta *TextAsserter) Diff(actual, expected string) string {
	a, e := ta.normalize(actual), ta.normalize(expected)
	if a == e {
		return ""
	}
	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if ta.options.Colors {
		unified = colorize(unified)
	}
	return unified
}

func (ta *TextAsserter) normalize(text string) string {
	o := ta.options
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if o.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		if o.IgnoreLeadingWhitespace {
			line = strings.TrimLeft(line, " \t")
		}
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t")
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func colorize(diff string) string {
	paint := func(attr color.Attribute) *color.Color {
		c := color.New(attr)
		c.EnableColor()
		return c
	}
	header, hunk, del, add := paint(color.FgYellow), paint(color.FgCyan), paint(color.FgRed), paint(color.FgGreen)
	visible := strings.NewReplacer(" ", "·", "\t", "→")

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
			lines[i] = header.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = hunk.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = del.Sprint(visible.Replace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = add.Sprint(visible.Replace(line))
		}
	}
	return strings.Join(lines, "\n")
}
