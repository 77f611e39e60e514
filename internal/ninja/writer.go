// Package ninja writes ninja build files.
//
// The output matches the reference ninja_syntax module shipped with ninja,
// including its escaping and line wrapping, so generated files diff cleanly
// against hand-maintained ones.
package ninja

import (
	"fmt"
	"io"
	"strings"
)

// DefaultWidth is the line width used when none is given.
const DefaultWidth = 78

// Var is one variable binding. Build steps keep their variables in order.
type Var struct {
	Key   string
	Value string
}

// Rule describes a ninja rule. Only Name and Command are required.
type Rule struct {
	Name        string
	Command     string
	Description string
	Depfile     string
	Deps        string
	Pool        string
	Generator   bool
	Restat      bool
}

// Build describes one build edge.
type Build struct {
	Outputs         []string
	ImplicitOutputs []string
	Rule            string
	Inputs          []string
	Implicit        []string
	OrderOnly       []string
	Pool            string
	Variables       []Var
}

// Writer emits ninja syntax. Write errors are sticky: after the first one
// every call is a no-op and Err reports it.
type Writer struct {
	out   io.Writer
	width int
	err   error
}

// NewWriter returns a Writer wrapping lines longer than width.
func NewWriter(out io.Writer, width int) *Writer {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Writer{out: out, width: width}
}

// Err returns the first write error, if any.
func (w *Writer) Err() error {
	return w.err
}

// Newline writes an empty line.
func (w *Writer) Newline() {
	w.write("\n")
}

// Comment writes text as '#' lines, word wrapped to the writer width.
func (w *Writer) Comment(text string) {
	limit := w.width - 2
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > limit {
			w.write("# " + line.String() + "\n")
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		w.write("# " + line.String() + "\n")
	}
}

// Variable writes "key = value" at the given indent level.
func (w *Writer) Variable(key, value string, indent int) {
	w.line(key+" = "+value, indent)
}

// Pool declares a pool of the given depth.
func (w *Writer) Pool(name string, depth int) {
	w.line("pool "+name, 0)
	w.Variable("depth", fmt.Sprint(depth), 1)
}

// Rule declares a rule.
func (w *Writer) Rule(r Rule) {
	w.line("rule "+r.Name, 0)
	w.Variable("command", r.Command, 1)
	if r.Description != "" {
		w.Variable("description", r.Description, 1)
	}
	if r.Depfile != "" {
		w.Variable("depfile", r.Depfile, 1)
	}
	if r.Generator {
		w.Variable("generator", "1", 1)
	}
	if r.Pool != "" {
		w.Variable("pool", r.Pool, 1)
	}
	if r.Restat {
		w.Variable("restat", "1", 1)
	}
	if r.Deps != "" {
		w.Variable("deps", r.Deps, 1)
	}
}

// Build writes a build edge and returns its outputs.
func (w *Writer) Build(b Build) []string {
	outs := escapeAll(b.Outputs)
	if len(b.ImplicitOutputs) > 0 {
		outs = append(outs, "|")
		outs = append(outs, escapeAll(b.ImplicitOutputs)...)
	}

	ins := escapeAll(b.Inputs)
	if len(b.Implicit) > 0 {
		ins = append(ins, "|")
		ins = append(ins, escapeAll(b.Implicit)...)
	}
	if len(b.OrderOnly) > 0 {
		ins = append(ins, "||")
		ins = append(ins, escapeAll(b.OrderOnly)...)
	}

	w.line("build "+strings.Join(outs, " ")+": "+strings.Join(append([]string{b.Rule}, ins...), " "), 0)
	if b.Pool != "" {
		w.line("  pool = "+b.Pool, 0)
	}
	for _, v := range b.Variables {
		w.Variable(v.Key, v.Value, 1)
	}
	return b.Outputs
}

// Include writes an include statement.
func (w *Writer) Include(path string) {
	w.line("include "+path, 0)
}

// Default writes the default targets.
func (w *Writer) Default(paths ...string) {
	w.line("default "+strings.Join(paths, " "), 0)
}

// EscapePath escapes a path for use in a build line.
func EscapePath(word string) string {
	word = strings.ReplaceAll(word, "$ ", "$$ ")
	word = strings.ReplaceAll(word, " ", "$ ")
	return strings.ReplaceAll(word, ":", "$:")
}

// Escape escapes '$' in a string used as a variable value.
func Escape(s string) string {
	return strings.ReplaceAll(s, "$", "$$")
}

func escapeAll(words []string) []string {
	out := make([]string, len(words))
	for i, word := range words {
		out[i] = EscapePath(word)
	}
	return out
}

// dollarsBefore counts the '$' characters directly before index i. Index 0
// is never counted, as in ninja_syntax.
func dollarsBefore(s string, i int) int {
	n := 0
	for j := i - 1; j > 0 && s[j] == '$'; j-- {
		n++
	}
	return n
}

// line writes text at the indent level, wrapping at unescaped spaces with
// " $" continuations indented two levels deeper.
func (w *Writer) line(text string, indent int) {
	leading := strings.Repeat("  ", indent)
	for len(leading)+len(text) > w.width {
		available := w.width - len(leading) - len(" $")

		// Rightmost unescaped space that keeps the line within width.
		space := available
		for {
			space = lastSpaceBefore(text, space)
			if space < 0 || dollarsBefore(text, space)%2 == 0 {
				break
			}
		}
		if space < 0 {
			// Otherwise the first unescaped space at all.
			space = available - 1
			for {
				space = nextSpaceAfter(text, space+1)
				if space < 0 || dollarsBefore(text, space)%2 == 0 {
					break
				}
			}
		}
		if space < 0 {
			break
		}

		w.write(leading + text[:space] + " $\n")
		text = text[space+1:]
		leading = strings.Repeat("  ", indent+2)
	}
	w.write(leading + text + "\n")
}

// lastSpaceBefore mirrors str.rfind(' ', 0, end).
func lastSpaceBefore(s string, end int) int {
	if end > len(s) {
		end = len(s)
	}
	if end <= 0 {
		return -1
	}
	return strings.LastIndexByte(s[:end], ' ')
}

// nextSpaceAfter mirrors str.find(' ', start).
func nextSpaceAfter(s string, start int) int {
	if start < 0 {
		start = 0
	}
	if start >= len(s) {
		return -1
	}
	i := strings.IndexByte(s[start:], ' ')
	if i < 0 {
		return -1
	}
	return start + i
}

func (w *Writer) write(s string) {
	if w.err != nil {
		return
	}
	_, w.err = io.WriteString(w.out, s)
}
