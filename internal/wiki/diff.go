package wiki

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff computes a line diff between two texts. Removed lines are prefixed
// "< ", added lines "> ", with a "---" separator between the two halves of a
// replacement. Identical texts produce an empty string.
func Diff(oldText, newText string) string {
	a := diffLines(oldText)
	b := diffLines(newText)
	m := difflib.NewMatcher(a, b)

	var out strings.Builder
	emit := func(prefix string, lines []string) {
		for _, line := range lines {
			out.WriteString(prefix)
			out.WriteString(strings.TrimSuffix(line, "\n"))
			out.WriteString("\n")
		}
	}

	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			emit("< ", a[op.I1:op.I2])
			out.WriteString("---\n")
			emit("> ", b[op.J1:op.J2])
		case 'd':
			emit("< ", a[op.I1:op.I2])
		case 'i':
			emit("> ", b[op.J1:op.J2])
		}
	}
	return out.String()
}

// diffLines splits a text for diffing. Unlike difflib.SplitLines it does
// not fabricate a line for the empty text.
func diffLines(text string) []string {
	if text == "" {
		return nil
	}
	return difflib.SplitLines(text)
}
