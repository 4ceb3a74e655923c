//go:build debug

package check

import "fmt"

// Assert panics with msg when cond is false. Compiled in under the debug
// tag only; release builds pay nothing for these checks.
func Assert(cond bool, msg string) {
	if !cond {
		panic("assertion failed: " + msg)
	}
}

// Assertf is Assert with a format string.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, args...))
	}
}
