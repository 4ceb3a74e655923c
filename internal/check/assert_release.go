//go:build !debug

package check

// Assert does nothing outside debug builds.
func Assert(_ bool, _ string) {}

// Assertf does nothing outside debug builds.
func Assertf(_ bool, _ string, _ ...any) {}
