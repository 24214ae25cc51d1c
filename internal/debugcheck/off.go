//go:build !slabrelease_debug

package debugcheck

const enabled = false

// True is a no-op in production builds, but its arguments are still
// evaluated at the call site since Go has no macro-style elision. Keep call sites cheap
// (booleans and stored values, not fresh computation) if that matters.
func True(cond bool, format string, args ...any) {}
