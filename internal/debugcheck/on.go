//go:build slabrelease_debug

package debugcheck

import "fmt"

const enabled = true

// True panics with a formatted message if cond is false.
func True(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("debugcheck: "+format, args...))
	}
}
