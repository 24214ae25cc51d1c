// Package debugcheck implements the DCHECK/SCUDO_DEBUG split described by
// the release engine's error-handling design: programming-bug conditions
// (misaligned inputs, counter overflow, out-of-range indices) are checked
// only when the slabrelease_debug build tag is set. Production builds compile
// these checks out entirely rather than paying for them on the per-page hot
// path.
//
// Build with -tags slabrelease_debug to enable.
package debugcheck

// Enabled reports whether debug checks are compiled in.
const Enabled = enabled
