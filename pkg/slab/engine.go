// Package slab coordinates page-release passes across the several size
// classes a slab allocator maintains. It is not part of the release
// engine's core: it owns no regions and no free lists, only a shared
// Platform and the Geometry last registered for each size class, the way
// boulder/pkg.Boulder is a thin façade in front of boulder/internal/db
// rather than another copy of the database.
package slab

import (
	"fmt"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"slabrelease/pkg/release"
)

// Options configures a new Engine, following the functional-option shape in
// boulder/pkg/options.go.
type Options struct {
	Platform release.Platform
}

// Option applies one setting to Options.
type Option func(*Options)

// WithPlatform overrides the default OS platform, primarily for tests.
func WithPlatform(p release.Platform) Option {
	return func(o *Options) { o.Platform = p }
}

// Engine tracks the Geometry registered for each of an allocator's size
// classes and hands out release.Context values built against a single
// shared Platform, so every size class in a process agrees on page size and
// decommit mechanics without each one constructing its own.
type Engine struct {
	plat release.Platform

	mu      sync.Mutex
	classes map[string]release.Geometry
	open    map[*release.Context]string
}

// New creates an Engine. With no options, it uses the default OS platform.
func New(opts ...Option) *Engine {
	o := Options{Platform: release.NewOSPlatform()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		plat:    o.Platform,
		classes: make(map[string]release.Geometry),
		open:    make(map[*release.Context]string),
	}
}

// Register records the geometry for a named size class, overwriting any
// previous registration. It does not allocate anything.
func (e *Engine) Register(class string, g release.Geometry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.classes[class] = g
}

// NewContext builds a release.Context for a previously Register'd size
// class. The returned context is tracked by the Engine until the caller
// passes it to Finish (or until Close sweeps it up on shutdown).
func (e *Engine) NewContext(class string) (*release.Context, error) {
	e.mu.Lock()
	g, ok := e.classes[class]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("slab: unregistered size class %q", class)
	}

	ctx, err := release.NewContext(e.plat, g)
	if err != nil {
		return nil, fmt.Errorf("slab: new context for %q: %w", class, err)
	}

	e.mu.Lock()
	e.open[ctx] = class
	e.mu.Unlock()
	return ctx, nil
}

// Finish closes ctx and stops tracking it. Callers that already defer
// ctx.Close() themselves may skip this; it exists so Close can distinguish
// "still open" contexts from ones a caller already tore down.
func (e *Engine) Finish(ctx *release.Context) error {
	e.mu.Lock()
	delete(e.open, ctx)
	e.mu.Unlock()
	return ctx.Close()
}

// Close tears down every release.Context a caller built via NewContext but
// never passed to Finish. Failures from individual contexts are aggregated
// with go-multierror rather than abandoned after the first one, the same
// shape as boulder/internal/db.DB.Close combining its directory-close
// errors.
func (e *Engine) Close() error {
	e.mu.Lock()
	open := e.open
	e.open = make(map[*release.Context]string)
	e.mu.Unlock()

	var result *multierror.Error
	for ctx, class := range open {
		if err := ctx.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("slab: close leaked context for %q: %w", class, err))
		}
	}
	return result.ErrorOrNil()
}
