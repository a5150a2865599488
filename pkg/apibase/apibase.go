// Package apibase resolves the backend origin used for every outgoing request
// of the speaker detection client.
//
// A [Resolver] is built from a fixed default origin (normally taken from
// configuration at build or startup time). A hosting application may replace
// the origin at runtime with [Resolver.SetOverride]; the override always wins
// over the default. When neither is set, paths are returned unchanged so the
// request goes to the same origin as the caller.
package apibase

import (
	"strings"
	"sync"
)

// Config holds the construction-time settings of a [Resolver].
type Config struct {
	// Default is the origin used when no runtime override is set
	// (e.g., "http://localhost:9000"). May be empty.
	Default string
}

// Resolver maps API paths to request URLs. It is safe for concurrent use.
type Resolver struct {
	mu          sync.RWMutex
	def         string
	override    string
	hasOverride bool
}

// New creates a [Resolver] from cfg.
func New(cfg Config) *Resolver {
	return &Resolver{def: cfg.Default}
}

// SetDefault replaces the default origin, e.g. after a configuration reload.
// An override in place keeps winning.
func (r *Resolver) SetDefault(origin string) {
	r.mu.Lock()
	r.def = origin
	r.mu.Unlock()
}

// SetOverride sets the runtime origin override. Passing the empty string keeps
// an override in place that resolves to same-origin paths; use
// [Resolver.ClearOverride] to fall back to the default again.
func (r *Resolver) SetOverride(origin string) {
	r.mu.Lock()
	r.override = origin
	r.hasOverride = true
	r.mu.Unlock()
}

// ClearOverride removes the runtime override.
func (r *Resolver) ClearOverride() {
	r.mu.Lock()
	r.override = ""
	r.hasOverride = false
	r.mu.Unlock()
}

// Override returns the current runtime override and whether one is set.
func (r *Resolver) Override() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.override, r.hasOverride
}

// Base returns the effective origin: the override when set, otherwise the
// default.
func (r *Resolver) Base() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.hasOverride {
		return r.override
	}
	return r.def
}

// Resolve joins path onto the effective origin. A single trailing slash on the
// origin is dropped. With an empty origin, path is returned as is.
func (r *Resolver) Resolve(path string) string {
	base := r.Base()
	if base == "" {
		return path
	}
	return strings.TrimSuffix(base, "/") + path
}
