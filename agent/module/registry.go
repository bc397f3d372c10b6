// Package module maps probe identifiers to invocable probes and builds the
// immutable job list the scheduler runs.
package module

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/itskum47/hostwatch/wire"
)

var (
	ErrUnknownModule   = errors.New("unknown module")
	ErrDuplicateModule = errors.New("module already registered")
)

// Kind distinguishes probes running inside the agent from external commands.
type Kind int

const (
	InProcess Kind = iota
	External
)

func (k Kind) String() string {
	switch k {
	case InProcess:
		return "in-process"
	case External:
		return "external"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Config holds free-form probe options from the configuration file.
type Config map[string]interface{}

// Float returns key as a float64, or def when missing or not numeric.
func (c Config) Float(key string, def float64) float64 {
	v, ok := c[key]
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// Strings returns key as a string slice. A single string is split on commas.
func (c Config) Strings(key string) []string {
	v, ok := c[key]
	if !ok {
		return nil
	}
	if s, ok := v.(string); ok {
		return splitComma(s)
	}
	return cast.ToStringSlice(v)
}

// Bool returns key as a bool, or def when missing.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// InvokeFunc runs a probe once. A nil report means nothing to send this cycle.
type InvokeFunc func(ctx context.Context, cfg Config) (*wire.Report, error)

// Probe is a registered probe implementation.
type Probe struct {
	Kind   Kind
	Invoke InvokeFunc
}

// Spec is one scheduled job. Specs are built once at startup and never
// mutated afterwards.
type Spec struct {
	ID       string
	Kind     Kind
	Invoke   InvokeFunc
	Interval time.Duration
	Expiry   time.Duration
	Config   Config
}

// Run invokes the probe with its own configuration.
func (s Spec) Run(ctx context.Context) (*wire.Report, error) {
	return s.Invoke(ctx, s.Config)
}

// Timing supplies per-probe intervals and expiries.
type Timing interface {
	FetchEvery(probe string) time.Duration
	ExpiresAfter(probe string) time.Duration
}

// Registry maps probe identifiers to implementations.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a probe under id.
func (r *Registry) Register(id string, kind Kind, fn InvokeFunc) error {
	if id == "" || fn == nil {
		return fmt.Errorf("register %q: id and invoke function are required", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.probes[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, id)
	}
	r.probes[id] = Probe{Kind: kind, Invoke: fn}
	return nil
}

// Lookup returns the probe registered under id.
func (r *Registry) Lookup(id string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[id]
	return p, ok
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.probes))
	for id := range r.probes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Build resolves ids into job specs. Duplicate ids are collapsed; an
// unregistered id fails the whole build.
func (r *Registry) Build(ids []string, timing Timing, options map[string]map[string]interface{}) ([]Spec, error) {
	seen := make(map[string]struct{}, len(ids))
	specs := make([]Spec, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		p, ok := r.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
		}
		cfg := Config{}
		for k, v := range options[id] {
			cfg[k] = v
		}
		specs = append(specs, Spec{
			ID:       id,
			Kind:     p.Kind,
			Invoke:   p.Invoke,
			Interval: timing.FetchEvery(id),
			Expiry:   timing.ExpiresAfter(id),
			Config:   cfg,
		})
	}
	return specs, nil
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
