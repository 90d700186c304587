// Package policy implements the layered policy snapshot from C11:
// builtin defaults, a YAML file layer, an env/CLI layer, and a
// TTL-bounded runtime-override layer, merged stricter-wins into an
// immutable, versioned Snapshot held behind a copy-on-write Store.
package policy

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is the kernel's immutable, versioned policy view. Every
// component that needs policy takes a *Snapshot (or the narrower
// interface it exposes, e.g. action.Policy) rather than subscribing to
// live changes, so a single request always sees one consistent view.
type Snapshot struct {
	Version int

	GlobalLimit      int
	PerTenantLimit   int
	MaxRetries       int
	MaxReplans       int
	StickyWindowMs   int
	RateLimitPerSec  float64
	RateLimitBurst   int
	AllowedSchemes   []string
	GuardrailKeywords []string
	AllowedDomains   []string
	PlannerProvider  string // "anthropic" | "openai"
}

// AllowedURLSchemes implements internal/action.Policy.
func (s *Snapshot) AllowedURLSchemes() []string { return s.AllowedSchemes }

// builtin returns the kernel's hardcoded defaults, the first and least
// restrictive layer.
func builtin() Snapshot {
	return Snapshot{
		Version:          1,
		GlobalLimit:      32,
		PerTenantLimit:   8,
		MaxRetries:       1,
		MaxReplans:       1,
		StickyWindowMs:   250,
		RateLimitPerSec:  10,
		RateLimitBurst:   20,
		AllowedSchemes:   []string{"http", "https"},
		GuardrailKeywords: nil,
		AllowedDomains:   nil,
		PlannerProvider:  "anthropic",
	}
}

// fileLayer is the subset of Snapshot fields a YAML policy file may
// override; zero values mean "not set, defer to the prior layer."
type fileLayer struct {
	GlobalLimit       *int      `yaml:"global_limit"`
	PerTenantLimit    *int      `yaml:"per_tenant_limit"`
	MaxRetries        *int      `yaml:"max_retries"`
	MaxReplans        *int      `yaml:"max_replans"`
	StickyWindowMs    *int      `yaml:"sticky_window_ms"`
	RateLimitPerSec   *float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst    *int      `yaml:"rate_limit_burst"`
	AllowedSchemes    []string  `yaml:"allowed_schemes"`
	GuardrailKeywords []string  `yaml:"guardrail_keywords"`
	AllowedDomains    []string  `yaml:"allowed_domains"`
	PlannerProvider   *string   `yaml:"planner_provider"`
}

// LoadFile parses a YAML policy file and applies it on top of base,
// stricter-wins on the numeric limits and the scheme/domain/keyword lists;
// sticky_window_ms and planner_provider replace the prior value.
func LoadFile(base Snapshot, data []byte) (Snapshot, error) {
	var f fileLayer
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Snapshot{}, err
	}
	out := base
	if f.GlobalLimit != nil {
		out.GlobalLimit = stricterInt(out.GlobalLimit, *f.GlobalLimit, lowerIsStricter)
	}
	if f.PerTenantLimit != nil {
		out.PerTenantLimit = stricterInt(out.PerTenantLimit, *f.PerTenantLimit, lowerIsStricter)
	}
	if f.MaxRetries != nil {
		out.MaxRetries = stricterInt(out.MaxRetries, *f.MaxRetries, lowerIsStricter)
	}
	if f.MaxReplans != nil {
		out.MaxReplans = stricterInt(out.MaxReplans, *f.MaxReplans, lowerIsStricter)
	}
	if f.StickyWindowMs != nil {
		out.StickyWindowMs = *f.StickyWindowMs
	}
	if f.RateLimitPerSec != nil {
		out.RateLimitPerSec = stricterFloat(out.RateLimitPerSec, *f.RateLimitPerSec, lowerIsStricter)
	}
	if f.RateLimitBurst != nil {
		out.RateLimitBurst = stricterInt(out.RateLimitBurst, *f.RateLimitBurst, lowerIsStricter)
	}
	if len(f.AllowedSchemes) > 0 {
		out.AllowedSchemes = intersectOrReplace(out.AllowedSchemes, f.AllowedSchemes)
	}
	if len(f.GuardrailKeywords) > 0 {
		out.GuardrailKeywords = union(out.GuardrailKeywords, f.GuardrailKeywords)
	}
	if len(f.AllowedDomains) > 0 {
		out.AllowedDomains = intersectOrReplace(out.AllowedDomains, f.AllowedDomains)
	}
	if f.PlannerProvider != nil {
		out.PlannerProvider = *f.PlannerProvider
	}
	out.Version = base.Version + 1
	return out, nil
}

// stricterMode selects which direction counts as "more restrictive" for
// numeric fields: lower concurrency/retry budgets are stricter, but
// e.g. a lower rate limit is also stricter (fewer requests admitted).
type stricterMode int

const lowerIsStricter stricterMode = 0

func stricterInt(cur, incoming int, mode stricterMode) int {
	if mode == lowerIsStricter && incoming < cur {
		return incoming
	}
	if mode != lowerIsStricter && incoming > cur {
		return incoming
	}
	if incoming < cur {
		return incoming
	}
	return cur
}

func stricterFloat(cur, incoming float64, mode stricterMode) float64 {
	if incoming < cur {
		return incoming
	}
	return cur
}

// intersectOrReplace narrows cur to incoming when incoming is a subset
// (the stricter, more restrictive case); when incoming introduces values
// outside cur's set and cur is empty (unset), incoming becomes the set.
func intersectOrReplace(cur, incoming []string) []string {
	if len(cur) == 0 {
		return append([]string(nil), incoming...)
	}
	set := make(map[string]bool, len(incoming))
	for _, v := range incoming {
		set[v] = true
	}
	var out []string
	for _, v := range cur {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}

func union(cur, incoming []string) []string {
	seen := make(map[string]bool, len(cur))
	out := append([]string(nil), cur...)
	for _, v := range cur {
		seen[v] = true
	}
	for _, v := range incoming {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// envPrefix is the kernel-wide environment variable prefix from spec.md §6.
const envPrefix = "SOUL_"

// LoadEnv applies SOUL_* environment variable overrides on top of base,
// stricter-wins for the numeric fields and the allowed schemes (narrowed
// by intersection), direct override for the planner provider.
func LoadEnv(base Snapshot, lookup func(key string) (string, bool)) Snapshot {
	out := base
	if v, ok := lookup(envPrefix + "GLOBAL_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.GlobalLimit = stricterInt(out.GlobalLimit, n, lowerIsStricter)
		}
	}
	if v, ok := lookup(envPrefix + "PER_TENANT_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.PerTenantLimit = stricterInt(out.PerTenantLimit, n, lowerIsStricter)
		}
	}
	if v, ok := lookup(envPrefix + "MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.MaxRetries = stricterInt(out.MaxRetries, n, lowerIsStricter)
		}
	}
	if v, ok := lookup(envPrefix + "MAX_REPLANS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.MaxReplans = stricterInt(out.MaxReplans, n, lowerIsStricter)
		}
	}
	if v, ok := lookup(envPrefix + "PLANNER_PROVIDER"); ok && v != "" {
		out.PlannerProvider = v
	}
	if v, ok := lookup(envPrefix + "ALLOWED_SCHEMES"); ok && v != "" {
		out.AllowedSchemes = intersectOrReplace(out.AllowedSchemes, strings.Split(v, ","))
	}
	out.Version = base.Version + 1
	return out
}

// LoadEnviron is a convenience LoadEnv over os.LookupEnv.
func LoadEnviron(base Snapshot) Snapshot {
	return LoadEnv(base, os.LookupEnv)
}

// Override is a single TTL-bounded runtime override, applied as the
// topmost layer until it expires.
type Override struct {
	PerTenantLimit *int
	MaxRetries     *int
	ExpiresAt      time.Time
}

func applyOverride(base Snapshot, o Override) Snapshot {
	out := base
	if o.PerTenantLimit != nil {
		out.PerTenantLimit = stricterInt(out.PerTenantLimit, *o.PerTenantLimit, lowerIsStricter)
	}
	if o.MaxRetries != nil {
		out.MaxRetries = stricterInt(out.MaxRetries, *o.MaxRetries, lowerIsStricter)
	}
	out.Version = base.Version + 1
	return out
}

// Store holds the current merged Snapshot behind an atomic pointer,
// copy-on-write on every layer change, so readers never block writers
// and never observe a torn Snapshot.
type Store struct {
	base     atomic.Pointer[Snapshot] // builtin -> file -> env merge, without the runtime override layer
	current  atomic.Pointer[Snapshot] // base plus the active override, if any and unexpired
	override atomic.Pointer[Override]
}

// NewStore constructs a Store seeded from builtin, file (if fileYAML is
// non-nil), and environment layers, in that order.
func NewStore(fileYAML []byte) (*Store, error) {
	snap := builtin()
	if fileYAML != nil {
		var err error
		snap, err = LoadFile(snap, fileYAML)
		if err != nil {
			return nil, err
		}
	}
	snap = LoadEnviron(snap)
	s := &Store{}
	s.base.Store(&snap)
	s.current.Store(&snap)
	return s, nil
}

// Current returns the active Snapshot: the base merge with any
// unexpired runtime override applied.
func (s *Store) Current() *Snapshot {
	if ov := s.override.Load(); ov != nil {
		if time.Now().Before(ov.ExpiresAt) {
			return s.current.Load()
		}
		// expired: fall back to base and drop the override lazily.
		base := s.base.Load()
		s.current.Store(base)
		s.override.Store(nil)
		return base
	}
	return s.current.Load()
}

// SetOverride installs a TTL-bounded runtime override layer on top of the
// current base, replacing any prior override.
func (s *Store) SetOverride(o Override) {
	base := s.base.Load()
	merged := applyOverride(*base, o)
	s.override.Store(&o)
	s.current.Store(&merged)
}

// ReplaceFile re-merges a new file layer on top of builtin and the
// environment, preserving any active runtime override on top.
func (s *Store) ReplaceFile(fileYAML []byte) error {
	snap := builtin()
	var err error
	snap, err = LoadFile(snap, fileYAML)
	if err != nil {
		return err
	}
	snap = LoadEnviron(snap)
	s.base.Store(&snap)
	if ov := s.override.Load(); ov != nil && time.Now().Before(ov.ExpiresAt) {
		merged := applyOverride(snap, *ov)
		s.current.Store(&merged)
		return nil
	}
	s.current.Store(&snap)
	return nil
}
