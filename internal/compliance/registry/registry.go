// Package registry maps policy scopes to the checks a delivery must satisfy.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buttermb/delviery-sub009/internal/compliance/models"
	dErrors "github.com/buttermb/delviery-sub009/pkg/domain-errors"
	platformstrings "github.com/buttermb/delviery-sub009/pkg/platform/strings"
)

// Scope names shipped with the engine.
const (
	ScopeDefault = "default"
	ScopeMedical = "medical"
	ScopePickup  = "pickup"
)

// DefaultMinimumAge applies when a policy does not set one.
const DefaultMinimumAge = 21

// Definition is one required check and whether it blocks completion.
type Definition struct {
	Type           models.CheckType `json:"check_type" yaml:"check_type"`
	BlocksDelivery bool             `json:"blocks_delivery" yaml:"blocks_delivery"`
}

// Policy is the configuration of one scope. Rule parameters are defaults that
// the delivery context may narrow.
type Policy struct {
	Scope       string       `json:"policy_scope"`
	Checks      []Definition `json:"checks"`
	MinimumAge  int          `json:"minimum_age"`
	WindowStart string       `json:"window_start,omitempty"`
	WindowEnd   string       `json:"window_end,omitempty"`
	AllowedDays []string     `json:"allowed_days,omitempty"`
}

// Registry is an immutable scope table. Safe for concurrent use.
type Registry struct {
	policies map[string]Policy
}

// New validates and indexes policies.
func New(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if err := validatePolicy(&p); err != nil {
			return nil, err
		}
		r.policies[p.Scope] = p
	}
	return r, nil
}

// Builtin returns the scopes shipped with the engine.
func Builtin() *Registry {
	r, err := New(builtinPolicies()...)
	if err != nil {
		panic(err)
	}
	return r
}

func builtinPolicies() []Policy {
	all := func(nonBlocking ...models.CheckType) []Definition {
		defs := make([]Definition, 0, len(models.AllCheckTypes))
		for _, t := range models.AllCheckTypes {
			blocks := true
			for _, nb := range nonBlocking {
				if nb == t {
					blocks = false
				}
			}
			defs = append(defs, Definition{Type: t, BlocksDelivery: blocks})
		}
		return defs
	}
	return []Policy{
		{
			Scope:       ScopeDefault,
			Checks:      all(models.CheckCustomerStatus),
			MinimumAge:  DefaultMinimumAge,
			WindowStart: "08:00",
			WindowEnd:   "22:00",
		},
		{
			Scope:       ScopeMedical,
			Checks:      all(models.CheckQuantityLimit, models.CheckCustomerStatus),
			MinimumAge:  18,
			WindowStart: "08:00",
			WindowEnd:   "22:00",
		},
		{
			Scope: ScopePickup,
			Checks: []Definition{
				{Type: models.CheckAgeVerification, BlocksDelivery: true},
				{Type: models.CheckIDOnFile, BlocksDelivery: true},
				{Type: models.CheckQuantityLimit, BlocksDelivery: true},
				{Type: models.CheckCustomerStatus, BlocksDelivery: false},
			},
			MinimumAge: DefaultMinimumAge,
		},
	}
}

// Required returns the ordered definitions for scope.
func (r *Registry) Required(scope string) ([]Definition, error) {
	p, err := r.Policy(scope)
	if err != nil {
		return nil, err
	}
	return p.Checks, nil
}

// Policy returns the full configuration for scope. Unknown scopes are an
// error, never an empty set.
func (r *Registry) Policy(scope string) (Policy, error) {
	p, ok := r.policies[scope]
	if !ok {
		return Policy{}, dErrors.New(dErrors.CodeNotFound, "unknown policy scope: "+scope)
	}
	out := p
	out.Checks = append([]Definition(nil), p.Checks...)
	out.AllowedDays = append([]string(nil), p.AllowedDays...)
	return out, nil
}

// Scopes lists configured scope names in sorted order.
func (r *Registry) Scopes() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policies lists every policy in scope order.
func (r *Registry) Policies() []Policy {
	out := make([]Policy, 0, len(r.policies))
	for _, name := range r.Scopes() {
		p, _ := r.Policy(name)
		out = append(out, p)
	}
	return out
}

// Merge returns a registry holding r's policies replaced or extended by others.
func (r *Registry) Merge(others ...Policy) (*Registry, error) {
	combined := make([]Policy, 0, len(r.policies)+len(others))
	for _, p := range r.policies {
		combined = append(combined, p)
	}
	combined = append(combined, others...)
	return New(combined...)
}

func validatePolicy(p *Policy) error {
	p.Scope = strings.TrimSpace(p.Scope)
	if p.Scope == "" {
		return dErrors.New(dErrors.CodeValidation, "policy scope is required")
	}
	if len(p.Checks) == 0 {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %q requires at least one check", p.Scope))
	}
	seen := make(map[models.CheckType]bool, len(p.Checks))
	for _, d := range p.Checks {
		if !d.Type.IsValid() {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %q: unknown check type %q", p.Scope, d.Type))
		}
		if seen[d.Type] {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %q: duplicate check type %q", p.Scope, d.Type))
		}
		seen[d.Type] = true
	}
	if p.MinimumAge == 0 {
		p.MinimumAge = DefaultMinimumAge
	}
	if p.MinimumAge < 0 || p.MinimumAge > 120 {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %q: minimum_age out of range", p.Scope))
	}
	if (p.WindowStart == "") != (p.WindowEnd == "") {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %q: window_start and window_end go together", p.Scope))
	}
	for _, hhmm := range []string{p.WindowStart, p.WindowEnd} {
		if hhmm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %q: %q is not HH:MM", p.Scope, hhmm))
		}
	}
	p.AllowedDays = platformstrings.DedupeAndTrimLower(p.AllowedDays)
	for _, day := range p.AllowedDays {
		if _, ok := ParseWeekday(day); !ok {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("policy %q: unknown weekday %q", p.Scope, day))
		}
	}
	return nil
}

// ParseWeekday accepts full or three-letter English day names in any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, true
		}
	}
	return 0, false
}

type fileFormat struct {
	Policies []filePolicy `yaml:"policies"`
}

type filePolicy struct {
	Scope       string       `yaml:"scope"`
	Checks      []Definition `yaml:"checks"`
	MinimumAge  int          `yaml:"minimum_age"`
	WindowStart string       `yaml:"window_start"`
	WindowEnd   string       `yaml:"window_end"`
	AllowedDays []string     `yaml:"allowed_days"`
}

// Parse decodes a YAML policy document and merges it over base.
//
//	policies:
//	  - scope: colorado
//	    minimum_age: 21
//	    window_start: "08:00"
//	    window_end: "00:00"
//	    checks:
//	      - {check_type: age_verification, blocks_delivery: true}
func Parse(data []byte, base *Registry) (*Registry, error) {
	var doc fileFormat
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid policy file")
	}
	policies := make([]Policy, 0, len(doc.Policies))
	for _, fp := range doc.Policies {
		policies = append(policies, Policy{
			Scope:       fp.Scope,
			Checks:      fp.Checks,
			MinimumAge:  fp.MinimumAge,
			WindowStart: fp.WindowStart,
			WindowEnd:   fp.WindowEnd,
			AllowedDays: fp.AllowedDays,
		})
	}
	if base == nil {
		return New(policies...)
	}
	return base.Merge(policies...)
}

// Load builds the registry: built-in scopes, overlaid with path when set.
func Load(path string) (*Registry, error) {
	base := Builtin()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data, base)
}
