// Package artifact defines the closed set of artifact types, their storage
// class and default governance policy, and the canonical form every payload is
// reduced to before it is fingerprinted.
package artifact

import (
	"fmt"
	"strings"
)

// Type identifies an artifact type. Manifests may carry type strings outside
// the known set; they resolve through the fallback branch of DefaultPolicy.
type Type string

const (
	TypeOption       Type = "option"
	TypePost         Type = "post"
	TypePage         Type = "page"
	TypeTemplatePart Type = "template_part"
	TypeNavMenu      Type = "nav_menu"
	TypeCustomCSS    Type = "custom_css"
	TypeCustomScript Type = "custom_script"
)

// Kind is the storage class an artifact is written to.
type Kind string

const (
	KindOption Kind = "option"
	KindEntity Kind = "entity"
)

// Policy governs how an incoming change to an artifact is treated.
type Policy string

const (
	PolicyAutoAccept          Policy = "AUTO_ACCEPT"
	PolicyRequireManualAccept Policy = "REQUIRE_MANUAL_ACCEPT"
	PolicyAlwaysOverride      Policy = "ALWAYS_OVERRIDE"
	PolicyRequestReview       Policy = "REQUEST_REVIEW"
	PolicyIgnore              Policy = "IGNORE"
)

// Valid reports whether p is one of the known policies.
func (p Policy) Valid() bool {
	switch p {
	case PolicyAutoAccept, PolicyRequireManualAccept, PolicyAlwaysOverride, PolicyRequestReview, PolicyIgnore:
		return true
	}
	return false
}

// ParsePolicy validates a policy string. Matching is case-insensitive.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("artifact: unknown policy %q", s)
	}
	return p, nil
}

// Definition describes one artifact type.
type Definition struct {
	Type          Type
	Kind          Kind
	IdentityKey   string
	DefaultPolicy Policy
	// FreeText types hold hand-edited text whose line endings and trailing
	// whitespace are not significant.
	FreeText bool
}

// KindOf returns the storage class of a known type. Unknown types are entities.
func KindOf(t Type) Kind {
	switch t {
	case TypeOption:
		return KindOption
	case TypePost, TypePage, TypeTemplatePart, TypeNavMenu, TypeCustomCSS, TypeCustomScript:
		return KindEntity
	default:
		return KindEntity
	}
}

// DefaultPolicy resolves the registry default for t. Unknown types ask for
// review.
func DefaultPolicy(t Type) Policy {
	switch t {
	case TypeOption, TypePost, TypePage, TypeNavMenu:
		return PolicyAutoAccept
	case TypeTemplatePart, TypeCustomCSS, TypeCustomScript:
		return PolicyRequireManualAccept
	default:
		return PolicyRequestReview
	}
}

func isFreeText(t Type) bool {
	switch t {
	case TypeCustomCSS, TypeCustomScript:
		return true
	case TypeOption, TypePost, TypePage, TypeTemplatePart, TypeNavMenu:
		return false
	default:
		return false
	}
}

func identityKey(t Type) string {
	switch t {
	case TypeOption:
		return "option_name"
	case TypeNavMenu:
		return "term_id"
	default:
		return "id"
	}
}

// KnownTypes lists every registered type in a stable order.
func KnownTypes() []Type {
	return []Type{TypeOption, TypePost, TypePage, TypeTemplatePart, TypeNavMenu, TypeCustomCSS, TypeCustomScript}
}

// Registry resolves artifact definitions and canonical forms.
type Registry struct {
	defs            map[Type]Definition
	volatile        map[string]struct{}
	excludedOptions map[string]struct{}
	excludedPrefix  []string
}

// Option customises a Registry.
type Option func(*Registry)

// WithVolatileFields adds field names dropped during canonicalization.
func WithVolatileFields(names ...string) Option {
	return func(r *Registry) {
		for _, n := range names {
			r.volatile[n] = struct{}{}
		}
	}
}

// WithExcludedOptions adds option keys that are never packaged.
func WithExcludedOptions(keys ...string) Option {
	return func(r *Registry) {
		for _, k := range keys {
			r.excludedOptions[k] = struct{}{}
		}
	}
}

var defaultVolatile = []string{
	"modified", "modified_gmt", "post_modified", "post_modified_gmt",
	"updated_at", "last_modified", "_edit_lock", "_edit_last",
}

var defaultExcludedOptions = []string{
	"dbvc_license_key", "dbvc_site_secret", "dbvc_mothership_secret",
	"dbvc_handshake_secret", "auth_key", "secure_auth_key", "logged_in_key", "nonce_key",
}

// NewRegistry returns a registry with every known type registered.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		defs:            make(map[Type]Definition),
		volatile:        make(map[string]struct{}),
		excludedOptions: make(map[string]struct{}),
		excludedPrefix:  []string{"_transient_", "_site_transient_"},
	}
	for _, t := range KnownTypes() {
		r.defs[t] = Definition{
			Type:          t,
			Kind:          KindOf(t),
			IdentityKey:   identityKey(t),
			DefaultPolicy: DefaultPolicy(t),
			FreeText:      isFreeText(t),
		}
	}
	WithVolatileFields(defaultVolatile...)(r)
	WithExcludedOptions(defaultExcludedOptions...)(r)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lookup returns the definition of t. For unknown types it returns the
// fallback definition and false.
func (r *Registry) Lookup(t Type) (Definition, bool) {
	if d, ok := r.defs[t]; ok {
		return d, true
	}
	return Definition{
		Type:          t,
		Kind:          KindOf(t),
		IdentityKey:   identityKey(t),
		DefaultPolicy: DefaultPolicy(t),
		FreeText:      isFreeText(t),
	}, false
}

// IsExcludedOption reports whether an option key may never appear in a package.
func (r *Registry) IsExcludedOption(key string) bool {
	if _, ok := r.excludedOptions[key]; ok {
		return true
	}
	for _, p := range r.excludedPrefix {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
