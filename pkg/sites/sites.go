// Package sites is the connected-site registry: every peer the mothership
// knows, whether it may receive packages and how it authenticates.
package sites

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/validation"
)

// Status is the reachability of a connected site as last observed.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDisabled Status = "disabled"
)

// AuthAppPassword is the only auth mode packages may be targeted at.
const AuthAppPassword = "app_password"

// Onboarding states mirrored from the onboarding registry.
const (
	OnboardingPending  = "pending_intro"
	OnboardingVerified = "verified"
	OnboardingRejected = "rejected"
	OnboardingDisabled = "disabled"
)

const documentKey = "connected_sites"

// Flag is a boolean stored as 1 or 0. It decodes from either form.
type Flag bool

// MarshalJSON encodes the flag as 1 or 0.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// UnmarshalJSON accepts 1, 0, true, false and their quoted forms.
func (f *Flag) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(b)), `"`) {
	case "1", "true":
		*f = true
	case "0", "false", "", "null":
		*f = false
	default:
		return fmt.Errorf("sites: invalid flag %s", b)
	}
	return nil
}

// Site is one connected peer.
type Site struct {
	SiteUID              string     `json:"site_uid"`
	SiteLabel            string     `json:"site_label"`
	BaseURL              string     `json:"base_url"`
	Status               Status     `json:"status"`
	AuthMode             string     `json:"auth_mode"`
	AllowReceivePackages Flag       `json:"allow_receive_packages"`
	OnboardingState      string     `json:"onboarding_state"`
	LastSeenAt           *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Allowed reports whether packages may be delivered to the site.
func (s Site) Allowed() bool {
	return s.Status != StatusDisabled && bool(s.AllowReceivePackages)
}

// Patch is a partial update. Empty fields and nil pointers leave the stored
// value unchanged.
type Patch struct {
	SiteUID              string `json:"site_uid" validate:"required,site_uid"`
	SiteLabel            string `json:"site_label,omitempty"`
	BaseURL              string `json:"base_url,omitempty" validate:"omitempty,url"`
	Status               Status `json:"status,omitempty" validate:"omitempty,oneof=online offline disabled"`
	AuthMode             string `json:"auth_mode,omitempty"`
	AllowReceivePackages *bool  `json:"allow_receive_packages,omitempty"`
	OnboardingState      string `json:"onboarding_state,omitempty"`
}

// Source is site metadata seen on a package or an onboarding record.
type Source struct {
	SiteUID         string
	SiteLabel       string
	BaseURL         string
	AuthMode        string
	OnboardingState string
}

// Registry is the connected-site registry, stored as one kv document keyed
// by site uid.
type Registry struct {
	doc    *kv.Document[map[string]Site]
	clock  func() time.Time
	bus    *events.Bus
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithClock(clock func() time.Time) Option { return func(r *Registry) { r.clock = clock } }

// WithBus publishes site.status_changed events.
func WithBus(bus *events.Bus) Option { return func(r *Registry) { r.bus = bus } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry returns a registry persisted in store.
func NewRegistry(store kv.Store, opts ...Option) *Registry {
	r := &Registry{
		doc:    kv.NewDocument[map[string]Site](store, documentKey),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "sites")
	return r
}

func (r *Registry) update(ctx context.Context, fn func(map[string]Site) error) error {
	err := r.doc.Update(ctx, func(m *map[string]Site) error {
		if *m == nil {
			*m = make(map[string]Site)
		}
		return fn(*m)
	})
	if err != nil {
		if _, ok := errcode.As(err); ok {
			return err
		}
		return errcode.Wrap(errcode.Internal, err, "update connected sites")
	}
	return nil
}

// Upsert merges p into the site with the same uid, creating it if needed.
func (r *Registry) Upsert(ctx context.Context, p Patch) (*Site, error) {
	if err := validation.Struct(p); err != nil {
		return nil, err
	}
	var out Site
	err := r.update(ctx, func(m map[string]Site) error {
		s, ok := m[p.SiteUID]
		if !ok {
			s = Site{SiteUID: p.SiteUID, Status: StatusOffline}
		}
		if p.SiteLabel != "" {
			s.SiteLabel = p.SiteLabel
		}
		if p.BaseURL != "" {
			s.BaseURL = p.BaseURL
		}
		if p.Status != "" {
			s.Status = p.Status
		}
		if p.AuthMode != "" {
			s.AuthMode = p.AuthMode
		}
		if p.AllowReceivePackages != nil {
			s.AllowReceivePackages = Flag(*p.AllowReceivePackages)
		}
		if p.OnboardingState != "" {
			s.OnboardingState = p.OnboardingState
		}
		s.UpdatedAt = r.clock().UTC()
		m[p.SiteUID] = s
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the site or site_not_found.
func (r *Registry) Get(ctx context.Context, uid string) (*Site, error) {
	m, err := r.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load connected sites")
	}
	s, ok := m[uid]
	if !ok {
		return nil, errcode.Newf(errcode.SiteNotFound, "site %q is not connected", uid)
	}
	return &s, nil
}

// List returns every site ordered by uid.
func (r *Registry) List(ctx context.Context) ([]Site, error) {
	m, err := r.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load connected sites")
	}
	out := make([]Site, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteUID < out[j].SiteUID })
	return out, nil
}

// IsAllowed reports whether uid is a connected site that may receive packages.
func (r *Registry) IsAllowed(ctx context.Context, uid string) (bool, error) {
	s, err := r.Get(ctx, uid)
	if errcode.Has(err, errcode.SiteNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Allowed(), nil
}

// SetStatus records an operator status change. It may re-enable a disabled
// site.
func (r *Registry) SetStatus(ctx context.Context, uid string, status Status) (*Site, error) {
	switch status {
	case StatusOnline, StatusOffline, StatusDisabled:
	default:
		return nil, errcode.Newf(errcode.InvalidInput, "unknown site status %q", status)
	}
	return r.setStatus(ctx, uid, status, false)
}

// RecordReachability stores the outcome of a connection test. A site
// disabled by an operator stays disabled whatever the ping saw.
func (r *Registry) RecordReachability(ctx context.Context, uid string, reachable bool) (*Site, error) {
	status := StatusOffline
	if reachable {
		status = StatusOnline
	}
	return r.setStatus(ctx, uid, status, true)
}

func (r *Registry) setStatus(ctx context.Context, uid string, status Status, keepDisabled bool) (*Site, error) {
	var out Site
	var from Status
	err := r.update(ctx, func(m map[string]Site) error {
		s, ok := m[uid]
		if !ok {
			return errcode.Newf(errcode.SiteNotFound, "site %q is not connected", uid)
		}
		from = s.Status
		if keepDisabled && s.Status == StatusDisabled {
			out = s
			return nil
		}
		now := r.clock().UTC()
		s.Status = status
		if status == StatusOnline {
			s.LastSeenAt = &now
		}
		s.UpdatedAt = now
		m[uid] = s
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != out.Status {
		r.logger.InfoContext(ctx, "site status changed", "site_uid", uid, "from", from, "to", out.Status)
		r.bus.Publish(ctx, events.Event{
			Type:    events.SiteStatusChanged,
			Subject: uid,
			Data:    map[string]any{"from": string(from), "to": string(out.Status)},
		})
	}
	return &out, nil
}

// SyncFromPackages backfills sites seen as package sources. Existing values
// are never overwritten.
func (r *Registry) SyncFromPackages(ctx context.Context, sources []Source) (int, error) {
	created := 0
	err := r.update(ctx, func(m map[string]Site) error {
		now := r.clock().UTC()
		for _, src := range sources {
			if src.SiteUID == "" {
				continue
			}
			s, ok := m[src.SiteUID]
			if !ok {
				s = Site{SiteUID: src.SiteUID, Status: StatusOffline}
				created++
			}
			changed := !ok
			fill := func(dst *string, v string) {
				if *dst == "" && v != "" {
					*dst = v
					changed = true
				}
			}
			fill(&s.SiteLabel, src.SiteLabel)
			fill(&s.BaseURL, src.BaseURL)
			fill(&s.AuthMode, src.AuthMode)
			if changed {
				s.UpdatedAt = now
				m[src.SiteUID] = s
			}
		}
		return nil
	})
	return created, err
}

// SyncFromOnboarding applies an onboarding record authoritatively: verified
// sites may receive packages, rejected and disabled ones are disabled.
func (r *Registry) SyncFromOnboarding(ctx context.Context, src Source) (*Site, error) {
	if src.SiteUID == "" {
		return nil, errcode.New(errcode.InvalidInput, "site_uid is required")
	}
	var out Site
	err := r.update(ctx, func(m map[string]Site) error {
		s, ok := m[src.SiteUID]
		if !ok {
			s = Site{SiteUID: src.SiteUID, Status: StatusOffline}
		}
		if src.SiteLabel != "" {
			s.SiteLabel = src.SiteLabel
		}
		if src.BaseURL != "" {
			s.BaseURL = src.BaseURL
		}
		if src.AuthMode != "" {
			s.AuthMode = src.AuthMode
		}
		s.OnboardingState = src.OnboardingState
		switch src.OnboardingState {
		case OnboardingVerified:
			s.AllowReceivePackages = true
			if s.Status == StatusDisabled {
				s.Status = StatusOffline
			}
		case OnboardingRejected, OnboardingDisabled:
			s.AllowReceivePackages = false
			s.Status = StatusDisabled
		}
		s.UpdatedAt = r.clock().UTC()
		m[src.SiteUID] = s
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
