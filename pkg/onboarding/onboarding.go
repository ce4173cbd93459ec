// Package onboarding runs the two-step trust handshake between a prospective
// client site and the mothership: an intro packet registers the client, and
// an operator decision verifies or rejects it. Accepting issues a shared
// secret that is returned exactly once.
package onboarding

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/config"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/validation"
)

// Onboarding states. They are the same strings the site registry mirrors.
const (
	StatePendingIntro = sites.OnboardingPending
	StateVerified     = sites.OnboardingVerified
	StateRejected     = sites.OnboardingRejected
	StateDisabled     = sites.OnboardingDisabled
)

const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

const (
	ScopeIntro     = "onboarding.intro"
	ScopeHandshake = "onboarding.handshake"

	clientsKey = "onboarding_clients"
)

// Client is the mothership's record of a site that introduced itself.
type Client struct {
	SiteUID            string     `json:"site_uid"`
	SiteLabel          string     `json:"site_label"`
	BaseURL            string     `json:"base_url"`
	OnboardingState    string     `json:"onboarding_state"`
	AuthProfile        string     `json:"auth_profile"`
	Capabilities       []string   `json:"capabilities"`
	HandshakeTokenHash string     `json:"handshake_token_hash,omitempty"`
	IntroducedAt       time.Time  `json:"introduced_at"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
	DecidedBy          string     `json:"decided_by,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (c *Client) clone() Client {
	out := *c
	out.Capabilities = append([]string(nil), c.Capabilities...)
	return out
}

// Service tracks onboarding clients and issues handshake secrets. Every
// client change is mirrored into the connected-site registry when one is set.
type Service struct {
	doc           *kv.Document[map[string]*Client]
	sites         *sites.Registry
	idem          *idempotency.Cache
	role          string
	mothershipUID string
	clock         func() time.Time
	bus           *events.Bus
	telemetry     *observability.Provider
	logger        *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIdempotency dedupes intro packets and handshakes by key.
func WithIdempotency(c *idempotency.Cache) Option { return func(s *Service) { s.idem = c } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// WithBus publishes onboarding.introduced and onboarding.decided events.
func WithBus(bus *events.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithTelemetry(p *observability.Provider) Option {
	return func(s *Service) { s.telemetry = p }
}

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService returns the onboarding registry of a node running in role.
// Only a mothership accepts intro packets and handshakes.
func NewService(store kv.Store, siteRegistry *sites.Registry, role, mothershipUID string, opts ...Option) *Service {
	s := &Service{
		doc:           kv.NewDocument[map[string]*Client](store, clientsKey),
		sites:         siteRegistry,
		role:          role,
		mothershipUID: mothershipUID,
		clock:         time.Now,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "onboarding")
	return s
}

func (s *Service) requireMothership() error {
	if s.role != config.RoleMothership {
		return errcode.Newf(errcode.RoleMismatch, "onboarding runs on the mothership, this node is %q", s.role)
	}
	return nil
}

func (s *Service) update(ctx context.Context, fn func(map[string]*Client) error) error {
	err := s.doc.Update(ctx, func(all *map[string]*Client) error {
		if *all == nil {
			*all = make(map[string]*Client)
		}
		return fn(*all)
	})
	if err == nil {
		return nil
	}
	if _, ok := errcode.As(err); ok {
		return err
	}
	return errcode.Wrap(errcode.Internal, err, "update onboarding clients")
}

// IntroRequest is the packet a prospective client sends.
type IntroRequest struct {
	SiteUID        string   `json:"site_uid" validate:"required,site_uid"`
	SiteLabel      string   `json:"site_label,omitempty" validate:"max=200"`
	BaseURL        string   `json:"base_url" validate:"required,url"`
	AuthProfile    string   `json:"auth_profile,omitempty" validate:"omitempty,oneof=app_password signed_command"`
	Capabilities   []string `json:"capabilities,omitempty" validate:"max=64,dive,required"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// IntroResult is the client record after an intro packet.
type IntroResult struct {
	Client   Client `json:"client"`
	Replayed bool   `json:"-"`
}

// IntroPacket registers or refreshes a client in pending_intro. Verified and
// disabled clients must be disabled or re-reviewed out of band first.
func (s *Service) IntroPacket(ctx context.Context, req IntroRequest) (res *IntroResult, err error) {
	ctx, finish := s.telemetry.Track(ctx, "onboarding.intro", attribute.String("dbvc.site_uid", req.SiteUID))
	defer func() { finish(err) }()

	if err := s.requireMothership(); err != nil {
		return nil, err
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	out, replayed, err := idempotency.Do(ctx, s.idem, ScopeIntro, req.IdempotencyKey, func() (IntroResult, error) {
		return s.intro(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

func (s *Service) intro(ctx context.Context, req IntroRequest) (IntroResult, error) {
	profile := req.AuthProfile
	if profile == "" {
		profile = sites.AuthAppPassword
	}
	var out Client
	err := s.update(ctx, func(all map[string]*Client) error {
		now := s.clock().UTC()
		c, ok := all[req.SiteUID]
		if ok && (c.OnboardingState == StateVerified || c.OnboardingState == StateDisabled) {
			return errcode.Newf(errcode.TransitionInvalid, "client %q is already %s", req.SiteUID, c.OnboardingState).
				WithDetail("onboarding_state", c.OnboardingState)
		}
		if !ok {
			c = &Client{SiteUID: req.SiteUID, IntroducedAt: now}
			all[req.SiteUID] = c
		}
		c.SiteLabel = req.SiteLabel
		c.BaseURL = req.BaseURL
		c.AuthProfile = profile
		c.Capabilities = append([]string{}, req.Capabilities...)
		c.OnboardingState = StatePendingIntro
		c.DecidedAt = nil
		c.DecidedBy = ""
		c.HandshakeTokenHash = ""
		c.UpdatedAt = now
		out = c.clone()
		return nil
	})
	if err != nil {
		return IntroResult{}, err
	}
	s.syncSite(ctx, &out)
	s.logger.InfoContext(ctx, "client introduced", "site_uid", out.SiteUID, "base_url", out.BaseURL)
	s.bus.Publish(ctx, events.Event{Type: events.OnboardingIntroduced, Subject: out.SiteUID,
		Data: map[string]any{"base_url": out.BaseURL}})
	return IntroResult{Client: out}, nil
}

// HandshakeRequest is the operator's decision on a pending client.
type HandshakeRequest struct {
	SiteUID        string `json:"site_uid" validate:"required,site_uid"`
	Decision       string `json:"decision" validate:"required,oneof=accept reject"`
	Actor          string `json:"actor,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// HandshakeResult is the outcome of an operator decision.
type HandshakeResult struct {
	Client Client `json:"client"`
	// Secret is only set on the response that accepted the client.
	Secret   string `json:"handshake_secret,omitempty"`
	Ack      *Ack   `json:"ack,omitempty"`
	Replayed bool   `json:"-"`
}

// Handshake applies an accept or reject decision. On accept a fresh secret is
// issued; only its hash is kept, and replays of the same idempotency key
// return the response without it.
func (s *Service) Handshake(ctx context.Context, req HandshakeRequest) (res *HandshakeResult, err error) {
	ctx, finish := s.telemetry.Track(ctx, "onboarding.handshake",
		attribute.String("dbvc.site_uid", req.SiteUID), attribute.String("dbvc.decision", req.Decision))
	defer func() { finish(err) }()

	if err := s.requireMothership(); err != nil {
		return nil, err
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if s.idem != nil && req.IdempotencyKey != "" {
		raw, ok, err := s.idem.Lookup(ctx, ScopeHandshake, req.IdempotencyKey)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "idempotency lookup")
		}
		if ok {
			var replay HandshakeResult
			if err := decodeReplay(raw, &replay); err != nil {
				return nil, err
			}
			replay.Replayed = true
			return &replay, nil
		}
	}

	out, err := s.handshake(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.idem != nil && req.IdempotencyKey != "" {
		stored := *out
		stored.Secret = ""
		if err := s.idem.Remember(ctx, ScopeHandshake, req.IdempotencyKey, stored); err != nil {
			s.logger.WarnContext(ctx, "handshake response not remembered", "site_uid", req.SiteUID, "error", err)
		}
	}
	return out, nil
}

func (s *Service) handshake(ctx context.Context, req HandshakeRequest) (*HandshakeResult, error) {
	accepted := req.Decision == DecisionAccept
	var (
		secret string
		err    error
	)
	if accepted {
		if secret, err = newSecret(); err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "generate handshake secret")
		}
	}

	var out Client
	err = s.update(ctx, func(all map[string]*Client) error {
		c, ok := all[req.SiteUID]
		if !ok {
			return errcode.Newf(errcode.ClientNotFound, "client %q has not introduced itself", req.SiteUID)
		}
		if c.OnboardingState != StatePendingIntro {
			return errcode.Newf(errcode.TransitionInvalid, "client %q is %s, not pending_intro", req.SiteUID, c.OnboardingState).
				WithDetail("onboarding_state", c.OnboardingState)
		}
		now := s.clock().UTC()
		c.DecidedAt = &now
		c.DecidedBy = req.Actor
		c.UpdatedAt = now
		if accepted {
			c.OnboardingState = StateVerified
			c.HandshakeTokenHash = HashSecret(secret)
		} else {
			c.OnboardingState = StateRejected
		}
		out = c.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.syncSite(ctx, &out)

	res := &HandshakeResult{Client: out}
	if accepted {
		ack, err := SignAck(secret, Ack{
			SiteUID:       out.SiteUID,
			Accepted:      true,
			RegisteredAt:  *out.DecidedAt,
			MothershipUID: s.mothershipUID,
		})
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "sign handshake ack")
		}
		res.Secret = secret
		res.Ack = &ack
	}
	s.logger.InfoContext(ctx, "handshake decided", "site_uid", out.SiteUID, "decision", req.Decision, "actor", req.Actor)
	s.bus.Publish(ctx, events.Event{Type: events.OnboardingDecided, Subject: out.SiteUID,
		Data: map[string]any{"decision": req.Decision, "actor": req.Actor}})
	return res, nil
}

// Disable revokes a client's trust. Disabling twice is a no-op.
func (s *Service) Disable(ctx context.Context, siteUID, actor string) (*Client, error) {
	if err := s.requireMothership(); err != nil {
		return nil, err
	}
	var (
		out     Client
		changed bool
	)
	err := s.update(ctx, func(all map[string]*Client) error {
		c, ok := all[siteUID]
		if !ok {
			return errcode.Newf(errcode.ClientNotFound, "client %q not found", siteUID)
		}
		if c.OnboardingState != StateDisabled {
			now := s.clock().UTC()
			c.OnboardingState = StateDisabled
			c.HandshakeTokenHash = ""
			c.DecidedAt = &now
			c.DecidedBy = actor
			c.UpdatedAt = now
			changed = true
		}
		out = c.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.syncSite(ctx, &out)
		s.logger.WarnContext(ctx, "client disabled", "site_uid", siteUID, "actor", actor)
		s.bus.Publish(ctx, events.Event{Type: events.OnboardingDecided, Subject: siteUID,
			Data: map[string]any{"decision": "disable", "actor": actor}})
	}
	return &out, nil
}

// Authenticate checks a client's handshake secret against the stored hash.
func (s *Service) Authenticate(ctx context.Context, siteUID, secret string) (*Client, error) {
	c, err := s.Get(ctx, siteUID)
	if errcode.Has(err, errcode.ClientNotFound) {
		return nil, errcode.New(errcode.Unauthorized, "unknown client")
	}
	if err != nil {
		return nil, err
	}
	if c.OnboardingState != StateVerified || !SecretMatches(c.HandshakeTokenHash, secret) {
		return nil, errcode.New(errcode.Unauthorized, "client credentials rejected")
	}
	return c, nil
}

// Get returns the client record, including the stored secret hash.
func (s *Service) Get(ctx context.Context, siteUID string) (*Client, error) {
	all, err := s.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load onboarding clients")
	}
	c, ok := all[siteUID]
	if !ok {
		return nil, errcode.Newf(errcode.ClientNotFound, "client %q not found", siteUID)
	}
	out := c.clone()
	return &out, nil
}

// List returns all clients ordered by site uid, optionally by state.
func (s *Service) List(ctx context.Context, state string) ([]Client, error) {
	all, err := s.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load onboarding clients")
	}
	out := make([]Client, 0, len(all))
	for _, c := range all {
		if state == "" || c.OnboardingState == state {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteUID < out[j].SiteUID })
	return out, nil
}

func (s *Service) syncSite(ctx context.Context, c *Client) {
	if s.sites == nil {
		return
	}
	_, err := s.sites.SyncFromOnboarding(ctx, sites.Source{
		SiteUID:         c.SiteUID,
		SiteLabel:       c.SiteLabel,
		BaseURL:         c.BaseURL,
		AuthMode:        c.AuthProfile,
		OnboardingState: c.OnboardingState,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "site registry sync failed", "site_uid", c.SiteUID, "error", err)
	}
}
