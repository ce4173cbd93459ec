// Package proposal implements the review state machine for artifact-level
// change proposals submitted by client sites.
package proposal

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
)

// Status is the review state of a proposal.
type Status string

const (
	StatusDraft        Status = "DRAFT"
	StatusSubmitted    Status = "SUBMITTED"
	StatusReceived     Status = "RECEIVED"
	StatusApproved     Status = "APPROVED"
	StatusRejected     Status = "REJECTED"
	StatusNeedsChanges Status = "NEEDS_CHANGES"
)

var transitions = map[Status][]Status{
	StatusDraft:        {StatusSubmitted},
	StatusSubmitted:    {StatusReceived},
	StatusReceived:     {StatusApproved, StatusRejected, StatusNeedsChanges},
	StatusNeedsChanges: {StatusSubmitted},
}

// CanTransition reports whether the table allows from → to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

const (
	// DefaultMaxQueue bounds the stored proposals.
	DefaultMaxQueue = 500

	ScopeSubmit = "proposals.submit"

	proposalsKey = "proposals"
)

// HistoryEntry is one recorded transition. Entries are only ever appended.
type HistoryEntry struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Proposal is a client-submitted change awaiting review on the mothership.
type Proposal struct {
	ProposalID   string         `json:"proposal_id"`
	ArtifactUID  string         `json:"artifact_uid"`
	ArtifactType artifact.Type  `json:"artifact_type"`
	BaseHash     string         `json:"base_hash"`
	ProposedHash string         `json:"proposed_hash"`
	Status       Status         `json:"status"`
	Notes        string         `json:"notes"`
	SourceSite   string         `json:"source_site,omitempty"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (p *Proposal) clone() Proposal {
	out := *p
	out.History = append([]HistoryEntry(nil), p.History...)
	return out
}

func (p *Proposal) move(to Status, actor, note string, at time.Time) {
	p.History = append(p.History, HistoryEntry{From: p.Status, To: to, Actor: actor, Note: note, At: at})
	p.Status = to
	p.UpdatedAt = at
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status      Status `json:"status,omitempty"`
	ArtifactUID string `json:"artifact_uid,omitempty"`
	SourceSite  string `json:"source_site,omitempty"`
}

func (f Filter) match(p *Proposal) bool {
	return (f.Status == "" || p.Status == f.Status) &&
		(f.ArtifactUID == "" || p.ArtifactUID == f.ArtifactUID) &&
		(f.SourceSite == "" || p.SourceSite == f.SourceSite)
}

// Manager runs the proposal workflow over one kv document.
type Manager struct {
	doc       *kv.Document[map[string]*Proposal]
	idem      *idempotency.Cache
	maxQueue  int
	clock     func() time.Time
	newID     func() string
	bus       *events.Bus
	telemetry *observability.Provider
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxQueue overrides DefaultMaxQueue.
func WithMaxQueue(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxQueue = n
		}
	}
}

// WithIdempotency makes Submit replay calls carrying a known key.
func WithIdempotency(c *idempotency.Cache) Option { return func(m *Manager) { m.idem = c } }

func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

// WithIDGenerator replaces the uuid generator, for tests.
func WithIDGenerator(fn func() string) Option { return func(m *Manager) { m.newID = fn } }

// WithBus publishes proposal.transitioned events.
func WithBus(bus *events.Bus) Option { return func(m *Manager) { m.bus = bus } }

func WithTelemetry(p *observability.Provider) Option {
	return func(m *Manager) { m.telemetry = p }
}

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager returns a manager persisted in store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		doc:      kv.NewDocument[map[string]*Proposal](store, proposalsKey),
		maxQueue: DefaultMaxQueue,
		clock:    time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "proposal")
	return m
}

func (m *Manager) update(ctx context.Context, fn func(map[string]*Proposal) error) error {
	err := m.doc.Update(ctx, func(all *map[string]*Proposal) error {
		if *all == nil {
			*all = make(map[string]*Proposal)
		}
		return fn(*all)
	})
	if err == nil {
		return nil
	}
	if _, ok := errcode.As(err); ok {
		return err
	}
	return errcode.Wrap(errcode.Internal, err, "update proposals")
}

// SubmitRequest describes a proposed change to one artifact.
type SubmitRequest struct {
	ArtifactUID    string        `json:"artifact_uid"`
	ArtifactType   artifact.Type `json:"artifact_type"`
	BaseHash       string        `json:"base_hash"`
	ProposedHash   string        `json:"proposed_hash"`
	Notes          string        `json:"notes,omitempty"`
	SourceSite     string        `json:"source_site,omitempty"`
	Actor          string        `json:"actor,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// SubmitResult is the proposal as stored. Deduplicated is set when an
// identical proposal already existed and nothing new was recorded.
type SubmitResult struct {
	Proposal     Proposal `json:"proposal"`
	Deduplicated bool     `json:"deduplicated"`
	Replayed     bool     `json:"-"`
}

// Submit records a proposal and advances it straight to RECEIVED. An
// identical (artifact_uid, base_hash, proposed_hash) triple returns the
// existing proposal with Deduplicated set.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "proposal.submit", attribute.String("dbvc.artifact_uid", req.ArtifactUID))
	defer func() { finish(err) }()

	if _, err := artifact.ParseUID(req.ArtifactUID); err != nil {
		return nil, errcode.Wrap(errcode.InvalidInput, err, "artifact_uid")
	}
	if strings.TrimSpace(req.ProposedHash) == "" {
		return nil, errcode.New(errcode.InvalidInput, "proposed_hash is required")
	}
	if req.ArtifactType == "" {
		return nil, errcode.New(errcode.InvalidInput, "artifact_type is required")
	}

	out, replayed, err := idempotency.Do(ctx, m.idem, ScopeSubmit, req.IdempotencyKey, func() (SubmitResult, error) {
		return m.submit(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

func (m *Manager) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	actor := firstNonEmpty(req.Actor, req.SourceSite, "system")
	var (
		out     SubmitResult
		evicted []string
	)
	err := m.update(ctx, func(all map[string]*Proposal) error {
		for _, p := range all {
			if p.ArtifactUID == req.ArtifactUID && p.BaseHash == req.BaseHash && p.ProposedHash == req.ProposedHash {
				out = SubmitResult{Proposal: p.clone(), Deduplicated: true}
				return nil
			}
		}
		now := m.clock().UTC()
		p := &Proposal{
			ProposalID:   m.newID(),
			ArtifactUID:  req.ArtifactUID,
			ArtifactType: req.ArtifactType,
			BaseHash:     req.BaseHash,
			ProposedHash: req.ProposedHash,
			Status:       StatusDraft,
			Notes:        req.Notes,
			SourceSite:   req.SourceSite,
			History:      []HistoryEntry{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		p.move(StatusSubmitted, actor, req.Notes, now)
		p.move(StatusReceived, "system", "", now)
		all[p.ProposalID] = p
		evicted = m.evict(all, p.ProposalID)
		out = SubmitResult{Proposal: p.clone()}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if out.Deduplicated {
		m.logger.InfoContext(ctx, "duplicate proposal", "proposal_id", out.Proposal.ProposalID, "artifact_uid", req.ArtifactUID)
		return out, nil
	}
	if len(evicted) > 0 {
		m.logger.InfoContext(ctx, "proposal queue trimmed", "evicted", evicted)
	}
	m.logger.InfoContext(ctx, "proposal received", "proposal_id", out.Proposal.ProposalID,
		"artifact_uid", req.ArtifactUID, "source_site", req.SourceSite)
	m.publish(ctx, out.Proposal.ProposalID, StatusDraft, StatusReceived, actor)
	return out, nil
}

// evict drops proposals beyond the queue limit, oldest terminal ones first.
// The proposal keep is never a candidate.
func (m *Manager) evict(all map[string]*Proposal, keep string) []string {
	over := len(all) - m.maxQueue
	if over <= 0 {
		return nil
	}
	ordered := make([]*Proposal, 0, len(all))
	for _, p := range all {
		if p.ProposalID != keep {
			ordered = append(ordered, p)
		}
	}
	over = min(over, len(ordered))
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Status.Terminal() != b.Status.Terminal() {
			return a.Status.Terminal()
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ProposalID < b.ProposalID
	})
	ids := make([]string, 0, over)
	for _, p := range ordered[:over] {
		delete(all, p.ProposalID)
		ids = append(ids, p.ProposalID)
	}
	return ids
}

// Transition moves a proposal along the state table.
func (m *Manager) Transition(ctx context.Context, id string, to Status, actor, note string) (res *Proposal, err error) {
	ctx, finish := m.telemetry.Track(ctx, "proposal.transition",
		attribute.String("dbvc.proposal_id", id), attribute.String("dbvc.to", string(to)))
	defer func() { finish(err) }()

	var (
		out  Proposal
		from Status
	)
	err = m.update(ctx, func(all map[string]*Proposal) error {
		p, ok := all[id]
		if !ok {
			return errcode.Newf(errcode.ProposalNotFound, "proposal %q not found", id)
		}
		if !CanTransition(p.Status, to) {
			return errcode.Newf(errcode.TransitionInvalid, "proposal %q cannot move from %s to %s", id, p.Status, to).
				WithDetail("status", string(p.Status))
		}
		from = p.Status
		p.move(to, actor, note, m.clock().UTC())
		out = p.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "proposal transitioned", "proposal_id", id, "from", from, "to", to, "actor", actor)
	m.publish(ctx, id, from, to, actor)
	return &out, nil
}

// Resubmit answers a NEEDS_CHANGES review with a new proposed hash and moves
// the proposal back to RECEIVED.
func (m *Manager) Resubmit(ctx context.Context, id, proposedHash, actor, note string) (res *Proposal, err error) {
	ctx, finish := m.telemetry.Track(ctx, "proposal.resubmit", attribute.String("dbvc.proposal_id", id))
	defer func() { finish(err) }()

	if strings.TrimSpace(proposedHash) == "" {
		return nil, errcode.New(errcode.InvalidInput, "proposed_hash is required")
	}
	var out Proposal
	err = m.update(ctx, func(all map[string]*Proposal) error {
		p, ok := all[id]
		if !ok {
			return errcode.Newf(errcode.ProposalNotFound, "proposal %q not found", id)
		}
		if !CanTransition(p.Status, StatusSubmitted) {
			return errcode.Newf(errcode.TransitionInvalid, "proposal %q is %s; only NEEDS_CHANGES can be resubmitted", id, p.Status)
		}
		now := m.clock().UTC()
		p.ProposedHash = proposedHash
		if note != "" {
			p.Notes = note
		}
		p.move(StatusSubmitted, actor, note, now)
		p.move(StatusReceived, "system", "", now)
		out = p.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "proposal resubmitted", "proposal_id", id, "actor", actor)
	m.publish(ctx, id, StatusNeedsChanges, StatusReceived, actor)
	return &out, nil
}

// Get returns a copy of the proposal with its history.
func (m *Manager) Get(ctx context.Context, id string) (*Proposal, error) {
	all, err := m.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load proposals")
	}
	p, ok := all[id]
	if !ok {
		return nil, errcode.Newf(errcode.ProposalNotFound, "proposal %q not found", id)
	}
	out := p.clone()
	return &out, nil
}

// List returns matching proposals, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]Proposal, error) {
	all, err := m.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load proposals")
	}
	out := make([]Proposal, 0, len(all))
	for _, p := range all {
		if f.match(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ProposalID > out[j].ProposalID
	})
	return out, nil
}

func (m *Manager) publish(ctx context.Context, id string, from, to Status, actor string) {
	m.bus.Publish(ctx, events.Event{
		Type:    events.ProposalTransitioned,
		Subject: id,
		Data:    map[string]any{"from": string(from), "to": string(to), "actor": actor},
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
