package packages

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/blob"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
)

// Idempotency scopes of the mutating operations.
const (
	ScopeCreate        = "packages.create"
	ScopeBootstrap     = "packages.bootstrap"
	ScopePromote       = "packages.promote"
	ScopeRevoke        = "packages.revoke"
	ScopePublishRemote = "packages.publish_remote"
	ScopeReceive       = "packages.receive"
)

const (
	packagesKey  = "packages"
	pullStateKey = "packages:pull_state"
)

// Settings are the lifecycle limits.
type Settings struct {
	// SiteUID is the local site identity, stamped as source_site.
	SiteUID        string
	MaxBytes       int64
	SchemaVersions []string
	Lenient        bool
	BackoffBase    time.Duration
	MaxAttempts    int
	TimelineMax    int
}

// DefaultSettings mirrors the shipped configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxBytes:       5 << 20,
		SchemaVersions: []string{"1", "2"},
		BackoffBase:    time.Minute,
		MaxAttempts:    5,
		TimelineMax:    100,
	}
}

// Remote is the peer a client publishes to and pulls from.
type Remote interface {
	PublishPackage(ctx context.Context, pkg *Package, manifest []byte) (receiptID string, err error)
	FetchLatest(ctx context.Context, siteUID string, channel manifest.Channel) (*Package, []byte, error)
	SendAck(ctx context.Context, ack AckRequest) error
}

// Manager owns packages: creation, promotion, revocation, targeting and
// the transport to and from the mothership. All state lives in the kv store
// and the blob store; a Manager holds nothing between calls.
type Manager struct {
	docs      *kv.Document[map[string]*Package]
	pulls     *kv.Document[map[string]*PullState]
	blobs     blob.Store
	registry  *artifact.Registry
	sites     *sites.Registry
	content   content.Store
	idem      *idempotency.Cache
	remote    Remote
	settings  Settings
	clock     func() time.Time
	newID     func() string
	bus       *events.Bus
	telemetry *observability.Provider
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option { return func(m *Manager) { m.settings = s } }

// WithIdempotency enables replay of create, bootstrap, promote, revoke,
// publish and receive calls that carry an idempotency key.
func WithIdempotency(c *idempotency.Cache) Option { return func(m *Manager) { m.idem = c } }

// WithContent enables BootstrapCreate.
func WithContent(cs content.Store) Option { return func(m *Manager) { m.content = cs } }

// WithRemote sets the mothership client used by PublishRemote, PullRemote
// and SendAck. Without it those calls fail with remote_unreachable.
func WithRemote(r Remote) Option { return func(m *Manager) { m.remote = r } }

func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

func WithIDGenerator(fn func() string) Option { return func(m *Manager) { m.newID = fn } }

// WithBus publishes package lifecycle events.
func WithBus(bus *events.Bus) Option { return func(m *Manager) { m.bus = bus } }

func WithTelemetry(p *observability.Provider) Option {
	return func(m *Manager) { m.telemetry = p }
}

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager returns a Manager. siteReg may be nil on a client; selected
// targeting then fails with target_site_invalid.
func NewManager(store kv.Store, blobs blob.Store, reg *artifact.Registry, siteRegistry *sites.Registry, opts ...Option) *Manager {
	m := &Manager{
		docs:     kv.NewDocument[map[string]*Package](store, packagesKey),
		pulls:    kv.NewDocument[map[string]*PullState](store, pullStateKey),
		blobs:    blobs,
		registry: reg,
		sites:    siteRegistry,
		settings: DefaultSettings(),
		clock:    time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.settings.TimelineMax <= 0 {
		m.settings.TimelineMax = 100
	}
	if m.settings.MaxAttempts <= 0 {
		m.settings.MaxAttempts = 5
	}
	if m.settings.BackoffBase <= 0 {
		m.settings.BackoffBase = time.Minute
	}
	m.logger = m.logger.With("component", "packages")
	return m
}

func (m *Manager) now() time.Time { return m.clock().UTC() }

// update runs fn against the package map under the document lock.
func (m *Manager) update(ctx context.Context, fn func(map[string]*Package) error) error {
	err := m.docs.Update(ctx, func(all *map[string]*Package) error {
		if *all == nil {
			*all = make(map[string]*Package)
		}
		return fn(*all)
	})
	return internal(err, "update packages")
}

// mutate loads one package, applies fn and returns a copy of the result.
func (m *Manager) mutate(ctx context.Context, id string, fn func(all map[string]*Package, p *Package) error) (*Package, error) {
	var out Package
	err := m.update(ctx, func(all map[string]*Package) error {
		p, ok := all[id]
		if !ok {
			return errcode.Newf(errcode.PackageNotFound, "package %q not found", id)
		}
		if err := fn(all, p); err != nil {
			return err
		}
		p.UpdatedAt = m.now()
		out = clonePackage(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) appendTimeline(p *Package, event, siteUID, detail string) {
	p.DeliveryTimeline = append(p.DeliveryTimeline, TimelineEvent{Event: event, At: m.now(), SiteUID: siteUID, Detail: detail})
	if over := len(p.DeliveryTimeline) - m.settings.TimelineMax; over > 0 {
		p.DeliveryTimeline = append([]TimelineEvent(nil), p.DeliveryTimeline[over:]...)
	}
}

// Get returns a copy of the package.
func (m *Manager) Get(ctx context.Context, id string) (*Package, error) {
	all, err := m.docs.Load(ctx)
	if err != nil {
		return nil, internal(err, "load packages")
	}
	p, ok := all[id]
	if !ok {
		return nil, errcode.Newf(errcode.PackageNotFound, "package %q not found", id)
	}
	out := clonePackage(p)
	return &out, nil
}

// List returns matching packages, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]Package, error) {
	all, err := m.docs.Load(ctx)
	if err != nil {
		return nil, internal(err, "load packages")
	}
	matched := make([]*Package, 0, len(all))
	for _, p := range all {
		if f.match(p) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return newer(matched[i], matched[j]) })
	out := make([]Package, len(matched))
	for i, p := range matched {
		out[i] = clonePackage(p)
	}
	return out, nil
}

// Manifest loads and decodes the manifest of a package.
func (m *Manager) Manifest(ctx context.Context, id string) (*manifest.Manifest, error) {
	raw, err := m.ManifestBytes(ctx, id)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(raw)
}

// ManifestBytes returns the stored manifest bytes of a package.
func (m *Manager) ManifestBytes(ctx context.Context, id string) ([]byte, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, err := m.blobs.Get(ctx, p.ManifestHash)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, errcode.Newf(errcode.PackageNotFound, "manifest %s of package %q is missing", p.ManifestHash, id)
	}
	if err != nil {
		return nil, internal(err, "load manifest")
	}
	return raw, nil
}

// CreateRequest creates a package from a manifest in any supported shape.
type CreateRequest struct {
	PackageID string           `json:"package_id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Version   string           `json:"version,omitempty"`
	Channel   manifest.Channel `json:"channel,omitempty"`
	// Status is DRAFT or PUBLISHED. Empty publishes.
	Status         Status          `json:"status,omitempty"`
	Targeting      Targeting       `json:"targeting"`
	Manifest       json.RawMessage `json:"manifest"`
	CreatedBy      string          `json:"created_by,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CreateResult is the response to Create and BootstrapCreate. Replayed is
// set when the result came from the idempotency cache; it is not part of the
// stored response.
type CreateResult struct {
	Package  Package         `json:"package"`
	Warnings []Issue         `json:"warnings,omitempty"`
	Skipped  []SkippedExport `json:"skipped,omitempty"`
	Replayed bool            `json:"-"`
}

// Create stores a new package. Replaying an idempotency key returns the first
// result unchanged.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.create", attribute.String("dbvc.package_id", req.PackageID))
	defer func() { finish(err) }()

	out, replayed, err := idempotency.Do(ctx, m.idem, ScopeCreate, req.IdempotencyKey, func() (CreateResult, error) {
		return m.create(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	report := m.Preflight(req.Manifest)
	if err := report.Err(); err != nil {
		return CreateResult{}, err
	}
	man, err := manifest.Decode(req.Manifest)
	if err != nil {
		return CreateResult{}, err
	}

	status := req.Status
	switch status {
	case "":
		status = StatusPublished
	case StatusDraft, StatusPublished:
	default:
		return CreateResult{}, errcode.Newf(errcode.InvalidInput, "a package is created as DRAFT or PUBLISHED, not %s", status)
	}
	channel := req.Channel
	if channel == "" {
		channel = man.Channel
	}
	if channel, err = manifest.ParseChannel(string(channel)); err != nil {
		return CreateResult{}, errcode.Wrap(errcode.InvalidInput, err, "channel")
	}
	targeting, err := m.NormalizeTargeting(ctx, req.Targeting)
	if err != nil {
		return CreateResult{}, err
	}

	id := firstNonEmpty(req.PackageID, man.PackageID, m.newID())
	man.PackageID = id
	man.Name = firstNonEmpty(req.Name, man.Name, id)
	man.Version = firstNonEmpty(req.Version, man.Version, "1.0.0")
	man.Channel = channel
	man.SourceSite = firstNonEmpty(man.SourceSite, m.settings.SiteUID)

	now := m.now()
	p := &Package{
		PackageID:     id,
		Name:          man.Name,
		Version:       man.Version,
		Channel:       channel,
		Status:        status,
		SchemaVersion: man.SchemaVersion,
		ArtifactCount: len(man.Artifacts),
		SizeBytes:     int64(len(req.Manifest)),
		Targeting:     targeting,
		SourceSite:    man.SourceSite,
		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     req.CreatedBy,
	}
	if err := m.store(ctx, p, man); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Package: *p, Warnings: report.Warnings}, nil
}

// store persists the manifest blob and inserts p.
func (m *Manager) store(ctx context.Context, p *Package, man *manifest.Manifest) error {
	raw, err := manifest.Encode(man)
	if err != nil {
		return internal(err, "encode manifest")
	}
	digest, err := m.blobs.Put(ctx, raw)
	if err != nil {
		return internal(err, "store manifest")
	}
	p.ManifestHash = digest

	err = m.update(ctx, func(all map[string]*Package) error {
		if _, exists := all[p.PackageID]; exists {
			return errcode.Newf(errcode.PackageExists, "package %q already exists", p.PackageID)
		}
		if p.Status == StatusPublished {
			m.appendTimeline(p, EventEligible, "", string(p.Channel))
		}
		all[p.PackageID] = p
		if p.Status == StatusPublished {
			m.supersede(all, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "package created", "package_id", p.PackageID, "name", p.Name,
		"version", p.Version, "channel", p.Channel, "status", p.Status, "artifacts", p.ArtifactCount)
	m.bus.Publish(ctx, events.Event{
		Type:    events.PackageCreated,
		Subject: p.PackageID,
		Data:    map[string]any{"channel": string(p.Channel), "status": string(p.Status)},
	})
	return nil
}

// BootstrapRequest exports local content into a new package.
type BootstrapRequest struct {
	Name       string           `json:"name"`
	Version    string           `json:"version,omitempty"`
	Channel    manifest.Channel `json:"channel,omitempty"`
	OptionKeys []string         `json:"option_keys,omitempty"`
	// EntityIDs are "<type>:<id>" content ids.
	EntityIDs      []string  `json:"entity_ids,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Targeting      Targeting `json:"targeting"`
	CreatedBy      string    `json:"created_by,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// SkippedExport is local content left out of a bootstrap package.
type SkippedExport struct {
	ArtifactUID string `json:"artifact_uid"`
	Reason      string `json:"reason"`
}

// BootstrapCreate builds a manifest from the local content store and creates
// a package from it. Excluded options and missing content are skipped.
func (m *Manager) BootstrapCreate(ctx context.Context, req BootstrapRequest) (res *CreateResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.bootstrap")
	defer func() { finish(err) }()

	if m.content == nil {
		return nil, errcode.New(errcode.Internal, "no content store configured for bootstrap")
	}
	out, replayed, err := idempotency.Do(ctx, m.idem, ScopeBootstrap, req.IdempotencyKey, func() (CreateResult, error) {
		man, skipped, err := m.export(ctx, req)
		if err != nil {
			return CreateResult{}, err
		}
		raw, err := manifest.Encode(man)
		if err != nil {
			return CreateResult{}, internal(err, "encode manifest")
		}
		r, err := m.create(ctx, CreateRequest{
			Name:      req.Name,
			Version:   req.Version,
			Channel:   req.Channel,
			Status:    req.Status,
			Targeting: req.Targeting,
			Manifest:  raw,
			CreatedBy: req.CreatedBy,
		})
		if err != nil {
			return CreateResult{}, err
		}
		r.Skipped = skipped
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

func (m *Manager) export(ctx context.Context, req BootstrapRequest) (*manifest.Manifest, []SkippedExport, error) {
	man := &manifest.Manifest{
		SchemaVersion: manifest.CurrentSchemaVersion,
		Name:          req.Name,
		Version:       req.Version,
		Channel:       req.Channel,
		SourceSite:    m.settings.SiteUID,
		Artifacts:     []manifest.Artifact{},
	}
	var skipped []SkippedExport

	for _, key := range dedupe(req.OptionKeys) {
		uid := artifact.OptionUID(key)
		if m.registry.IsExcludedOption(key) {
			skipped = append(skipped, SkippedExport{ArtifactUID: uid, Reason: "excluded"})
			continue
		}
		v, ok, err := m.content.ReadOption(ctx, key)
		if err != nil {
			return nil, nil, internal(err, "read option "+key)
		}
		if !ok {
			skipped = append(skipped, SkippedExport{ArtifactUID: uid, Reason: "missing"})
			continue
		}
		h, err := content.Hash(m.registry, uid, artifact.TypeOption, v)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.InvalidInput, err, "hash "+uid)
		}
		man.Artifacts = append(man.Artifacts, manifest.Artifact{UID: uid, Type: artifact.TypeOption, Payload: v, Hash: h})
	}

	for _, id := range dedupe(req.EntityIDs) {
		typ, _, ok := strings.Cut(id, ":")
		if !ok || typ == "" {
			return nil, nil, errcode.Newf(errcode.InvalidInput, "entity id %q must be <type>:<id>", id)
		}
		uid := "entity:" + id
		e, err := m.content.ReadEntity(ctx, id)
		if errors.Is(err, content.ErrNotFound) {
			skipped = append(skipped, SkippedExport{ArtifactUID: uid, Reason: "missing"})
			continue
		}
		if err != nil {
			return nil, nil, internal(err, "read entity "+id)
		}
		payload := content.EntityPayload(e)
		h, err := content.Hash(m.registry, uid, artifact.Type(typ), payload)
		if err != nil {
			return nil, nil, errcode.Wrap(errcode.InvalidInput, err, "hash "+uid)
		}
		man.Artifacts = append(man.Artifacts, manifest.Artifact{UID: uid, Type: artifact.Type(typ), Payload: payload, Hash: h})
	}

	if len(man.Artifacts) == 0 {
		return nil, nil, errcode.New(errcode.EmptyManifest, "nothing to export").WithDetail("skipped", skipped)
	}
	return man, skipped, nil
}

func internal(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := errcode.As(err); ok {
		return err
	}
	return errcode.Wrap(errcode.Internal, err, msg)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// clonePackage deep-copies the mutable collections of p.
func clonePackage(p *Package) Package {
	out := *p
	out.Targeting.SiteUIDs = append([]string(nil), p.Targeting.SiteUIDs...)
	out.DeliveryTimeline = append([]TimelineEvent(nil), p.DeliveryTimeline...)
	if p.DeliveryTransport != nil {
		out.DeliveryTransport = make(map[string]*TransportState, len(p.DeliveryTransport))
		for k, v := range p.DeliveryTransport {
			cp := *v
			out.DeliveryTransport[k] = &cp
		}
	}
	if p.Acks != nil {
		out.Acks = make(map[string]Ack, len(p.Acks))
		for k, v := range p.Acks {
			out.Acks[k] = v
		}
	}
	return out
}
