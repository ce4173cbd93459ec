package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/blob"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	mgr   *Manager
	sites *sites.Registry
	clock *fakeClock
	blobs *blob.MemoryStore
	bus   *events.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := kv.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	n := 0
	f := &fixture{
		sites: sites.NewRegistry(store, sites.WithClock(clock.Now)),
		clock: clock,
		blobs: blob.NewMemoryStore(),
		bus:   events.NewBus(nil),
	}
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }),
		WithIdempotency(idempotency.NewCache(store)),
		WithBus(f.bus),
	}
	f.mgr = NewManager(store, f.blobs, artifact.NewRegistry(), f.sites, append(base, opts...)...)
	return f
}

func rawManifest(t *testing.T, m *manifest.Manifest) json.RawMessage {
	t.Helper()
	if m.SchemaVersion == "" {
		m.SchemaVersion = manifest.CurrentSchemaVersion
	}
	b, err := manifest.Encode(m)
	require.NoError(t, err)
	return b
}

func simpleManifest(t *testing.T, value string) json.RawMessage {
	return rawManifest(t, &manifest.Manifest{Artifacts: []manifest.Artifact{
		{UID: "option:blogname", Type: artifact.TypeOption, Payload: value},
	}})
}

func (f *fixture) create(t *testing.T, req CreateRequest) *Package {
	t.Helper()
	if req.Manifest == nil {
		req.Manifest = simpleManifest(t, "x")
	}
	res, err := f.mgr.Create(context.Background(), req)
	require.NoError(t, err)
	return &res.Package
}

func (f *fixture) allowSite(t *testing.T, uid string) {
	t.Helper()
	allow := true
	_, err := f.sites.Upsert(context.Background(), sites.Patch{
		SiteUID: uid, AuthMode: sites.AuthAppPassword, AllowReceivePackages: &allow,
	})
	require.NoError(t, err)
}

func TestCreate_Defaults(t *testing.T) {
	settings := DefaultSettings()
	settings.SiteUID = "mother"
	f := newFixture(t, WithSettings(settings))
	p := f.create(t, CreateRequest{Name: "theme"})

	assert.Equal(t, "id-1", p.PackageID)
	assert.Equal(t, StatusPublished, p.Status)
	assert.Equal(t, manifest.ChannelCanary, p.Channel)
	assert.Equal(t, "1.0.0", p.Version)
	assert.Equal(t, "mother", p.SourceSite)
	assert.Equal(t, TargetAll, p.Targeting.Mode)
	assert.Equal(t, 1, p.ArtifactCount)
	require.Len(t, p.DeliveryTimeline, 1)
	assert.Equal(t, EventEligible, p.DeliveryTimeline[0].Event)

	man, err := f.mgr.Manifest(context.Background(), p.PackageID)
	require.NoError(t, err)
	assert.Equal(t, p.PackageID, man.PackageID)
	assert.Equal(t, "mother", man.SourceSite)
}

func TestCreate_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.mgr.Create(ctx, CreateRequest{PackageID: "pkg-a", Manifest: simpleManifest(t, "a"), IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := f.mgr.Create(ctx, CreateRequest{PackageID: "pkg-b", Manifest: simpleManifest(t, "b"), IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, "pkg-a", again.Package.PackageID)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	againJSON, err := json.Marshal(again)
	require.NoError(t, err)
	assert.JSONEq(t, string(firstJSON), string(againJSON), "the replay flag is not part of the response")
	assert.NotContains(t, string(againJSON), "replayed")

	all, err := f.mgr.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.mgr.Create(ctx, CreateRequest{PackageID: "pkg-a", Manifest: simpleManifest(t, "c")})
	assert.True(t, errcode.Has(err, errcode.PackageExists))
}

func TestCreate_RejectsFailedPreflight(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Create(context.Background(), CreateRequest{Manifest: rawManifest(t, &manifest.Manifest{Artifacts: []manifest.Artifact{}})})
	assert.True(t, errcode.Has(err, errcode.EmptyManifest))

	_, err = f.mgr.Create(context.Background(), CreateRequest{Manifest: simpleManifest(t, "x"), Status: StatusRevoked})
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestCreate_SupersedesOlderPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.create(t, CreateRequest{PackageID: "old", Name: "theme"})
	other := f.create(t, CreateRequest{PackageID: "other", Name: "theme", Channel: manifest.ChannelBeta})
	f.clock.Advance(time.Minute)
	f.create(t, CreateRequest{PackageID: "new", Name: "theme"})

	got, err := f.mgr.Get(ctx, old.PackageID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, got.Status)

	got, err = f.mgr.Get(ctx, other.PackageID)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got.Status, "other channels are untouched")

	draft := f.create(t, CreateRequest{PackageID: "draft", Name: "theme", Status: StatusDraft})
	got, err = f.mgr.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got.Status, "drafts supersede nothing")

	f.clock.Advance(time.Minute)
	published, err := f.mgr.Publish(ctx, draft.PackageID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, published.Status)
	got, err = f.mgr.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got.Status, "equal created_at and version fall back to package id")
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, CreateRequest{PackageID: "p", Channel: manifest.ChannelBeta})

	_, err := f.mgr.Promote(ctx, PromoteRequest{PackageID: "p", Channel: manifest.ChannelCanary})
	assert.True(t, errcode.Has(err, errcode.ChannelProgression))

	_, err = f.mgr.Promote(ctx, PromoteRequest{PackageID: "p", Channel: "nightly"})
	assert.True(t, errcode.Has(err, errcode.ChannelProgression))

	_, err = f.mgr.Promote(ctx, PromoteRequest{PackageID: "p", Channel: manifest.ChannelStable})
	assert.True(t, errcode.Has(err, errcode.ConfirmationRequired))
	got, err := f.mgr.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, manifest.ChannelBeta, got.Channel, "failed promotion writes nothing")

	res, err := f.mgr.Promote(ctx, PromoteRequest{PackageID: "p", Channel: manifest.ChannelStable, ConfirmStablePromotion: true})
	require.NoError(t, err)
	assert.Equal(t, manifest.ChannelBeta, res.From)
	assert.Equal(t, manifest.ChannelStable, res.Package.Channel)
	last := res.Package.DeliveryTimeline[len(res.Package.DeliveryTimeline)-1]
	assert.Equal(t, EventEligible, last.Event)
	assert.Equal(t, "stable", last.Detail)

	f.create(t, CreateRequest{PackageID: "d", Status: StatusDraft})
	res, err = f.mgr.Promote(ctx, PromoteRequest{PackageID: "d", Channel: manifest.ChannelBeta})
	require.NoError(t, err)
	last = res.Package.DeliveryTimeline[len(res.Package.DeliveryTimeline)-1]
	assert.Equal(t, EventPromoted, last.Event, "drafts are not eligible yet, but the move is recorded")
	assert.Equal(t, "canary->beta", last.Detail)

	_, err = f.mgr.Promote(ctx, PromoteRequest{PackageID: "missing", Channel: manifest.ChannelStable})
	assert.True(t, errcode.Has(err, errcode.PackageNotFound))
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, CreateRequest{PackageID: "p"})

	var revoked int
	f.bus.Subscribe(func(_ context.Context, e events.Event) {
		if e.Type == events.PackageRevoked {
			revoked++
		}
	})

	_, err := f.mgr.Revoke(ctx, RevokeRequest{PackageID: "p"})
	assert.True(t, errcode.Has(err, errcode.ConfirmationRequired))

	res, err := f.mgr.Revoke(ctx, RevokeRequest{PackageID: "p", Confirm: true, Reason: "bad"})
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, res.Package.Status)
	require.NotNil(t, res.Package.RevokedAt)
	assert.Equal(t, "bad", res.Package.RevokeReason)

	last := res.Package.DeliveryTimeline[len(res.Package.DeliveryTimeline)-1]
	assert.Equal(t, EventRevoked, last.Event)
	assert.Equal(t, "bad", last.Detail)

	again, err := f.mgr.Revoke(ctx, RevokeRequest{PackageID: "p", Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)
	assert.Len(t, again.Package.DeliveryTimeline, len(res.Package.DeliveryTimeline), "revoking twice records once")

	_, err = f.mgr.Promote(ctx, PromoteRequest{PackageID: "p", Channel: manifest.ChannelBeta})
	assert.True(t, errcode.Has(err, errcode.PackageRevoked))
	_, err = f.mgr.Publish(ctx, "p", "ops")
	assert.True(t, errcode.Has(err, errcode.PackageRevoked))
}

func TestNormalizeTargeting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allowSite(t, "site-a")
	blocked := false
	_, err := f.sites.Upsert(ctx, sites.Patch{SiteUID: "site-b", AuthMode: sites.AuthAppPassword, AllowReceivePackages: &blocked})
	require.NoError(t, err)

	got, err := f.mgr.NormalizeTargeting(ctx, Targeting{})
	require.NoError(t, err)
	assert.Equal(t, Targeting{Mode: TargetAll, SiteUIDs: []string{}}, got)

	got, err = f.mgr.NormalizeTargeting(ctx, Targeting{Mode: "Selected", SiteUIDs: []string{"site-a", "site-a", " "}})
	require.NoError(t, err)
	assert.Equal(t, Targeting{Mode: TargetSelected, SiteUIDs: []string{"site-a"}}, got)

	for name, in := range map[string]Targeting{
		"empty":   {Mode: TargetSelected},
		"unknown": {Mode: TargetSelected, SiteUIDs: []string{"nope"}},
		"blocked": {Mode: TargetSelected, SiteUIDs: []string{"site-b"}},
	} {
		_, err := f.mgr.NormalizeTargeting(ctx, in)
		assert.True(t, errcode.Has(err, errcode.TargetSiteInvalid), name)
	}
	_, err = f.mgr.NormalizeTargeting(ctx, Targeting{Mode: "some"})
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestPreflight(t *testing.T) {
	old := rawManifest(t, &manifest.Manifest{SchemaVersion: "9", Artifacts: []manifest.Artifact{
		{UID: "option:blogname", Type: artifact.TypeOption, Payload: "x"},
	}})

	strict := newFixture(t).mgr.Preflight(old)
	assert.False(t, strict.OK)
	assert.Equal(t, "strict", strict.ParseMode)
	assert.True(t, errcode.Has(strict.Err(), errcode.SchemaUnsupported))

	settings := DefaultSettings()
	settings.Lenient = true
	lenient := newFixture(t, WithSettings(settings)).mgr.Preflight(old)
	assert.True(t, lenient.OK)
	require.Len(t, lenient.Warnings, 1)
	assert.Equal(t, errcode.SchemaUnsupported, lenient.Warnings[0].Code)

	settings = DefaultSettings()
	settings.MaxBytes = 10
	tiny := newFixture(t, WithSettings(settings)).mgr.Preflight(old)
	assert.True(t, errcode.Has(tiny.Err(), errcode.PayloadTooLarge))

	excluded := newFixture(t).mgr.Preflight(rawManifest(t, &manifest.Manifest{Artifacts: []manifest.Artifact{
		{UID: "option:auth_key", Type: artifact.TypeOption, Payload: "secret"},
	}}))
	assert.True(t, errcode.Has(excluded.Err(), errcode.ArtifactExcluded))
	assert.Equal(t, "option:auth_key", excluded.Errors[0].ArtifactUID)

	dup := newFixture(t).mgr.Preflight(rawManifest(t, &manifest.Manifest{Artifacts: []manifest.Artifact{
		{UID: "option:a", Type: artifact.TypeOption, Payload: "1"},
		{UID: "option:a", Type: artifact.TypeOption, Payload: "2"},
	}}))
	assert.True(t, errcode.Has(dup.Err(), errcode.InvalidInput))

	garbage := newFixture(t).mgr.Preflight([]byte("{"))
	assert.False(t, garbage.OK)
}

func TestPullLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.allowSite(t, "site-a")
	f.allowSite(t, "site-b")

	_, err := f.mgr.PullLatest(ctx, "site-a", manifest.ChannelCanary)
	assert.True(t, errcode.Has(err, errcode.PackageNotFound))

	f.create(t, CreateRequest{PackageID: "a", Name: "one", Version: "1.0.0"})
	f.create(t, CreateRequest{PackageID: "b", Name: "two", Version: "2.0.0"})
	f.create(t, CreateRequest{PackageID: "c", Name: "three", Version: "1.0.0", Channel: manifest.ChannelBeta})
	f.create(t, CreateRequest{PackageID: "d", Name: "four", Status: StatusDraft})

	res, err := f.mgr.PullLatest(ctx, "site-a", manifest.ChannelCanary)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Package.PackageID, "same created_at falls back to version")
	assert.NotEmpty(t, res.Manifest)
	last := res.Package.DeliveryTimeline[len(res.Package.DeliveryTimeline)-1]
	assert.Equal(t, EventPulled, last.Event)
	assert.Equal(t, "site-a", last.SiteUID)

	f.clock.Advance(time.Second)
	f.create(t, CreateRequest{PackageID: "e", Name: "five", Targeting: Targeting{Mode: TargetSelected, SiteUIDs: []string{"site-b"}}})

	res, err = f.mgr.PullLatest(ctx, "site-a", manifest.ChannelCanary)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Package.PackageID, "targeted packages are invisible to others")
	res, err = f.mgr.PullLatest(ctx, "site-b", manifest.ChannelCanary)
	require.NoError(t, err)
	assert.Equal(t, "e", res.Package.PackageID)

	_, err = f.mgr.PullLatest(ctx, "stranger", manifest.ChannelCanary)
	assert.True(t, errcode.Has(err, errcode.TargetSiteInvalid))
}

func TestAdvance_BackoffAndDeadLetter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var s *TransportState
	for i, want := range []int64{60, 120, 240, 480} {
		s = advance(s, false, "remote_status", now, time.Minute, 5)
		assert.Equal(t, i+1, s.Attempts)
		assert.Equal(t, want, s.BackoffSeconds)
		assert.Equal(t, now.Add(time.Duration(want)*time.Second), *s.NextRetryAt)
		assert.False(t, s.DeadLetter)
	}
	s = advance(s, false, "remote_status", now, time.Minute, 5)
	assert.True(t, s.DeadLetter)
	assert.Equal(t, int64(960), s.BackoffSeconds)

	s = advance(s, true, "", now, time.Minute, 5)
	assert.Equal(t, 0, s.Attempts)
	assert.Equal(t, "ok", s.LastStatus)
	assert.Nil(t, s.NextRetryAt)
	assert.False(t, s.DeadLetter)

	var capped *TransportState
	for range 4 {
		capped = advance(capped, false, "x", now, 40*time.Minute, 10)
	}
	assert.Equal(t, int64(3600), capped.BackoffSeconds)
}

func TestUpdateTransportState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, CreateRequest{PackageID: "p"})

	var data map[string]any
	f.bus.Subscribe(func(_ context.Context, e events.Event) {
		if e.Type == events.PackageTransport {
			data = e.Data
		}
	})

	p, err := f.mgr.UpdateTransportState(ctx, "p", OpPublish, false, errcode.RemoteUnreachable)
	require.NoError(t, err)
	st := p.DeliveryTransport[OpPublish]
	require.NotNil(t, st)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "remote_unreachable", st.LastErrorCode)
	assert.Equal(t, "failed", data["result"])
	assert.Equal(t, OpPublish, data["operation"])

	_, err = f.mgr.UpdateTransportState(ctx, "p", "teleport", true, "")
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestTimelineIsBounded(t *testing.T) {
	settings := DefaultSettings()
	settings.TimelineMax = 3
	f := newFixture(t, WithSettings(settings))
	ctx := context.Background()
	f.create(t, CreateRequest{PackageID: "p"})

	for i := range 5 {
		_, err := f.mgr.RecordAck(ctx, AckRequest{PackageID: "p", SiteUID: "s", Event: EventApplied, Detail: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	p, err := f.mgr.Get(ctx, "p")
	require.NoError(t, err)
	require.Len(t, p.DeliveryTimeline, 3)
	assert.Equal(t, "4", p.DeliveryTimeline[2].Detail)
	assert.Equal(t, EventApplied, p.Acks["s"].Event)

	_, err = f.mgr.RecordAck(ctx, AckRequest{PackageID: "p", SiteUID: "s", Event: "exploded"})
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestBootstrapCreate(t *testing.T) {
	ctx := context.Background()
	cs := content.NewMemoryStore()
	require.NoError(t, cs.WriteOption(ctx, "blogname", "My site"))
	require.NoError(t, cs.WriteOption(ctx, "auth_key", "secret"))
	require.NoError(t, cs.WriteEntity(ctx, "post:1", map[string]any{"title": "Hello", "status": "publish"}, map[string]any{"k": "v"}))

	f := newFixture(t, WithContent(cs))
	res, err := f.mgr.BootstrapCreate(ctx, BootstrapRequest{
		Name:       "seed",
		OptionKeys: []string{"blogname", "auth_key", "missing"},
		EntityIDs:  []string{"post:1", "post:2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Package.ArtifactCount)
	assert.ElementsMatch(t, []SkippedExport{
		{ArtifactUID: "option:auth_key", Reason: "excluded"},
		{ArtifactUID: "option:missing", Reason: "missing"},
		{ArtifactUID: "entity:post:2", Reason: "missing"},
	}, res.Skipped)

	man, err := f.mgr.Manifest(ctx, res.Package.PackageID)
	require.NoError(t, err)
	for _, a := range man.Artifacts {
		assert.NotEmpty(t, a.Hash, a.UID)
	}

	_, err = f.mgr.BootstrapCreate(ctx, BootstrapRequest{Name: "empty", OptionKeys: []string{"missing"}})
	assert.True(t, errcode.Has(err, errcode.EmptyManifest))

	_, err = newFixture(t).mgr.BootstrapCreate(ctx, BootstrapRequest{Name: "x"})
	assert.True(t, errcode.Has(err, errcode.Internal))
}

func TestReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := rawManifest(t, &manifest.Manifest{PackageID: "from-client", Artifacts: []manifest.Artifact{
		{UID: "option:blogname", Type: artifact.TypeOption, Payload: "x"},
	}})

	res, err := f.mgr.Receive(ctx, ReceiveRequest{SourceSite: "client-1", SiteLabel: "Client", Manifest: raw})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, res.Package.Status)
	assert.Equal(t, "from-client", res.Package.PackageID)
	assert.NotEmpty(t, res.ReceiptID)
	assert.Equal(t, EventReceived, res.Package.DeliveryTimeline[0].Event)

	site, err := f.sites.Get(ctx, "client-1")
	require.NoError(t, err, "receiving backfills the site registry")
	assert.Equal(t, "Client", site.SiteLabel)

	again, err := f.mgr.Receive(ctx, ReceiveRequest{SourceSite: "client-1", Manifest: raw})
	require.NoError(t, err)
	assert.Equal(t, res.ReceiptID, again.ReceiptID)

	_, err = f.mgr.Receive(ctx, ReceiveRequest{SourceSite: "client-1", PackageID: "from-client", Manifest: simpleManifest(t, "changed")})
	assert.True(t, errcode.Has(err, errcode.PackageExists))

	_, err = f.mgr.Receive(ctx, ReceiveRequest{Manifest: raw})
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

type fakeRemote struct {
	publishErr error
	published  int
	fetchPkg   *Package
	fetchRaw   []byte
	fetchErr   error
	acks       []AckRequest
}

func (r *fakeRemote) PublishPackage(_ context.Context, p *Package, raw []byte) (string, error) {
	r.published++
	if r.publishErr != nil {
		return "", r.publishErr
	}
	return "receipt-" + p.PackageID, nil
}

func (r *fakeRemote) FetchLatest(context.Context, string, manifest.Channel) (*Package, []byte, error) {
	return r.fetchPkg, r.fetchRaw, r.fetchErr
}

func (r *fakeRemote) SendAck(_ context.Context, ack AckRequest) error {
	r.acks = append(r.acks, ack)
	return nil
}

func TestPublishRemote_RetriesAndDeadLetter(t *testing.T) {
	remote := &fakeRemote{publishErr: errcode.New(errcode.RemoteStatus, "503")}
	settings := DefaultSettings()
	settings.MaxAttempts = 3
	f := newFixture(t, WithRemote(remote), WithSettings(settings))
	ctx := context.Background()
	f.create(t, CreateRequest{PackageID: "p"})

	_, err := f.mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p"})
	assert.True(t, errcode.Has(err, errcode.RemoteStatus))
	p, err := f.mgr.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, p.DeliveryTransport[OpPublish].Attempts)
	assert.Equal(t, EventFailed, p.DeliveryTimeline[len(p.DeliveryTimeline)-1].Event)

	_, err = f.mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p"})
	assert.True(t, errcode.Has(err, errcode.RetryNotDue))
	assert.Equal(t, 1, remote.published)

	due, err := f.mgr.DueRetries(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = f.mgr.DueRetries(ctx, f.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, due)

	_, err = f.mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p", Force: true})
	assert.True(t, errcode.Has(err, errcode.RemoteStatus))
	f.clock.Advance(time.Hour)
	_, err = f.mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p"})
	assert.True(t, errcode.Has(err, errcode.RemoteStatus))

	p, err = f.mgr.Get(ctx, "p")
	require.NoError(t, err)
	assert.True(t, p.DeliveryTransport[OpPublish].DeadLetter)

	_, err = f.mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p", Force: true})
	assert.True(t, errcode.Has(err, errcode.DeadLettered))
	assert.Equal(t, 3, remote.published)
}

func TestPublishRemote_Success(t *testing.T) {
	remote := &fakeRemote{}
	f := newFixture(t, WithRemote(remote))
	ctx := context.Background()
	f.create(t, CreateRequest{PackageID: "p"})

	res, err := f.mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p", IdempotencyKey: "once"})
	require.NoError(t, err)
	assert.Equal(t, "receipt-p", res.ReceiptID)
	assert.Equal(t, "receipt-p", res.Package.ReceiptID)
	assert.Equal(t, "ok", res.Package.DeliveryTransport[OpPublish].LastStatus)
	assert.Equal(t, EventSent, res.Package.DeliveryTimeline[len(res.Package.DeliveryTimeline)-1].Event)

	again, err := f.mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p", IdempotencyKey: "once"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, remote.published)

	_, err = newFixture(t).mgr.PublishRemote(ctx, PublishRemoteRequest{PackageID: "p"})
	assert.True(t, errcode.Has(err, errcode.RemoteUnreachable))
}

func TestPullRemote(t *testing.T) {
	raw := []byte(simpleManifest(t, "remote"))
	remote := &fakeRemote{
		fetchPkg: &Package{PackageID: "r1", Name: "remote", Version: "1.0.0", Channel: manifest.ChannelCanary,
			Status: StatusPublished, ManifestHash: blob.Digest(raw)},
		fetchRaw: raw,
	}
	settings := DefaultSettings()
	settings.SiteUID = "client-1"
	f := newFixture(t, WithRemote(remote), WithSettings(settings))
	ctx := context.Background()

	res, err := f.mgr.PullRemote(ctx, manifest.ChannelCanary)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.Package.PackageID)
	assert.Equal(t, EventPulled, res.Package.DeliveryTimeline[0].Event)

	local, err := f.mgr.ManifestBytes(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, raw, local)

	states, err := f.mgr.PullStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", states["canary"].LastPackageID)

	remote.fetchPkg.ManifestHash = blob.Digest([]byte("tampered"))
	_, err = f.mgr.PullRemote(ctx, manifest.ChannelCanary)
	assert.True(t, errcode.Has(err, errcode.VerificationFailed))

	remote.fetchErr = errcode.New(errcode.RemoteUnreachable, "down")
	_, err = f.mgr.PullRemote(ctx, manifest.ChannelCanary)
	assert.True(t, errcode.Has(err, errcode.RemoteUnreachable))
	states, err = f.mgr.PullStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, states["canary"].Transport.Attempts)
}

func TestSendAck(t *testing.T) {
	remote := &fakeRemote{}
	settings := DefaultSettings()
	settings.SiteUID = "client-1"
	f := newFixture(t, WithRemote(remote), WithSettings(settings))
	ctx := context.Background()
	f.create(t, CreateRequest{PackageID: "p"})

	require.NoError(t, f.mgr.SendAck(ctx, AckRequest{PackageID: "p", Event: EventApplied}))
	require.Len(t, remote.acks, 1)
	assert.Equal(t, "client-1", remote.acks[0].SiteUID)

	p, err := f.mgr.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", p.DeliveryTransport[OpAck].LastStatus)

	require.NoError(t, f.mgr.SendAck(ctx, AckRequest{PackageID: "unknown-here", Event: EventReceived}))
	err = newFixture(t).mgr.SendAck(ctx, AckRequest{PackageID: "p"})
	assert.True(t, errcode.Has(err, errcode.RemoteUnreachable))
}
