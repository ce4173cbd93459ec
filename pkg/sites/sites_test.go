package sites

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
)

func newRegistry(opts ...Option) *Registry {
	clock := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return NewRegistry(kv.NewMemoryStore(), append([]Option{WithClock(clock)}, opts...)...)
}

func boolPtr(b bool) *bool { return &b }

func TestFlag_JSON(t *testing.T) {
	b, err := json.Marshal(Site{SiteUID: "a", AllowReceivePackages: true})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"allow_receive_packages":1`)

	for in, want := range map[string]bool{`1`: true, `0`: false, `true`: true, `false`: false, `"1"`: true, `null`: false} {
		var f Flag
		require.NoError(t, json.Unmarshal([]byte(in), &f), in)
		assert.Equal(t, want, bool(f), in)
	}
	var f Flag
	assert.Error(t, json.Unmarshal([]byte(`2`), &f))
}

func TestUpsert_MergesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	_, err := r.Upsert(ctx, Patch{SiteUID: "site-a", SiteLabel: "A", BaseURL: "https://a.test", AuthMode: AuthAppPassword, AllowReceivePackages: boolPtr(true)})
	require.NoError(t, err)
	s, err := r.Upsert(ctx, Patch{SiteUID: "site-a", Status: StatusOnline})
	require.NoError(t, err)

	assert.Equal(t, "A", s.SiteLabel)
	assert.Equal(t, "https://a.test", s.BaseURL)
	assert.Equal(t, StatusOnline, s.Status)
	assert.True(t, s.Allowed())

	again, err := r.Upsert(ctx, Patch{SiteUID: "site-a", Status: StatusOnline})
	require.NoError(t, err)
	assert.Equal(t, s, again)

	list, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = r.Upsert(ctx, Patch{})
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestIsAllowed(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	ok, err := r.IsAllowed(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Upsert(ctx, Patch{SiteUID: "s", AllowReceivePackages: boolPtr(true)})
	require.NoError(t, err)
	ok, err = r.IsAllowed(ctx, "s")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.SetStatus(ctx, "s", StatusDisabled)
	require.NoError(t, err)
	ok, err = r.IsAllowed(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok, "disabled sites are never allowed")
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil)
	var got []events.Event
	bus.Subscribe(func(_ context.Context, e events.Event) { got = append(got, e) })
	r := newRegistry(WithBus(bus))

	_, err := r.SetStatus(ctx, "missing", StatusOnline)
	assert.True(t, errcode.Has(err, errcode.SiteNotFound))

	_, err = r.Upsert(ctx, Patch{SiteUID: "s"})
	require.NoError(t, err)
	s, err := r.SetStatus(ctx, "s", StatusOnline)
	require.NoError(t, err)
	require.NotNil(t, s.LastSeenAt)
	_, err = r.SetStatus(ctx, "s", StatusOnline)
	require.NoError(t, err)
	assert.Len(t, got, 1, "unchanged status publishes nothing")

	_, err = r.SetStatus(ctx, "s", "sleeping")
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestRecordReachability_KeepsDisabled(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	_, err := r.Upsert(ctx, Patch{SiteUID: "s", Status: StatusDisabled})
	require.NoError(t, err)

	s, err := r.RecordReachability(ctx, "s", true)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, s.Status)
	assert.Nil(t, s.LastSeenAt)

	s, err = r.SetStatus(ctx, "s", StatusOnline)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, s.Status, "operators can re-enable")

	s, err = r.RecordReachability(ctx, "s", false)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, s.Status)
}

func TestSyncFromPackages_Backfills(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	_, err := r.Upsert(ctx, Patch{SiteUID: "known", SiteLabel: "Operator label"})
	require.NoError(t, err)

	n, err := r.SyncFromPackages(ctx, []Source{
		{SiteUID: "known", SiteLabel: "Package label", BaseURL: "https://k.test"},
		{SiteUID: "new", SiteLabel: "New"},
		{SiteUID: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	k, err := r.Get(ctx, "known")
	require.NoError(t, err)
	assert.Equal(t, "Operator label", k.SiteLabel, "backfill never overrides")
	assert.Equal(t, "https://k.test", k.BaseURL)

	nw, err := r.Get(ctx, "new")
	require.NoError(t, err)
	assert.False(t, nw.Allowed())
}

func TestSyncFromOnboarding_IsAuthoritative(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	s, err := r.SyncFromOnboarding(ctx, Source{SiteUID: "c", BaseURL: "https://c.test", AuthMode: AuthAppPassword, OnboardingState: OnboardingVerified})
	require.NoError(t, err)
	assert.True(t, s.Allowed())

	s, err = r.SyncFromOnboarding(ctx, Source{SiteUID: "c", OnboardingState: OnboardingRejected})
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, s.Status)
	assert.False(t, bool(s.AllowReceivePackages))
	assert.Equal(t, "https://c.test", s.BaseURL)

	s, err = r.SyncFromOnboarding(ctx, Source{SiteUID: "c", OnboardingState: OnboardingVerified})
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, s.Status)
	assert.True(t, s.Allowed())
}
