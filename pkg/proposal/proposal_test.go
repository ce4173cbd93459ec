package proposal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
)

var allStatuses = []Status{StatusDraft, StatusSubmitted, StatusReceived, StatusApproved, StatusRejected, StatusNeedsChanges}

func newManager(opts ...Option) (*Manager, *time.Time) {
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	store := kv.NewMemoryStore()
	base := []Option{
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("prop-%03d", n) }),
		WithIdempotency(idempotency.NewCache(store)),
	}
	return NewManager(store, append(base, opts...)...), &now
}

func submitReq(uid, proposed string) SubmitRequest {
	return SubmitRequest{
		ArtifactUID:  uid,
		ArtifactType: artifact.TypeOption,
		BaseHash:     "sha256:base",
		ProposedHash: proposed,
		SourceSite:   "client-1",
	}
}

func TestSubmit_AdvancesToReceived(t *testing.T) {
	m, _ := newManager()
	res, err := m.Submit(context.Background(), submitReq("option:blogname", "sha256:new"))
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)

	p := res.Proposal
	assert.Equal(t, StatusReceived, p.Status)
	require.Len(t, p.History, 2)
	assert.Equal(t, HistoryEntry{From: StatusDraft, To: StatusSubmitted, Actor: "client-1", At: p.CreatedAt}, p.History[0])
	assert.Equal(t, StatusSubmitted, p.History[1].From)
	assert.Equal(t, StatusReceived, p.History[1].To)
}

func TestSubmit_Deduplicates(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	first, err := m.Submit(ctx, submitReq("option:blogname", "sha256:new"))
	require.NoError(t, err)

	again, err := m.Submit(ctx, submitReq("option:blogname", "sha256:new"))
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, first.Proposal.ProposalID, again.Proposal.ProposalID)

	other, err := m.Submit(ctx, submitReq("option:blogname", "sha256:other"))
	require.NoError(t, err)
	assert.NotEqual(t, first.Proposal.ProposalID, other.Proposal.ProposalID)

	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSubmit_Validation(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	for name, req := range map[string]SubmitRequest{
		"bad uid":     submitReq("blogname", "h"),
		"no proposed": submitReq("option:blogname", ""),
		"no type":     {ArtifactUID: "option:x", ProposedHash: "h"},
	} {
		_, err := m.Submit(ctx, req)
		assert.True(t, errcode.Has(err, errcode.InvalidInput), name)
	}
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	req := submitReq("option:a", "h1")
	req.IdempotencyKey = "retry-1"
	first, err := m.Submit(ctx, req)
	require.NoError(t, err)

	req.ProposedHash = "h2"
	again, err := m.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Proposal.ProposalID, again.Proposal.ProposalID)
	assert.Equal(t, "h1", again.Proposal.ProposedHash)
}

func TestTransition(t *testing.T) {
	bus := events.NewBus(nil)
	var seen []string
	bus.Subscribe(func(_ context.Context, e events.Event) { seen = append(seen, e.Data["to"].(string)) })

	m, _ := newManager(WithBus(bus))
	ctx := context.Background()
	res, err := m.Submit(ctx, submitReq("option:a", "h1"))
	require.NoError(t, err)
	id := res.Proposal.ProposalID

	_, err = m.Transition(ctx, id, StatusSubmitted, "ops", "")
	assert.True(t, errcode.Has(err, errcode.TransitionInvalid))

	p, err := m.Transition(ctx, id, StatusNeedsChanges, "ops", "tighten copy")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsChanges, p.Status)
	last := p.History[len(p.History)-1]
	assert.Equal(t, HistoryEntry{From: StatusReceived, To: StatusNeedsChanges, Actor: "ops", Note: "tighten copy", At: last.At}, last)

	_, err = m.Transition(ctx, id, StatusApproved, "ops", "")
	assert.True(t, errcode.Has(err, errcode.TransitionInvalid), "approval requires RECEIVED")

	p, err = m.Resubmit(ctx, id, "h2", "client-1", "fixed")
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, p.Status)
	assert.Equal(t, "h2", p.ProposedHash)
	assert.Len(t, p.History, 5)

	p, err = m.Transition(ctx, id, StatusApproved, "ops", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, p.Status)

	for _, to := range allStatuses {
		_, err = m.Transition(ctx, id, to, "ops", "")
		assert.True(t, errcode.Has(err, errcode.TransitionInvalid), "approved is terminal (%s)", to)
	}
	_, err = m.Resubmit(ctx, id, "h3", "client-1", "")
	assert.True(t, errcode.Has(err, errcode.TransitionInvalid))

	_, err = m.Transition(ctx, "missing", StatusApproved, "ops", "")
	assert.True(t, errcode.Has(err, errcode.ProposalNotFound))

	assert.Equal(t, []string{"RECEIVED", "NEEDS_CHANGES", "RECEIVED", "APPROVED"}, seen)
}

func TestQueueEvictsTerminalFirst(t *testing.T) {
	m, now := newManager(WithMaxQueue(3))
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		res, err := m.Submit(ctx, submitReq(fmt.Sprintf("option:o%d", i), "h"))
		require.NoError(t, err)
		ids = append(ids, res.Proposal.ProposalID)
		*now = now.Add(time.Minute)
	}
	_, err := m.Transition(ctx, ids[2], StatusRejected, "ops", "")
	require.NoError(t, err)

	_, err = m.Submit(ctx, submitReq("option:o3", "h"))
	require.NoError(t, err)

	_, err = m.Get(ctx, ids[2])
	assert.True(t, errcode.Has(err, errcode.ProposalNotFound), "the rejected proposal goes first")
	_, err = m.Get(ctx, ids[0])
	assert.NoError(t, err)

	*now = now.Add(time.Minute)
	_, err = m.Submit(ctx, submitReq("option:o4", "h"))
	require.NoError(t, err)
	_, err = m.Get(ctx, ids[0])
	assert.True(t, errcode.Has(err, errcode.ProposalNotFound), "then the oldest open one")

	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestQueueNeverEvictsIncoming(t *testing.T) {
	// Same clock for every submission, and each new id sorts before the last.
	n := 10
	m, _ := newManager(WithMaxQueue(2), WithIDGenerator(func() string { n--; return fmt.Sprintf("prop-%03d", n) }))
	ctx := context.Background()

	for i := range 3 {
		res, err := m.Submit(ctx, submitReq(fmt.Sprintf("option:o%d", i), "h"))
		require.NoError(t, err)
		got, err := m.Get(ctx, res.Proposal.ProposalID)
		require.NoError(t, err, "submission %d must survive its own eviction pass", i)
		assert.Equal(t, StatusReceived, got.Status)
	}
	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestList_Filter(t *testing.T) {
	m, now := newManager()
	ctx := context.Background()
	_, err := m.Submit(ctx, submitReq("option:a", "h"))
	require.NoError(t, err)
	*now = now.Add(time.Second)
	req := submitReq("option:b", "h")
	req.SourceSite = "client-2"
	_, err = m.Submit(ctx, req)
	require.NoError(t, err)

	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "option:b", all[0].ArtifactUID, "newest first")

	got, err := m.List(ctx, Filter{SourceSite: "client-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = m.List(ctx, Filter{Status: StatusApproved})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTransitionTableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("status only ever moves along the table", prop.ForAll(
		func(steps []int) bool {
			m, _ := newManager()
			ctx := context.Background()
			res, err := m.Submit(ctx, submitReq("option:p", "h"))
			if err != nil {
				return false
			}
			id := res.Proposal.ProposalID
			current := StatusReceived
			for _, s := range steps {
				to := allStatuses[s]
				_, err := m.Transition(ctx, id, to, "prop", "")
				if CanTransition(current, to) != (err == nil) {
					return false
				}
				if err == nil {
					current = to
				} else if !errcode.Has(err, errcode.TransitionInvalid) {
					return false
				}
			}
			p, err := m.Get(ctx, id)
			if err != nil || p.Status != current {
				return false
			}
			for i, h := range p.History {
				if !CanTransition(h.From, h.To) {
					return false
				}
				if i > 0 && p.History[i-1].To != h.From {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStatuses)-1)),
	))

	properties.TestingRun(t)
}
