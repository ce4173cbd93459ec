package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
)

func newScanner(opts ...Option) *Scanner {
	return NewScanner(artifact.NewRegistry(), opts...)
}

func hashOnlyManifest(hash string) *manifest.Manifest {
	return &manifest.Manifest{
		SchemaVersion: manifest.CurrentSchemaVersion,
		PackageID:     "pkg-1",
		Artifacts:     []manifest.Artifact{{UID: "option:x", Type: "opt", Hash: hash}},
	}
}

func TestScan_CleanWhenHashesMatch(t *testing.T) {
	res, err := newScanner().Scan(context.Background(), Request{
		Manifest: hashOnlyManifest("H1"),
		Locals:   map[string]Local{"option:x": {Hash: "H1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusClean, res.Status)
	assert.Equal(t, 1, res.Counts["clean"])
	assert.Equal(t, 0, res.Counts["diverged"])
	require.Len(t, res.Artifacts, 1)
	assert.Nil(t, res.Artifacts[0].Diff)
}

func TestScan_DivergedListsChangedPath(t *testing.T) {
	res, err := newScanner().Scan(context.Background(), Request{
		Manifest: hashOnlyManifest("H1"),
		Locals:   map[string]Local{"option:x": {Hash: "H2"}},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDiverged, res.Status)
	assert.Equal(t, 1, res.Counts["diverged"])
	diff := res.Artifacts[0].Diff
	require.NotNil(t, diff)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "$", diff.Changes[0].Path)
	assert.Equal(t, ChangeModified, diff.Changes[0].Kind)
	assert.Equal(t, "H2", diff.Changes[0].Local)
	assert.Equal(t, "H1", diff.Changes[0].Target)
}

func TestScan_PayloadDiff(t *testing.T) {
	m := &manifest.Manifest{Artifacts: []manifest.Artifact{{
		UID:  "option:site",
		Type: artifact.TypeOption,
		Payload: map[string]any{
			"title": "New",
			"tags":  []any{"a", "b"},
			"extra": map[string]any{},
		},
	}}}
	res, err := newScanner().Scan(context.Background(), Request{
		Manifest: m,
		Locals: map[string]Local{"option:site": {Payload: map[string]any{
			"title": "Old",
			"tags":  []any{"a"},
			"gone":  true,
		}}},
	})
	require.NoError(t, err)

	diff := res.Artifacts[0].Diff
	require.NotNil(t, diff)
	assert.Equal(t, []Change{
		{Path: "$.extra", Kind: ChangeAdded, Target: "{}"},
		{Path: "$.gone", Kind: ChangeRemoved, Local: "true"},
		{Path: "$.tags[1]", Kind: ChangeAdded, Target: `"b"`},
		{Path: "$.title", Kind: ChangeModified, Local: `"Old"`, Target: `"New"`},
	}, diff.Changes)
	assert.Equal(t, 4, diff.Total)
	assert.False(t, diff.Truncated)
}

func TestScan_TruncatesButCountsEverything(t *testing.T) {
	target := map[string]any{}
	for i := 0; i < 40; i++ {
		target[fmt.Sprintf("k%02d", i)] = i
	}
	m := &manifest.Manifest{Artifacts: []manifest.Artifact{{UID: "option:big", Type: artifact.TypeOption, Payload: target}}}

	res, err := newScanner().Scan(context.Background(), Request{
		Manifest: m,
		Locals:   map[string]Local{"option:big": {Payload: map[string]any{"other": 1}}},
	})
	require.NoError(t, err)
	diff := res.Artifacts[0].Diff
	assert.Len(t, diff.Changes, DefaultMaxChanges)
	assert.Equal(t, 41, diff.Total)
	assert.True(t, diff.Truncated)
	assert.True(t, diff.RawAvailable)

	res, err = newScanner().Scan(context.Background(), Request{
		Manifest:   m,
		Locals:     map[string]Local{"option:big": {Payload: map[string]any{"other": 1}}},
		MaxChanges: 5,
	})
	require.NoError(t, err)
	assert.Len(t, res.Artifacts[0].Diff.Changes, 5)
	assert.Equal(t, 41, res.Artifacts[0].Diff.Total)
}

func TestScan_OverridesAndOverallStatus(t *testing.T) {
	m := &manifest.Manifest{Artifacts: []manifest.Artifact{
		{UID: "option:a", Type: artifact.TypeOption, Payload: "1"},
		{UID: "option:b", Type: artifact.TypeOption, Payload: "2"},
		{UID: "option:c", Type: artifact.TypeOption, Payload: "3"},
	}}
	locals := map[string]Local{
		"option:a": {Payload: "1"},
		"option:b": {Payload: "changed"},
		"option:c": {Payload: "changed"},
	}

	res, err := newScanner().Scan(context.Background(), Request{
		Manifest:  m,
		Locals:    locals,
		Overrides: map[string]Status{"option:b": StatusOverridden, "option:c": StatusPendingReview, "option:a": StatusOverridden},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusClean, res.Artifacts[0].Status, "overrides never mask a clean artifact")
	assert.Equal(t, StatusOverridden, res.Artifacts[1].Status)
	assert.Equal(t, StatusPendingReview, res.Artifacts[2].Status)
	assert.Equal(t, StatusPendingReview, res.Status)
	assert.Equal(t, map[string]int{"clean": 1, "diverged": 0, "overridden": 1, "pending_review": 1}, res.Counts)

	_, err = newScanner().Scan(context.Background(), Request{
		Manifest:  m,
		Overrides: map[string]Status{"option:b": StatusClean},
	})
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestScan_DeleteTargets(t *testing.T) {
	m := &manifest.Manifest{Artifacts: []manifest.Artifact{
		{UID: "option:gone", Type: artifact.TypeOption, Payload: nil},
		{UID: "option:still", Type: artifact.TypeOption, Action: "delete", Payload: "x"},
	}}
	res, err := newScanner().Scan(context.Background(), Request{
		Manifest: m,
		Locals:   map[string]Local{"option:still": {Payload: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusClean, res.Artifacts[0].Status)
	assert.Equal(t, StatusDiverged, res.Artifacts[1].Status)
	assert.Equal(t, ChangeRemoved, res.Artifacts[1].Diff.Changes[0].Kind)
}

func TestScan_RejectsMutationHints(t *testing.T) {
	for _, hint := range []map[string]any{
		{"apply": true},
		{"WRITE": "yes"},
		{"commit": 1},
		{"mutate": json.Number("1")},
	} {
		_, err := newScanner().Scan(context.Background(), Request{Manifest: hashOnlyManifest("H"), Hints: hint})
		assert.True(t, errcode.Has(err, errcode.ScanMutationRejected), "%v", hint)
	}

	_, err := newScanner().Scan(context.Background(), Request{
		Manifest: hashOnlyManifest("H"),
		Hints:    map[string]any{"apply": false, "write": "0", "dry_run": true},
	})
	assert.NoError(t, err)
}

func TestScan_DoesNotMutateInputs(t *testing.T) {
	m := &manifest.Manifest{Artifacts: []manifest.Artifact{{
		UID:     "entity:post:1",
		Type:    artifact.TypePost,
		Payload: map[string]any{"title": "A", "modified": "2024", "meta": map[string]any{"z": []any{"b", "a"}}},
	}}}
	locals := map[string]Local{"entity:post:1": {Payload: map[string]any{"title": "B", "meta": map[string]any{}}}}

	before, err := json.Marshal([]any{m, locals})
	require.NoError(t, err)
	_, err = newScanner().Scan(context.Background(), Request{Manifest: m, Locals: locals})
	require.NoError(t, err)
	after, err := json.Marshal([]any{m, locals})
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestScan_PublishesCounts(t *testing.T) {
	bus := events.NewBus(nil)
	var got []events.Event
	bus.Subscribe(func(_ context.Context, e events.Event) { got = append(got, e) })

	_, err := newScanner(WithBus(bus)).Scan(context.Background(), Request{
		Manifest: hashOnlyManifest("H1"),
		Locals:   map[string]Local{"option:x": {Hash: "H1"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.DriftScanned, got[0].Type)
	assert.Equal(t, 1, got[0].Data["counts"].(map[string]int)["clean"])
}

func TestScan_RequiresManifest(t *testing.T) {
	_, err := newScanner().Scan(context.Background(), Request{})
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}

func TestResolveLocals(t *testing.T) {
	ctx := context.Background()
	cs := content.NewMemoryStore()
	require.NoError(t, cs.WriteOption(ctx, "x", "value"))

	m := &manifest.Manifest{Artifacts: []manifest.Artifact{
		{UID: "option:x", Type: "opt"},
		{UID: "option:missing", Type: "opt"},
	}}
	locals, err := ResolveLocals(ctx, cs, m)
	require.NoError(t, err)
	require.Len(t, locals, 1)
	assert.Equal(t, "value", locals["option:x"].Payload)

	_, err = ResolveLocals(ctx, cs, nil)
	assert.True(t, errcode.Has(err, errcode.InvalidInput))
}
