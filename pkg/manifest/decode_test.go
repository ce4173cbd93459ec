package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
)

func TestDecode_Current(t *testing.T) {
	m, err := Decode([]byte(`{
		"schema_version": "2",
		"package_id": "pkg-1",
		"version": "1.0.0",
		"channel": "beta",
		"artifacts": [
			{"artifact_uid": "option:blogname", "artifact_type": "option", "payload": "Site", "hash": "sha256:00"},
			{"artifact_uid": "entity:post:7", "artifact_type": "post", "payload": {"title": "T", "menu_order": 3}}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "2", m.SchemaVersion)
	assert.Equal(t, ChannelBeta, m.Channel)
	require.Len(t, m.Artifacts, 2)
	assert.Equal(t, "Site", m.Artifacts[0].Payload)

	payload, ok := m.Artifacts[1].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("3"), payload["menu_order"], "numbers keep their literal form")
}

func TestDecode_LegacyShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{
			name: "wrapped with meta and items",
			in: `{"manifest": {
				"meta": {"package_id": "pkg-1", "version": "0.9", "channel": "canary"},
				"items": [{"uid": "option:blogname", "type": "option", "data": "Site", "fingerprint": "sha256:00"}]
			}}`,
		},
		{
			name: "artifacts keyed by uid",
			in: `{"schema_version": 1, "package_id": "pkg-1", "version": "0.9", "channel": "canary",
				"artifacts": {"option:blogname": {"type": "option", "data": "Site", "fingerprint": "sha256:00"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, "1", m.SchemaVersion)
			assert.Equal(t, "pkg-1", m.PackageID)
			assert.Equal(t, ChannelCanary, m.Channel)
			require.Len(t, m.Artifacts, 1)
			a := m.Artifacts[0]
			assert.Equal(t, "option:blogname", a.UID)
			assert.Equal(t, "option", string(a.Type))
			assert.Equal(t, "Site", a.Payload)
			assert.Equal(t, "sha256:00", a.Hash)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	for name, in := range map[string]string{
		"not json":          `{`,
		"not an object":     `[1,2]`,
		"missing uid":       `{"schema_version":"2","artifacts":[{"artifact_type":"option"}]}`,
		"bad channel":       `{"schema_version":"2","channel":"nightly","artifacts":[]}`,
		"bad action":        `{"schema_version":"2","artifacts":[{"artifact_uid":"option:a","artifact_type":"option","action":"merge"}]}`,
		"missing artifacts": `{"schema_version":"2"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			require.Error(t, err)
			assert.Equal(t, errcode.InvalidInput, errcode.CodeOf(err))
		})
	}
}

func TestArtifact_IsDelete(t *testing.T) {
	assert.True(t, Artifact{Payload: nil}.IsDelete())
	assert.True(t, Artifact{Payload: "x", Action: "delete"}.IsDelete())
	assert.True(t, Artifact{Payload: map[string]any{DeleteMarker: true}}.IsDelete())
	assert.False(t, Artifact{Payload: map[string]any{DeleteMarker: false}}.IsDelete())
	assert.False(t, Artifact{Payload: ""}.IsDelete())
}

func TestChannel(t *testing.T) {
	assert.Less(t, ChannelCanary.Rank(), ChannelBeta.Rank())
	assert.Less(t, ChannelBeta.Rank(), ChannelStable.Rank())

	c, err := ParseChannel("")
	require.NoError(t, err)
	assert.Equal(t, ChannelCanary, c)

	c, err = ParseChannel("STABLE")
	require.NoError(t, err)
	assert.Equal(t, ChannelStable, c)

	_, err = ParseChannel("nightly")
	require.Error(t, err)
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	m := &Manifest{
		SchemaVersion: CurrentSchemaVersion,
		PackageID:     "p",
		Channel:       ChannelStable,
		Artifacts:     []Artifact{{UID: "option:a", Type: "option", Payload: "v"}},
	}
	b, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}
