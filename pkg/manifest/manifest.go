// Package manifest defines the serialized package manifest, its release
// channels and the decoder that upgrades legacy manifest shapes.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
)

// CurrentSchemaVersion is the shape Decode normalises every manifest to.
const CurrentSchemaVersion = "2"

// DeleteMarker in a mapping payload flags the artifact for deletion.
const DeleteMarker = "__dbvc_delete"

// Channel is a release channel. Channels are strictly ordered.
type Channel string

const (
	ChannelCanary Channel = "canary"
	ChannelBeta   Channel = "beta"
	ChannelStable Channel = "stable"
)

// Rank returns canary=1, beta=2, stable=3 and 0 for unknown channels.
func (c Channel) Rank() int {
	switch c {
	case ChannelCanary:
		return 1
	case ChannelBeta:
		return 2
	case ChannelStable:
		return 3
	default:
		return 0
	}
}

// ParseChannel validates a channel name. An empty name selects canary.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return ChannelCanary, nil
	}
	if c.Rank() == 0 {
		return "", fmt.Errorf("manifest: unknown channel %q", s)
	}
	return c, nil
}

// Artifact is one entry of a manifest.
type Artifact struct {
	UID     string        `json:"artifact_uid"`
	Type    artifact.Type `json:"artifact_type"`
	Payload any           `json:"payload"`
	Hash    string        `json:"hash,omitempty"`
	Action  string        `json:"action,omitempty"`
}

// IsDelete reports whether applying the artifact removes local state.
func (a Artifact) IsDelete() bool {
	if a.Action == "delete" || a.Payload == nil {
		return true
	}
	if m, ok := a.Payload.(map[string]any); ok {
		if v, ok := m[DeleteMarker].(bool); ok && v {
			return true
		}
	}
	return false
}

// Compatibility constrains which sites may apply a manifest.
type Compatibility struct {
	MinCoreVersion       string   `json:"min_core_version,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Rule                 string   `json:"rule,omitempty"`
}

// Manifest is the serialized set of artifacts a package carries.
type Manifest struct {
	SchemaVersion string         `json:"schema_version"`
	PackageID     string         `json:"package_id,omitempty"`
	Name          string         `json:"name,omitempty"`
	Version       string         `json:"version,omitempty"`
	Channel       Channel        `json:"channel,omitempty"`
	SourceSite    string         `json:"source_site,omitempty"`
	Compatibility *Compatibility `json:"compatibility,omitempty"`
	Artifacts     []Artifact     `json:"artifacts"`
}

// Encode serializes m.
func Encode(m *Manifest) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	return b, nil
}

// Find returns the artifact with uid.
func (m *Manifest) Find(uid string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.UID == uid {
			return a, true
		}
	}
	return Artifact{}, false
}
