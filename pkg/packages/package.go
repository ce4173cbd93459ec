// Package packages owns the package lifecycle: creation, channel promotion,
// revocation, targeting, delivery tracking and remote transport.
package packages

import (
	"slices"
	"time"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
)

// Status is the lifecycle state of a package. REVOKED is terminal.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusPublished  Status = "PUBLISHED"
	StatusSuperseded Status = "SUPERSEDED"
	StatusRevoked    Status = "REVOKED"
)

// Targeting modes.
const (
	TargetAll      = "all"
	TargetSelected = "selected"
)

// Delivery timeline events.
const (
	EventSent     = "sent"
	EventReceived = "received"
	EventEligible = "eligible"
	EventPulled   = "pulled"
	EventApplied  = "applied"
	EventFailed   = "failed"
	// EventPromoted records a channel move of a package that is not yet
	// eligible for delivery (a DRAFT).
	EventPromoted = "promoted"
	EventRevoked  = "revoked"
)

// Transport operations tracked in delivery_transport.
const (
	OpPublish = "publish"
	OpPull    = "pull"
	OpAck     = "ack"
)

// Targeting is the audience of a package: every allowed site, or only the
// listed ones.
type Targeting struct {
	Mode     string   `json:"mode"`
	SiteUIDs []string `json:"site_uids"`
}

// Visible reports whether siteUID is in the audience.
func (t Targeting) Visible(siteUID string) bool {
	if t.Mode != TargetSelected {
		return true
	}
	return slices.Contains(t.SiteUIDs, siteUID)
}

// TimelineEvent is one immutable entry of a package's delivery timeline.
type TimelineEvent struct {
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
	SiteUID string    `json:"site_uid,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// TransportState is the retry bookkeeping of one remote operation.
type TransportState struct {
	Attempts       int        `json:"attempts"`
	LastStatus     string     `json:"last_status"`
	LastErrorCode  string     `json:"last_error_code,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	BackoffSeconds int64      `json:"backoff_seconds"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	DeadLetter     bool       `json:"dead_letter"`
}

// Due reports whether a retry may run at now.
func (s *TransportState) Due(now time.Time) bool {
	if s == nil || s.NextRetryAt == nil {
		return true
	}
	return !now.Before(*s.NextRetryAt)
}

// Ack is the latest acknowledgement a site sent for a package.
type Ack struct {
	Event  string    `json:"event"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Package is a persisted manifest plus lifecycle metadata. The manifest bytes
// live in the blob store under ManifestHash.
type Package struct {
	PackageID         string                     `json:"package_id"`
	Name              string                     `json:"name"`
	Version           string                     `json:"version"`
	Channel           manifest.Channel           `json:"channel"`
	Status            Status                     `json:"status"`
	SchemaVersion     string                     `json:"schema_version"`
	ManifestHash      string                     `json:"manifest_hash"`
	ArtifactCount     int                        `json:"artifact_count"`
	SizeBytes         int64                      `json:"size_bytes"`
	Targeting         Targeting                  `json:"targeting"`
	DeliveryTimeline  []TimelineEvent            `json:"delivery_timeline"`
	DeliveryTransport map[string]*TransportState `json:"delivery_transport"`
	Acks              map[string]Ack             `json:"acks"`
	ReceiptID         string                     `json:"receipt_id,omitempty"`
	SourceSite        string                     `json:"source_site,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	CreatedBy         string                     `json:"created_by,omitempty"`
	RevokedAt         *time.Time                 `json:"revoked_at,omitempty"`
	RevokeReason      string                     `json:"revoke_reason,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status  Status           `json:"status,omitempty"`
	Channel manifest.Channel `json:"channel,omitempty"`
	Name    string           `json:"name,omitempty"`
	SiteUID string           `json:"site_uid,omitempty"`
}

func (f Filter) match(p *Package) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Channel != "" && p.Channel != f.Channel {
		return false
	}
	if f.Name != "" && p.Name != f.Name {
		return false
	}
	if f.SiteUID != "" && !p.Targeting.Visible(f.SiteUID) {
		return false
	}
	return true
}

// newer orders packages for pull-latest: newest created_at first, then
// descending version string, then descending id.
func newer(a, b *Package) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.PackageID > b.PackageID
}
