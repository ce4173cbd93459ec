package packages

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/blob"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
)

// PullResult carries the package and its manifest bytes exactly as stored.
type PullResult struct {
	Package  Package         `json:"package"`
	Manifest json.RawMessage `json:"manifest"`
}

// PullLatest selects the newest published package on channel that siteUID
// may see and records the pull on its timeline.
func (m *Manager) PullLatest(ctx context.Context, siteUID string, channel manifest.Channel) (res *PullResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.pull_latest",
		attribute.String("dbvc.site_uid", siteUID), attribute.String("dbvc.channel", string(channel)))
	defer func() { finish(err) }()

	if channel.Rank() == 0 {
		return nil, errcode.Newf(errcode.InvalidInput, "unknown channel %q", channel)
	}
	if siteUID != "" && m.sites != nil {
		ok, err := m.sites.IsAllowed(ctx, siteUID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errcode.Newf(errcode.TargetSiteInvalid, "site %q may not receive packages", siteUID)
		}
	}

	var picked *Package
	err = m.update(ctx, func(all map[string]*Package) error {
		picked = nil
		for _, p := range all {
			if p.Status != StatusPublished || p.Channel != channel {
				continue
			}
			if siteUID != "" && !p.Targeting.Visible(siteUID) {
				continue
			}
			if picked == nil || newer(p, picked) {
				picked = p
			}
		}
		if picked == nil {
			return errcode.Newf(errcode.PackageNotFound, "no published package on %s", channel)
		}
		m.appendTimeline(picked, EventPulled, siteUID, "")
		picked.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := clonePackage(picked)
	raw, err := m.blobs.Get(ctx, out.ManifestHash)
	if err != nil {
		return nil, internal(err, "load manifest")
	}
	return &PullResult{Package: out, Manifest: raw}, nil
}

// ReceiveRequest is a package pushed by a client site.
type ReceiveRequest struct {
	PackageID      string           `json:"package_id,omitempty"`
	Name           string           `json:"name,omitempty"`
	Version        string           `json:"version,omitempty"`
	Channel        manifest.Channel `json:"channel,omitempty"`
	SourceSite     string           `json:"source_site"`
	SiteLabel      string           `json:"site_label,omitempty"`
	BaseURL        string           `json:"base_url,omitempty"`
	Manifest       json.RawMessage  `json:"manifest"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// ReceiveResult is the mothership's answer to a client publish.
type ReceiveResult struct {
	Package   Package `json:"package"`
	ReceiptID string  `json:"receipt_id"`
	Replayed  bool    `json:"-"`
}

// Receive stores a client-published package as a draft awaiting operator
// review. Receiving the same manifest again returns the original receipt.
func (m *Manager) Receive(ctx context.Context, req ReceiveRequest) (res *ReceiveResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.receive", attribute.String("dbvc.site_uid", req.SourceSite))
	defer func() { finish(err) }()

	if req.SourceSite == "" {
		return nil, errcode.New(errcode.InvalidInput, "source_site is required")
	}
	out, replayed, err := idempotency.Do(ctx, m.idem, ScopeReceive, req.IdempotencyKey, func() (ReceiveResult, error) {
		return m.receive(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

func (m *Manager) receive(ctx context.Context, req ReceiveRequest) (ReceiveResult, error) {
	if err := m.Preflight(req.Manifest).Err(); err != nil {
		return ReceiveResult{}, err
	}
	man, err := manifest.Decode(req.Manifest)
	if err != nil {
		return ReceiveResult{}, err
	}
	channel, err := manifest.ParseChannel(firstNonEmpty(string(req.Channel), string(man.Channel)))
	if err != nil {
		return ReceiveResult{}, errcode.Wrap(errcode.InvalidInput, err, "channel")
	}
	id := firstNonEmpty(req.PackageID, man.PackageID, m.newID())
	man.PackageID = id
	man.Name = firstNonEmpty(req.Name, man.Name, id)
	man.Version = firstNonEmpty(req.Version, man.Version, "1.0.0")
	man.Channel = channel
	man.SourceSite = req.SourceSite

	raw, err := manifest.Encode(man)
	if err != nil {
		return ReceiveResult{}, internal(err, "encode manifest")
	}
	digest := blob.Digest(raw)
	if _, err := m.blobs.Put(ctx, raw); err != nil {
		return ReceiveResult{}, internal(err, "store manifest")
	}

	var result Package
	created := false
	err = m.update(ctx, func(all map[string]*Package) error {
		if existing, ok := all[id]; ok {
			if existing.ManifestHash != digest {
				return errcode.Newf(errcode.PackageExists, "package %q already exists with a different manifest", id)
			}
			result = clonePackage(existing)
			return nil
		}
		now := m.now()
		p := &Package{
			PackageID:     id,
			Name:          man.Name,
			Version:       man.Version,
			Channel:       channel,
			Status:        StatusDraft,
			SchemaVersion: man.SchemaVersion,
			ManifestHash:  digest,
			ArtifactCount: len(man.Artifacts),
			SizeBytes:     int64(len(req.Manifest)),
			Targeting:     Targeting{Mode: TargetAll, SiteUIDs: []string{}},
			ReceiptID:     m.newID(),
			SourceSite:    req.SourceSite,
			CreatedAt:     now,
			UpdatedAt:     now,
			CreatedBy:     req.SourceSite,
		}
		m.appendTimeline(p, EventReceived, req.SourceSite, "")
		all[id] = p
		result = clonePackage(p)
		created = true
		return nil
	})
	if err != nil {
		return ReceiveResult{}, err
	}

	if created {
		if m.sites != nil {
			if _, err := m.sites.SyncFromPackages(ctx, []sites.Source{{
				SiteUID:   req.SourceSite,
				SiteLabel: req.SiteLabel,
				BaseURL:   req.BaseURL,
			}}); err != nil {
				m.logger.WarnContext(ctx, "site backfill failed", "site_uid", req.SourceSite, "error", err)
			}
		}
		m.logger.InfoContext(ctx, "package received", "package_id", id, "source_site", req.SourceSite, "receipt_id", result.ReceiptID)
		m.bus.Publish(ctx, events.Event{Type: events.PackageReceived, Subject: id,
			Data: map[string]any{"source_site": req.SourceSite}})
	}
	return ReceiveResult{Package: result, ReceiptID: result.ReceiptID}, nil
}

// AckRequest is a delivery acknowledgement from a site.
type AckRequest struct {
	PackageID string `json:"package_id" validate:"required"`
	SiteUID   string `json:"site_uid" validate:"required"`
	Event     string `json:"event" validate:"required,oneof=received applied failed"`
	Detail    string `json:"detail,omitempty"`
}

// RecordAck stores the latest acknowledgement of a site.
func (m *Manager) RecordAck(ctx context.Context, req AckRequest) (*Package, error) {
	switch req.Event {
	case EventReceived, EventApplied, EventFailed:
	default:
		return nil, errcode.Newf(errcode.InvalidInput, "ack event must be received, applied or failed, got %q", req.Event)
	}
	if req.SiteUID == "" {
		return nil, errcode.New(errcode.InvalidInput, "site_uid is required")
	}
	return m.mutate(ctx, req.PackageID, func(_ map[string]*Package, p *Package) error {
		if p.Acks == nil {
			p.Acks = make(map[string]Ack)
		}
		p.Acks[req.SiteUID] = Ack{Event: req.Event, At: m.now(), Detail: req.Detail}
		m.appendTimeline(p, req.Event, req.SiteUID, req.Detail)
		return nil
	})
}
