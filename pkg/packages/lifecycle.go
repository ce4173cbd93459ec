package packages

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
)

// supersede marks older published packages with the same name on the same
// channel as superseded.
func (m *Manager) supersede(all map[string]*Package, p *Package) {
	if p.Name == "" {
		return
	}
	for id, other := range all {
		if id == p.PackageID || other.Status != StatusPublished {
			continue
		}
		if other.Name != p.Name || other.Channel != p.Channel {
			continue
		}
		if newer(other, p) {
			continue
		}
		other.Status = StatusSuperseded
		other.UpdatedAt = m.now()
	}
}

// Publish moves a draft package to PUBLISHED.
func (m *Manager) Publish(ctx context.Context, id, actor string) (*Package, error) {
	changed := false
	p, err := m.mutate(ctx, id, func(all map[string]*Package, p *Package) error {
		switch p.Status {
		case StatusPublished:
			return nil
		case StatusRevoked:
			return errcode.Newf(errcode.PackageRevoked, "package %q is revoked", id)
		case StatusSuperseded:
			return errcode.Newf(errcode.TransitionInvalid, "package %q was superseded", id)
		}
		p.Status = StatusPublished
		m.appendTimeline(p, EventEligible, "", string(p.Channel))
		m.supersede(all, p)
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.logger.InfoContext(ctx, "package published", "package_id", id, "actor", actor)
		m.bus.Publish(ctx, events.Event{Type: events.PackagePromoted, Subject: id,
			Data: map[string]any{"status": string(StatusPublished), "actor": actor}})
	}
	return p, nil
}

// PromoteRequest asks for a forward channel move.
type PromoteRequest struct {
	PackageID              string           `json:"package_id"`
	Channel                manifest.Channel `json:"channel"`
	ConfirmStablePromotion bool             `json:"confirm_stable_promotion"`
	Actor                  string           `json:"actor,omitempty"`
	IdempotencyKey         string           `json:"idempotency_key,omitempty"`
}

type PromoteResult struct {
	Package  Package          `json:"package"`
	From     manifest.Channel `json:"from"`
	Replayed bool             `json:"-"`
}

// Promote moves a package to a strictly higher channel. Promoting to stable
// requires confirmation. Every check runs before anything is written.
func (m *Manager) Promote(ctx context.Context, req PromoteRequest) (res *PromoteResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.promote",
		attribute.String("dbvc.package_id", req.PackageID), attribute.String("dbvc.channel", string(req.Channel)))
	defer func() { finish(err) }()

	out, replayed, err := idempotency.Do(ctx, m.idem, ScopePromote, req.IdempotencyKey, func() (PromoteResult, error) {
		target := req.Channel
		if target.Rank() == 0 {
			return PromoteResult{}, errcode.Newf(errcode.ChannelProgression, "unknown channel %q", req.Channel)
		}
		var from manifest.Channel
		p, err := m.mutate(ctx, req.PackageID, func(all map[string]*Package, p *Package) error {
			if p.Status == StatusRevoked {
				return errcode.Newf(errcode.PackageRevoked, "package %q is revoked", p.PackageID)
			}
			if target.Rank() <= p.Channel.Rank() {
				return errcode.Newf(errcode.ChannelProgression, "cannot promote from %s to %s", p.Channel, target).
					WithDetail("current_channel", string(p.Channel))
			}
			if target == manifest.ChannelStable && !req.ConfirmStablePromotion {
				return errcode.New(errcode.ConfirmationRequired, "promotion to stable requires confirm_stable_promotion")
			}
			from = p.Channel
			p.Channel = target
			if p.Status == StatusPublished {
				m.appendTimeline(p, EventEligible, "", string(target))
				m.supersede(all, p)
			} else {
				m.appendTimeline(p, EventPromoted, "", string(from)+"->"+string(target))
			}
			return nil
		})
		if err != nil {
			return PromoteResult{}, err
		}
		m.logger.InfoContext(ctx, "package promoted", "package_id", p.PackageID, "from", from, "to", target, "actor", req.Actor)
		m.bus.Publish(ctx, events.Event{Type: events.PackagePromoted, Subject: p.PackageID,
			Data: map[string]any{"from": string(from), "to": string(target), "actor": req.Actor}})
		return PromoteResult{Package: *p, From: from}, nil
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

// RevokeRequest must carry Confirm.
type RevokeRequest struct {
	PackageID      string `json:"package_id"`
	Confirm        bool   `json:"confirm"`
	Reason         string `json:"reason,omitempty"`
	Actor          string `json:"actor,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type RevokeResult struct {
	Package  Package `json:"package"`
	Replayed bool    `json:"-"`
}

// Revoke makes a package terminally unavailable. Revoking a revoked package
// returns it unchanged.
func (m *Manager) Revoke(ctx context.Context, req RevokeRequest) (res *RevokeResult, err error) {
	ctx, finish := m.telemetry.Track(ctx, "packages.revoke", attribute.String("dbvc.package_id", req.PackageID))
	defer func() { finish(err) }()

	if !req.Confirm {
		return nil, errcode.New(errcode.ConfirmationRequired, "revoking a package requires confirm")
	}
	out, replayed, err := idempotency.Do(ctx, m.idem, ScopeRevoke, req.IdempotencyKey, func() (RevokeResult, error) {
		already := false
		p, err := m.mutate(ctx, req.PackageID, func(_ map[string]*Package, p *Package) error {
			if p.Status == StatusRevoked {
				already = true
				return nil
			}
			now := m.now()
			p.Status = StatusRevoked
			p.RevokedAt = &now
			p.RevokeReason = req.Reason
			m.appendTimeline(p, EventRevoked, "", req.Reason)
			return nil
		})
		if err != nil {
			return RevokeResult{}, err
		}
		if !already {
			m.logger.WarnContext(ctx, "package revoked", "package_id", p.PackageID, "reason", req.Reason, "actor", req.Actor)
			m.bus.Publish(ctx, events.Event{Type: events.PackageRevoked, Subject: p.PackageID,
				Data: map[string]any{"reason": req.Reason, "actor": req.Actor}})
		}
		return RevokeResult{Package: *p}, nil
	})
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}
