package packages

import (
	"context"
	"strings"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
)

// NormalizeTargeting defaults the mode to all and, for selected targeting,
// requires a non-empty list of allowed, app-password connected sites.
func (m *Manager) NormalizeTargeting(ctx context.Context, t Targeting) (Targeting, error) {
	mode := strings.ToLower(strings.TrimSpace(t.Mode))
	switch mode {
	case "", TargetAll:
		return Targeting{Mode: TargetAll, SiteUIDs: []string{}}, nil
	case TargetSelected:
	default:
		return Targeting{}, errcode.Newf(errcode.InvalidInput, "targeting mode must be all or selected, got %q", t.Mode)
	}

	uids := dedupe(t.SiteUIDs)
	if len(uids) == 0 {
		return Targeting{}, errcode.New(errcode.TargetSiteInvalid, "selected targeting needs at least one site")
	}
	if m.sites == nil {
		return Targeting{}, errcode.New(errcode.TargetSiteInvalid, "no connected-site registry to validate targets against")
	}
	for _, uid := range uids {
		s, err := m.sites.Get(ctx, uid)
		if errcode.Has(err, errcode.SiteNotFound) {
			return Targeting{}, errcode.Newf(errcode.TargetSiteInvalid, "site %q is not connected", uid).WithDetail("site_uid", uid)
		}
		if err != nil {
			return Targeting{}, err
		}
		if !s.Allowed() {
			return Targeting{}, errcode.Newf(errcode.TargetSiteInvalid, "site %q may not receive packages", uid).WithDetail("site_uid", uid)
		}
		if s.AuthMode != sites.AuthAppPassword {
			return Targeting{}, errcode.Newf(errcode.TargetSiteInvalid, "site %q does not authenticate with an app password", uid).WithDetail("site_uid", uid)
		}
	}
	return Targeting{Mode: TargetSelected, SiteUIDs: uids}, nil
}
