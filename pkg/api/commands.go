package api

import (
	"encoding/json"
	"net/http"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/apply"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/packages"
)

// Commands a mothership may send to a client site.
const (
	CommandPing  = "ping"
	CommandPull  = "pull"
	CommandScan  = "scan"
	CommandApply = "apply"
)

type pullCommand struct {
	Channel manifest.Channel `json:"channel"`
}

// command runs a verified signed command. The body was already read and
// authenticated by the signed-command middleware.
func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	switch name := r.PathValue("command"); name {
	case CommandPing:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "site_uid": s.deps.SiteUID})

	case CommandPull:
		if s.deps.Packages == nil {
			s.fail(w, r, errcode.New(errcode.InvalidInput, "packages are not available on this node"))
			return
		}
		var req pullCommand
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		if req.Channel == "" {
			req.Channel = manifest.ChannelStable
		}
		res, err := s.deps.Packages.PullRemote(r.Context(), req.Channel)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case CommandScan:
		if s.deps.Scanner == nil {
			s.fail(w, r, errcode.New(errcode.InvalidInput, "drift scanning is not available on this node"))
			return
		}
		var req scanRequest
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := s.runScan(r, req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	case CommandApply:
		if s.deps.Executor == nil {
			s.fail(w, r, errcode.New(errcode.InvalidInput, "apply is not available on this node"))
			return
		}
		var req applyRequest
		if err := s.decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		res, err := s.runApply(r, req)
		s.ackApply(r, req, res, err)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		s.fail(w, r, errcode.Newf(errcode.InvalidInput, "unknown command %q", name))
	}
}

// ackApply reports a non-dry-run apply of a stored package back to the
// mothership. Ack failures are logged; the transport state keeps the retry.
func (s *Server) ackApply(r *http.Request, req applyRequest, res *apply.Result, applyErr error) {
	if s.deps.Packages == nil || req.PackageID == "" || req.Options.DryRun {
		return
	}
	ack := packages.AckRequest{PackageID: req.PackageID, SiteUID: s.deps.SiteUID, Event: packages.EventApplied}
	if applyErr != nil {
		ack.Event = packages.EventFailed
		ack.Detail = string(errcode.CodeOf(applyErr))
	} else if res != nil && res.RestoreID != "" {
		detail, _ := json.Marshal(map[string]string{"restore_id": res.RestoreID})
		ack.Detail = string(detail)
	}
	if err := s.deps.Packages.SendAck(r.Context(), ack); err != nil {
		s.logger.WarnContext(r.Context(), "apply ack not delivered", "package_id", req.PackageID, "code", errcode.CodeOf(err))
	}
}
