package api

import (
	"net/http"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/apply"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/drift"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/onboarding"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/proposal"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/validation"
)

type scanRequest struct {
	manifestRef
	Locals     map[string]drift.Local  `json:"locals,omitempty"`
	Overrides  map[string]drift.Status `json:"overrides,omitempty"`
	MaxChanges int                     `json:"max_changes,omitempty"`
	Hints      map[string]any          `json:"hints,omitempty"`
}

// scan compares a manifest with the local content store, or with the locals
// given in the body.
func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
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
}

func (s *Server) runScan(r *http.Request, req scanRequest) (*drift.Result, error) {
	m, err := s.resolveManifest(r, req.manifestRef)
	if err != nil {
		return nil, err
	}
	locals := req.Locals
	if locals == nil && s.deps.Content != nil {
		if locals, err = drift.ResolveLocals(r.Context(), s.deps.Content, m); err != nil {
			return nil, err
		}
	}
	return s.deps.Scanner.Scan(r.Context(), drift.Request{
		Manifest:   m,
		Locals:     locals,
		Overrides:  req.Overrides,
		MaxChanges: req.MaxChanges,
		Hints:      req.Hints,
	})
}

type applyRequest struct {
	manifestRef
	Selection apply.Selection `json:"selection"`
	Options   apply.Options   `json:"options"`
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.runApply(r, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) runApply(r *http.Request, req applyRequest) (*apply.Result, error) {
	m, err := s.resolveManifest(r, req.manifestRef)
	if err != nil {
		return nil, err
	}
	if m.PackageID == "" {
		m.PackageID = req.PackageID
	}
	return s.deps.Executor.Apply(r.Context(), apply.Request{Manifest: m, Selection: req.Selection, Options: req.Options})
}

func (s *Server) listRestorePoints(w http.ResponseWriter, r *http.Request) {
	points, err := s.deps.Restore.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restore_points": points})
}

func (s *Server) getRestorePoint(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Restore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Restore.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Proposals.List(r.Context(), proposal.Filter{
		Status:      proposal.Status(q.Get("status")),
		ArtifactUID: q.Get("artifact_uid"),
		SourceSite:  q.Get("source_site"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": list})
}

func (s *Server) submitProposal(w http.ResponseWriter, r *http.Request) {
	var req proposal.SubmitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	req.Actor = actorFrom(r.Context())
	s.submit(w, r, req)
}

// siteProposal accepts a proposal from an authenticated client site.
func (s *Server) siteProposal(w http.ResponseWriter, r *http.Request) {
	site, _ := SiteFrom(r.Context())
	var req proposal.SubmitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	req.SourceSite = site.SiteUID
	req.Actor = site.SiteUID
	s.submit(w, r, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req proposal.SubmitRequest) {
	res, err := s.deps.Proposals.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	writeResult(w, status, res.Replayed, res)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type transitionRequest struct {
	To   proposal.Status `json:"to" validate:"required"`
	Note string          `json:"note,omitempty" validate:"max=2000"`
}

func (s *Server) transitionProposal(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.deps.Proposals.Transition(r.Context(), r.PathValue("id"), req.To, actorFrom(r.Context()), req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type resubmitRequest struct {
	ProposedHash string `json:"proposed_hash" validate:"required"`
	Note         string `json:"note,omitempty" validate:"max=2000"`
}

func (s *Server) resubmitProposal(w http.ResponseWriter, r *http.Request) {
	var req resubmitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.deps.Proposals.Resubmit(r.Context(), r.PathValue("id"), req.ProposedHash, actorFrom(r.Context()), req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sites.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": list})
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.deps.Sites.Get(r.Context(), r.PathValue("uid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) upsertSite(w http.ResponseWriter, r *http.Request) {
	var p sites.Patch
	if err := s.decode(w, r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	p.SiteUID = r.PathValue("uid")
	site, err := s.deps.Sites.Upsert(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) intro(w http.ResponseWriter, r *http.Request) {
	var req onboarding.IntroRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	res, err := s.deps.Onboarding.IntroPacket(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusAccepted, res.Replayed, res)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Onboarding.List(r.Context(), r.URL.Query().Get("state"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for i := range list {
		list[i].HandshakeTokenHash = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": list})
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Onboarding.Get(r.Context(), r.PathValue("uid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c.HandshakeTokenHash = ""
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handshake(w http.ResponseWriter, r *http.Request) {
	var req onboarding.HandshakeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	req.Actor = actorFrom(r.Context())
	res, err := s.deps.Onboarding.Handshake(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeResult(w, http.StatusOK, res.Replayed, res)
}

func (s *Server) disableClient(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Onboarding.Disable(r.Context(), r.PathValue("uid"), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c.HandshakeTokenHash = ""
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) runMaintenance(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Maintenance.Run(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "maintenance finished with errors", "error", err)
	}
	writeJSON(w, http.StatusOK, rep)
}
