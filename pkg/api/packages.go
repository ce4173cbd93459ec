package api

import (
	"encoding/json"
	"net/http"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/packages"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/validation"
)

func (s *Server) listPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.deps.Packages.List(r.Context(), packages.Filter{
		Status:  packages.Status(q.Get("status")),
		Channel: manifest.Channel(q.Get("channel")),
		Name:    q.Get("name"),
		SiteUID: q.Get("site_uid"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": list})
}

func (s *Server) createPackage(w http.ResponseWriter, r *http.Request) {
	var req packages.CreateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	if req.CreatedBy == "" {
		req.CreatedBy = actorFrom(r.Context())
	}
	res, err := s.deps.Packages.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res.Replayed, res)
}

func (s *Server) bootstrapPackage(w http.ResponseWriter, r *http.Request) {
	var req packages.BootstrapRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	if req.CreatedBy == "" {
		req.CreatedBy = actorFrom(r.Context())
	}
	res, err := s.deps.Packages.BootstrapCreate(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res.Replayed, res)
}

// preflight checks a raw manifest body. The report is returned even when it
// fails; only an unreadable body is an error.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Packages.Preflight(raw))
}

func (s *Server) getPackage(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Packages.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) packageManifest(w http.ResponseWriter, r *http.Request) {
	raw, err := s.deps.Packages.ManifestBytes(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) promotePackage(w http.ResponseWriter, r *http.Request) {
	var req packages.PromoteRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.PackageID = r.PathValue("id")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	req.Actor = actorFrom(r.Context())
	res, err := s.deps.Packages.Promote(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res.Replayed, res)
}

func (s *Server) revokePackage(w http.ResponseWriter, r *http.Request) {
	var req packages.RevokeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.PackageID = r.PathValue("id")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	req.Actor = actorFrom(r.Context())
	res, err := s.deps.Packages.Revoke(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res.Replayed, res)
}

func (s *Server) publishRemote(w http.ResponseWriter, r *http.Request) {
	var req packages.PublishRemoteRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.PackageID = r.PathValue("id")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	res, err := s.deps.Packages.PublishRemote(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, res.Replayed, res)
}

type pullRequest struct {
	Channel manifest.Channel `json:"channel" validate:"required,oneof=canary beta stable"`
}

func (s *Server) pullRemote(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := validation.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Packages.PullRemote(r.Context(), req.Channel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) pullStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Packages.PullStates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pull_state": states})
}

func (s *Server) sendAck(w http.ResponseWriter, r *http.Request) {
	var req packages.AckRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.PackageID = r.PathValue("id")
	if req.SiteUID == "" {
		req.SiteUID = s.deps.SiteUID
	}
	if err := validation.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Packages.SendAck(r.Context(), req); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// receivePackage is the mothership intake of a client publish. The source
// site is always the authenticated client.
func (s *Server) receivePackage(w http.ResponseWriter, r *http.Request) {
	site, _ := SiteFrom(r.Context())
	var req packages.ReceiveRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.SourceSite = site.SiteUID
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)
	if req.SiteLabel == "" {
		req.SiteLabel = site.SiteLabel
	}
	if req.BaseURL == "" {
		req.BaseURL = site.BaseURL
	}
	res, err := s.deps.Packages.Receive(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, res.Replayed, res)
}

func (s *Server) pullLatest(w http.ResponseWriter, r *http.Request) {
	site, _ := SiteFrom(r.Context())
	res, err := s.deps.Packages.PullLatest(r.Context(), site.SiteUID, manifest.Channel(r.URL.Query().Get("channel")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) recordAck(w http.ResponseWriter, r *http.Request) {
	site, _ := SiteFrom(r.Context())
	var req packages.AckRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.SiteUID = site.SiteUID
	if err := validation.Struct(req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.deps.Packages.RecordAck(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// manifestRef names a manifest inline or by package id.
type manifestRef struct {
	PackageID string          `json:"package_id,omitempty"`
	Manifest  json.RawMessage `json:"manifest,omitempty"`
}

func (s *Server) resolveManifest(r *http.Request, ref manifestRef) (*manifest.Manifest, error) {
	if len(ref.Manifest) > 0 {
		return manifest.Decode(ref.Manifest)
	}
	if ref.PackageID == "" {
		return nil, errcode.New(errcode.InvalidInput, "package_id or manifest is required")
	}
	if s.deps.Packages == nil {
		return nil, errcode.New(errcode.InvalidInput, "packages are not available on this node; send the manifest inline")
	}
	return s.deps.Packages.Manifest(r.Context(), ref.PackageID)
}
