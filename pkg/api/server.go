package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/apply"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/config"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/drift"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/jobs"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/metrics"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/onboarding"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/packages"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/proposal"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/restore"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/signedcmd"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
)

// Deps are the components the server exposes. Onboarding is only used in the
// mothership role and Verifier only in the client role.
type Deps struct {
	Role        string
	SiteUID     string
	Version     string
	Packages    *packages.Manager
	Proposals   *proposal.Manager
	Sites       *sites.Registry
	Onboarding  *onboarding.Service
	Scanner     *drift.Scanner
	Executor    *apply.Executor
	Restore     *restore.Manager
	Content     content.Store
	Verifier    *signedcmd.Verifier
	Maintenance *jobs.Maintenance
	Metrics     *metrics.Collector
}

// Server is the HTTP surface of one node. The routes it mounts depend on
// Deps.Role and on which dependencies are set.
type Server struct {
	deps    Deps
	tokens  *TokenValidator
	limiter *RateLimiter
	maxBody int64
	clock   func() time.Time
	logger  *slog.Logger
	handler http.Handler
}

type Option func(*Server)

// WithTokens enables operator routes.
func WithTokens(v *TokenValidator) Option { return func(s *Server) { s.tokens = v } }

// WithRateLimit limits requests per client IP. /health is never limited.
// rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = NewRateLimiter(rps, burst) }
}

// WithMaxBody bounds request bodies.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

func WithClock(clock func() time.Time) Option { return func(s *Server) { s.clock = clock } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer mounts the routes for deps.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:    deps,
		maxBody: 8 << 20,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.tokens != nil {
		s.tokens.clock = s.clock
	}
	if s.limiter != nil {
		s.limiter.clock = s.clock
	}
	s.logger = s.logger.With("component", "api")
	s.handler = RequestID(s.accessLog(s.recoverer(s.rateLimit(s.routes()))))
	return s
}

// ServeHTTP runs the request through the middleware chain and the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	op := func(h http.HandlerFunc) http.HandlerFunc { return s.requireRole(RoleOperator, h) }
	admin := func(h http.HandlerFunc) http.HandlerFunc { return s.requireRole(RoleMothershipAdmin, h) }

	if s.deps.Packages != nil {
		mux.HandleFunc("GET /v1/packages", op(s.listPackages))
		mux.HandleFunc("POST /v1/packages", op(s.createPackage))
		mux.HandleFunc("POST /v1/packages/bootstrap", op(s.bootstrapPackage))
		mux.HandleFunc("POST /v1/packages/preflight", op(s.preflight))
		mux.HandleFunc("POST /v1/packages/pull", op(s.pullRemote))
		mux.HandleFunc("GET /v1/packages/pull-state", op(s.pullStates))
		mux.HandleFunc("GET /v1/packages/{id}", op(s.getPackage))
		mux.HandleFunc("GET /v1/packages/{id}/manifest", op(s.packageManifest))
		mux.HandleFunc("POST /v1/packages/{id}/promote", op(s.promotePackage))
		mux.HandleFunc("POST /v1/packages/{id}/revoke", op(s.revokePackage))
		mux.HandleFunc("POST /v1/packages/{id}/publish", op(s.publishRemote))
		mux.HandleFunc("POST /v1/packages/{id}/ack", op(s.sendAck))
	}
	if s.deps.Scanner != nil {
		mux.HandleFunc("POST /v1/drift/scan", op(s.scan))
	}
	if s.deps.Executor != nil {
		mux.HandleFunc("POST /v1/apply", op(s.apply))
	}
	if s.deps.Restore != nil {
		mux.HandleFunc("GET /v1/restore-points", op(s.listRestorePoints))
		mux.HandleFunc("GET /v1/restore-points/{id}", op(s.getRestorePoint))
		mux.HandleFunc("POST /v1/restore-points/{id}/rollback", op(s.rollback))
	}
	if s.deps.Proposals != nil {
		mux.HandleFunc("GET /v1/proposals", op(s.listProposals))
		mux.HandleFunc("POST /v1/proposals", op(s.submitProposal))
		mux.HandleFunc("GET /v1/proposals/{id}", op(s.getProposal))
		mux.HandleFunc("POST /v1/proposals/{id}/transition", op(s.transitionProposal))
		mux.HandleFunc("POST /v1/proposals/{id}/resubmit", op(s.resubmitProposal))
	}
	if s.deps.Sites != nil {
		mux.HandleFunc("GET /v1/sites", op(s.listSites))
		mux.HandleFunc("GET /v1/sites/{uid}", op(s.getSite))
		mux.HandleFunc("PUT /v1/sites/{uid}", admin(s.upsertSite))
	}
	if s.deps.Maintenance != nil {
		mux.HandleFunc("POST /v1/maintenance/run", op(s.runMaintenance))
	}

	if s.deps.Role == config.RoleMothership && s.deps.Onboarding != nil {
		mux.HandleFunc("POST /v1/onboarding/intro", s.intro)
		mux.HandleFunc("GET /v1/onboarding/clients", op(s.listClients))
		mux.HandleFunc("GET /v1/onboarding/clients/{uid}", op(s.getClient))
		mux.HandleFunc("POST /v1/onboarding/handshake", admin(s.handshake))
		mux.HandleFunc("POST /v1/onboarding/clients/{uid}/disable", admin(s.disableClient))

		mux.HandleFunc("POST /v1/mothership/packages", s.requireSite(s.receivePackage))
		mux.HandleFunc("GET /v1/mothership/packages/latest", s.requireSite(s.pullLatest))
		mux.HandleFunc("POST /v1/mothership/acks", s.requireSite(s.recordAck))
		mux.HandleFunc("POST /v1/mothership/proposals", s.requireSite(s.siteProposal))
	}

	if s.deps.Role == config.RoleClient && s.deps.Verifier != nil {
		mux.Handle("POST /v1/client/commands/{command}",
			s.deps.Verifier.Middleware(s.fail)(http.HandlerFunc(s.command)))
	}
	return mux
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	WriteProblem(w, r, s.logger, err)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"role":     s.deps.Role,
		"site_uid": s.deps.SiteUID,
		"version":  s.deps.Version,
	})
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return errcode.Wrap(errcode.InvalidInput, err, "request body is not valid JSON")
	}
	return nil
}

// readBody reads at most maxBody bytes. Only the size limit maps to
// payload_too_large.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errcode.Newf(errcode.PayloadTooLarge, "request body exceeds %d bytes", s.maxBody)
		}
		return nil, errcode.Wrap(errcode.InvalidInput, err, "read request body")
	}
	return body, nil
}

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if bodyKey != "" {
		return bodyKey
	}
	return strings.TrimSpace(r.Header.Get(headerIdempotency))
}
