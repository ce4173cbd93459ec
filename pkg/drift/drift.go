// Package drift compares a manifest against locally resolved artifacts. It is
// strictly read-only.
package drift

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
)

// DefaultMaxChanges bounds the diff summary of one artifact.
const DefaultMaxChanges = 25

// Status classifies one artifact, and the worst of them classifies a scan.
type Status string

const (
	StatusClean         Status = "CLEAN"
	StatusDiverged      Status = "DIVERGED"
	StatusOverridden    Status = "OVERRIDDEN"
	StatusPendingReview Status = "PENDING_REVIEW"
)

// severity orders statuses for the overall result.
func (s Status) severity() int {
	switch s {
	case StatusDiverged:
		return 3
	case StatusPendingReview:
		return 2
	case StatusOverridden:
		return 1
	default:
		return 0
	}
}

func (s Status) countKey() string { return strings.ToLower(string(s)) }

// Local is the resolved local state of one artifact. Either field may be
// empty; a missing hash is computed from the payload.
type Local struct {
	Hash    string `json:"hash,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Request is one scan.
type Request struct {
	Manifest *manifest.Manifest `json:"manifest"`
	// Locals is keyed by artifact uid. Absent uids are not present locally.
	Locals     map[string]Local  `json:"locals"`
	Overrides  map[string]Status `json:"overrides,omitempty"`
	MaxChanges int               `json:"max_changes,omitempty"`
	// Hints are free-form request flags. Write-like hints are rejected.
	Hints map[string]any `json:"hints,omitempty"`
}

// ArtifactResult is the verdict for one manifest artifact. Diff is only set
// when the artifact diverged and a local payload was available to compare.
type ArtifactResult struct {
	UID        string        `json:"artifact_uid"`
	Type       artifact.Type `json:"artifact_type"`
	Status     Status        `json:"status"`
	LocalHash  string        `json:"local_hash,omitempty"`
	TargetHash string        `json:"target_hash"`
	Present    bool          `json:"present"`
	Diff       *Summary      `json:"diff,omitempty"`
}

// Result is a full scan. Counts is keyed by lower-case status and always
// carries every status, zero or not.
type Result struct {
	PackageID string           `json:"package_id,omitempty"`
	Status    Status           `json:"status"`
	Counts    map[string]int   `json:"counts"`
	Artifacts []ArtifactResult `json:"artifacts"`
}

// Scanner scans manifests.
type Scanner struct {
	registry   *artifact.Registry
	bus        *events.Bus
	telemetry  *observability.Provider
	logger     *slog.Logger
	maxChanges int
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithBus publishes a drift.scanned event after every scan.
func WithBus(bus *events.Bus) Option { return func(s *Scanner) { s.bus = bus } }

func WithTelemetry(p *observability.Provider) Option {
	return func(s *Scanner) { s.telemetry = p }
}

func WithLogger(l *slog.Logger) Option { return func(s *Scanner) { s.logger = l } }

// WithMaxChanges sets the default diff cap used when a request carries none.
func WithMaxChanges(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.maxChanges = n
		}
	}
}

// NewScanner returns a scanner hashing through reg.
func NewScanner(reg *artifact.Registry, opts ...Option) *Scanner {
	s := &Scanner{registry: reg, maxChanges: DefaultMaxChanges, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "drift")
	return s
}

var mutationHints = []string{"write", "mutate", "apply", "commit"}

// Scan classifies every manifest artifact against req.Locals.
func (s *Scanner) Scan(ctx context.Context, req Request) (res *Result, err error) {
	var packageID string
	if req.Manifest != nil {
		packageID = req.Manifest.PackageID
	}
	ctx, finish := s.telemetry.Track(ctx, "drift.scan", attribute.String("dbvc.package_id", packageID))
	defer func() { finish(err) }()

	if hint := mutationHint(req.Hints); hint != "" {
		return nil, errcode.Newf(errcode.ScanMutationRejected, "scan is read-only; hint %q is not accepted", hint)
	}
	if req.Manifest == nil {
		return nil, errcode.New(errcode.InvalidInput, "manifest is required")
	}
	for uid, st := range req.Overrides {
		if st != StatusOverridden && st != StatusPendingReview {
			return nil, errcode.Newf(errcode.InvalidInput, "override for %s must be OVERRIDDEN or PENDING_REVIEW, got %q", uid, st)
		}
	}
	maxChanges := req.MaxChanges
	if maxChanges <= 0 {
		maxChanges = s.maxChanges
	}

	res = &Result{
		PackageID: packageID,
		Status:    StatusClean,
		Counts:    map[string]int{},
		Artifacts: make([]ArtifactResult, 0, len(req.Manifest.Artifacts)),
	}
	for _, st := range []Status{StatusClean, StatusDiverged, StatusOverridden, StatusPendingReview} {
		res.Counts[st.countKey()] = 0
	}

	for _, a := range req.Manifest.Artifacts {
		ar, err := s.scanArtifact(a, req, maxChanges)
		if err != nil {
			return nil, err
		}
		res.Counts[ar.Status.countKey()]++
		if ar.Status.severity() > res.Status.severity() {
			res.Status = ar.Status
		}
		res.Artifacts = append(res.Artifacts, ar)
	}

	s.logger.DebugContext(ctx, "scan complete", "package_id", res.PackageID, "status", res.Status, "artifacts", len(res.Artifacts))
	s.bus.Publish(ctx, events.Event{
		Type:    events.DriftScanned,
		Subject: res.PackageID,
		Data:    map[string]any{"status": string(res.Status), "counts": copyCounts(res.Counts)},
	})
	return res, nil
}

func (s *Scanner) scanArtifact(a manifest.Artifact, req Request, maxChanges int) (ArtifactResult, error) {
	ar := ArtifactResult{UID: a.UID, Type: a.Type}

	var targetPayload any
	if !a.IsDelete() {
		targetPayload = a.Payload
	}
	ar.TargetHash = a.Hash
	if ar.TargetHash == "" {
		h, err := content.Hash(s.registry, a.UID, a.Type, targetPayload)
		if err != nil {
			return ar, errcode.Wrap(errcode.InvalidInput, err, "hash target "+a.UID)
		}
		ar.TargetHash = h
	}

	local, present := req.Locals[a.UID]
	ar.Present = present
	if present {
		ar.LocalHash = local.Hash
		if ar.LocalHash == "" && local.Payload != nil {
			h, err := content.Hash(s.registry, a.UID, a.Type, local.Payload)
			if err != nil {
				return ar, errcode.Wrap(errcode.InvalidInput, err, "hash local "+a.UID)
			}
			ar.LocalHash = h
		}
	}

	switch {
	case a.IsDelete() && !present:
		ar.Status = StatusClean
	case artifact.HashesEqual(ar.LocalHash, ar.TargetHash):
		ar.Status = StatusClean
	default:
		ar.Status = StatusDiverged
		if o, ok := req.Overrides[a.UID]; ok {
			ar.Status = o
		}
	}
	if ar.Status == StatusClean {
		return ar, nil
	}

	var localCanon, targetCanon any
	var err error
	if present && local.Payload != nil {
		if localCanon, err = s.canonical(a, local.Payload); err != nil {
			return ar, errcode.Wrap(errcode.InvalidInput, err, "canonicalize local "+a.UID)
		}
	}
	if targetPayload != nil {
		if targetCanon, err = s.canonical(a, targetPayload); err != nil {
			return ar, errcode.Wrap(errcode.InvalidInput, err, "canonicalize target "+a.UID)
		}
	}
	sum, err := Diff(localCanon, targetCanon, maxChanges)
	if err != nil {
		return ar, errcode.Wrap(errcode.Internal, err, "diff "+a.UID)
	}
	if sum.Total == 0 {
		sum = hashOnlySummary(ar.LocalHash, ar.TargetHash)
	}
	ar.Diff = sum
	return ar, nil
}

func (s *Scanner) canonical(a manifest.Artifact, payload any) (any, error) {
	normalized, err := content.Normalize(a.UID, a.Type, payload)
	if err != nil {
		return nil, err
	}
	return s.registry.Canonicalize(a.Type, normalized)
}

func mutationHint(hints map[string]any) string {
	for k, v := range hints {
		key := strings.ToLower(strings.TrimSpace(k))
		for _, h := range mutationHints {
			if key == h && truthy(v) {
				return h
			}
		}
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no", "off":
			return false
		}
		return true
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		if s, ok := v.(interface{ String() string }); ok {
			f, err := strconv.ParseFloat(s.String(), 64)
			return err != nil || f != 0
		}
		return true
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ResolveLocals reads the local state of every manifest artifact from cs.
// Artifacts missing locally are left out.
func ResolveLocals(ctx context.Context, cs content.Store, m *manifest.Manifest) (map[string]Local, error) {
	if m == nil {
		return nil, errcode.New(errcode.InvalidInput, "manifest is required")
	}
	locals := make(map[string]Local, len(m.Artifacts))
	for _, a := range m.Artifacts {
		payload, ok, err := content.Resolve(ctx, cs, a.UID)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "resolve "+a.UID)
		}
		if ok {
			locals[a.UID] = Local{Payload: payload}
		}
	}
	return locals, nil
}
