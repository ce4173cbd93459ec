package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/restore"
)

// Request is one apply call.
type Request struct {
	Manifest  *manifest.Manifest `json:"manifest"`
	Selection Selection          `json:"selection"`
	Options   Options            `json:"options"`
}

// Verification is the post-apply check of one artifact.
type Verification struct {
	UID        string `json:"artifact_uid"`
	TargetHash string `json:"target_hash"`
	ActualHash string `json:"actual_hash"`
	Match      bool   `json:"match"`
}

// Result reports what an apply did. A dry run carries only the plan.
type Result struct {
	PackageID       string         `json:"package_id,omitempty"`
	DryRun          bool           `json:"dry_run"`
	Plan            *Plan          `json:"plan"`
	AppliedOptions  []string       `json:"applied_options"`
	AppliedEntities []string       `json:"applied_entities"`
	RestoreID       string         `json:"restore_id,omitempty"`
	Verification    []Verification `json:"verification"`
}

// Executor applies plans against the content store.
type Executor struct {
	planner       *Planner
	registry      *artifact.Registry
	content       content.Store
	restore       *restore.Manager
	readOnly      bool
	restorePoints bool
	checker       *manifest.Checker
	env           manifest.Environment
	bus           *events.Bus
	telemetry     *observability.Provider
	logger        *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithReadOnly refuses every non-dry-run apply.
func WithReadOnly(on bool) ExecutorOption { return func(e *Executor) { e.readOnly = on } }

// WithRestorePoints controls whether snapshots are persisted. In-memory
// snapshots are always taken for rollback.
func WithRestorePoints(on bool) ExecutorOption {
	return func(e *Executor) { e.restorePoints = on }
}

// WithCompatibility checks manifest compatibility blocks against env.
func WithCompatibility(c *manifest.Checker, env manifest.Environment) ExecutorOption {
	return func(e *Executor) {
		e.checker = c
		e.env = env
	}
}

// WithBus publishes apply.completed and apply.rolled_back events.
func WithBus(bus *events.Bus) ExecutorOption { return func(e *Executor) { e.bus = bus } }

func WithTelemetry(p *observability.Provider) ExecutorOption {
	return func(e *Executor) { e.telemetry = p }
}

func WithLogger(l *slog.Logger) ExecutorOption { return func(e *Executor) { e.logger = l } }

// NewExecutor returns an executor writing to cs. rm captures the pre-apply
// state used for rollback.
func NewExecutor(reg *artifact.Registry, planner *Planner, cs content.Store, rm *restore.Manager, opts ...ExecutorOption) *Executor {
	e := &Executor{
		planner:       planner,
		registry:      reg,
		content:       cs,
		restore:       rm,
		restorePoints: true,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "apply")
	return e
}

// Plan builds the plan for req without touching any state.
func (e *Executor) Plan(req Request) (*Plan, error) {
	return e.planner.BuildPlan(req.Manifest, req.Selection, req.Options)
}

// Apply executes req. Writes are all-or-nothing: a failed write or a failed
// verification restores every artifact the call touched.
func (e *Executor) Apply(ctx context.Context, req Request) (res *Result, err error) {
	var packageID string
	if req.Manifest != nil {
		packageID = req.Manifest.PackageID
	}
	ctx, finish := e.telemetry.Track(ctx, "apply.execute",
		attribute.String("dbvc.package_id", packageID),
		attribute.Bool("dbvc.dry_run", req.Options.DryRun))
	defer func() { finish(err) }()

	if e.readOnly && !req.Options.DryRun {
		return nil, errcode.New(errcode.ReadOnlyMode, "site is in read-only mode")
	}
	if e.checker != nil && req.Manifest != nil {
		if err := e.checker.Check(req.Manifest, e.env); err != nil {
			return nil, err
		}
	}
	plan, err := e.Plan(req)
	if err != nil {
		return nil, err
	}

	res = &Result{
		PackageID:       packageID,
		DryRun:          req.Options.DryRun,
		Plan:            plan,
		AppliedOptions:  []string{},
		AppliedEntities: []string{},
		Verification:    []Verification{},
	}
	if req.Options.DryRun {
		e.publish(ctx, events.ApplyCompleted, res, nil)
		return res, nil
	}

	uids := plan.UIDs()
	var point *restore.Point
	if e.restorePoints {
		point, err = e.restore.Create(ctx, packageID, uids)
		if err == nil {
			res.RestoreID = point.ID
		}
	} else {
		point, err = e.restore.Capture(ctx, packageID, uids)
	}
	if err != nil {
		return nil, err
	}

	for _, s := range plan.Options {
		if err := e.writeOption(ctx, s); err != nil {
			return nil, e.rollback(ctx, res, point, errcode.Wrap(errcode.EntityApplyFailed, err, "apply option "+s.UID).
				WithDetail("artifact_uid", s.UID))
		}
		res.AppliedOptions = append(res.AppliedOptions, s.UID)
	}
	for _, s := range plan.Entities {
		if err := e.writeEntity(ctx, s); err != nil {
			return nil, e.rollback(ctx, res, point, errcode.Wrap(errcode.EntityApplyFailed, err, "apply entity "+s.UID).
				WithDetail("artifact_uid", s.UID))
		}
		res.AppliedEntities = append(res.AppliedEntities, s.UID)
	}

	var mismatched []string
	for _, s := range append(append([]Step{}, plan.Options...), plan.Entities...) {
		v, err := e.verify(ctx, s)
		if err != nil {
			return nil, e.rollback(ctx, res, point, errcode.Wrap(errcode.VerificationFailed, err, "re-read "+s.UID))
		}
		res.Verification = append(res.Verification, v)
		if !v.Match {
			mismatched = append(mismatched, s.UID)
		}
	}
	if len(mismatched) > 0 {
		verr := errcode.Newf(errcode.VerificationFailed, "%d artifact(s) did not match their target hash after apply", len(mismatched)).
			WithDetail("artifact_uids", mismatched).
			WithDetail("verification", res.Verification)
		return nil, e.rollback(ctx, res, point, verr)
	}

	e.logger.InfoContext(ctx, "apply complete", "package_id", packageID,
		"options", len(res.AppliedOptions), "entities", len(res.AppliedEntities), "restore_id", res.RestoreID)
	e.publish(ctx, events.ApplyCompleted, res, nil)
	return res, nil
}

func (e *Executor) writeOption(ctx context.Context, s Step) error {
	if s.Destructive {
		return e.content.DeleteOption(ctx, s.key)
	}
	return e.content.WriteOption(ctx, s.key, s.payload)
}

func (e *Executor) writeEntity(ctx context.Context, s Step) error {
	if s.Destructive {
		return e.content.DeleteEntity(ctx, s.key)
	}
	fields, meta, err := content.SplitEntityPayload(s.payload)
	if err != nil {
		return err
	}
	return e.content.WriteEntity(ctx, s.key, fields, meta)
}

func (e *Executor) verify(ctx context.Context, s Step) (Verification, error) {
	v := Verification{UID: s.UID, TargetHash: s.TargetHash}
	payload, _, err := content.Resolve(ctx, e.content, s.UID)
	if err != nil {
		return v, err
	}
	v.ActualHash, err = content.Hash(e.registry, s.UID, s.Type, payload)
	if err != nil {
		return v, err
	}
	v.Match = artifact.HashesEqual(v.ActualHash, v.TargetHash)
	return v, nil
}

// rollback restores point and returns cause, joined with any restore failure.
func (e *Executor) rollback(ctx context.Context, res *Result, point *restore.Point, cause *errcode.Error) error {
	e.logger.WarnContext(ctx, "rolling back apply", "package_id", res.PackageID, "code", cause.Code, "error", cause.Message)
	_, rerr := e.restore.Restore(ctx, point)
	if res.RestoreID != "" {
		cause.WithDetail("restore_id", res.RestoreID)
	}
	e.publish(ctx, events.ApplyRolledBack, res, cause)
	if rerr != nil {
		cause.Err = errors.Join(cause.Err, fmt.Errorf("rollback: %w", rerr))
		cause.WithDetail("rollback_failed", true)
	}
	return cause
}

func (e *Executor) publish(ctx context.Context, typ string, res *Result, cause *errcode.Error) {
	data := map[string]any{
		"dry_run":  res.DryRun,
		"options":  len(res.AppliedOptions),
		"entities": len(res.AppliedEntities),
	}
	if res.RestoreID != "" {
		data["restore_id"] = res.RestoreID
	}
	if cause != nil {
		data["code"] = string(cause.Code)
	}
	e.bus.Publish(ctx, events.Event{Type: typ, Subject: res.PackageID, Data: data})
}
