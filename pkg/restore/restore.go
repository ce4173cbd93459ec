// Package restore captures pre-apply state and puts it back.
package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
)

// DefaultRetention is the number of restore points kept.
const DefaultRetention = 10

const documentKey = "restore_points"

// OptionSnapshot is the pre-apply value of one option.
type OptionSnapshot struct {
	Key     string `json:"key"`
	Existed bool   `json:"existed"`
	Value   any    `json:"value,omitempty"`
}

// EntitySnapshot is the pre-apply state of one entity.
type EntitySnapshot struct {
	ID      string         `json:"id"`
	Existed bool           `json:"existed"`
	Fields  map[string]any `json:"fields,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Point is an immutable snapshot.
type Point struct {
	ID        string           `json:"restore_id"`
	CreatedAt time.Time        `json:"created_at"`
	PackageID string           `json:"package_id,omitempty"`
	Options   []OptionSnapshot `json:"options"`
	Entities  []EntitySnapshot `json:"entities"`
}

// Report summarises a restore.
type Report struct {
	RestoreID string   `json:"restore_id"`
	Restored  []string `json:"restored"`
	Unchanged []string `json:"unchanged"`
}

// Manager captures and restores content for applies and keeps the newest
// points up to the retention limit.
type Manager struct {
	content   content.Store
	doc       *kv.Document[[]Point]
	retention int
	clock     func() time.Time
	bus       *events.Bus
	logger    *slog.Logger
}

type Option func(*Manager)

// WithRetention sets how many restore points are kept. n <= 0 keeps
// DefaultRetention.
func WithRetention(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retention = n
		}
	}
}

func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }

func WithBus(bus *events.Bus) Option { return func(m *Manager) { m.bus = bus } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager reads and writes content through cs and stores points in store.
func NewManager(cs content.Store, store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		content:   cs,
		doc:       kv.NewDocument[[]Point](store, documentKey),
		retention: DefaultRetention,
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "restore")
	return m
}

// Capture snapshots the current state of uids without persisting it.
func (m *Manager) Capture(ctx context.Context, packageID string, uids []string) (*Point, error) {
	p := &Point{
		ID:        uuid.NewString(),
		CreatedAt: m.clock().UTC(),
		PackageID: packageID,
		Options:   []OptionSnapshot{},
		Entities:  []EntitySnapshot{},
	}
	seen := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		u, err := artifact.ParseUID(uid)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidInput, err, "capture")
		}
		switch u.Kind {
		case artifact.KindOption:
			v, ok, err := m.content.ReadOption(ctx, u.Key)
			if err != nil {
				return nil, errcode.Wrap(errcode.Internal, err, "read option "+u.Key)
			}
			p.Options = append(p.Options, OptionSnapshot{Key: u.Key, Existed: ok, Value: v})
		default:
			e, err := m.content.ReadEntity(ctx, u.Key)
			switch {
			case errors.Is(err, content.ErrNotFound):
				p.Entities = append(p.Entities, EntitySnapshot{ID: u.Key})
			case err != nil:
				return nil, errcode.Wrap(errcode.Internal, err, "read entity "+u.Key)
			default:
				p.Entities = append(p.Entities, EntitySnapshot{ID: u.Key, Existed: true, Fields: e.Fields, Meta: e.Meta})
			}
		}
	}
	return p, nil
}

// Create captures uids and persists the point, evicting the oldest points
// beyond the retention limit.
func (m *Manager) Create(ctx context.Context, packageID string, uids []string) (*Point, error) {
	p, err := m.Capture(ctx, packageID, uids)
	if err != nil {
		return nil, err
	}
	err = m.doc.Update(ctx, func(points *[]Point) error {
		*points = append(*points, *p)
		sort.SliceStable(*points, func(i, j int) bool {
			return (*points)[i].CreatedAt.Before((*points)[j].CreatedAt)
		})
		if over := len(*points) - m.retention; over > 0 {
			*points = (*points)[over:]
		}
		return nil
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "persist restore point")
	}
	m.logger.InfoContext(ctx, "restore point created", "restore_id", p.ID, "package_id", packageID,
		"options", len(p.Options), "entities", len(p.Entities))
	return p, nil
}

// Get returns a persisted point.
func (m *Manager) Get(ctx context.Context, id string) (*Point, error) {
	points, err := m.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load restore points")
	}
	for i := range points {
		if points[i].ID == id {
			return &points[i], nil
		}
	}
	return nil, errcode.Newf(errcode.RestoreMissing, "restore point %q not found", id)
}

// List returns persisted points, newest first.
func (m *Manager) List(ctx context.Context) ([]Point, error) {
	points, err := m.doc.Load(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "load restore points")
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].CreatedAt.After(points[j].CreatedAt) })
	return points, nil
}

// Rollback restores a persisted point.
func (m *Manager) Rollback(ctx context.Context, id string) (*Report, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Restore(ctx, p)
}

// Restore writes the snapshot back. Items already in their snapshot state are
// left alone, so restoring twice is a no-op. Every item is attempted; failures
// are joined.
func (m *Manager) Restore(ctx context.Context, p *Point) (*Report, error) {
	rep := &Report{RestoreID: p.ID, Restored: []string{}, Unchanged: []string{}}
	var errs []error

	for _, o := range p.Options {
		uid := artifact.OptionUID(o.Key)
		changed, err := m.restoreOption(ctx, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", uid, err))
			continue
		}
		if changed {
			rep.Restored = append(rep.Restored, uid)
		} else {
			rep.Unchanged = append(rep.Unchanged, uid)
		}
	}
	for _, e := range p.Entities {
		uid := "entity:" + e.ID
		changed, err := m.restoreEntity(ctx, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", uid, err))
			continue
		}
		if changed {
			rep.Restored = append(rep.Restored, uid)
		} else {
			rep.Unchanged = append(rep.Unchanged, uid)
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.ErrorContext(ctx, "restore incomplete", "restore_id", p.ID, "error", err)
		return rep, errcode.Wrap(errcode.Internal, err, "restore "+p.ID)
	}
	m.bus.Publish(ctx, events.Event{
		Type:    events.RestoreCompleted,
		Subject: p.ID,
		Data:    map[string]any{"package_id": p.PackageID, "restored": len(rep.Restored)},
	})
	return rep, nil
}

func (m *Manager) restoreOption(ctx context.Context, o OptionSnapshot) (bool, error) {
	cur, exists, err := m.content.ReadOption(ctx, o.Key)
	if err != nil {
		return false, err
	}
	if !o.Existed {
		if !exists {
			return false, nil
		}
		return true, m.content.DeleteOption(ctx, o.Key)
	}
	if exists && sameValue(cur, o.Value) {
		return false, nil
	}
	return true, m.content.WriteOption(ctx, o.Key, o.Value)
}

func (m *Manager) restoreEntity(ctx context.Context, s EntitySnapshot) (bool, error) {
	cur, err := m.content.ReadEntity(ctx, s.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		return false, err
	}
	if !s.Existed {
		if !exists {
			return false, nil
		}
		return true, m.content.DeleteEntity(ctx, s.ID)
	}
	want := &content.Entity{ID: s.ID, Fields: s.Fields, Meta: s.Meta}
	if exists && sameValue(content.EntityPayload(cur), content.EntityPayload(want)) {
		return false, nil
	}
	return true, m.content.WriteEntity(ctx, s.ID, s.Fields, s.Meta)
}

func sameValue(a, b any) bool {
	ga, err := artifact.Generic(a)
	if err != nil {
		return false
	}
	gb, err := artifact.Generic(b)
	if err != nil {
		return false
	}
	ea, err := artifact.Encode(ga)
	if err != nil {
		return false
	}
	eb, err := artifact.Encode(gb)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
