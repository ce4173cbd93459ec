// Package events is the explicit observer list components publish lifecycle
// notifications to. Subscribers run synchronously in subscription order.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types published by dbvc components.
const (
	PackageCreated        = "package.created"
	PackagePromoted       = "package.promoted"
	PackageRevoked        = "package.revoked"
	PackageReceived       = "package.received"
	PackageTransport      = "package.transport"
	ApplyCompleted        = "apply.completed"
	ApplyRolledBack       = "apply.rolled_back"
	RestoreCompleted      = "restore.completed"
	ProposalTransitioned  = "proposal.transitioned"
	OnboardingIntroduced  = "onboarding.introduced"
	OnboardingDecided     = "onboarding.decided"
	SiteStatusChanged     = "site.status_changed"
	SignedCommandRejected = "signed_command.rejected"
	DriftScanned          = "drift.scanned"
)

// Event is one notification.
type Event struct {
	Type    string         `json:"type"`
	Subject string         `json:"subject"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler receives events.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	id int
	h  Handler
}

// Bus fans events out to subscribers. A nil *Bus discards events.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
	logger *slog.Logger
	clock  func() time.Time
}

// NewBus returns an empty bus. A nil logger means slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events"), clock: time.Now}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, h: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every subscriber. A panicking subscriber is logged and
// does not stop delivery to the others.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = b.clock().UTC()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s.h, e)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event subscriber panicked", "type", e.Type, "panic", r)
		}
	}()
	h(ctx, e)
}
