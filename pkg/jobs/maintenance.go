// Package jobs is the entry point an external scheduler calls. dbvc runs no
// background workers of its own.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/packages"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/signedcmd"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
)

const defaultPingConcurrency = 8

// Pinger checks that a site answers.
type Pinger interface {
	Ping(ctx context.Context, baseURL string) error
}

// Publisher retries failed package publishes.
type Publisher interface {
	DueRetries(ctx context.Context, now time.Time) ([]string, error)
	PublishRemote(ctx context.Context, req packages.PublishRemoteRequest) (*packages.PublishRemoteResult, error)
}

// Report summarizes one maintenance run.
type Report struct {
	NoncesPruned     int      `json:"nonces_pruned"`
	SitesChecked     int      `json:"sites_checked"`
	SitesOnline      int      `json:"sites_online"`
	SitesOffline     int      `json:"sites_offline"`
	RetriesAttempted int      `json:"retries_attempted"`
	RetriesSucceeded int      `json:"retries_succeeded"`
	Errors           []string `json:"errors,omitempty"`
}

// Maintenance bundles the periodic upkeep a node needs. Each part is
// optional and only runs when its option was given.
type Maintenance struct {
	nonces      signedcmd.NonceStore
	sites       *sites.Registry
	pinger      Pinger
	publisher   Publisher
	concurrency int
	clock       func() time.Time
	telemetry   *observability.Provider
	logger      *slog.Logger
}

type Option func(*Maintenance)

// WithNonces prunes expired signed-command nonces.
func WithNonces(n signedcmd.NonceStore) Option { return func(m *Maintenance) { m.nonces = n } }

// WithSiteChecks pings connected sites and records their reachability.
func WithSiteChecks(r *sites.Registry, p Pinger) Option {
	return func(m *Maintenance) { m.sites, m.pinger = r, p }
}

// WithPublisher retries publishes whose backoff has elapsed.
func WithPublisher(p Publisher) Option { return func(m *Maintenance) { m.publisher = p } }

// WithConcurrency bounds parallel site pings.
func WithConcurrency(n int) Option {
	return func(m *Maintenance) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithClock(clock func() time.Time) Option { return func(m *Maintenance) { m.clock = clock } }

func WithTelemetry(p *observability.Provider) Option {
	return func(m *Maintenance) { m.telemetry = p }
}

func WithLogger(l *slog.Logger) Option { return func(m *Maintenance) { m.logger = l } }

// NewMaintenance returns a Maintenance with the given jobs enabled.
func NewMaintenance(opts ...Option) *Maintenance {
	m := &Maintenance{
		concurrency: defaultPingConcurrency,
		clock:       time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "jobs")
	return m
}

// Run performs every configured task once. A failing task does not stop the
// others; their errors are joined.
func (m *Maintenance) Run(ctx context.Context) (rep *Report, err error) {
	ctx, finish := m.telemetry.Track(ctx, "jobs.maintenance")
	defer func() { finish(err) }()

	rep = &Report{}
	var errs []error
	if m.nonces != nil {
		n, err := m.nonces.Prune(ctx, m.clock())
		if err != nil {
			errs = append(errs, fmt.Errorf("prune nonces: %w", err))
		}
		rep.NoncesPruned = n
	}
	if m.sites != nil && m.pinger != nil {
		if err := m.checkSites(ctx, rep); err != nil {
			errs = append(errs, fmt.Errorf("check sites: %w", err))
		}
	}
	if m.publisher != nil {
		if err := m.retry(ctx, rep); err != nil {
			errs = append(errs, fmt.Errorf("retry publishes: %w", err))
		}
	}
	err = errors.Join(errs...)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	}
	m.logger.InfoContext(ctx, "maintenance finished",
		"nonces_pruned", rep.NoncesPruned,
		"sites_checked", rep.SitesChecked,
		"sites_online", rep.SitesOnline,
		"retries", rep.RetriesAttempted,
		"retried_ok", rep.RetriesSucceeded)
	return rep, err
}

func (m *Maintenance) checkSites(ctx context.Context, rep *Report) error {
	all, err := m.sites.List(ctx)
	if err != nil {
		return err
	}
	var (
		mu     sync.Mutex
		failed []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, s := range all {
		if s.Status == sites.StatusDisabled || s.BaseURL == "" {
			continue
		}
		g.Go(func() error {
			reachable := true
			if err := m.pinger.Ping(gctx, s.BaseURL); err != nil {
				reachable = false
				m.logger.DebugContext(gctx, "site ping failed", "site_uid", s.SiteUID, "error", err)
			}
			_, setErr := m.sites.RecordReachability(ctx, s.SiteUID, reachable)

			mu.Lock()
			defer mu.Unlock()
			rep.SitesChecked++
			if reachable {
				rep.SitesOnline++
			} else {
				rep.SitesOffline++
			}
			if setErr != nil {
				failed = append(failed, fmt.Errorf("%s: %w", s.SiteUID, setErr))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failed...)
}

func (m *Maintenance) retry(ctx context.Context, rep *Report) error {
	ids, err := m.publisher.DueRetries(ctx, m.clock())
	if err != nil {
		return err
	}
	var failed []error
	for _, id := range ids {
		rep.RetriesAttempted++
		_, err := m.publisher.PublishRemote(ctx, packages.PublishRemoteRequest{PackageID: id})
		switch {
		case err == nil:
			rep.RetriesSucceeded++
		case errcode.IsRetryable(err):
			// Recorded on the package; the next run picks it up when due.
			m.logger.InfoContext(ctx, "publish retry failed", "package_id", id, "code", errcode.CodeOf(err))
		default:
			failed = append(failed, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(failed...)
}
