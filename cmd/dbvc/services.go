package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/api"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/apply"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/blob"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/config"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/content"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/drift"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/idempotency"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/jobs"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/metrics"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/onboarding"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/packages"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/peer"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/proposal"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/restore"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/signedcmd"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/sites"
)

// services is one fully wired node.
type services struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     kv.Store
	bus       *events.Bus
	telemetry *observability.Provider
	metrics   *metrics.Collector

	registry    *artifact.Registry
	content     content.Store
	sites       *sites.Registry
	packages    *packages.Manager
	proposals   *proposal.Manager
	onboarding  *onboarding.Service
	scanner     *drift.Scanner
	executor    *apply.Executor
	restore     *restore.Manager
	verifier    *signedcmd.Verifier
	nonces      signedcmd.NonceStore
	remote      *peer.Client
	maintenance *jobs.Maintenance

	closers []func(context.Context) error
}

func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *services, err error) {
	s := &services{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close(ctx)
		}
	}()

	cfg.Telemetry.ServiceVersion = version
	if s.telemetry, err = observability.New(ctx, cfg.Telemetry); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.telemetry.Shutdown)

	if s.store, err = kv.Open(ctx, cfg.Store, logger); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func(context.Context) error { return s.store.Close() })

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}

	s.bus = events.NewBus(logger)
	s.metrics = metrics.NewCollector("dbvc")
	detach := s.metrics.Attach(s.bus)
	s.closers = append(s.closers, func(context.Context) error { detach(); return nil })

	s.registry = artifact.NewRegistry()
	s.content = content.NewKVStore(s.store)
	idem := idempotency.NewCache(s.store, idempotency.WithLogger(logger))

	s.sites = sites.NewRegistry(s.store, sites.WithBus(s.bus), sites.WithLogger(logger))

	pkgOpts := []packages.Option{
		packages.WithSettings(packageSettings(cfg)),
		packages.WithIdempotency(idem),
		packages.WithContent(s.content),
		packages.WithBus(s.bus),
		packages.WithTelemetry(s.telemetry),
		packages.WithLogger(logger),
	}
	if cfg.Remote.MothershipURL != "" {
		s.remote = peer.New(cfg.Remote.MothershipURL,
			peer.WithTimeout(cfg.Remote.Timeout),
			peer.WithCredentials(cfg.SiteUID, cfg.Remote.HandshakeSecret),
			peer.WithLogger(logger))
		pkgOpts = append(pkgOpts, packages.WithRemote(s.remote))
	}
	s.packages = packages.NewManager(s.store, blobs, s.registry, s.sites, pkgOpts...)

	s.proposals = proposal.NewManager(s.store,
		proposal.WithMaxQueue(cfg.Proposals.MaxQueue),
		proposal.WithIdempotency(idem),
		proposal.WithBus(s.bus),
		proposal.WithTelemetry(s.telemetry),
		proposal.WithLogger(logger))

	s.onboarding = onboarding.NewService(s.store, s.sites, cfg.Role, cfg.MothershipUID,
		onboarding.WithIdempotency(idem),
		onboarding.WithBus(s.bus),
		onboarding.WithTelemetry(s.telemetry),
		onboarding.WithLogger(logger))

	s.scanner = drift.NewScanner(s.registry,
		drift.WithMaxChanges(cfg.Drift.MaxChanges),
		drift.WithBus(s.bus),
		drift.WithTelemetry(s.telemetry),
		drift.WithLogger(logger))

	s.restore = restore.NewManager(s.content, s.store,
		restore.WithRetention(cfg.Apply.RestoreRetention),
		restore.WithBus(s.bus),
		restore.WithLogger(logger))

	checker, err := manifest.NewChecker()
	if err != nil {
		return nil, err
	}
	optionPolicy, entityPolicy, overrides := cfg.Apply.Policies()
	planner := apply.NewPlanner(s.registry, apply.Policy{
		BlockDestructive: cfg.Apply.BlockDestructive,
		OptionDefault:    optionPolicy,
		EntityDefault:    entityPolicy,
		Overrides:        overrides,
	})
	s.executor = apply.NewExecutor(s.registry, planner, s.content, s.restore,
		apply.WithReadOnly(cfg.Apply.ReadOnly),
		apply.WithRestorePoints(cfg.Apply.RestorePoints),
		apply.WithCompatibility(checker, manifest.Environment{
			CoreVersion:  cfg.CoreVersion,
			Capabilities: cfg.Capabilities,
			SiteUID:      cfg.SiteUID,
			Role:         cfg.Role,
		}),
		apply.WithBus(s.bus),
		apply.WithTelemetry(s.telemetry),
		apply.WithLogger(logger))

	if s.nonces, err = s.openNonces(); err != nil {
		return nil, err
	}
	s.verifier = signedcmd.NewVerifier(cfg.Signing.SharedSecret, cfg.Role, cfg.SiteUID, s.nonces,
		signedcmd.WithWindow(cfg.Signing.Window),
		signedcmd.WithBus(s.bus),
		signedcmd.WithLogger(logger))

	pinger := s.remote
	if pinger == nil {
		pinger = peer.New("", peer.WithTimeout(cfg.Remote.Timeout), peer.WithLogger(logger))
	}
	s.maintenance = jobs.NewMaintenance(
		jobs.WithNonces(s.nonces),
		jobs.WithSiteChecks(s.sites, pinger),
		jobs.WithPublisher(s.packages),
		jobs.WithTelemetry(s.telemetry),
		jobs.WithLogger(logger))
	return s, nil
}

// openNonces picks the replay store. Redis lets several client replicas share
// one nonce window.
func (s *services) openNonces() (signedcmd.NonceStore, error) {
	cfg := s.cfg
	if cfg.Signing.NonceBackend != "redis" {
		return signedcmd.NewKVNonceStore(s.store, cfg.Signing.Window, cfg.Signing.MaxNonces), nil
	}
	if cfg.Store.RedisAddr == "" {
		return nil, errors.New("signing.nonce_backend is redis but store.redis_addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	s.closers = append(s.closers, func(context.Context) error { return client.Close() })
	return signedcmd.NewRedisNonceStore(client, "dbvc:nonce:", cfg.Signing.Window), nil
}

func packageSettings(cfg *config.Config) packages.Settings {
	st := packages.DefaultSettings()
	st.SiteUID = cfg.SiteUID
	st.MaxBytes = cfg.Packages.MaxBytes
	st.SchemaVersions = cfg.Packages.SchemaVersions
	st.Lenient = cfg.Packages.ParseMode == config.ParseLenient
	st.BackoffBase = cfg.Packages.BackoffBase
	st.MaxAttempts = cfg.Packages.MaxAttempts
	if cfg.Packages.TimelineMax > 0 {
		st.TimelineMax = cfg.Packages.TimelineMax
	}
	return st
}

// server builds the HTTP surface of the node.
func (s *services) server() *api.Server {
	return api.NewServer(api.Deps{
		Role:        s.cfg.Role,
		SiteUID:     s.cfg.SiteUID,
		Version:     version,
		Packages:    s.packages,
		Proposals:   s.proposals,
		Sites:       s.sites,
		Onboarding:  s.onboarding,
		Scanner:     s.scanner,
		Executor:    s.executor,
		Restore:     s.restore,
		Content:     s.content,
		Verifier:    s.verifier,
		Maintenance: s.maintenance,
		Metrics:     s.metrics,
	},
		api.WithTokens(api.NewTokenValidator(s.cfg.Auth.JWTSecret, s.cfg.Auth.Issuer)),
		api.WithRateLimit(s.cfg.Auth.RateLimit, s.cfg.Auth.RateBurst),
		api.WithMaxBody(s.cfg.Packages.MaxBytes+1<<20),
		api.WithLogger(s.logger))
}

// Close releases resources in reverse order of acquisition.
func (s *services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close services: %w", err)
	}
	return nil
}
