// Package metrics exposes dbvc domain counters to Prometheus. The collector
// derives every counter from the event bus, so components never import it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
)

// Collector owns a private registry so tests and multiple servers can coexist.
type Collector struct {
	registry *prometheus.Registry

	lifecycle  *prometheus.CounterVec
	applies    *prometheus.CounterVec
	drift      *prometheus.CounterVec
	transport  *prometheus.CounterVec
	proposals  *prometheus.CounterVec
	onboarding *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// NewCollector registers its counters on a private registry under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{registry: reg}

	c.lifecycle = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "package_lifecycle_total",
		Help:      "Package lifecycle actions by action",
	}, []string{"action"})
	c.applies = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "apply_total",
		Help:      "Apply executions by outcome",
	}, []string{"outcome"})
	c.drift = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drift_artifacts_total",
		Help:      "Scanned artifacts by drift status",
	}, []string{"status"})
	c.transport = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_attempts_total",
		Help:      "Remote transport attempts by operation and result",
	}, []string{"operation", "result"})
	c.proposals = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proposal_transitions_total",
		Help:      "Proposal transitions by target status",
	}, []string{"to"})
	c.onboarding = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "onboarding_events_total",
		Help:      "Onboarding intros and decisions",
	}, []string{"event"})
	c.rejections = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signed_command_rejections_total",
		Help:      "Rejected signed commands by error code",
	}, []string{"code"})
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Attach subscribes the collector to bus.
func (c *Collector) Attach(bus *events.Bus) func() {
	return bus.Subscribe(c.observe)
}

func (c *Collector) observe(_ context.Context, e events.Event) {
	switch e.Type {
	case events.PackageCreated:
		c.lifecycle.WithLabelValues("created").Inc()
	case events.PackagePromoted:
		c.lifecycle.WithLabelValues("promoted").Inc()
	case events.PackageRevoked:
		c.lifecycle.WithLabelValues("revoked").Inc()
	case events.PackageReceived:
		c.lifecycle.WithLabelValues("received").Inc()
	case events.PackageTransport:
		c.transport.WithLabelValues(str(e.Data["operation"]), str(e.Data["result"])).Inc()
	case events.ApplyCompleted:
		outcome := "applied"
		if dry, _ := e.Data["dry_run"].(bool); dry {
			outcome = "dry_run"
		}
		c.applies.WithLabelValues(outcome).Inc()
	case events.ApplyRolledBack:
		c.applies.WithLabelValues("rolled_back").Inc()
	case events.DriftScanned:
		if counts, ok := e.Data["counts"].(map[string]int); ok {
			for status, n := range counts {
				c.drift.WithLabelValues(status).Add(float64(n))
			}
		}
	case events.ProposalTransitioned:
		c.proposals.WithLabelValues(str(e.Data["to"])).Inc()
	case events.OnboardingIntroduced:
		c.onboarding.WithLabelValues("intro").Inc()
	case events.OnboardingDecided:
		c.onboarding.WithLabelValues(str(e.Data["decision"])).Inc()
	case events.SignedCommandRejected:
		c.rejections.WithLabelValues(str(e.Data["code"])).Inc()
	}
}

func str(v any) string {
	s, _ := v.(string)
	if s == "" {
		return "unknown"
	}
	return s
}
