package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/events"
)

func TestCollector_CountsEvents(t *testing.T) {
	c := NewCollector("dbvc")
	bus := events.NewBus(nil)
	c.Attach(bus)
	ctx := context.Background()

	bus.Publish(ctx, events.Event{Type: events.PackageCreated})
	bus.Publish(ctx, events.Event{Type: events.ApplyCompleted, Data: map[string]any{"dry_run": false}})
	bus.Publish(ctx, events.Event{Type: events.ApplyRolledBack})
	bus.Publish(ctx, events.Event{Type: events.PackageTransport, Data: map[string]any{"operation": "publish", "result": "failed"}})
	bus.Publish(ctx, events.Event{Type: events.DriftScanned, Data: map[string]any{"counts": map[string]int{"CLEAN": 2, "DIVERGED": 1}}})
	bus.Publish(ctx, events.Event{Type: events.SignedCommandRejected, Data: map[string]any{"code": "nonce_replay"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.lifecycle.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.applies.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.applies.WithLabelValues("rolled_back")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transport.WithLabelValues("publish", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.drift.WithLabelValues("CLEAN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejections.WithLabelValues("nonce_replay")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("dbvc")
	bus := events.NewBus(nil)
	c.Attach(bus)
	bus.Publish(context.Background(), events.Event{Type: events.PackageRevoked})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dbvc_package_lifecycle_total{action="revoked"} 1`)
}
