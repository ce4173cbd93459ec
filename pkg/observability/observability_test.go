package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderTracks(t *testing.T) {
	p := Disabled()
	ctx, done := p.Track(context.Background(), "apply", attribute.String("package_id", "p1"))
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { done(errors.New("boom")) })
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsUsable(t *testing.T) {
	var p *Provider
	_, done := p.Track(context.Background(), "scan")
	assert.NotPanics(t, func() { done(nil) })
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_DisabledConfig(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, p.tracerProvider)
}
