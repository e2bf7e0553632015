package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewProvider(t *testing.T) {
	provider, err := NewProvider(NewDefaultConfig())
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	assert.NotNil(t, provider.Registry())
	assert.NotNil(t, provider.Handler())
}

func TestProvider_MetricsSurfaceOnHandler(t *testing.T) {
	provider, err := NewProvider(&Config{ServiceName: "wardend-test"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	meter := otel.Meter("test")
	counter, err := meter.Int64Counter("wardend.test.events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	provider.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "wardend_test_events_total")
}

func TestNewProvider_NilConfig(t *testing.T) {
	provider, err := NewProvider(nil)
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())
	assert.NotNil(t, provider)
}
