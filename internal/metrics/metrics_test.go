package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.ForwardPassesTotal.Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.ForwardPassesTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ForwardPassesTotal))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ScansTotal.WithLabelValues("fMRI", "ok").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nmri_scans_total{mode="fMRI",outcome="ok"} 1`)
}
