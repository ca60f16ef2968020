package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CompletionAttempt("analysis")
		m.CompletionDone("analysis", "ok", time.Second)
		m.DocumentOp("create", nil)
		m.EditResolved("applied")
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.CompletionAttempt("analysis")
	m.CompletionAttempt("analysis")
	m.CompletionAttempt("")
	m.DocumentOp("update", nil)
	m.DocumentOp("update", errors.New("disk full"))
	m.EditResolved("invalid_range")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.completionAttempts.WithLabelValues("analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completionAttempts.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.documentOps.WithLabelValues("update", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.documentOps.WithLabelValues("update", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.editResolutions.WithLabelValues("invalid_range")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.CompletionDone("document", "exhausted", 3*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `scopecraft_completion_results_total{outcome="exhausted",phase="document"} 1`))
	assert.Contains(t, body, "scopecraft_completion_duration_seconds_bucket")
}
