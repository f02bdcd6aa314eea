package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHelpers(t *testing.T) {
	m := New(prometheus.NewRegistry(), "test")

	m.IncSegment(OutcomeReady)
	m.IncSegment(OutcomeReady)
	m.IncSegment(OutcomeNotSmaller)
	m.SetSourceConnected(1, true)
	m.IncUploads("success")
	m.ObserveUpload(1.5, 2048)
	m.IncCorruptPurged()
	m.SetRecording(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Segments.WithLabelValues(OutcomeReady)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Segments.WithLabelValues(OutcomeNotSmaller)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceConnected.WithLabelValues("1")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.UploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CorruptPurged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recording))

	m.SetRecording(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Recording))
}

func TestRouterHealthAndStatus(t *testing.T) {
	router := NewRouter(func() any {
		return map[string]any{"recording": true}
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["recording"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
