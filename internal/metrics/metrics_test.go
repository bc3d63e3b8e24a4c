package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(false)
	m.Navigated("advance")
	m.Navigated("advance")
	m.Navigated("retry")
	m.Escalated()
	m.IdentityHealed()
	m.DefinitionsLoaded("catalog", 3)
	m.DefinitionsLoaded("catalog", 2)
	m.DefinitionsLoaded("project", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.navigations.WithLabelValues("advance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.navigations.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.escalations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heals))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.definitions.WithLabelValues("catalog")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Navigated("start")
	m.Escalated()
	m.IdentityHealed()
	m.DefinitionsLoaded("project", 1)
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New(false)
	m.Navigated("start")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `flow_navigations_total{action="start"} 1`), text)
	assert.Contains(t, text, "flow_escalations_total 0")
}
