package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/scheduler"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFinished(t *testing.T) {
	m := New()
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	m.RunFinished(scheduler.RunReport{
		Mode:       scheduler.ModeIncremental,
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Processed:  []string{"doc-1", "doc-2"},
		Deferred:   []string{"doc-3"},
		Report:     common.WriteReport{EntitiesCreated: 4, RelationshipsCreated: 2},
	})
	m.RunFinished(scheduler.RunReport{
		Mode:   scheduler.ModeFull,
		Failed: map[string]string{"doc-4": "boom"},
		Error:  "1 of 1 documents failed",
	})
	m.RunFinished(scheduler.RunReport{AlreadyRunning: true})
	m.MergeFinished(common.MergeReport{})

	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("incremental", "succeeded")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("full", "failed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.documents.WithLabelValues("processed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.documents.WithLabelValues("failed")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.graphWrites.WithLabelValues("entity", "created")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.merges), 0)
	assert.InDelta(t, float64(start.Add(time.Minute).Unix()), testutil.ToFloat64(m.lastSuccess), 0)
}

func TestHandler(t *testing.T) {
	m := New()
	m.MergeFinished(common.MergeReport{})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "barokg_graph_merges_total 1"))
}
