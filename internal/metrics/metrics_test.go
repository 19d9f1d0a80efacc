package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m.RecordsTotal)
	assert.NotNil(t, m.PutsTotal)
	assert.NotNil(t, m.SyncCyclesTotal)
	assert.NotNil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()

	m.PutsTotal.WithLabelValues("created").Inc()
	m.EmbeddingFailuresTotal.Inc()
	m.RecordsTotal.Set(3)
	m.SyncCyclesTotal.WithLabelValues("ok").Inc()
	m.SyncLagSeconds.Set(12)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "memory_puts_total")
	assert.Contains(t, out, "memory_embedding_failures_total")
	assert.Contains(t, out, "memory_records_total 3")
	assert.Contains(t, out, "sync_cycles_total")
	assert.Contains(t, out, "sync_lag_seconds 12")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a := NewMetrics()
	b := NewMetrics()
	assert.NotSame(t, a.Registry(), b.Registry())
}
