package prometheus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapfs/mapfs/pkg/metrics"
)

func TestNewEngineMetrics(t *testing.T) {
	// One function controls the ordering: the registry is one-shot
	// process state, and the collectors register once.
	require.Nil(t, NewEngineMetrics(), "disabled metrics yield nil, callers fall back to the no-op")

	metrics.InitRegistry()
	m := NewEngineMetrics()
	require.NotNil(t, m)

	m.ReadIOSubmitted(3, 12288)
	m.ReadIOSubmitted(1, 4096)
	m.SyncReadIssued(512)
	m.WriteIOSubmitted(2, 8192)
	m.PagesWrittenBack(2)
	m.ShortWrite()

	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		metric := mf.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			got[mf.GetName()] = metric.GetCounter().GetValue()
		case metric.GetHistogram() != nil:
			got[mf.GetName()] = float64(metric.GetHistogram().GetSampleCount())
		}
	}

	assert.Equal(t, float64(2), got["mapfs_buffered_read_ios_total"])
	assert.Equal(t, float64(4), got["mapfs_buffered_read_vectors_total"])
	assert.Equal(t, float64(16384), got["mapfs_buffered_read_bytes_total"])
	assert.Equal(t, float64(1), got["mapfs_buffered_sync_reads_total"])
	assert.Equal(t, float64(512), got["mapfs_buffered_sync_read_bytes_total"])
	assert.Equal(t, float64(1), got["mapfs_buffered_write_batches_total"])
	assert.Equal(t, float64(2), got["mapfs_buffered_write_vectors_total"])
	assert.Equal(t, float64(8192), got["mapfs_buffered_write_bytes_total"])
	assert.Equal(t, float64(1), got["mapfs_buffered_writeback_pages"])
	assert.Equal(t, float64(1), got["mapfs_buffered_short_writes_total"])
}
