package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOpIncrementsCounterAndHistogram(t *testing.T) {
	s := NewSet("test")
	defer s.Close()

	s.RecordOp("mycache", "get", OutcomeHitLocal, 0.5)
	s.RecordOp("mycache", "get", OutcomeHitLocal, 1.5)

	mf, err := s.Registry().Gather()
	require.NoError(t, err)

	var opsTotal float64
	var sampleCount uint64
	for _, m := range mf {
		switch m.GetName() {
		case "test_cache_ops_total":
			for _, metric := range m.Metric {
				opsTotal += metric.GetCounter().GetValue()
			}
		case "test_cache_op_latency_ms":
			for _, metric := range m.Metric {
				sampleCount += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, float64(2), opsTotal)
	assert.Equal(t, uint64(2), sampleCount)
}

func TestRecordDiskErrorLabelsByCache(t *testing.T) {
	s := NewSet("test")
	defer s.Close()

	recorder := s.RecordDiskError("mycache")
	recorder("disk_read", assert.AnError)

	mf, err := s.Registry().Gather()
	require.NoError(t, err)

	var found *dto.Metric
	for _, m := range mf {
		if m.GetName() != "test_disk_tier_errors_total" {
			continue
		}
		for _, metric := range m.Metric {
			found = metric
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, float64(1), found.GetCounter().GetValue())
}

func TestSetConnectionsGauge(t *testing.T) {
	s := NewSet("test")
	defer s.Close()

	s.SetConnections("mycache", 3)

	mf, err := s.Registry().Gather()
	require.NoError(t, err)

	var gauge float64
	for _, m := range mf {
		if m.GetName() != "test_active_connections" {
			continue
		}
		for _, metric := range m.Metric {
			gauge = metric.GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(3), gauge)
}

func TestNamespaceOrDefault(t *testing.T) {
	assert.Equal(t, "cacheproxy", NamespaceOrDefault(""))
	assert.Equal(t, "myapp", NamespaceOrDefault("myapp"))
}
