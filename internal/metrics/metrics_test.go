package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_RegistersDistinctDeadletterGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.DeadletterQueueSizeBasic.Set(3)
	r.DeadletterQueueSizeByProvider.WithLabelValues("src").Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]*dto.MetricFamily{}
	for _, f := range families {
		names[f.GetName()] = f
	}

	require.Contains(t, names, "deadletter_queue_size_basic")
	require.Contains(t, names, "deadletter_queue_size_by_provider")
	require.NotSame(t, names["deadletter_queue_size_basic"], names["deadletter_queue_size_by_provider"])
}

func TestNewRegistry_PanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)
	require.Panics(t, func() { NewRegistry(reg) })
}

func TestNewRegistry_CountersStartAtZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.SyncEventsTotal.WithLabelValues("src_to_tgt", "ok").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() != "sync_events_total" {
			continue
		}
		found = true
		require.Len(t, f.GetMetric(), 1)
		require.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
	}
	require.True(t, found)
}
