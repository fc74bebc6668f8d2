package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordsDropped.WithLabelValues(DropDisconnected).Inc()
	m.Reconnects.Add(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["channel_records_dropped_total"])
	assert.True(t, names["channel_reconnects_total"])
	assert.True(t, names["journal_commands_dropped_total"])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reconnects))
}

func TestNewMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestOrNew(t *testing.T) {
	m := OrNew(nil)
	require.NotNil(t, m)
	m.Conflicts.WithLabelValues("primary").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts.WithLabelValues("primary")))

	same := NewMetrics(nil)
	assert.Same(t, same, OrNew(same))
}
