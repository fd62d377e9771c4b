package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		m := NewMetrics()
		require.NotNil(t, m.RequestsTotal)
		m.RequestsTotal.WithLabelValues("create", "ok").Inc()
	})
}

func TestNewMetricsCreatesIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.AdmissionGrantsTotal.Inc()
	require.Equal(t, float64(0), testutil.ToFloat64(b.AdmissionGrantsTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(a.AdmissionGrantsTotal))
}
