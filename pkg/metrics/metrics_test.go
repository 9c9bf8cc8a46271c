package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(families), 10)
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.QuoterDisagreements.Inc()
	m.QuoterDisagreements.Inc()

	var out dto.Metric
	require.NoError(t, m.QuoterDisagreements.Write(&out))
	assert.Equal(t, float64(2), out.GetCounter().GetValue())
}
