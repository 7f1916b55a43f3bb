package portset

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationsCounted(t *testing.T) {
	s := newBitmapSet(t, 100, 200)
	name := s.Name()

	_, err := s.Test(150)
	require.NoError(t, err)
	_, err = s.Test(151)
	require.NoError(t, err)
	require.NoError(t, s.Add(150))
	_, err = s.Test(300)
	require.ErrorIs(t, err, ErrOutOfRange)

	assert.Equal(t, 2.0, testutil.ToFloat64(operationsTotal.WithLabelValues(name, "test", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(operationsTotal.WithLabelValues(name, "test", "out_of_range")))
	assert.Equal(t, 1.0, testutil.ToFloat64(operationsTotal.WithLabelValues(name, "add", "ok")))
}

func TestDestroyDropsSeries(t *testing.T) {
	s, fc := newTimeoutSet(t, 100, 110, 1)
	name := s.Name()
	require.NoError(t, s.Add(100))
	fc.Step(2 * gcPeriod(1))
	s.sweep()

	s.Destroy()
	labels := prometheus.Labels{"set": name}
	assert.Zero(t, operationsTotal.DeletePartialMatch(labels))
	assert.Zero(t, sweepsTotal.DeletePartialMatch(labels))
	assert.Zero(t, reclaimedTotal.DeletePartialMatch(labels))
}
