package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveOperation("load_credential", time.Now(), nil)
	m.ObserveOperation("load_credential", time.Now(), errors.New("boom"))
	m.ObserveOperation("load_credential", time.Now(), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("load_credential", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("load_credential", OutcomeFailure)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDurationSecond))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("x", time.Now(), nil)
		m.HandshakeRejected("expired")
		m.KeyCacheLookup(true)
	})
}
