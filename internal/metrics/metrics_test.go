package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.KeychainCall("sign", 0)
	m.KeychainRetry("sign")
	m.Operation("factor", "create", nil)
	m.Migration(1)
	m.FactorsStored(3)

	rt := m.RoundTripper(nil)
	assert.Equal(t, http.DefaultTransport, rt)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.KeychainCall("copy_item", -25300)
	m.KeychainCall("copy_item", -25300)
	m.KeychainRetry("copy_item")
	m.Operation("factor", "create", nil)
	m.Operation("factor", "create", errors.New("boom"))
	m.Migration(2)
	m.FactorsStored(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.keychainCalls.WithLabelValues("copy_item", "-25300")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keychainRetries.WithLabelValues("copy_item")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("factor", "create", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("factor", "create", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.migrations.WithLabelValues("2")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.factorsStored))
}

func TestRoundTripperObservesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	m := New(prometheus.NewRegistry())
	client := &http.Client{Transport: m.RoundTripper(nil)}

	res, err := client.Get(srv.URL)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, 1, testutil.CollectAndCount(m.remoteDuration))
}
