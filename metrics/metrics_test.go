package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.FramesIn.WithLabelValues("full").Inc()
	m.FramesIn.WithLabelValues("mini").Add(3)
	m.Sessions.Set(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesIn.WithLabelValues("mini")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Sessions))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `iaxd_frames_received_total{kind="mini"} 3`)
}

func TestIndependentRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.Retransmits.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Retransmits))
}
