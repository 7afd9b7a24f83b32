package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayMetricsRecord(t *testing.T) {
	reg := NewRegistry()
	m := NewRelayMetrics(reg)

	m.ChannelsChanged(3)
	m.MembersChanged(5)
	m.MessageRouted()
	m.Delivered()
	m.Delivered()
	m.Malformed()
	m.SendFailed()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Channels))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Members))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRouted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := NewRegistry()
	ws := NewWebSocketMetrics(reg)
	ws.ActiveConnections.Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sigrelay_websocket_active_connections 1")
	assert.Contains(t, string(body), "go_goroutines")
}
