package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/eventfeed/internal/connection"
	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/pubsub"
)

// Compile-time checks that the collector plugs into every component.
var (
	_ loader.Observer     = (*Collector)(nil)
	_ pubsub.Observer     = (*Collector)(nil)
	_ connection.Observer = (*Collector)(nil)
)

func TestCollector_Register(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector()))
}

func TestCollector_Loader(t *testing.T) {
	c := NewCollector()
	c.ObserveBatch("event", 3, 2*time.Millisecond, nil)
	c.ObserveBatch("event", 1, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("event", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("event", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.batchKeys))
}

func TestCollector_Router(t *testing.T) {
	c := NewCollector()
	c.ObservePublish("event.updated", 2, time.Microsecond)
	c.ObservePublish("event.updated", 0, time.Microsecond)
	c.ObserveOverflow("event.updated", pubsub.OverflowDisconnect)
	c.ObserveSubscribers("event.updated", 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.publications.WithLabelValues("event.updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.overflows.WithLabelValues("event.updated", "disconnect")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.subscribers.WithLabelValues("event.updated")))
}

func TestCollector_ServerAndClient(t *testing.T) {
	c := NewCollector()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.FrameReceived("subscribe")
	c.Violation("invalid_filter")
	c.ObserveStatus(connection.StatusConnected, connection.StatusReconnecting)
	c.ObserveReconnect(1, 500*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesIn.WithLabelValues("subscribe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("invalid_filter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("connected", "reconnecting")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.reconnectDelay))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector()
	require.NoError(t, reg.Register(c))
	c.ObservePublish("event.updated", 1, time.Microsecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "eventfeed_router_publications_total"))
}
