package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.SetConnectionState(2)
		c.Reconnect()
		c.FrameIn("MESSAGE")
		c.FrameOut("SEND")
		c.HeartbeatTimeout()
		c.Delivered("TOKEN_CALLED")
		c.DecodeFallback()
		c.HandlerPanic()
		c.SetSubscriptions(1, 2, 3)
	})
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetConnectionState(2)
	c.Reconnect()
	c.Reconnect()
	c.FrameIn("MESSAGE")
	c.Delivered("")
	c.SetSubscriptions(1, 4, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionState))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.frames.WithLabelValues("in", "MESSAGE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deliveries.WithLabelValues("raw")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.subscriptions.WithLabelValues("active")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
