package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/pkg/metrics"
)

func TestRelay_ForwardsVerbatim(t *testing.T) {
	target, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()

	r, err := New(config.RelayConfig{
		SinkAddr:   "127.0.0.1:0",
		TargetAddr: target.LocalAddr().String(),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("relay did not stop")
		}
	}()

	forwarded := metrics.RelayDatagrams.WithLabelValues("forwarded")
	before := testutil.ToFloat64(forwarded)

	producer, err := net.Dial("udp", r.SinkAddr().String())
	require.NoError(t, err)
	defer producer.Close()

	buf := make([]byte, bufferSize)
	for _, payload := range []string{`{"price":100}`, "plain text"} {
		_, err = producer.Write([]byte(payload))
		require.NoError(t, err)

		require.NoError(t, target.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := target.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, payload, string(buf[:n]))
	}
	assert.Eventually(t, func() bool { return testutil.ToFloat64(forwarded) == before+2 }, time.Second, 10*time.Millisecond)
}

func TestNew_SinkBindFailure(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	_, err = New(config.RelayConfig{
		SinkAddr:   busy.LocalAddr().String(),
		TargetAddr: "127.0.0.1:9",
	}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNew_UnresolvableTarget(t *testing.T) {
	_, err := New(config.RelayConfig{SinkAddr: "127.0.0.1:0", TargetAddr: "not-an-address"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
