package marketfeeds

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/tickercast/internal/config"
	"github.com/Aidin1998/tickercast/internal/marketdata"
)

type capturePublisher struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
}

func (p *capturePublisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("sink down")
	}
	p.payloads = append(p.payloads, string(payload))
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

// fakeUpstream records subscribe requests and replays frames to every session.
type fakeUpstream struct {
	server   *httptest.Server
	sessions atomic.Int32
	requests chan subscribeRequest
}

func newFakeUpstream(t *testing.T, frames []string, dropAfterSend bool) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{requests: make(chan subscribeRequest, 8)}
	upgrader := websocket.Upgrader{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		u.sessions.Add(1)

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		select {
		case u.requests <- req:
		default:
		}

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if dropAfterSend {
			return
		}
		// Hold the session open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(u.server.URL, "http")
}

func runClient(t *testing.T, client *BinanceClient) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("feed did not stop")
		}
	})
	return cancel
}

func feedConfig(url string) config.FeedConfig {
	return config.FeedConfig{
		Enabled:           true,
		URL:               url,
		Streams:           []string{"bnbusdt@ticker", "btcusdt@ticker"},
		ReconnectInterval: 20 * time.Millisecond,
		Sink:              "bridge",
	}
}

func TestBinanceClient_SubscribesAndPublishesTickers(t *testing.T) {
	upstream := newFakeUpstream(t, []string{
		`{"result":null,"id":1}`,
		`{"e":"trade","s":"BNBUSDT"}`,
		`{"e":"24hrTicker","s":"BNBUSDT","c":"bad"}`,
		sampleTicker,
	}, false)
	pub := &capturePublisher{}

	runClient(t, NewBinanceClient(feedConfig(upstream.url()), pub, clockwork.NewRealClock(), zaptest.NewLogger(t)))

	select {
	case req := <-upstream.requests:
		assert.Equal(t, subscribeRequest{Method: "SUBSCRIBE", Params: []string{"bnbusdt@ticker", "btcusdt@ticker"}, ID: 1}, req)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe request")
	}

	require.Eventually(t, func() bool { return len(pub.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(pub.all()[0]), &record))
	assert.Equal(t, "BNBUSDT", record["symbol"])
	assert.Equal(t, "24hrTicker", record["event_type"])
}

func TestBinanceClient_ReconnectsAfterDrop(t *testing.T) {
	upstream := newFakeUpstream(t, []string{sampleTicker}, true)
	pub := &capturePublisher{}

	runClient(t, NewBinanceClient(feedConfig(upstream.url()), pub, clockwork.NewRealClock(), zaptest.NewLogger(t)))

	require.Eventually(t, func() bool {
		return upstream.sessions.Load() >= 3 && len(pub.all()) >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBinanceClient_WaitsReconnectInterval(t *testing.T) {
	// Nothing listens here, so every dial fails.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	clock := clockwork.NewFakeClock()
	cfg := feedConfig("ws://" + addr + "/ws")
	cfg.ReconnectInterval = time.Minute
	runClient(t, NewBinanceClient(cfg, &capturePublisher{}, clock, zaptest.NewLogger(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestBinanceClient_PublishFailureKeepsSession(t *testing.T) {
	upstream := newFakeUpstream(t, []string{sampleTicker, sampleTicker}, false)
	pub := &capturePublisher{fail: true}

	runClient(t, NewBinanceClient(feedConfig(upstream.url()), pub, clockwork.NewRealClock(), zaptest.NewLogger(t)))

	<-upstream.requests
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), upstream.sessions.Load())
}

func TestBridgePublisher_UpdatesRegister(t *testing.T) {
	register := marketdata.NewRegister(nil)
	bridge := marketdata.NewBridge(register, zaptest.NewLogger(t))

	pub, err := NewPublisher(context.Background(), &config.Config{Feed: config.FeedConfig{Sink: "bridge"}}, bridge.Inlet("feed"), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), []byte(`{"symbol":"BNBUSDT"}`)))

	assert.Equal(t, `{"symbol":"BNBUSDT"}`, register.Get().Value)
}

func TestUDPPublisher_SendsDatagram(t *testing.T) {
	sink, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sink.Close()

	pub, err := NewPublisher(context.Background(), &config.Config{
		Feed: config.FeedConfig{Sink: "udp", Target: sink.LocalAddr().String()},
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), []byte(`{"price":1}`)))

	buf := make([]byte, marketdata.MaxDatagramSize)
	require.NoError(t, sink.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := sink.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, `{"price":1}`, string(buf[:n]))

	assert.Error(t, pub.Publish(context.Background(), make([]byte, marketdata.MaxDatagramSize+1)))
}

func TestNewPublisher_UnknownSink(t *testing.T) {
	_, err := NewPublisher(context.Background(), &config.Config{Feed: config.FeedConfig{Sink: "carrier-pigeon"}}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
