package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/tickercast/internal/marketdata"
)

var errTransportClosed = errors.New("transport closed")

type writtenFrame struct {
	messageType int
	data        string
}

// fakeTransport is an in-memory Transport. Tests push inbound frames and
// inspect what the actor wrote.
type fakeTransport struct {
	inbound   chan inboundFrame
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	written   []writtenFrame
	failWrite bool
	readLimit int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan inboundFrame),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.inbound:
		return frame.messageType, frame.data, frame.err
	case <-f.closed:
		return 0, nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	if f.failWrite {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, writtenFrame{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}

func (f *fakeTransport) SetReadLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readLimit = limit
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send delivers a text frame from the client.
func (f *fakeTransport) send(t *testing.T, text string) {
	t.Helper()
	f.push(t, inboundFrame{messageType: websocket.TextMessage, data: []byte(text)})
}

func (f *fakeTransport) push(t *testing.T, frame inboundFrame) {
	t.Helper()
	select {
	case f.inbound <- frame:
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not read the inbound frame")
	}
}

func (f *fakeTransport) setFailWrite(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite = fail
}

// texts returns the text frames written so far.
func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.written {
		if w.messageType == websocket.TextMessage {
			out = append(out, w.data)
		}
	}
	return out
}

func (f *fakeTransport) count(messageType int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.written {
		if w.messageType == messageType {
			n++
		}
	}
	return n
}

type actorHarness struct {
	clock     *clockwork.FakeClock
	registry  *Registry
	register  *marketdata.Register
	transport *fakeTransport
	conn      *Connection
	cancel    context.CancelFunc
	exited    chan struct{}
	cause     CloseCause
}

func testActorConfig() ActorConfig {
	return ActorConfig{
		TickInterval:   time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 512,
	}
}

func startActor(t *testing.T, cfg ActorConfig, registry *Registry, register *marketdata.Register, clock *clockwork.FakeClock, id string) *actorHarness {
	t.Helper()
	transport := newFakeTransport()
	conn := NewConnection(id, transport, clock.Now())
	require.NoError(t, registry.Register(conn))

	ctx, cancel := context.WithCancel(context.Background())
	h := &actorHarness{
		clock:     clock,
		registry:  registry,
		register:  register,
		transport: transport,
		conn:      conn,
		cancel:    cancel,
		exited:    make(chan struct{}),
	}
	actor := NewActor(conn, registry, marketdata.DefaultCatalog(), register, clock, cfg, zaptest.NewLogger(t))
	go func() {
		defer close(h.exited)
		h.cause = actor.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.exited:
		case <-time.After(2 * time.Second):
			t.Error("actor did not stop on cleanup")
		}
	})
	return h
}

func newHarness(t *testing.T, cfg ActorConfig) *actorHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := startActor(t, cfg, NewRegistry(4), marketdata.NewRegister(clock), clock, "127.0.0.1:40000")
	waitForTickers(t, clock, 1)
	return h
}

func waitForTickers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func (h *actorHarness) waitSubscribed(t *testing.T, channel string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.conn.Subscribed(channel) }, 2*time.Second, 5*time.Millisecond)
}

func (h *actorHarness) waitTexts(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.transport.texts()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.transport.texts()
}

func (h *actorHarness) waitDone(t *testing.T) CloseCause {
	t.Helper()
	select {
	case <-h.exited:
		return h.cause
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not terminate")
		return ""
	}
}

func TestActor_SetsReadLimit(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	assert.Equal(t, int64(512), h.transport.readLimit)
}

func TestActor_MarketFrameAfterSubscribe(t *testing.T) {
	h := newHarness(t, testActorConfig())
	h.register.Set(`{"price":100}`)

	h.transport.send(t, "market")
	h.waitSubscribed(t, "market")
	h.clock.Advance(time.Second)

	texts := h.waitTexts(t, 1)
	assert.Equal(t, `{"channel":"market","data":{"price":100}}`, texts[0])
}

func TestActor_TickReadsLatestValue(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.transport.send(t, "market")
	h.waitSubscribed(t, "market")

	h.register.Set(`{"price":100}`)
	h.clock.Advance(time.Second)
	texts := h.waitTexts(t, 1)
	assert.Equal(t, `{"channel":"market","data":{"price":100}}`, texts[0])

	h.register.Set(`{"price":101}`)
	h.clock.Advance(time.Second)
	texts = h.waitTexts(t, 2)
	assert.Equal(t, `{"channel":"market","data":{"price":101}}`, texts[1])
}

func TestActor_EmptyRegisterSendsNull(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.transport.send(t, "market")
	h.waitSubscribed(t, "market")
	h.clock.Advance(time.Second)

	texts := h.waitTexts(t, 1)
	assert.Equal(t, `{"channel":"market","data":null}`, texts[0])
}

func TestActor_UnsubscribedReceivesNothing(t *testing.T) {
	h := newHarness(t, testActorConfig())
	h.register.Set(`{"price":100}`)

	h.clock.Advance(time.Second)
	h.clock.Advance(time.Second)

	h.transport.send(t, "heartbeat")
	h.waitSubscribed(t, "heartbeat")
	h.clock.Advance(time.Second)

	texts := h.waitTexts(t, 1)
	for _, text := range texts {
		assert.Contains(t, text, `"channel":"heartbeat"`)
	}
}

func TestActor_CatalogOrderWithinTick(t *testing.T) {
	h := newHarness(t, testActorConfig())
	h.register.Set("42")

	// Subscription order is deliberately the reverse of catalog order.
	h.transport.send(t, "heartbeat")
	h.transport.send(t, "market")
	h.waitSubscribed(t, "market")

	h.clock.Advance(time.Second)
	texts := h.waitTexts(t, 2)

	assert.Equal(t, `{"channel":"market","data":42}`, texts[0])
	assert.Contains(t, texts[1], `"channel":"heartbeat"`)
	assert.Contains(t, texts[1], h.clock.Now().UTC().Format(time.RFC3339Nano))
}

func TestActor_IgnoresNonMatchingMessages(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.transport.send(t, "bogus")
	h.transport.send(t, "Market")
	h.transport.send(t, " heartbeat")
	h.transport.push(t, inboundFrame{messageType: websocket.BinaryMessage, data: []byte("market")})
	h.transport.send(t, "heartbeat")
	h.waitSubscribed(t, "heartbeat")

	assert.Equal(t, []string{"heartbeat"}, h.conn.Subscriptions())
	assert.Equal(t, StateActive, h.conn.State())
}

func TestActor_DuplicateSubscribeKeepsOneFramePerTick(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.transport.send(t, "heartbeat")
	h.transport.send(t, "heartbeat")
	h.waitSubscribed(t, "heartbeat")
	h.clock.Advance(time.Second)

	h.waitTexts(t, 1)
	// A second tick proves the first produced exactly one frame.
	h.clock.Advance(time.Second)
	texts := h.waitTexts(t, 2)
	assert.Len(t, texts, 2)
}

func TestActor_SendFailureClosesConnection(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.transport.send(t, "market")
	h.transport.send(t, "heartbeat")
	h.waitSubscribed(t, "heartbeat")
	h.transport.setFailWrite(true)
	h.clock.Advance(time.Second)

	assert.Equal(t, CauseSend, h.waitDone(t))
	assert.True(t, h.transport.isClosed())
	assert.Zero(t, h.registry.Len())
	assert.Equal(t, StateClosed, h.conn.State())
	assert.Empty(t, h.transport.texts())
}

func TestActor_ReceiveErrorClosesConnection(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.transport.push(t, inboundFrame{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}})

	assert.Equal(t, CauseReceive, h.waitDone(t))
	assert.True(t, h.transport.isClosed())
	assert.Zero(t, h.registry.Len())
}

func TestActor_ShutdownSendsGoingAway(t *testing.T) {
	h := newHarness(t, testActorConfig())

	h.cancel()

	assert.Equal(t, CauseShutdown, h.waitDone(t))
	assert.Equal(t, 1, h.transport.count(websocket.CloseMessage))
	assert.Zero(t, h.registry.Len())
}

func TestActor_KeepAlivePings(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := startActor(t, DefaultActorConfig(), NewRegistry(1), marketdata.NewRegister(clock), clock, "127.0.0.1:40001")
	waitForTickers(t, clock, 2)

	clock.Advance(54 * time.Second)
	require.Eventually(t, func() bool { return h.transport.count(websocket.PingMessage) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestActor_FailureIsIsolatedToOneConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(4)
	register := marketdata.NewRegister(clock)
	register.Set(`{"price":7}`)

	healthy := startActor(t, testActorConfig(), registry, register, clock, "10.0.0.1:1")
	broken := startActor(t, testActorConfig(), registry, register, clock, "10.0.0.2:2")
	waitForTickers(t, clock, 2)

	healthy.transport.send(t, "market")
	broken.transport.send(t, "market")
	healthy.waitSubscribed(t, "market")
	broken.waitSubscribed(t, "market")
	broken.transport.setFailWrite(true)

	clock.Advance(time.Second)
	assert.Equal(t, CauseSend, broken.waitDone(t))
	healthy.waitTexts(t, 1)

	clock.Advance(time.Second)
	texts := healthy.waitTexts(t, 2)
	assert.Equal(t, `{"channel":"market","data":{"price":7}}`, texts[1])
	assert.Equal(t, 1, registry.Len())
	_, ok := registry.Get("10.0.0.1:1")
	assert.True(t, ok)
}
