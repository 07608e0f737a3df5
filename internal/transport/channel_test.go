package transport_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/simulator"
	"stereo-track-go/internal/transport"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSink) Submit(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type harness struct {
	peer   *simulator.Peer
	server *httptest.Server
	sink   *recordingSink
	ch     *transport.Channel
	runErr chan error
}

func newHarness(t *testing.T, mutate func(*transport.Config)) *harness {
	t.Helper()
	peer := simulator.New(simulator.Config{Rig: calib.DefaultRig()})
	server := httptest.NewServer(peer)
	t.Cleanup(server.Close)

	sink := &recordingSink{}
	cfg := transport.Config{
		URL:  "ws" + strings.TrimPrefix(server.URL, "http"),
		Sink: sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ch, err := transport.New(cfg)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return &harness{peer: peer, server: server, sink: sink, ch: ch, runErr: make(chan error, 1)}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	before := h.peer.Connects()
	if err := h.ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !h.ch.Connected() {
		t.Fatalf("state = %v", h.ch.State())
	}
	go func() { h.runErr <- h.ch.Run(context.Background()) }()
	waitFor(t, func() bool { return h.peer.Connects() == before+1 })
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
		return nil
	}
}

func imageMsg(n byte) transport.Message {
	return transport.Message{Kind: transport.KindImage, Payload: []byte{0xff, 0xd8, n}}
}

func TestReceiveFramePairs(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.peer.SendPair(r3.Vector{Z: 0.8}); err != nil {
		t.Fatalf("send pair: %v", err)
	}
	waitFor(t, func() bool { return h.sink.count() == 1 })

	h.ch.Disconnect()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestOutboundOrderAndDedup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newHarness(t, func(cfg *transport.Config) { cfg.Now = clock.Now })
	h.start(t)
	ctx := context.Background()

	msgs := []transport.Message{
		imageMsg(1),
		{Kind: transport.KindServoStandard, Payload: []byte("90")},
		imageMsg(1),
		imageMsg(2),
		{Kind: transport.KindServo9G, Payload: []byte("90")},
	}
	for _, m := range msgs {
		if err := h.ch.Enqueue(ctx, m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, func() bool { return len(h.peer.Received()) == 4 })

	got := h.peer.Received()
	want := []transport.Message{msgs[0], msgs[1], msgs[3], msgs[4]}
	for i, w := range want {
		if got[i].Message.Kind != w.Kind || !bytes.Equal(got[i].Message.Payload, w.Payload) {
			t.Fatalf("message %d = %+v, want %+v", i, got[i].Message, w)
		}
	}

	clock.Advance(3 * time.Second)
	if err := h.ch.Enqueue(ctx, imageMsg(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(h.peer.Received()) == 5 })

	h.ch.Disconnect()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDisconnectSendsCloseAfterPending(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.ch.Enqueue(context.Background(), imageMsg(9)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	h.ch.Disconnect()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitFor(t, func() bool { return h.peer.CloseFrames() == 1 })
	if n := len(h.peer.Received()); n != 1 {
		t.Fatalf("peer received %d messages, want 1", n)
	}
	if !h.ch.Closed() || h.ch.State() != transport.StateDisconnected {
		t.Fatalf("unexpected state %v closed=%v", h.ch.State(), h.ch.Closed())
	}
	if err := h.ch.Enqueue(context.Background(), imageMsg(10)); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := h.ch.Connect(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed on reconnect, got %v", err)
	}
}

func TestEnqueueCloseEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	ctx := context.Background()
	if err := h.ch.Enqueue(ctx, transport.Message{Kind: transport.KindClose}); err != nil {
		t.Fatalf("enqueue close: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitFor(t, func() bool { return h.peer.CloseFrames() == 1 })
	for _, r := range h.peer.Received() {
		if r.Message.Kind == transport.KindClose {
			t.Fatalf("close must not be forwarded as a message")
		}
	}
}

func TestRepeatedCloseSendsOneCloseFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	ctx := context.Background()
	if err := h.ch.Enqueue(ctx, imageMsg(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.ch.Enqueue(ctx, transport.Message{Kind: transport.KindClose}); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.ch.Enqueue(ctx, transport.Message{Kind: transport.KindClose}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("second close: expected ErrClosed, got %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitFor(t, func() bool { return h.peer.CloseFrames() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := h.peer.CloseFrames(); n != 1 {
		t.Fatalf("close frames = %d, want 1", n)
	}
	if got := h.peer.Received(); len(got) != 1 || got[0].Message.Kind != transport.KindImage {
		t.Fatalf("unexpected received messages: %+v", got)
	}
}

func TestPeerCloseSentinel(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.peer.SendText("close"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !h.ch.Closed() {
		t.Fatalf("channel should be closed after sentinel")
	}
}

func TestTextMessagesReachHandler(t *testing.T) {
	texts := make(chan string, 1)
	h := newHarness(t, func(cfg *transport.Config) {
		cfg.OnText = func(text string) { texts <- text }
	})
	h.start(t)

	if err := h.peer.SendText("status ok"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	select {
	case got := <-texts:
		if got != "status ok" {
			t.Fatalf("text = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler not called")
	}
	if h.sink.count() != 0 {
		t.Fatalf("text should not reach the frame sink")
	}
	h.ch.Disconnect()
	_ = h.wait(t)
}

func TestBusyTextHandlerDropsInsteadOfBlocking(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	h := newHarness(t, func(cfg *transport.Config) {
		cfg.TextBuffer = 1
		cfg.OnText = func(string) {
			<-release
			handled.Add(1)
		}
	})
	h.start(t)

	for i := 0; i < 5; i++ {
		if err := h.peer.SendText("status"); err != nil {
			t.Fatalf("send text: %v", err)
		}
	}
	if err := h.peer.SendPair(r3.Vector{Z: 0.8}); err != nil {
		t.Fatalf("send pair: %v", err)
	}
	// The frame arrives behind five texts while the handler is stuck.
	waitFor(t, func() bool { return h.sink.count() == 1 })

	close(release)
	h.ch.Disconnect()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := handled.Load(); got < 1 || got > 2 {
		t.Fatalf("handled = %d, want one in flight plus one buffered at most", got)
	}
}

func TestConnectionLossThenReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.peer.DropClients()
	if err := h.wait(t); err == nil {
		t.Fatalf("expected a transport error")
	}
	if h.ch.Closed() || h.ch.State() != transport.StateDisconnected {
		t.Fatalf("unexpected state %v closed=%v", h.ch.State(), h.ch.Closed())
	}

	h.start(t)
	if h.peer.Connects() != 2 {
		t.Fatalf("connects = %d", h.peer.Connects())
	}
	h.ch.Disconnect()
	if err := h.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	ch, err := transport.New(transport.Config{URL: "ws://127.0.0.1:1/none", Sink: &recordingSink{}, HandshakeTimeout: time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ch.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if ch.State() != transport.StateDisconnected {
		t.Fatalf("state = %v", ch.State())
	}
	if err := ch.Run(context.Background()); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	ch, err := transport.New(transport.Config{URL: "ws://unused", Sink: &recordingSink{}, QueueSize: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ch.Enqueue(context.Background(), imageMsg(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ch.Enqueue(ctx, imageMsg(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ch.Enqueue(context.Background(), imageMsg(3)) }()
	time.Sleep(20 * time.Millisecond)
	ch.Disconnect()
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("blocked enqueue not released")
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	ch, err := transport.New(transport.Config{URL: "ws://unused", Sink: &recordingSink{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := ch.Enqueue(context.Background(), transport.Message{Kind: "bogus"}); !errors.Is(err, transport.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
