// Package transport owns the WebSocket session with the camera peer:
// inbound frame pairs and text messages, and a deduplicated outbound queue.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stereo-track-go/internal/logging"
	"stereo-track-go/internal/metrics"
)

const (
	DefaultQueueSize        = 10
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultTextBuffer       = 32
	DefaultReadLimit        = 64 << 20

	writeWait = 10 * time.Second
)

var (
	ErrClosed           = errors.New("transport: channel closed")
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameSink accepts binary frame-pair payloads. Submit must not block.
type FrameSink interface {
	Submit(payload []byte) bool
}

type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	QueueSize        int
	DedupWindow      time.Duration
	ServoEncoding    Encoding
	// TextBuffer bounds text messages waiting for OnText. Texts arriving
	// while it is full are dropped so the receive loop never blocks.
	TextBuffer int
	ReadLimit  int64
	LogEvery   int

	Sink   FrameSink
	OnText func(text string)

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Channel is a reusable client session: after a transport error Connect may
// be called again and queued messages are kept. Disconnect, or a close
// sentinel from the peer, ends it for good.
type Channel struct {
	cfg Config
	log zerolog.Logger

	state    atomic.Int32
	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	outbound chan Message
	dedup    *dedupCache
	textLog  *logging.Sampler

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	runCancel context.CancelFunc
	closeSent bool
}

func New(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: URL is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("transport: frame sink is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.TextBuffer < 1 {
		cfg.TextBuffer = DefaultTextBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.ServoEncoding == "" {
		cfg.ServoEncoding = EncodingCBOR
	}
	if cfg.ServoEncoding != EncodingCBOR && cfg.ServoEncoding != EncodingJSON {
		return nil, fmt.Errorf("transport: unknown servo encoding %q", cfg.ServoEncoding)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Channel{
		cfg:      cfg,
		log:      logger.With().Str("component", "transport").Str("url", cfg.URL).Logger(),
		stopCh:   make(chan struct{}),
		outbound: make(chan Message, cfg.QueueSize),
		dedup:    newDedupCache(cfg.DedupWindow),
		textLog:  logging.NewSampler(cfg.LogEvery),
	}, nil
}

func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Closed reports whether the channel was stopped for good.
func (c *Channel) Closed() bool { return c.closed.Load() }

// SessionID identifies the current connection; empty when disconnected.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// QueueLen is the number of outbound messages waiting to be sent.
func (c *Channel) QueueLen() int { return len(c.outbound) }

// Connect dials the peer. It does not retry.
func (c *Channel) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("transport connect %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	c.conn = conn
	c.sessionID = uuid.NewString()
	c.closeSent = false
	id := c.sessionID
	c.mu.Unlock()

	if c.closed.Load() {
		_ = conn.Close()
		c.clearConn()
		return ErrClosed
	}
	c.state.Store(int32(StateConnected))
	c.cfg.Metrics.TransportConnected(true)
	c.log.Info().Str("session", id).Msg("connected")
	return nil
}

// Run serves the current connection until it fails, the peer or Disconnect
// closes it, or ctx ends. It returns nil after an orderly close and the
// transport error otherwise.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.State() == StateDisconnected {
		return ErrNotConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.runCancel = cancel
	c.mu.Unlock()
	defer cancel()

	texts := make(chan string, c.cfg.TextBuffer)
	var dispatch sync.WaitGroup
	dispatch.Add(1)
	go func() {
		defer dispatch.Done()
		c.dispatchText(texts)
	}()

	recvErr := make(chan error, 1)
	sendErr := make(chan error, 1)
	go func() { recvErr <- c.receiveLoop(runCtx, conn, texts) }()
	go func() { sendErr <- c.sendLoop(runCtx, conn) }()

	// Whichever loop ends first takes the other down with it. Closing the
	// connection is the only way to unblock a pending read.
	var rerr, serr error
	select {
	case rerr = <-recvErr:
		cancel()
		serr = <-sendErr
	case serr = <-sendErr:
		cancel()
		_ = conn.Close()
		rerr = <-recvErr
	case <-runCtx.Done():
		if c.closed.Load() {
			c.writeCloseFrame(conn)
		}
		_ = conn.Close()
		rerr = <-recvErr
		serr = <-sendErr
	}
	close(texts)
	dispatch.Wait()

	orderly := c.closed.Load()
	if orderly {
		c.writeCloseFrame(conn)
	}
	_ = conn.Close()
	c.clearConn()
	c.cfg.Metrics.TransportConnected(false)

	switch {
	case orderly:
		c.log.Info().Msg("connection closed")
		return nil
	case rerr != nil:
		c.log.Warn().Err(rerr).Msg("connection lost")
		return rerr
	case serr != nil:
		c.log.Warn().Err(serr).Msg("connection lost")
		return serr
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return nil
	}
}

func (c *Channel) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.sessionID = ""
	c.runCancel = nil
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))
}

func (c *Channel) receiveLoop(ctx context.Context, conn *websocket.Conn, texts chan<- string) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return nil
			}
			return fmt.Errorf("transport receive: %w", err)
		}
		switch messageType {
		case websocket.TextMessage:
			text := string(data)
			if text == closeSentinel {
				c.log.Info().Msg("peer requested close")
				c.stop()
				return nil
			}
			c.cfg.Metrics.TextReceived()
			select {
			case texts <- text:
			default:
				if c.textLog.Allow() {
					c.log.Warn().Int("buffer", cap(texts)).Msg("text handler busy, dropping message")
				}
			}
		case websocket.BinaryMessage:
			c.cfg.Metrics.FrameReceived()
			c.cfg.Sink.Submit(data)
		}
	}
}

func (c *Channel) dispatchText(texts <-chan string) {
	for text := range texts {
		if c.cfg.OnText == nil {
			c.log.Debug().Str("text", text).Msg("received text")
			continue
		}
		c.cfg.OnText(text)
	}
}

func (c *Channel) sendLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.outbound:
			now := c.cfg.Now()
			c.dedup.purge(now)
			if msg.Kind == KindClose {
				c.stop()
				c.writeCloseFrame(conn)
				_ = conn.Close()
				return nil
			}
			if c.dedup.duplicate(msg, now) {
				c.cfg.Metrics.DedupDropped()
				c.log.Debug().Str("kind", string(msg.Kind)).Int("bytes", len(msg.Payload)).Msg("dropping duplicate outbound message")
				continue
			}
			messageType, data, err := encodeFrame(msg, c.cfg.ServoEncoding)
			if err != nil {
				c.log.Error().Err(err).Msg("skipping outbound message")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(messageType, data); err != nil {
				if c.closed.Load() {
					return nil
				}
				return fmt.Errorf("transport send %s: %w", msg.Kind, err)
			}
			c.cfg.Metrics.OutboundSent(string(msg.Kind))
		}
	}
}

// writeCloseFrame sends a normal-closure control frame once per connection.
func (c *Channel) writeCloseFrame(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closeSent {
		c.mu.Unlock()
		return
	}
	c.closeSent = true
	c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// stop marks the channel closed for good and releases blocked Enqueue calls.
func (c *Channel) stop() {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
	})
}

// Enqueue adds msg to the outbound queue, blocking while it is full.
// Enqueuing KindClose is equivalent to Disconnect.
func (c *Channel) Enqueue(ctx context.Context, msg Message) error {
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if msg.Kind == KindClose {
		c.Disconnect()
		return nil
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the channel. The close message is queued behind pending
// messages; if the queue is full the running connection is torn down
// directly.
func (c *Channel) Disconnect() {
	if c.closed.Load() {
		return
	}
	c.stop()
	select {
	case c.outbound <- Message{Kind: KindClose}:
	default:
		c.mu.Lock()
		cancel := c.runCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}
