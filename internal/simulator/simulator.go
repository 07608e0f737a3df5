// Package simulator is a stand-in for the stereo camera peer. It serves a
// WebSocket that streams synthetic frame pairs of a red target moving in
// front of the rig, and records everything the client sends back.
package simulator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/pipeline"
	"stereo-track-go/internal/transport"
)

const (
	writeWait = 10 * time.Second

	DefaultTargetRadius = 0.03
	DefaultJPEGQuality  = 85
)

var DefaultFrameSize = image.Pt(324, 576)

type Config struct {
	Rig       calib.Rig
	FrameSize image.Point
	// Rate is frame pairs per second per connection; 0 disables streaming.
	Rate float64
	// Target gives the target position at time t since the stream started.
	Target       func(t time.Duration) r3.Vector
	TargetRadius float64
	JPEGQuality  int
	Logger       *zerolog.Logger
}

// Orbit circles the target around center in the X/Y plane.
func Orbit(center r3.Vector, radius float64, period time.Duration) func(time.Duration) r3.Vector {
	return func(t time.Duration) r3.Vector {
		phase := 2 * math.Pi * t.Seconds() / period.Seconds()
		return r3.Vector{
			X: center.X + radius*math.Cos(phase),
			Y: center.Y + radius*math.Sin(phase),
			Z: center.Z,
		}
	}
}

// Received is one message sent by the client.
type Received struct {
	Binary  bool
	Data    []byte
	Message transport.Message
	// Decoded is false for data that matched no known outbound encoding.
	Decoded bool
}

type Peer struct {
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*websocket.Conn]*sync.Mutex
	received []Received

	framesSent  atomic.Uint64
	closeFrames atomic.Uint64
	connects    atomic.Uint64
}

func New(cfg Config) *Peer {
	if cfg.FrameSize == (image.Point{}) {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.Target == nil {
		cfg.Target = Orbit(r3.Vector{Z: 0.8}, 0.05, 4*time.Second)
	}
	if cfg.TargetRadius <= 0 {
		cfg.TargetRadius = DefaultTargetRadius
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Peer{
		cfg: cfg,
		log: logger.With().Str("component", "simulator").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}
	p.mu.Lock()
	p.clients[conn] = writeMu
	p.mu.Unlock()
	p.connects.Add(1)
	p.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	if p.cfg.Rate > 0 {
		go p.stream(ctx, conn, writeMu)
	}
	go func() {
		defer cancel()
		defer p.removeClient(conn)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					p.closeFrames.Add(1)
				}
				return
			}
			p.record(messageType, data)
		}
	}()
}

func (p *Peer) record(messageType int, data []byte) {
	rec := Received{Binary: messageType == websocket.BinaryMessage, Data: data}
	if rec.Binary {
		if msg, err := transport.DecodeServo(data); err == nil {
			rec.Message, rec.Decoded = msg, true
		} else {
			rec.Message, rec.Decoded = transport.Message{Kind: transport.KindImage, Payload: data}, true
		}
	} else if msg, err := transport.DecodeServoJSON(data); err == nil {
		rec.Message, rec.Decoded = msg, true
	}
	p.mu.Lock()
	p.received = append(p.received, rec)
	p.mu.Unlock()
}

func (p *Peer) stream(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	interval := time.Duration(float64(time.Second) / p.cfg.Rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := p.RenderPair(p.cfg.Target(time.Since(start)))
			if err != nil {
				p.log.Error().Err(err).Msg("render failed")
				continue
			}
			if err := writeMessage(conn, writeMu, websocket.BinaryMessage, payload); err != nil {
				return
			}
			p.framesSent.Add(1)
		}
	}
}

// RenderPair renders the target at point (camera 1 frame) into both
// cameras and returns the encoded frame-pair payload.
func (p *Peer) RenderPair(point r3.Vector) ([]byte, error) {
	var jpegs [2][]byte
	for i := 0; i < 2; i++ {
		img := p.render(i, point)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.cfg.JPEGQuality)); err != nil {
			return nil, err
		}
		jpegs[i] = buf.Bytes()
	}
	return pipeline.EncodePair(jpegs[0], jpegs[1]), nil
}

func (p *Peer) render(camera int, point r3.Vector) *image.NRGBA {
	size := p.cfg.FrameSize
	img := imaging.New(size.X, size.Y, color.NRGBA{R: 70, G: 80, B: 90, A: 255})
	cam := p.cfg.Rig.Camera(camera).Scaled(size)
	if camera == 1 {
		point = p.cfg.Rig.Rotation().MulVec(point).Add(p.cfg.Rig.Translation())
	}
	u, v, ok := projectDistorted(cam, point)
	if !ok {
		return img
	}
	radius := cam.Intrinsic()[0][0] * p.cfg.TargetRadius / point.Z
	fillDisc(img, u, v, radius, color.NRGBA{R: 255, A: 255})
	return img
}

// projectDistorted maps a point in the camera's own frame to raw
// (distorted) pixel coordinates.
func projectDistorted(cam calib.Camera, p r3.Vector) (float64, float64, bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	xd, yd := cam.Distortion().Apply(p.X/p.Z, p.Y/p.Z)
	k := cam.Intrinsic()
	return k[0][0]*xd + k[0][1]*yd + k[0][2], k[1][1]*yd + k[1][2], true
}

func fillDisc(img *image.NRGBA, cx, cy, r float64, c color.NRGBA) {
	b := img.Bounds()
	x0 := int(math.Max(float64(b.Min.X), math.Floor(cx-r)))
	x1 := int(math.Min(float64(b.Max.X-1), math.Ceil(cx+r)))
	y0 := int(math.Max(float64(b.Min.Y), math.Floor(cy-r)))
	y1 := int(math.Min(float64(b.Max.Y-1), math.Ceil(cy+r)))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r*r {
				img.SetNRGBA(x, y, c)
			}
		}
	}
}

// SendPair pushes one rendered frame pair to every client.
func (p *Peer) SendPair(point r3.Vector) error {
	payload, err := p.RenderPair(point)
	if err != nil {
		return err
	}
	return p.broadcast(websocket.BinaryMessage, payload)
}

// SendText pushes a text message to every client. Sending "close" asks the
// client to end the session.
func (p *Peer) SendText(text string) error {
	return p.broadcast(websocket.TextMessage, []byte(text))
}

func (p *Peer) broadcast(messageType int, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for conn, writeMu := range p.clients {
		if err := writeMessage(conn, writeMu, messageType, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if messageType == websocket.BinaryMessage && firstErr == nil {
		p.framesSent.Add(uint64(len(p.clients)))
	}
	return firstErr
}

// DropClients closes every client connection without a close handshake.
func (p *Peer) DropClients() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.clients {
		_ = conn.Close()
	}
}

func (p *Peer) Received() []Received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Received(nil), p.received...)
}

func (p *Peer) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *Peer) FramesSent() uint64  { return p.framesSent.Load() }
func (p *Peer) CloseFrames() uint64 { return p.closeFrames.Load() }
func (p *Peer) Connects() uint64    { return p.connects.Load() }

func (p *Peer) removeClient(conn *websocket.Conn) {
	p.mu.Lock()
	delete(p.clients, conn)
	p.mu.Unlock()
	conn.Close()
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
