package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stereo-track-go/internal/config"
	"stereo-track-go/internal/metrics"
	"stereo-track-go/internal/pipeline"
	"stereo-track-go/internal/transport"
	"stereo-track-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

// Source is the frame pipeline as seen by consumers.
type Source interface {
	Latest() (types.Result, bool)
	Stats() pipeline.Stats
}

// Sender is the outbound side of the peer connection.
type Sender interface {
	Enqueue(ctx context.Context, msg transport.Message) error
	State() transport.State
	SessionID() string
	QueueLen() int
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	cfg      config.AppConfig
	source   Source
	sender   Sender
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	maxServoPayload = 4 << 10
	enqueueTimeout  = 2 * time.Second
)

func New(cfg config.AppConfig, source Source, sender Sender, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if cfg.UIRate <= 0 {
		cfg.UIRate = 250 * time.Millisecond
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		cfg:      cfg,
		source:   source,
		sender:   sender,
		metrics:  m,
		gatherer: gatherer,
		log:      log.Logger.With().Str("component", "server").Logger(),
	}
}

func (s *Server) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/point", s.handlePoint).Methods(http.MethodGet)
	r.HandleFunc("/frames/{camera:[01]}", s.handleFrame).Methods(http.MethodGet)
	r.HandleFunc("/servo/{kind}", s.handleServo).Methods(http.MethodPost)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.PathPrefix("/").Handler(http.FileServer(http.FS(sub)))
	return r, nil
}

// Run serves HTTP until ctx is done and pushes point snapshots to
// websocket clients every UIRate.
func (s *Server) Run(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.push(ctx)

	s.log.Info().Int("port", s.cfg.Port).Msg("serving consumer API")
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) transportState() string {
	if s.sender == nil {
		return transport.StateDisconnected.String()
	}
	return s.sender.State().String()
}

func (s *Server) snapshot() types.PointSnapshot {
	res, ok := s.source.Latest()
	return types.NewPointSnapshot(res, ok, s.transportState())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, s.configPayload())

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request["type"] == "snapshot_request" {
				_ = s.writeJSON(conn, writeMu, s.snapshot())
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) configPayload() map[string]any {
	return map[string]any{
		"type":              "config",
		"port":              s.cfg.Port,
		"peer_url":          s.cfg.PeerURL,
		"ui_rate_ms":        s.cfg.UIRate.Milliseconds(),
		"detector":          s.cfg.Detector,
		"workers":           s.cfg.Workers,
		"queue_size":        s.cfg.QueueSize,
		"servo_encoding":    s.cfg.ServoEncoding,
		"calibration_space": s.cfg.CalibrationSpace,
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.configPayload())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	res, ok := s.source.Latest()
	metricsPayload := s.metrics.Snapshot()
	metricsPayload["ws_clients"] = s.clientCount()
	payload := map[string]any{
		"transport": s.transportState(),
		"fix":       ok && res.HasFix(),
		"pipeline":  s.source.Stats(),
		"metrics":   metricsPayload,
	}
	if s.sender != nil {
		payload["session"] = s.sender.SessionID()
		payload["outbound_queue"] = s.sender.QueueLen()
	}
	if ok {
		payload["last_result"] = res.Timestamp.Format(time.RFC3339)
		payload["last_seq"] = res.Seq
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePoint(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	camera, _ := strconv.Atoi(mux.Vars(r)["camera"])
	res, ok := s.source.Latest()
	if !ok || res.Frames[camera] == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, res.Frames[camera], imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(res.Seq, 10))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleServo(w http.ResponseWriter, r *http.Request) {
	kind := transport.Kind(mux.Vars(r)["kind"])
	if !kind.IsServo() {
		http.Error(w, "unknown servo kind", http.StatusNotFound)
		return
	}
	if s.sender == nil {
		http.Error(w, "no peer connection", http.StatusServiceUnavailable)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxServoPayload+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload) > maxServoPayload {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	switch err := s.sender.Enqueue(ctx, transport.Message{Kind: kind, Payload: payload}); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, transport.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "outbound queue full", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

// push sends the current point snapshot to every websocket client when it
// changes, at most once per UIRate.
func (s *Server) push(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.UIRate)
	defer ticker.Stop()
	var lastSeq uint64
	lastState := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.snapshot()
			if snap.Seq == lastSeq && snap.Transport == lastState {
				continue
			}
			lastSeq, lastState = snap.Seq, snap.Transport
			s.broadcast(snap)
		}
	}
}

func (s *Server) broadcast(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	var stale []*websocket.Conn
	s.mu.Lock()
	for conn, writeMu := range s.clients {
		if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range stale {
		s.removeClient(conn)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
