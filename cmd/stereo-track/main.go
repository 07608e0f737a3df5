package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/config"
	"stereo-track-go/internal/detect"
	"stereo-track-go/internal/logging"
	"stereo-track-go/internal/metrics"
	"stereo-track-go/internal/pipeline"
	"stereo-track-go/internal/publish"
	"stereo-track-go/internal/server"
	"stereo-track-go/internal/simulator"
	"stereo-track-go/internal/transport"
)

const shutdownGrace = 3 * time.Second

func main() {
	_ = godotenv.Load()
	logger := logging.Init("stereo-track")

	var (
		port          = flag.Int("port", envInt("STEREO_PORT", 8888), "HTTP port for the consumer API and web UI")
		peerURL       = flag.String("peer-url", envString("STEREO_PEER_URL", "ws://localhost:8765"), "WebSocket URL of the camera peer")
		calibFile     = flag.String("calibration", envString("STEREO_CALIBRATION", ""), "YAML calibration file (defaults to the built-in rig)")
		workers       = flag.Int("workers", envInt("STEREO_WORKERS", pipeline.DefaultWorkers), "Number of frame-pair workers")
		queueSize     = flag.Int("queue-size", envInt("STEREO_QUEUE_SIZE", pipeline.DefaultQueueSize), "Pending frame-pair capacity; newer pairs are dropped when full")
		outboundQueue = flag.Int("outbound-queue", envInt("STEREO_OUTBOUND_QUEUE", transport.DefaultQueueSize), "Outbound message queue capacity")
		dedupWindow   = flag.Duration("dedup-window", envDuration("STEREO_DEDUP_WINDOW", transport.DefaultDedupWindow), "Window for suppressing repeated outbound messages")
		servoEncoding = flag.String("servo-encoding", envString("STEREO_SERVO_ENCODING", string(transport.EncodingCBOR)), "Servo message encoding (cbor or json)")
		uiRate        = flag.Duration("ui-rate", envDuration("STEREO_UI_RATE", 250*time.Millisecond), "Point push interval for websocket clients")
		detector      = flag.String("detector", envString("STEREO_DETECTOR", "onnx"), "Detector backend (onnx or marker)")
		modelPath     = flag.String("model", envString("STEREO_MODEL", "model.onnx"), "ONNX model path")
		ortLibrary    = flag.String("ort-library", envString("STEREO_ORT_LIBRARY", ""), "onnxruntime shared library path")
		labels        = flag.String("labels", envString("STEREO_LABELS", "object"), "Comma separated class labels")
		minConfidence = flag.Float64("min-confidence", envFloat("STEREO_MIN_CONFIDENCE", detect.DefaultMinConfidence), "Minimum detection confidence")
		inputSize     = flag.Int("input-size", envInt("STEREO_INPUT_SIZE", detect.DefaultInputSize), "Square model input size")
		annotate      = flag.Bool("annotate", envBool("STEREO_ANNOTATE", true), "Draw detections onto served frames")
		calibSpace    = flag.Bool("calibration-space", envBool("STEREO_CALIBRATION_SPACE", false), "Triangulate with the calibration intrinsics and pixel_scale instead of the rectified rig")
		zmqEndpoint   = flag.String("zmq-endpoint", envString("STEREO_ZMQ_ENDPOINT", ""), "ZMQ PUB bind endpoint for points (disabled when empty)")
		zmqTopic      = flag.String("zmq-topic", envString("STEREO_ZMQ_TOPIC", "point"), "ZMQ topic frame for points")
		mqttBroker    = flag.String("mqtt-broker", envString("STEREO_MQTT_BROKER", ""), "MQTT broker URL for points (disabled when empty)")
		mqttTopic     = flag.String("mqtt-topic", envString("STEREO_MQTT_TOPIC", "stereo/point"), "MQTT topic for points")
		publishFormat = flag.String("publish-format", envString("STEREO_PUBLISH_FORMAT", string(publish.FormatJSON)), "Point encoding for publishers (cbor or json)")
		publishRate   = flag.Duration("publish-rate", envDuration("STEREO_PUBLISH_RATE", 100*time.Millisecond), "Publisher poll interval")
		logEvery      = flag.Int("log-every", envInt("STEREO_LOG_EVERY", pipeline.DefaultLogEvery), "Log every Nth drop or decode error")
		reconnectMin  = flag.Duration("reconnect-min", envDuration("STEREO_RECONNECT_MIN", 500*time.Millisecond), "Initial reconnect delay")
		reconnectMax  = flag.Duration("reconnect-max", envDuration("STEREO_RECONNECT_MAX", 10*time.Second), "Maximum reconnect delay")
		debug         = flag.Bool("debug", envBool("STEREO_DEBUG", false), "Run against an in-process simulated peer")
		debugRate     = flag.Float64("debug-rate", envFloat("STEREO_DEBUG_RATE", 15), "Simulated frame pairs per second")
		jpegQuality   = flag.Int("jpeg-quality", envInt("STEREO_JPEG_QUALITY", 80), "JPEG quality of served frames")
	)
	flag.Parse()

	cfg := config.AppConfig{
		Port:             *port,
		PeerURL:          *peerURL,
		CalibrationFile:  *calibFile,
		Workers:          *workers,
		QueueSize:        *queueSize,
		OutboundQueue:    *outboundQueue,
		DedupWindow:      *dedupWindow,
		ServoEncoding:    *servoEncoding,
		UIRate:           *uiRate,
		Detector:         *detector,
		ModelPath:        *modelPath,
		ORTLibrary:       *ortLibrary,
		Labels:           splitList(*labels),
		MinConfidence:    *minConfidence,
		InputSize:        *inputSize,
		Annotate:         *annotate,
		CalibrationSpace: *calibSpace,
		ZMQEndpoint:      *zmqEndpoint,
		ZMQTopic:         *zmqTopic,
		MQTTBroker:       *mqttBroker,
		MQTTTopic:        *mqttTopic,
		PublishFormat:    *publishFormat,
		PublishRate:      *publishRate,
		LogEvery:         *logEvery,
		ReconnectMin:     *reconnectMin,
		ReconnectMax:     *reconnectMax,
		Debug:            *debug,
		DebugRate:        *debugRate,
		JPEGQuality:      *jpegQuality,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rig := calib.DefaultRig()
	if cfg.CalibrationFile != "" {
		loaded, err := calib.LoadFile(cfg.CalibrationFile, rig)
		if err != nil {
			logger.Fatal().Err(err).Msg("calibration")
		}
		rig = loaded
	}
	pixelScale := rig.PixelScale()
	logger.Info().
		Str("axis_order", string(rig.AxisOrder())).
		Floats64("pixel_scale", pixelScale[:]).
		Bool("calibration_space", cfg.CalibrationSpace).
		Float64("baseline", rig.Baseline()).
		Msg("rig loaded")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	if cfg.Debug {
		cfg.Detector = "marker"
		url, shutdown, err := startSimulator(rig, cfg.DebugRate)
		if err != nil {
			logger.Fatal().Err(err).Msg("simulator")
		}
		defer shutdown()
		cfg.PeerURL = url
		logger.Info().Str("url", url).Msg("debug mode: using simulated peer")
	}

	detectors, closeDetectors, err := buildDetectors(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("detector", cfg.Detector).Msg("detector init")
	}
	defer closeDetectors()

	pipe, err := pipeline.New(pipeline.Config{
		Rig:              rig,
		Detectors:        detectors,
		QueueSize:        cfg.QueueSize,
		Workers:          cfg.Workers,
		Annotate:         cfg.Annotate,
		CalibrationSpace: cfg.CalibrationSpace,
		LogEvery:         cfg.LogEvery,
		Logger:           &logger,
		Metrics:          m,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline")
	}
	pipe.Start(ctx)
	defer pipe.Stop()

	channel, err := transport.New(transport.Config{
		URL:           cfg.PeerURL,
		QueueSize:     cfg.OutboundQueue,
		DedupWindow:   cfg.DedupWindow,
		ServoEncoding: transport.Encoding(cfg.ServoEncoding),
		LogEvery:      cfg.LogEvery,
		Sink:          pipe,
		OnText: func(text string) {
			logger.Info().Str("text", text).Msg("peer message")
		},
		Logger:  &logger,
		Metrics: m,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("transport")
	}

	transportCtx, cancelTransport := context.WithCancel(context.Background())
	defer cancelTransport()
	transportDone := make(chan struct{})
	go func() {
		defer close(transportDone)
		runTransport(transportCtx, channel, cfg.ReconnectMin, cfg.ReconnectMax, logger)
		// A close sentinel from the peer ends the session for good.
		stop()
	}()

	pubs := buildPublishers(cfg, logger)
	if len(pubs) > 0 {
		go publish.Run(ctx, pipe, cfg.PublishRate, pubs, m, &logger)
	}

	go logStats(ctx, pipe, m, logger)

	logger.Info().Msgf("Starting web UI at http://localhost:%d", cfg.Port)
	if err := server.New(cfg, pipe, channel, m, reg).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		stop()
	}

	channel.Disconnect()
	select {
	case <-transportDone:
	case <-time.After(shutdownGrace):
		logger.Warn().Msg("transport did not close in time")
	}
	cancelTransport()
}

// runTransport keeps the peer session alive with exponential backoff until
// ctx is done or the session is closed.
func runTransport(ctx context.Context, ch *transport.Channel, minDelay, maxDelay time.Duration, logger zerolog.Logger) {
	if minDelay <= 0 {
		minDelay = 500 * time.Millisecond
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	delay := minDelay
	for {
		if ctx.Err() != nil || ch.Closed() {
			return
		}
		if err := ch.Connect(ctx); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			logger.Warn().Err(err).Dur("retry_in", delay).Msg("peer connect failed")
		} else {
			delay = minDelay
			err := ch.Run(ctx)
			if ch.Closed() {
				logger.Info().Msg("peer session closed")
				return
			}
			logger.Warn().Err(err).Dur("retry_in", delay).Msg("peer connection lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func buildDetectors(cfg config.AppConfig) ([2]detect.Detector, func(), error) {
	switch cfg.Detector {
	case "marker":
		return [2]detect.Detector{detect.NewMarkerDetector(), detect.NewMarkerDetector()}, func() {}, nil
	case "onnx":
	default:
		return [2]detect.Detector{}, nil, errors.New("unknown detector (want onnx or marker)")
	}

	if err := detect.InitRuntime(cfg.ORTLibrary); err != nil {
		return [2]detect.Detector{}, nil, err
	}
	onnxCfg := detect.ONNXConfig{
		ModelPath:     cfg.ModelPath,
		InputSize:     cfg.InputSize,
		Labels:        cfg.Labels,
		MinConfidence: cfg.MinConfidence,
	}
	var (
		dets   [2]detect.Detector
		opened []*detect.ONNXDetector
	)
	cleanup := func() {
		for _, d := range opened {
			d.Close()
		}
		detect.DestroyRuntime()
	}
	for i := range dets {
		d, err := detect.NewONNXDetector(onnxCfg)
		if err != nil {
			cleanup()
			return [2]detect.Detector{}, nil, err
		}
		opened = append(opened, d)
		dets[i] = d
	}
	return dets, cleanup, nil
}

func buildPublishers(cfg config.AppConfig, logger zerolog.Logger) []publish.Publisher {
	format := publish.Format(cfg.PublishFormat)
	var pubs []publish.Publisher
	if cfg.ZMQEndpoint != "" {
		pub, err := publish.NewZMQPublisher(cfg.ZMQEndpoint, cfg.ZMQTopic, format)
		if err != nil {
			logger.Error().Err(err).Str("endpoint", cfg.ZMQEndpoint).Msg("zmq publisher disabled")
		} else {
			pubs = append(pubs, pub)
		}
	}
	if cfg.MQTTBroker != "" {
		pub, err := publish.NewMQTTPublisher(publish.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: "stereo-track-" + uuid.NewString()[:8],
			Topic:    cfg.MQTTTopic,
			QoS:      1,
			Format:   format,
		})
		if err != nil {
			logger.Error().Err(err).Str("broker", cfg.MQTTBroker).Msg("mqtt publisher disabled")
		} else {
			pubs = append(pubs, pub)
		}
	}
	return pubs
}

func startSimulator(rig calib.Rig, rate float64) (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	peer := simulator.New(simulator.Config{Rig: rig, Rate: rate})
	srv := &http.Server{Handler: peer, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(listener) }()
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return "ws://" + listener.Addr().String() + "/", shutdown, nil
}

func logStats(ctx context.Context, pipe *pipeline.Pipeline, m *metrics.Metrics, logger zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := pipe.Stats()
			snapshot := m.Snapshot()
			logger.Info().
				Uint64("submitted", stats.Submitted).
				Uint64("dropped", stats.Dropped).
				Uint64("processed", stats.Processed).
				Uint64("no_fix", stats.NoFix).
				Uint64("decode_errors", stats.DecodeErrors).
				Interface("outbound_sent", snapshot["outbound_sent_total"]).
				Msg("pipeline stats")
		}
	}
}
