package main

import (
	"context"
	"errors"
	"flag"
	"image"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/geo/r3"

	"stereo-track-go/internal/calib"
	"stereo-track-go/internal/logging"
	"stereo-track-go/internal/simulator"
)

func main() {
	logger := logging.Init("stereo-sim")

	var (
		addr      = flag.String("addr", ":8765", "Listen address for the simulated camera peer")
		calibFile = flag.String("calibration", "", "YAML calibration file (defaults to the built-in rig)")
		rate      = flag.Float64("rate", 15, "Frame pairs per second per client")
		width     = flag.Int("width", simulator.DefaultFrameSize.X, "Frame width")
		height    = flag.Int("height", simulator.DefaultFrameSize.Y, "Frame height")
		depth     = flag.Float64("depth", 0.8, "Target depth in meters")
		radius    = flag.Float64("orbit-radius", 0.05, "Target orbit radius in meters")
		period    = flag.Duration("orbit-period", 4*time.Second, "Target orbit period")
		quality   = flag.Int("jpeg-quality", simulator.DefaultJPEGQuality, "JPEG quality of streamed frames")
	)
	flag.Parse()

	rig := calib.DefaultRig()
	if *calibFile != "" {
		loaded, err := calib.LoadFile(*calibFile, rig)
		if err != nil {
			logger.Fatal().Err(err).Msg("calibration")
		}
		rig = loaded
	}

	peer := simulator.New(simulator.Config{
		Rig:         rig,
		FrameSize:   image.Pt(*width, *height),
		Rate:        *rate,
		Target:      simulator.Orbit(r3.Vector{Z: *depth}, *radius, *period),
		JPEGQuality: *quality,
		Logger:      &logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: *addr, Handler: peer, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		peer.DropClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", *addr).Float64("rate", *rate).Msg("simulated peer listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server stopped")
	}
	logger.Info().
		Uint64("frames_sent", peer.FramesSent()).
		Uint64("close_frames", peer.CloseFrames()).
		Msg("simulator stopped")
}
