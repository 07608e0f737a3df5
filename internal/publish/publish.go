// Package publish forwards triangulated points to downstream consumers
// such as a robot arm controller.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"stereo-track-go/internal/metrics"
	"stereo-track-go/internal/types"
)

type Format string

const (
	FormatCBOR Format = "cbor"
	FormatJSON Format = "json"
)

// Point is the published form of a fix. Coordinates are in camera 1's
// frame, in the units of the rig translation.
type Point struct {
	Seq        uint64  `cbor:"seq" json:"seq"`
	X          float64 `cbor:"x" json:"x"`
	Y          float64 `cbor:"y" json:"y"`
	Z          float64 `cbor:"z" json:"z"`
	DistanceCM float64 `cbor:"distance_cm" json:"distance_cm"`
	Timestamp  int64   `cbor:"timestamp_ms" json:"timestamp_ms"`
}

// FromResult returns the point of res, or false when res has no fix.
func FromResult(res types.Result) (Point, bool) {
	if res.Point == nil {
		return Point{}, false
	}
	p := *res.Point
	return Point{
		Seq:        res.Seq,
		X:          p.X,
		Y:          p.Y,
		Z:          p.Z,
		DistanceCM: p.Norm() * 100,
		Timestamp:  res.Timestamp.UnixMilli(),
	}, true
}

func Encode(p Point, f Format) ([]byte, error) {
	switch f {
	case FormatCBOR, "":
		return cbor.Marshal(p)
	case FormatJSON:
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("publish: unknown format %q", f)
	}
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, p Point) error
	Close() error
}

// Source is polled for the latest result.
type Source interface {
	Latest() (types.Result, bool)
}

// Run polls src every interval and hands each new fix to every publisher
// until ctx is done. Publishers are closed on return.
func Run(ctx context.Context, src Source, interval time.Duration, pubs []Publisher, m *metrics.Metrics, logger *zerolog.Logger) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("component", "publish").Logger()
	defer func() {
		for _, pub := range pubs {
			if err := pub.Close(); err != nil {
				l.Warn().Err(err).Str("sink", pub.Name()).Msg("close failed")
			}
		}
	}()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, ok := src.Latest()
			if !ok || res.Seq == lastSeq {
				continue
			}
			lastSeq = res.Seq
			point, ok := FromResult(res)
			if !ok {
				continue
			}
			for _, pub := range pubs {
				err := pub.Publish(ctx, point)
				m.Published(pub.Name(), err)
				if err != nil {
					l.Warn().Err(err).Str("sink", pub.Name()).Uint64("seq", point.Seq).Msg("publish failed")
				}
			}
		}
	}
}
