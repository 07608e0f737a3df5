package logging

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLogLevel overrides the default info level (trace, debug, info, warn, error, disabled).
const EnvLogLevel = "STEREO_LOG_LEVEL"

// Init installs a console logger tagged with app as the global zerolog logger.
func Init(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	zerolog.SetGlobalLevel(parseLevel(os.Getenv(EnvLogLevel)))
	log.Logger = logger
	return logger
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Sampler lets one in every n calls through. The zero value passes every call.
type Sampler struct {
	n     uint64
	count atomic.Uint64
}

func NewSampler(n int) *Sampler {
	if n < 1 {
		n = 1
	}
	return &Sampler{n: uint64(n)}
}

// Allow reports whether the current call should be logged.
func (s *Sampler) Allow() bool {
	if s == nil || s.n <= 1 {
		return true
	}
	return s.count.Add(1)%s.n == 1
}
