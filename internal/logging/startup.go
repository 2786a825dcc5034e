package logging

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects client identity, endpoint configuration, and feature
// flags, then emits a single structured zerolog event summarising the session
// state at start. This makes it easy to see exactly how a telemetry client was
// configured when reading a session log after the fact.
type StartupLogger struct {
	name         string
	endpoint     string
	stageOrder   []string
	initDuration time.Duration

	features map[string]bool
	config   map[string]string
}

// NewStartupLogger creates a StartupLogger for the given client name
// (e.g. "telemetry-tail").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:     name,
		features: make(map[string]bool),
		config:   make(map[string]string),
	}
}

// Endpoint records the WebSocket endpoint this client connects to.
func (s *StartupLogger) Endpoint(url string) *StartupLogger {
	s.endpoint = url
	return s
}

// StageOrder records the pipeline stage sequence the reducer folds against.
func (s *StartupLogger) StageOrder(order []string) *StartupLogger {
	s.stageOrder = order
	return s
}

// Feature registers a boolean feature flag (e.g. "historyDump").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long session setup took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log emits a single structured INFO log event with all collected information.
func (s *StartupLogger) Log() {
	evt := log.Info()

	clientDict := zerolog.Dict().
		Str("name", s.name).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", os.Getenv("TELEMETRY_LOG_LEVEL"))
	if s.endpoint != "" {
		clientDict = clientDict.Str("endpoint", s.endpoint)
	}
	evt = evt.Dict("client", clientDict)

	if len(s.stageOrder) > 0 {
		evt = evt.Str("stageOrder", strings.Join(s.stageOrder, ","))
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}

	if len(s.config) > 0 {
		d := zerolog.Dict()
		for k, v := range s.config {
			d = d.Str(k, v)
		}
		evt = evt.Dict("config", d)
	}

	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Telemetry client start complete")
}
