// Package config loads process settings for the aec command from the
// environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/lokutor-aec/pkg/aec"
)

// AppConfig is the validated process configuration.
type AppConfig struct {
	// InputDevice and OutputDevice select devices by name; empty picks the
	// system default.
	InputDevice  string
	OutputDevice string

	CalibrationPackets int `validate:"min=1,max=1000"`
	BufferSeconds      int `validate:"min=1,max=60"`
	ResamplerQuality   int `validate:"min=0,max=10"`
	OutputFrameSize    int `validate:"min=32,max=8192"`

	// MonitorAddr serves /metrics and /debug/ws; empty disables it.
	MonitorAddr string `validate:"omitempty,hostname_port"`
	// RecordDir receives near/far/cancelled WAV recordings.
	RecordDir string

	// Canceller selects the echo-removal stage.
	Canceller string `validate:"oneof=nlms suppressor nlms+suppressor passthrough"`

	Simulate         bool
	SimulatedDelayMs int `validate:"min=0,max=2000"`

	LogLevel string `validate:"oneof=debug info warn error"`
}

// Lookup resolves one environment key.
type Lookup func(key string) (string, bool)

// Load reads an optional .env file (path from ENV_PATH, default ".env")
// and then the process environment. A missing .env is not an error.
func Load() (*AppConfig, error) {
	path := os.Getenv("ENV_PATH")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds and validates a config from lookup, applying defaults
// for unset keys.
func FromLookup(lookup Lookup) (*AppConfig, error) {
	r := reader{lookup: lookup}
	cfg := &AppConfig{
		InputDevice:        r.str("AEC_INPUT_DEVICE", ""),
		OutputDevice:       r.str("AEC_OUTPUT_DEVICE", ""),
		CalibrationPackets: r.int("AEC_CALIBRATION_PACKETS", aec.CalibrationPackets),
		BufferSeconds:      r.int("AEC_BUFFER_SECONDS", aec.AudioBufferSeconds),
		ResamplerQuality:   r.int("AEC_RESAMPLER_QUALITY", aec.ResamplerQuality),
		OutputFrameSize:    r.int("AEC_OUTPUT_FRAME_SIZE", aec.OutputFrameSize),
		MonitorAddr:        r.str("AEC_MONITOR_ADDR", "127.0.0.1:9464"),
		RecordDir:          r.str("AEC_RECORD_DIR", ""),
		Canceller:          strings.ToLower(r.str("AEC_CANCELLER", aec.CancellerNLMS)),
		Simulate:           r.bool("AEC_SIMULATE", false),
		SimulatedDelayMs:   r.int("AEC_SIMULATED_DELAY_MS", 30),
		LogLevel:           strings.ToLower(r.str("LOG_LEVEL", "info")),
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Tuning applies the configured overrides to the engine defaults.
func (c *AppConfig) Tuning() aec.Tuning {
	t := aec.DefaultTuning()
	t.CalibrationPackets = c.CalibrationPackets
	if t.StablePackets > t.CalibrationPackets {
		t.StablePackets = t.CalibrationPackets
	}
	t.AudioBufferSeconds = c.BufferSeconds
	t.ResamplerQuality = c.ResamplerQuality
	t.OutputFrameSize = c.OutputFrameSize
	return t
}

type reader struct {
	lookup Lookup
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return b
}
