package aec

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config fixes the internal processing geometry. It is built only through
// NewConfig so frame and filter sizes always derive from the rate.
type Config struct {
	SampleRate   int
	FrameSize    int
	FilterLength int
}

// NewConfig derives a Config from the internal sample rate using
// FrameSizeMs and FilterLengthMs.
func NewConfig(sampleRate int) (Config, error) {
	if sampleRate <= 0 || sampleRate*FrameSizeMs%1000 != 0 {
		return Config{}, fmt.Errorf("%w: sample rate %d does not divide into %d ms frames",
			ErrInvalidConfig, sampleRate, FrameSizeMs)
	}
	return Config{
		SampleRate:   sampleRate,
		FrameSize:    sampleRate * FrameSizeMs / 1000,
		FilterLength: sampleRate * FilterLengthMs / 1000,
	}, nil
}

// DefaultConfig is the 16 kHz configuration: 160-sample frames and a
// 1600-sample filter.
func DefaultConfig() Config {
	cfg, _ := NewConfig(TargetSampleRate)
	return cfg
}

func (c Config) validate() error {
	if c.SampleRate <= 0 || c.FrameSize <= 0 || c.FilterLength <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidConfig, c)
	}
	return nil
}

// samples converts a duration in milliseconds to internal-rate samples.
func (c Config) samples(ms int) int {
	return c.SampleRate * ms / 1000
}

// micros converts a sample count at the internal rate to microseconds.
func (c Config) micros(samples int64) int64 {
	return samples * 1_000_000 / int64(c.SampleRate)
}

// Tuning holds the start-time parameters that are not part of the
// processing geometry.
type Tuning struct {
	HistoryLen         int `validate:"min=1"`
	CalibrationPackets int `validate:"min=1"`
	AudioBufferSeconds int `validate:"min=1"`
	ResamplerQuality   int `validate:"min=0,max=10"`
	OutputFrameSize    int `validate:"min=1"`

	// BurstSamples is the calibration pattern length at the internal rate.
	BurstSamples   int     `validate:"min=64"`
	BurstAmplitude float64 `validate:"gt=0,lte=1"`
	// MaxDelayMs bounds the round-trip delay calibration searches for.
	MaxDelayMs int `validate:"min=1,max=2000"`
	// MinConfidence is the normalised correlation a packet's peak must reach.
	MinConfidence float64 `validate:"gt=0,lte=1"`
	// StablePackets accepted estimates with variance at most StableVariance
	// (samples squared) end calibration early.
	StablePackets  int           `validate:"min=1"`
	StableVariance float64       `validate:"gte=0"`
	PacketTimeout  time.Duration `validate:"gt=0"`
	PollInterval   time.Duration `validate:"gt=0"`

	// AlignmentMarginMs places the echo that far into the filter span so
	// small negative drift stays inside it.
	AlignmentMarginMs int `validate:"min=0"`
	// DegradeWindow ticks containing more than DegradeThreshold ticks with
	// underrun or overrun signals mark a pairing Degraded.
	DegradeWindow    int `validate:"min=1"`
	DegradeThreshold int `validate:"min=0"`
	DriftToleranceMs int `validate:"min=1"`
}

// DefaultTuning returns the documented defaults.
func DefaultTuning() Tuning {
	return Tuning{
		HistoryLen:         HistoryLen,
		CalibrationPackets: CalibrationPackets,
		AudioBufferSeconds: AudioBufferSeconds,
		ResamplerQuality:   ResamplerQuality,
		OutputFrameSize:    OutputFrameSize,

		BurstSamples:   defaultBurstSamples,
		BurstAmplitude: defaultBurstAmplitude,
		MaxDelayMs:     defaultMaxDelayMs,
		MinConfidence:  defaultMinConfidence,
		StablePackets:  defaultStablePackets,
		StableVariance: defaultStableVariance,
		PacketTimeout:  2 * time.Second,
		PollInterval:   5 * time.Millisecond,

		AlignmentMarginMs: defaultAlignmentMarginMs,
		DegradeWindow:     defaultDegradeWindow,
		DegradeThreshold:  defaultDegradeThreshold,
		DriftToleranceMs:  defaultDriftToleranceMs,
	}
}

// Validate checks the tuning against its field constraints.
func (t Tuning) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if t.StablePackets > t.CalibrationPackets {
		return fmt.Errorf("%w: StablePackets %d exceeds CalibrationPackets %d",
			ErrInvalidConfig, t.StablePackets, t.CalibrationPackets)
	}
	return nil
}
