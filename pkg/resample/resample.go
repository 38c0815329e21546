// Package resample converts interleaved float32 audio between a device's
// native rate and the engine's internal processing rate.
//
// A Stage is streaming: it keeps filter state between calls, so a pipeline
// owns one Stage per direction and feeds it contiguous audio. Each channel
// runs through its own mono engine, which keeps interleaving intact.
package resample

import (
	"errors"
	"fmt"

	resampler "github.com/tphakala/go-audio-resampler"
)

var (
	// ErrInvalidRate is returned for non-positive sample rates.
	ErrInvalidRate = errors.New("resample: invalid sample rate")
	// ErrInvalidChannels is returned for a channel count below one.
	ErrInvalidChannels = errors.New("resample: invalid channel count")
)

// MaxQuality is the highest accepted quality level.
const MaxQuality = 10

// engine is the subset of the library's float32 engine the stage drives.
type engine interface {
	Process(input []float32) ([]float32, error)
	Flush() ([]float32, error)
}

// Stage resamples interleaved audio from one rate to another.
// Not safe for concurrent use.
type Stage struct {
	from, to int
	channels int
	quality  int

	engines []engine
	planar  [][]float32
	outs    [][]float32
	carry   [][]float32
}

// New creates a stage. Quality ranges from 0 (fastest) to MaxQuality and is
// fixed for the stage's lifetime. When from == to the stage is a copy.
func New(from, to, channels, quality int) (*Stage, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, from, to)
	}
	if channels < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannels, channels)
	}
	quality = max(0, min(quality, MaxQuality))

	s := &Stage{from: from, to: to, channels: channels, quality: quality}
	if from == to {
		return s, nil
	}

	s.engines = make([]engine, channels)
	s.planar = make([][]float32, channels)
	s.outs = make([][]float32, channels)
	s.carry = make([][]float32, channels)
	for ch := range s.engines {
		eng, err := newEngine(from, to, quality)
		if err != nil {
			return nil, fmt.Errorf("resample: channel %d: %w", ch, err)
		}
		s.engines[ch] = eng
	}
	return s, nil
}

func newEngine(from, to, quality int) (engine, error) {
	in, out := float64(from), float64(to)
	switch {
	case quality <= 2:
		return resampler.NewEngineFloat32(in, out, resampler.QualityQuick)
	case quality <= 4:
		return resampler.NewEngineFloat32(in, out, resampler.QualityLow)
	case quality <= 6:
		return resampler.NewEngineFloat32(in, out, resampler.QualityMedium)
	case quality <= 8:
		return resampler.NewEngineFloat32(in, out, resampler.QualityHigh)
	default:
		return resampler.NewEngineFloat32(in, out, resampler.QualityVeryHigh)
	}
}

// From returns the input rate.
func (s *Stage) From() int { return s.from }

// To returns the output rate.
func (s *Stage) To() int { return s.to }

// Channels returns the interleaved channel count.
func (s *Stage) Channels() int { return s.channels }

// Quality returns the configured quality level.
func (s *Stage) Quality() int { return s.quality }

// Passthrough reports whether the stage copies audio unchanged.
func (s *Stage) Passthrough() bool { return s.from == s.to }

// Process resamples a block of interleaved samples. Output length varies
// between calls as the filters fill; over a long stream it converges to
// len(in) * to / from.
func (s *Stage) Process(in []float32) ([]float32, error) {
	if s.Passthrough() {
		out := make([]float32, len(in))
		copy(out, in)
		return out, nil
	}
	if s.channels == 1 {
		return s.engines[0].Process(in)
	}

	frames := len(in) / s.channels
	for ch := 0; ch < s.channels; ch++ {
		if cap(s.planar[ch]) < frames {
			s.planar[ch] = make([]float32, frames)
		}
		p := s.planar[ch][:frames]
		for f := 0; f < frames; f++ {
			p[f] = in[f*s.channels+ch]
		}
		out, err := s.engines[ch].Process(p)
		if err != nil {
			return nil, fmt.Errorf("resample: channel %d: %w", ch, err)
		}
		s.outs[ch] = out
	}
	return s.interleave(), nil
}

// Flush drains the filters' remaining samples at end of stream.
func (s *Stage) Flush() ([]float32, error) {
	if s.Passthrough() {
		return nil, nil
	}
	for ch, eng := range s.engines {
		out, err := eng.Flush()
		if err != nil {
			return nil, fmt.Errorf("resample: flush channel %d: %w", ch, err)
		}
		s.outs[ch] = out
	}
	if s.channels == 1 {
		return s.outs[0], nil
	}
	return s.interleave(), nil
}

// interleave merges the per-channel outputs. Channels may differ by a sample
// at block edges; only whole frames are emitted and the remainder of the
// longer channels is carried into the next call.
func (s *Stage) interleave() []float32 {
	for ch, o := range s.outs {
		s.carry[ch] = append(s.carry[ch], o...)
	}
	frames := len(s.carry[0])
	for _, c := range s.carry[1:] {
		frames = min(frames, len(c))
	}
	out := make([]float32, frames*s.channels)
	for ch, c := range s.carry {
		for f := 0; f < frames; f++ {
			out[f*s.channels+ch] = c[f]
		}
		s.carry[ch] = append(c[:0], c[frames:]...)
	}
	return out
}

// Resample converts a complete buffer in one call, flushing the filters.
func Resample(in []float32, from, to, channels, quality int) ([]float32, error) {
	s, err := New(from, to, channels, quality)
	if err != nil {
		return nil, err
	}
	out, err := s.Process(in)
	if err != nil {
		return nil, err
	}
	tail, err := s.Flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}
