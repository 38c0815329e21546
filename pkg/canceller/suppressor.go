package canceller

import (
	"fmt"
	"math"
)

const (
	// DefaultEchoThreshold is the normalised correlation above which a near
	// frame is treated as echo of the far history.
	DefaultEchoThreshold = 0.55

	// envelopeMargin is added to the threshold for the envelope fallback,
	// which runs higher than waveform correlation on the same audio.
	envelopeMargin     = 0.05
	envelopeDecimation = 8
	// envelopeAttenuation scales frames gated only by their envelope, where
	// no waveform alignment is trustworthy enough to subtract.
	envelopeAttenuation = 0.5

	maxSuppressorGain = 2.0
)

// Suppressor is a correlation-gated echo suppressor. It keeps a short
// history of the aligned far end and, per frame, searches it for the
// segment that best matches near. When the match clears the threshold the
// segment is scaled by its least-squares gain and subtracted; otherwise near
// passes through. It runs alone or as a residual stage after NLMS.
type Suppressor struct {
	frameSize int
	search    int
	threshold float64

	// hist holds search samples of older far end followed by the current
	// far frame, scaled to [-1, 1].
	hist []float64
	near []float64
}

// SuppressorOption customises a Suppressor.
type SuppressorOption func(*Suppressor)

// WithEchoThreshold sets the correlation gate in (0, 1).
func WithEchoThreshold(th float64) SuppressorOption {
	return func(s *Suppressor) { s.threshold = th }
}

// NewSuppressor creates a suppressor for frames of frameSize samples that
// tolerates up to search samples of residual misalignment behind the far
// frame.
func NewSuppressor(frameSize, search int, opts ...SuppressorOption) (*Suppressor, error) {
	if frameSize <= 0 || search < 0 {
		return nil, fmt.Errorf("canceller: invalid suppressor geometry frame=%d search=%d", frameSize, search)
	}
	s := &Suppressor{
		frameSize: frameSize,
		search:    search,
		threshold: DefaultEchoThreshold,
		hist:      make([]float64, search+frameSize),
		near:      make([]float64, frameSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.threshold <= 0 || s.threshold >= 1 {
		return nil, fmt.Errorf("canceller: echo threshold %v outside (0, 1)", s.threshold)
	}
	return s, nil
}

func (s *Suppressor) FrameSize() int { return s.frameSize }

// Reset forgets the far-end history.
func (s *Suppressor) Reset() {
	clear(s.hist)
}

// ProcessFrame suppresses the echo of the far history in near.
func (s *Suppressor) ProcessFrame(near, far []int16) ([]int16, error) {
	if err := checkFrame(s.frameSize, near, far); err != nil {
		return nil, err
	}
	copy(s.hist, s.hist[s.frameSize:])
	tail := s.hist[s.search:]
	for i, v := range far {
		tail[i] = float64(v) / 32768.0
	}
	for i, v := range near {
		s.near[i] = float64(v) / 32768.0
	}

	out := make([]int16, len(near))
	pos, corr := s.bestMatch()
	switch {
	case corr > s.threshold:
		seg := s.hist[pos : pos+s.frameSize]
		var dot, segEnergy float64
		for i, r := range seg {
			dot += s.near[i] * r
			segEnergy += r * r
		}
		g := min(max(dot/segEnergy, 0), maxSuppressorGain)
		for i, r := range seg {
			out[i] = toInt16(s.near[i] - g*r)
		}
	case envelopeCorrelation(s.near, s.hist, envelopeDecimation) > s.threshold+envelopeMargin:
		for i, v := range s.near {
			out[i] = toInt16(v * envelopeAttenuation)
		}
	default:
		copy(out, near)
	}
	return out, nil
}

// IsEcho reports whether near matches the current far history without
// changing it.
func (s *Suppressor) IsEcho(near []int16) bool {
	if len(near) != s.frameSize {
		return false
	}
	for i, v := range near {
		s.near[i] = float64(v) / 32768.0
	}
	if _, corr := s.bestMatch(); corr > s.threshold {
		return true
	}
	return envelopeCorrelation(s.near, s.hist, envelopeDecimation) > s.threshold+envelopeMargin
}

// bestMatch searches every lag of the far history for the segment with the
// highest normalised correlation to s.near.
func (s *Suppressor) bestMatch() (int, float64) {
	var nearEnergy float64
	for _, v := range s.near {
		nearEnergy += v * v
	}
	if nearEnergy == 0 {
		return 0, 0
	}

	bestPos, best := 0, 0.0
	for pos := 0; pos <= s.search; pos++ {
		if c := s.correlate(pos, nearEnergy); c > best {
			bestPos, best = pos, c
			if best >= 0.999 {
				break
			}
		}
	}
	return bestPos, min(best, 1)
}

func (s *Suppressor) correlate(pos int, nearEnergy float64) float64 {
	seg := s.hist[pos : pos+s.frameSize]
	var dot, segEnergy float64
	for i, r := range seg {
		dot += s.near[i] * r
		segEnergy += r * r
	}
	if segEnergy == 0 {
		return 0
	}
	return dot / math.Sqrt(nearEnergy*segEnergy)
}

// envelopeCorrelation compares the decimated absolute-value envelopes of in
// and ref. It catches echo whose waveform the room has phase-shifted, such
// as sibilants.
func envelopeCorrelation(in, ref []float64, decimation int) float64 {
	inEnv := envelope(in, decimation)
	refEnv := envelope(ref, decimation)
	n := len(inEnv)
	if n == 0 || len(refEnv) < n {
		return 0
	}

	inVar := centre(inEnv)
	if inVar <= 0 {
		return 0
	}

	best := 0.0
	stride := max(n/4, 2)
	for pos := 0; pos+n <= len(refEnv); pos += stride {
		seg := refEnv[pos : pos+n]
		var mean float64
		for _, v := range seg {
			mean += v
		}
		mean /= float64(n)
		var dot, refVar float64
		for i, v := range seg {
			r := v - mean
			dot += inEnv[i] * r
			refVar += r * r
		}
		if refVar > 0 {
			best = max(best, dot/math.Sqrt(inVar*refVar))
		}
	}
	return best
}

func envelope(s []float64, decimation int) []float64 {
	env := make([]float64, len(s)/decimation)
	for i := range env {
		for _, v := range s[i*decimation : (i+1)*decimation] {
			env[i] += math.Abs(v)
		}
	}
	return env
}

// centre removes the mean of env in place and returns its energy.
func centre(env []float64) float64 {
	var mean float64
	for _, v := range env {
		mean += v
	}
	mean /= float64(len(env))
	var energy float64
	for i := range env {
		env[i] -= mean
		energy += env[i] * env[i]
	}
	return energy
}

// Chain runs cancellers in order, each stage cancelling the previous
// stage's output against the same far frame.
type Chain struct {
	stages []Canceller
}

// NewChain chains stages that share one frame size.
func NewChain(stages ...Canceller) (*Chain, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("canceller: empty chain")
	}
	for _, st := range stages[1:] {
		if st.FrameSize() != stages[0].FrameSize() {
			return nil, fmt.Errorf("%w: chain stages of %d and %d samples", ErrFrameSize, stages[0].FrameSize(), st.FrameSize())
		}
	}
	return &Chain{stages: stages}, nil
}

func (c *Chain) FrameSize() int { return c.stages[0].FrameSize() }

func (c *Chain) ProcessFrame(near, far []int16) ([]int16, error) {
	cur := near
	for _, st := range c.stages {
		out, err := st.ProcessFrame(cur, far)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

func (c *Chain) Reset() {
	for _, st := range c.stages {
		st.Reset()
	}
}
