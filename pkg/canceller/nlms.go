package canceller

import (
	"fmt"
	"math"
)

const (
	// DefaultStep is the NLMS step size mu (0 < mu < 2).
	DefaultStep = 0.2

	// powerFloor keeps the normalisation away from zero on near-silent
	// reference windows.
	powerFloor = 1e-6
)

// NLMS is a normalised least-mean-squares adaptive filter over int16
// frames. The filter spans filterLength samples of far-end history ending at
// the current sample.
type NLMS struct {
	frameSize int
	taps      int
	step      float64

	weights []float64
	// ref holds taps-1 samples of history followed by the current far frame,
	// scaled to [-1, 1].
	ref []float64
	// power is the energy of the taps-long window ending before the current
	// frame.
	power float64

	dt *DoubleTalk
}

// NLMSOption customises an NLMS canceller.
type NLMSOption func(*NLMS)

// WithStep sets the adaptation step size.
func WithStep(mu float64) NLMSOption {
	return func(n *NLMS) { n.step = mu }
}

// WithDoubleTalk freezes adaptation while d reports near-end speech.
func WithDoubleTalk(d *DoubleTalk) NLMSOption {
	return func(n *NLMS) { n.dt = d }
}

// NewNLMS creates a canceller for frames of frameSize samples and an echo
// tail of filterLength samples.
func NewNLMS(frameSize, filterLength int, opts ...NLMSOption) (*NLMS, error) {
	if frameSize <= 0 || filterLength <= 0 {
		return nil, fmt.Errorf("canceller: invalid geometry frame=%d filter=%d", frameSize, filterLength)
	}
	n := &NLMS{
		frameSize: frameSize,
		taps:      filterLength,
		step:      DefaultStep,
		weights:   make([]float64, filterLength),
		ref:       make([]float64, filterLength-1+frameSize),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.step <= 0 || n.step >= 2 {
		return nil, fmt.Errorf("canceller: step %v outside (0, 2)", n.step)
	}
	return n, nil
}

func (n *NLMS) FrameSize() int { return n.frameSize }

// Taps returns the filter length in samples.
func (n *NLMS) Taps() int { return n.taps }

// Reset clears the adaptive state and the far-end history.
func (n *NLMS) Reset() {
	clear(n.weights)
	clear(n.ref)
	n.power = 0
	if n.dt != nil {
		n.dt.Reset()
	}
}

// ProcessFrame cancels one frame. For sample i the estimate is
// sum_k w[k] * far[i-k] over the filter span; the residual is clamped to the
// int16 range.
func (n *NLMS) ProcessFrame(near, far []int16) ([]int16, error) {
	if err := checkFrame(n.frameSize, near, far); err != nil {
		return nil, err
	}

	hist := n.taps - 1
	for i, s := range far {
		n.ref[hist+i] = float64(s) / 32768.0
	}

	adapt := true
	if n.dt != nil {
		adapt = !n.dt.Detect(near, far)
	}

	out := make([]int16, n.frameSize)
	power := n.power
	for i := range near {
		newest := hist + i
		x := n.ref[newest]
		power += x * x
		if oldest := newest - n.taps; oldest >= 0 {
			power -= n.ref[oldest] * n.ref[oldest]
		}
		if power < 0 {
			power = 0
		}

		var y float64
		for k := 0; k < n.taps; k++ {
			y += n.weights[k] * n.ref[newest-k]
		}
		e := float64(near[i])/32768.0 - y

		if adapt && power > powerFloor {
			g := n.step * e / (power + powerFloor)
			for k := 0; k < n.taps; k++ {
				n.weights[k] += g * n.ref[newest-k]
			}
		}
		out[i] = toInt16(e)
	}

	// Slide the window: the last taps-1 samples become the next history, and
	// the sample leaving it leaves the running power too.
	dropped := n.ref[n.frameSize-1]
	n.power = max(0, power-dropped*dropped)
	copy(n.ref, n.ref[n.frameSize:])
	return out, nil
}

func toInt16(v float64) int16 {
	v = math.Round(v * 32768.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
