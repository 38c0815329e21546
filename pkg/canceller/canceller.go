// Package canceller holds the echo-cancellation DSP primitive the engine
// drives once per frame and per (output, input channel) pairing.
package canceller

import (
	"errors"
	"fmt"
)

// ErrFrameSize is returned when near or far does not hold exactly one frame.
var ErrFrameSize = errors.New("canceller: frame size mismatch")

// Canceller removes the part of near that is predicted by far.
//
// ProcessFrame is called with one frame of near-end (microphone) and far-end
// (aligned playback) samples and returns a cancelled frame of the same
// length. Implementations keep their own adaptive state and are used from a
// single goroutine.
type Canceller interface {
	ProcessFrame(near, far []int16) ([]int16, error)
	FrameSize() int
	Reset()
}

// Passthrough returns near unchanged. It stands in for pairings that have
// no calibrated delay yet.
type Passthrough struct {
	frameSize int
}

// NewPassthrough returns a Passthrough for frames of frameSize samples.
func NewPassthrough(frameSize int) *Passthrough {
	return &Passthrough{frameSize: frameSize}
}

func (p *Passthrough) ProcessFrame(near, far []int16) ([]int16, error) {
	if err := checkFrame(p.frameSize, near, far); err != nil {
		return nil, err
	}
	out := make([]int16, len(near))
	copy(out, near)
	return out, nil
}

func (p *Passthrough) FrameSize() int { return p.frameSize }

func (p *Passthrough) Reset() {}

func checkFrame(size int, near, far []int16) error {
	if len(near) != size || len(far) != size {
		return fmt.Errorf("%w: near=%d far=%d want %d", ErrFrameSize, len(near), len(far), size)
	}
	return nil
}
