package canceller

import "math"

// DoubleTalk is an energy-ratio double-talk detector. A frame is a candidate
// when the near-end RMS exceeds the recent far-end RMS times a ratio; a
// candidate run of minConfirmed frames declares double-talk, which is then
// held for hold frames after the last candidate.
type DoubleTalk struct {
	ratio        float64
	minConfirmed int
	hold         int

	farRMS      float64
	consecutive int
	holdLeft    int
	active      bool
}

// NewDoubleTalk returns a detector with the given near/far ratio,
// confirmation run and hangover, all in frames.
func NewDoubleTalk(ratio float64, minConfirmed, hold int) *DoubleTalk {
	return &DoubleTalk{ratio: ratio, minConfirmed: max(1, minConfirmed), hold: hold}
}

// DefaultDoubleTalk suits 10 ms frames.
func DefaultDoubleTalk() *DoubleTalk {
	return NewDoubleTalk(1.5, 2, 5)
}

// Active reports whether the last Detect call declared double-talk.
func (d *DoubleTalk) Active() bool { return d.active }

// Detect feeds one frame pair and reports double-talk.
func (d *DoubleTalk) Detect(near, far []int16) bool {
	nearRMS := rms16(near)
	// Slow decay so the echo tail of a loud passage still counts as far-end.
	d.farRMS = max(rms16(far), d.farRMS*0.9)

	if nearRMS > 1e-4 && nearRMS > d.farRMS*d.ratio {
		d.consecutive++
		if d.consecutive >= d.minConfirmed {
			d.active = true
			d.holdLeft = d.hold
		}
		return d.active
	}

	d.consecutive = 0
	if d.active {
		if d.holdLeft > 0 {
			d.holdLeft--
		} else {
			d.active = false
		}
	}
	return d.active
}

// Reset clears the detector state.
func (d *DoubleTalk) Reset() {
	d.farRMS = 0
	d.consecutive = 0
	d.holdLeft = 0
	d.active = false
}

func rms16(s []int16) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		f := float64(v) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(s)))
}
