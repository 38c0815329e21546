package aec

import (
	"fmt"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
	"github.com/lokutor-ai/lokutor-aec/pkg/canceller"
)

// PairingState is the calibration and quality state of one
// (output, input) pairing.
type PairingState int

const (
	Uncalibrated PairingState = iota
	Calibrating
	Active
	Degraded
)

func (s PairingState) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("PairingState(%d)", int(s))
	}
}

func (s PairingState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PairingState) UnmarshalText(b []byte) error {
	for v := Uncalibrated; v <= Degraded; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown pairing state %q", b)
}

// Calibrated reports whether cancellation runs for the pairing.
func (s PairingState) Calibrated() bool {
	return s == Active || s == Degraded
}

// CalibrationState is the delay estimate of a pairing. It is frozen once
// calibration ends and only changes on an explicit replay.
type CalibrationState struct {
	EstimatedDelaySamples int64   `json:"estimatedDelaySamples"`
	Confidence            float64 `json:"confidence"`
	PacketsObserved       uint32  `json:"packetsObserved"`
	IsCalibrated          bool    `json:"isCalibrated"`
	// Estimates holds the accepted per-packet delays in arrival order.
	Estimates []int64 `json:"estimates,omitempty"`
}

// PairingStatus is the externally visible state of a pairing.
type PairingStatus struct {
	Output      string           `json:"output"`
	Input       string           `json:"input"`
	State       PairingState     `json:"state"`
	Calibration CalibrationState `json:"calibration"`
	// DriftSamples is the clock drift accumulated since calibration.
	DriftSamples int64 `json:"driftSamples"`
}

type pairing struct {
	out *outputPipeline
	in  *inputPipeline

	state PairingState
	cal   CalibrationState

	// one canceller per input channel, created at calibration
	cancellers []canceller.Canceller

	far    []float32
	farI16 []int16

	driftBase    int64
	drift        int64
	driftExceeds bool

	// sliding window of ticks that saw a new underrun or overrun
	window      []bool
	windowPos   int
	windowCount int
	lastSignals uint64
}

func newPairing(out *outputPipeline, in *inputPipeline, c Config, t Tuning) *pairing {
	return &pairing{
		out:    out,
		in:     in,
		far:    make([]float32, c.FrameSize),
		farI16: make([]int16, c.FrameSize),
		window: make([]bool, t.DegradeWindow),
	}
}

func (p *pairing) status() PairingStatus {
	cal := p.cal
	cal.Estimates = append([]int64(nil), p.cal.Estimates...)
	return PairingStatus{
		Output:       p.out.name,
		Input:        p.in.name,
		State:        p.state,
		Calibration:  cal,
		DriftSamples: p.drift,
	}
}

// farStart returns the history index of the reference frame aligned with
// the near-end frame at pos.
func (p *pairing) farStart(pos int64, margin int) int64 {
	return pos - (p.cal.EstimatedDelaySamples - int64(margin))
}

// loadFar reads the aligned reference frame. Positions the output has not
// played, or no longer retains, are silence.
func (p *pairing) loadFar(pos int64, margin int) []int16 {
	p.out.hist.readMono(p.far, p.farStart(pos, margin))
	for i, s := range p.far {
		p.farI16[i] = audio.FloatToInt16(s)
	}
	return p.farI16
}

// observe records one tick and updates the quality state.
func (p *pairing) observe(t Tuning, driftTolerance int64) {
	sig := p.in.signals() + p.out.signals()
	event := sig != p.lastSignals
	p.lastSignals = sig

	if p.window[p.windowPos] {
		p.windowCount--
	}
	p.window[p.windowPos] = event
	if event {
		p.windowCount++
	}
	p.windowPos = (p.windowPos + 1) % len(p.window)

	if !p.state.Calibrated() {
		return
	}
	p.driftExceeds = abs64(p.drift) > driftTolerance
	switch {
	case p.windowCount > t.DegradeThreshold || p.driftExceeds:
		p.state = Degraded
	case p.state == Degraded && p.windowCount == 0:
		p.state = Active
	}
}

func (p *pairing) resetWindow() {
	clear(p.window)
	p.windowPos = 0
	p.windowCount = 0
	p.lastSignals = p.in.signals() + p.out.signals()
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
