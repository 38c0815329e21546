package aec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
)

// Frame is the result of one processing tick.
type Frame struct {
	// Cancelled holds one frame per input channel, interleaved across all
	// inputs in attach order.
	Cancelled     []int16 `json:"aec"`
	InputChannels int     `json:"inputChannels"`
	StartMicros   int64   `json:"startMicros"`
	EndMicros     int64   `json:"endMicros"`
}

// DebugFrame is the diagnostic view of one processing tick. Inputs and
// Cancelled are interleaved over NumInputChannels, Outputs over
// NumOutputChannels; every field is present whatever the pairing states.
type DebugFrame struct {
	Inputs         []int16         `json:"inputs"`
	Outputs        []int16         `json:"outputs"`
	Cancelled      []int16         `json:"aec"`
	InputChannels  int             `json:"inputChannels"`
	OutputChannels int             `json:"outputChannels"`
	StartMicros    int64           `json:"startMicros"`
	EndMicros      int64           `json:"endMicros"`
	Pairings       []PairingStatus `json:"pairings"`
}

// Update advances one tick: one frame per input is cancelled against every
// calibrated output. Inputs without a captured frame contribute silence.
func (s *Stream) Update(ctx context.Context) (*Frame, error) {
	df, err := s.tick(ctx, false)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Cancelled:     df.Cancelled,
		InputChannels: df.InputChannels,
		StartMicros:   df.StartMicros,
		EndMicros:     df.EndMicros,
	}, nil
}

// UpdateDebug is Update plus the raw near-end and aligned far-end frames.
func (s *Stream) UpdateDebug(ctx context.Context) (*DebugFrame, error) {
	return s.tick(ctx, true)
}

// Ready returns the number of ticks that can run without padding: the
// smallest count of whole captured frames over all inputs.
func (s *Stream) Ready() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.inputs) == 0 {
		return 0
	}
	if err := s.pumpAll(); err != nil {
		s.logger.Warn("pump failed", "error", err)
	}
	ready := -1
	for _, in := range s.inputs {
		n := in.available(s.cfg.FrameSize)
		if ready < 0 || n < ready {
			ready = n
		}
	}
	return ready
}

// Run drives the stream until ctx ends, running a tick for every captured
// frame and handing each debug frame to fn.
func (s *Stream) Run(ctx context.Context, fn func(*DebugFrame)) error {
	period := time.Duration(FrameSizeMs) * time.Millisecond / 2
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for n := s.Ready(); n > 0; n-- {
			df, err := s.UpdateDebug(ctx)
			if err != nil {
				return err
			}
			if fn != nil {
				fn(df)
			}
		}
	}
}

func (s *Stream) tick(ctx context.Context, debug bool) (*DebugFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if len(s.inputs) == 0 {
		return nil, ErrNoDevices
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := s.clock()
	if err := s.pumpAll(); err != nil {
		s.logger.Warn("pump failed", "error", err)
	}

	frameSize := s.cfg.FrameSize
	inCh, outCh := s.numInputChannels(), s.numOutputChannels()
	df := &DebugFrame{
		Cancelled:      make([]int16, frameSize*inCh),
		InputChannels:  inCh,
		OutputChannels: outCh,
		StartMicros:    start,
	}
	if debug {
		df.Inputs = make([]int16, frameSize*inCh)
		df.Outputs = make([]int16, frameSize*outCh)
	}

	var g errgroup.Group
	offset := 0
	for _, in := range s.inputs {
		off := offset
		offset += in.channels
		pairs := s.inputPairings(in)
		g.Go(func() error {
			return s.processInput(in, pairs, df, off, debug)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("canceller failed, frame passed through", "error", err)
	}

	if debug {
		s.fillOutputs(df)
	}

	now := s.clock()
	tolerance := int64(s.cfg.samples(s.tuning.DriftToleranceMs))
	for _, p := range s.pairings {
		if p.state.Calibrated() {
			p.drift = s.skew(p.in.hist, now) - s.skew(p.out.hist, now) - p.driftBase
		}
		before := p.state
		p.observe(s.tuning, tolerance)
		if p.state != before {
			s.logger.Warn("pairing state changed",
				"output", p.out.name, "input", p.in.name,
				"from", before.String(), "to", p.state.String(), "drift_samples", p.drift)
		}
	}
	s.frames++

	if debug {
		df.Pairings = s.pairingStatuses()
	}
	df.EndMicros = s.clock()
	return df, nil
}

func (s *Stream) inputPairings(in *inputPipeline) []*pairing {
	var out []*pairing
	for _, p := range s.pairings {
		if p.in == in {
			out = append(out, p)
		}
	}
	return out
}

// processInput cancels one frame of in against each calibrated pairing in
// output order and writes the result into df at channel offset off. It runs
// concurrently with other inputs and touches only state owned by in and its
// pairings; output histories are read-only here. A failing canceller is
// skipped for the frame and its error returned once the frame is written.
func (s *Stream) processInput(in *inputPipeline, pairs []*pairing, df *DebugFrame, off int, debug bool) error {
	frameSize := s.cfg.FrameSize
	stride := df.InputChannels
	margin := s.cfg.samples(s.tuning.AlignmentMarginMs)

	if !in.take(frameSize) {
		// nothing captured: silence out, canceller state untouched
		return nil
	}

	far := make([][]int16, len(pairs))
	for i, p := range pairs {
		if p.state.Calibrated() && len(p.cancellers) == in.channels {
			far[i] = p.loadFar(in.framePos, margin)
		}
	}

	var errs []error
	for ch := 0; ch < in.channels; ch++ {
		near := in.channel[ch]
		cur := near
		for i, p := range pairs {
			if far[i] == nil {
				continue
			}
			res, err := p.cancellers[ch].ProcessFrame(cur, far[i])
			if err != nil {
				errs = append(errs, fmt.Errorf("output %q input %q channel %d: %w", p.out.name, in.name, ch, err))
				continue
			}
			cur = res
		}
		for f := 0; f < frameSize; f++ {
			df.Cancelled[f*stride+off+ch] = cur[f]
			if debug {
				df.Inputs[f*stride+off+ch] = near[f]
			}
		}
	}
	return errors.Join(errs...)
}

// fillOutputs writes each output's far-end frame as seen by the first input.
func (s *Stream) fillOutputs(df *DebugFrame) {
	first := s.inputs[0]
	if !first.frameOK {
		return
	}
	frameSize := s.cfg.FrameSize
	margin := s.cfg.samples(s.tuning.AlignmentMarginMs)
	stride := df.OutputChannels
	off := 0
	for _, o := range s.outputs {
		pos := first.framePos
		for _, p := range s.pairings {
			if p.out == o && p.in == first && p.state.Calibrated() {
				pos = p.farStart(first.framePos, margin)
			}
		}
		buf := make([]float32, frameSize*o.channels)
		o.hist.read(buf, pos)
		for f := 0; f < frameSize; f++ {
			for ch := 0; ch < o.channels; ch++ {
				df.Outputs[f*stride+off+ch] = audio.FloatToInt16(buf[f*o.channels+ch])
			}
		}
		off += o.channels
	}
}

// DeviceStats are the ring counters of one device.
type DeviceStats struct {
	Name       string `json:"name"`
	Direction  string `json:"direction"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sampleRate"`
	Overruns   uint64 `json:"overruns"`
	Underruns  uint64 `json:"underruns"`
	Buffered   int    `json:"buffered"`
}

// Stats is a snapshot of stream counters for monitoring.
type Stats struct {
	Frames   uint64          `json:"frames"`
	Devices  []DeviceStats   `json:"devices"`
	Pairings []PairingStatus `json:"pairings"`
}

// Stats returns the current counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Frames: s.frames, Pairings: s.pairingStatuses()}
	for _, o := range s.outputs {
		st.Devices = append(st.Devices, DeviceStats{
			Name:       o.name,
			Direction:  "output",
			Channels:   o.channels,
			SampleRate: o.rate,
			Overruns:   o.producer.Overruns() + o.ref.Overruns(),
			Underruns:  o.play.Underruns(),
			Buffered:   o.producer.Buffered(),
		})
	}
	for _, in := range s.inputs {
		st.Devices = append(st.Devices, DeviceStats{
			Name:       in.name,
			Direction:  "input",
			Channels:   in.channels,
			SampleRate: in.rate,
			Overruns:   in.capture.Overruns() + in.skipped,
			Underruns:  in.padded,
			Buffered:   in.capture.Buffered(),
		})
	}
	return st
}
