package aec

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
	"github.com/lokutor-ai/lokutor-aec/pkg/canceller"
)

// CancellerFactory builds the canceller for one (output, input channel)
// pairing.
type CancellerFactory func(frameSize, filterLength int) (canceller.Canceller, error)

// NLMSCanceller is the default CancellerFactory: an NLMS filter with
// double-talk protection.
func NLMSCanceller(frameSize, filterLength int) (canceller.Canceller, error) {
	return canceller.NewNLMS(frameSize, filterLength, canceller.WithDoubleTalk(canceller.DefaultDoubleTalk()))
}

// SuppressorCanceller is a correlation-gated suppressor searching two frames
// of far history. It needs no convergence time.
func SuppressorCanceller(frameSize, _ int) (canceller.Canceller, error) {
	return canceller.NewSuppressor(frameSize, 2*frameSize)
}

// NLMSSuppressorCanceller chains the suppressor after NLMS to remove the
// residual echo the filter leaves while it adapts.
func NLMSSuppressorCanceller(frameSize, filterLength int) (canceller.Canceller, error) {
	nlms, err := NLMSCanceller(frameSize, filterLength)
	if err != nil {
		return nil, err
	}
	sup, err := SuppressorCanceller(frameSize, filterLength)
	if err != nil {
		return nil, err
	}
	return canceller.NewChain(nlms, sup)
}

// PassthroughCanceller leaves near-end audio untouched while still running
// calibration and alignment. Useful to compare raw and processed captures.
func PassthroughCanceller(frameSize, _ int) (canceller.Canceller, error) {
	return canceller.NewPassthrough(frameSize), nil
}

// Canceller names accepted by CancellerByName.
const (
	CancellerNLMS           = "nlms"
	CancellerSuppressor     = "suppressor"
	CancellerNLMSSuppressor = "nlms+suppressor"
	CancellerPassthrough    = "passthrough"
)

// CancellerByName returns the factory registered under name.
func CancellerByName(name string) (CancellerFactory, error) {
	switch name {
	case CancellerNLMS, "":
		return NLMSCanceller, nil
	case CancellerSuppressor:
		return SuppressorCanceller, nil
	case CancellerNLMSSuppressor:
		return NLMSSuppressorCanceller, nil
	case CancellerPassthrough:
		return PassthroughCanceller, nil
	default:
		return nil, fmt.Errorf("%w: unknown canceller %q", ErrInvalidConfig, name)
	}
}

// Stream owns the attached devices, their pairings and the per-tick
// processing. Transport callbacks only touch ring buffers; every exported
// method runs in the driver context and is serialised by mu.
type Stream struct {
	mu sync.Mutex

	cfg       Config
	tuning    Tuning
	transport audio.Transport
	logger    Logger
	clock     audio.Clock

	newCanceller CancellerFactory

	epoch    int64
	outputs  []*outputPipeline
	inputs   []*inputPipeline
	pairings []*pairing
	frames   uint64
	closed   bool
}

// StreamOption customises a Stream.
type StreamOption func(*Stream)

func WithLogger(l Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

func WithTuning(t Tuning) StreamOption {
	return func(s *Stream) { s.tuning = t }
}

// WithClock sets the clock transport timestamps are read against. It must
// be the clock the transport stamps callbacks with.
func WithClock(c audio.Clock) StreamOption {
	return func(s *Stream) { s.clock = c }
}

func WithCanceller(f CancellerFactory) StreamOption {
	return func(s *Stream) { s.newCanceller = f }
}

// NewStream creates an empty stream. Devices are attached with
// AddOutputDevice and AddInputDevice.
func NewStream(cfg Config, transport audio.Transport, opts ...StreamOption) (*Stream, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	s := &Stream{
		cfg:          cfg,
		tuning:       DefaultTuning(),
		transport:    transport,
		logger:       &NoOpLogger{},
		clock:        audio.Now,
		newCanceller: NLMSCanceller,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.tuning.Validate(); err != nil {
		return nil, err
	}
	s.epoch = s.clock()
	return s, nil
}

// Config returns the processing geometry.
func (s *Stream) Config() Config { return s.cfg }

// Tuning returns the start-time parameters.
func (s *Stream) Tuning() Tuning { return s.tuning }

func validationError(err error) error {
	if errors.Is(err, audio.ErrInvalidDeviceConfig) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return err
}

// AddOutputDevice attaches a playback device and returns the handle the
// application writes playback audio through.
func (s *Stream) AddOutputDevice(ctx context.Context, cfg audio.OutputDeviceConfig) (*OutputProducer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, validationError(err)
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = uint32(s.tuning.OutputFrameSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	for _, o := range s.outputs {
		if o.name == cfg.DeviceName {
			return nil, fmt.Errorf("output %q: %w", cfg.DeviceName, ErrDeviceExists)
		}
	}

	out, err := newOutputPipeline(cfg, s.cfg, s.tuning)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", cfg.DeviceName, err)
	}
	stream, err := s.transport.OpenPlayback(cfg, out.onPlayback)
	if err != nil {
		return nil, fmt.Errorf("output %q: open playback: %w", cfg.DeviceName, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close(ctx)
		return nil, fmt.Errorf("output %q: start playback: %w", cfg.DeviceName, err)
	}
	out.stream = stream

	s.outputs = append(s.outputs, out)
	for _, in := range s.inputs {
		s.pairings = append(s.pairings, newPairing(out, in, s.cfg, s.tuning))
	}
	s.logger.Info("output attached",
		"device", cfg.DeviceName, "host", cfg.HostID.Name(),
		"channels", cfg.Channels, "rate", cfg.SampleRate, "format", cfg.SampleFormat.String(),
		"frame_size", cfg.FrameSize)
	return out.producer, nil
}

// AddInputDevice attaches a capture device.
func (s *Stream) AddInputDevice(ctx context.Context, cfg audio.InputDeviceConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return validationError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	for _, in := range s.inputs {
		if in.name == cfg.DeviceName {
			return fmt.Errorf("input %q: %w", cfg.DeviceName, ErrDeviceExists)
		}
	}

	in, err := newInputPipeline(cfg, s.cfg, s.tuning)
	if err != nil {
		return fmt.Errorf("input %q: %w", cfg.DeviceName, err)
	}
	stream, err := s.transport.OpenCapture(cfg, in.onCapture)
	if err != nil {
		return fmt.Errorf("input %q: open capture: %w", cfg.DeviceName, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close(ctx)
		return fmt.Errorf("input %q: start capture: %w", cfg.DeviceName, err)
	}
	in.stream = stream

	s.inputs = append(s.inputs, in)
	for _, out := range s.outputs {
		s.pairings = append(s.pairings, newPairing(out, in, s.cfg, s.tuning))
	}
	s.sortPairings()
	s.logger.Info("input attached",
		"device", cfg.DeviceName, "host", cfg.HostID.Name(),
		"channels", cfg.Channels, "rate", cfg.SampleRate, "format", cfg.SampleFormat.String())
	return nil
}

// sortPairings keeps pairings ordered by output attach order, which is the
// order cancellers are cascaded in.
func (s *Stream) sortPairings() {
	rank := make(map[*outputPipeline]int, len(s.outputs))
	for i, o := range s.outputs {
		rank[o] = i
	}
	slices.SortStableFunc(s.pairings, func(a, b *pairing) int {
		return rank[a.out] - rank[b.out]
	})
}

// NumInputChannels returns the channel count summed over attached inputs.
func (s *Stream) NumInputChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numInputChannels()
}

// NumOutputChannels returns the channel count summed over attached outputs.
func (s *Stream) NumOutputChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numOutputChannels()
}

func (s *Stream) numInputChannels() int {
	n := 0
	for _, in := range s.inputs {
		n += in.channels
	}
	return n
}

func (s *Stream) numOutputChannels() int {
	n := 0
	for _, o := range s.outputs {
		n += o.channels
	}
	return n
}

// Pairings returns the status of every pairing.
func (s *Stream) Pairings() []PairingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingStatuses()
}

func (s *Stream) pairingStatuses() []PairingStatus {
	out := make([]PairingStatus, len(s.pairings))
	for i, p := range s.pairings {
		out[i] = p.status()
	}
	return out
}

// Producer returns the write handle of the named output.
func (s *Stream) Producer(name string) (*OutputProducer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.outputs {
		if o.name == name {
			return o.producer, nil
		}
	}
	return nil, fmt.Errorf("output %q: %w", name, ErrDeviceNotFound)
}

// Detach stops and removes the named device, input or output, together with
// its pairings.
func (s *Stream) Detach(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}

	for i, o := range s.outputs {
		if o.name != name {
			continue
		}
		s.outputs = slices.Delete(s.outputs, i, i+1)
		s.pairings = slices.DeleteFunc(s.pairings, func(p *pairing) bool { return p.out == o })
		s.logger.Info("output detached", "device", name)
		return closeDevice(ctx, o.stream, name)
	}
	for i, in := range s.inputs {
		if in.name != name {
			continue
		}
		s.inputs = slices.Delete(s.inputs, i, i+1)
		s.pairings = slices.DeleteFunc(s.pairings, func(p *pairing) bool { return p.in == in })
		s.logger.Info("input detached", "device", name)
		return closeDevice(ctx, in.stream, name)
	}
	return fmt.Errorf("%q: %w", name, ErrDeviceNotFound)
}

// Close stops every device. Later calls on the stream return
// ErrStreamClosed. If ctx ends first, the transports finish closing in the
// background and ctx's error is returned.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, in := range s.inputs {
		errs = append(errs, closeDevice(ctx, in.stream, in.name))
	}
	for _, o := range s.outputs {
		errs = append(errs, closeDevice(ctx, o.stream, o.name))
	}
	s.inputs, s.outputs, s.pairings = nil, nil, nil
	s.logger.Info("stream closed", "frames", s.frames)
	return errors.Join(errs...)
}

func closeDevice(ctx context.Context, ds audio.DeviceStream, name string) error {
	if ds == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- ds.Close(context.WithoutCancel(ctx)) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close %q: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close %q: %w", name, ctx.Err())
	}
}

func (s *Stream) outputByProducer(p *OutputProducer) *outputPipeline {
	for _, o := range s.outputs {
		if o.producer == p {
			return o
		}
	}
	return nil
}

func (s *Stream) pairingsFor(o *outputPipeline) []*pairing {
	var out []*pairing
	for _, p := range s.pairings {
		if p.out == o {
			out = append(out, p)
		}
	}
	return out
}

// pumpAll drains every device ring into its history. Errors from one
// pipeline do not stop the others.
func (s *Stream) pumpAll() error {
	var errs []error
	for _, o := range s.outputs {
		if err := o.pump(s.epoch, s.cfg.SampleRate); err != nil {
			errs = append(errs, err)
		}
	}
	for _, in := range s.inputs {
		if err := in.pump(s.epoch, s.cfg.SampleRate); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// skew is how far a history's newest frame is ahead of the stream clock.
func (s *Stream) skew(h *history, now int64) int64 {
	if !h.started {
		return 0
	}
	return h.end - timeline(now, s.epoch, s.cfg.SampleRate)
}
