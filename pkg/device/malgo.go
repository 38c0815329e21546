package device

import (
	"context"
	"fmt"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
)

// DefaultCaptureLead is added to the first capture timestamp of a malgo
// stream.
const DefaultCaptureLead = 25 * time.Millisecond

// Transport opens malgo devices. Samples are converted to float32 into
// buffers owned by each stream, so the callbacks do not allocate once the
// host settles on a buffer size.
type Transport struct {
	ctx         *malgo.AllocatedContext
	enum        *Enumerator
	clock       audio.Clock
	captureLead time.Duration
}

// TransportOption customises a Transport.
type TransportOption func(*Transport)

// WithTransportClock sets the timestamp clock. It must match the stream's.
func WithTransportClock(c audio.Clock) TransportOption {
	return func(t *Transport) { t.clock = c }
}

// WithCaptureLead overrides DefaultCaptureLead.
func WithCaptureLead(d time.Duration) TransportOption {
	return func(t *Transport) { t.captureLead = d }
}

// NewTransport creates a transport. Device IDs in configs are resolved
// through enum; an empty ID opens the backend's default device.
func NewTransport(ctx *malgo.AllocatedContext, enum *Enumerator, opts ...TransportOption) *Transport {
	t := &Transport{ctx: ctx, enum: enum, clock: audio.Now, captureLead: DefaultCaptureLead}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type malgoStream struct {
	dev  *malgo.Device
	id   malgo.DeviceID
	name string
}

func (s *malgoStream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("start %q: %w", s.name, err)
	}
	return nil
}

// Close uninitialises the device; miniaudio guarantees no callback runs
// after that returns. If ctx ends first the device finishes closing in the
// background.
func (s *malgoStream) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.dev.Uninit()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) OpenCapture(cfg audio.InputDeviceConfig, fn audio.CaptureFunc) (audio.DeviceStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &malgoStream{name: cfg.DeviceName}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = toMalgo(cfg.SampleFormat)
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.SampleRate = cfg.SampleRate
	dc.Alsa.NoMMap = 1
	if id, ok := t.lookup(cfg.ID); ok {
		s.id = id
		dc.Capture.DeviceID = s.id.Pointer()
	}

	channels := int(cfg.Channels)
	format := cfg.SampleFormat
	stamp := newStamper(t.clock, int(cfg.SampleRate), t.captureLead.Microseconds())
	var buf []float32

	onData := func(_, in []byte, frames uint32) {
		n := int(frames) * channels
		if cap(buf) < n {
			buf = make([]float32, n)
		}
		samples := buf[:audio.Decode(buf[:n], in, format)]
		fn(samples, audio.CallbackInfo{
			Frames:          int(frames),
			Channels:        channels,
			TimestampMicros: stamp.next(int(frames)),
		})
	}

	dev, err := malgo.InitDevice(t.ctx.Context, dc, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return nil, fmt.Errorf("init capture %q: %w", cfg.DeviceName, err)
	}
	s.dev = dev
	return s, nil
}

func (t *Transport) OpenPlayback(cfg audio.OutputDeviceConfig, fn audio.PlaybackFunc) (audio.DeviceStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &malgoStream{name: cfg.DeviceName}

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.Playback.Format = toMalgo(cfg.SampleFormat)
	dc.Playback.Channels = uint32(cfg.Channels)
	dc.SampleRate = cfg.SampleRate
	dc.PeriodSizeInFrames = cfg.FrameSize
	dc.Alsa.NoMMap = 1
	if id, ok := t.lookup(cfg.ID); ok {
		s.id = id
		dc.Playback.DeviceID = s.id.Pointer()
	}

	channels := int(cfg.Channels)
	format := cfg.SampleFormat
	stamp := newStamper(t.clock, int(cfg.SampleRate), 0)
	buf := make([]float32, int(cfg.FrameSize)*channels)

	onData := func(out, _ []byte, frames uint32) {
		n := int(frames) * channels
		if cap(buf) < n {
			buf = make([]float32, n)
		}
		fn(buf[:n], audio.CallbackInfo{
			Frames:          int(frames),
			Channels:        channels,
			TimestampMicros: stamp.next(int(frames)),
		})
		audio.Encode(out, buf[:n], format)
	}

	dev, err := malgo.InitDevice(t.ctx.Context, dc, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return nil, fmt.Errorf("init playback %q: %w", cfg.DeviceName, err)
	}
	s.dev = dev
	return s, nil
}

func (t *Transport) lookup(id string) (malgo.DeviceID, bool) {
	if id == "" || t.enum == nil {
		return malgo.DeviceID{}, false
	}
	return t.enum.deviceID(id)
}
