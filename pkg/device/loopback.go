package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
)

// ErrRateMismatch is returned when a device opened on a Loopback does not
// run at the loopback's rate.
var ErrRateMismatch = errors.New("loopback: device rate differs from loopback rate")

// LoopbackConfig describes the simulated room.
type LoopbackConfig struct {
	SampleRate int
	// Period is the number of frames delivered per callback.
	Period int
	// Delay is the acoustic round trip from every output to every input.
	Delay time.Duration
	// Gain scales the echo.
	Gain float64
}

// NearSource fills dst with local near-end audio for the frames starting
// at pos. It is mixed into every capture channel on top of the echo.
type NearSource func(dst []float32, pos int64)

// Loopback is a virtual transport: every playback device's output is mixed
// to mono, delayed and fed back into every capture device. Time is virtual
// and advances one period per Step, so runs are deterministic.
type Loopback struct {
	mu   sync.Mutex
	cfg  LoopbackConfig
	near NearSource

	delay   int
	line    []float32
	pos     int64
	elapsed atomic.Int64

	playbacks []*loopStream
	captures  []*loopStream
}

type loopStream struct {
	lb       *Loopback
	name     string
	channels int
	play     audio.PlaybackFunc
	capture  audio.CaptureFunc
	buf      []float32
	running  atomic.Bool
}

// NewLoopback creates a loopback transport.
func NewLoopback(cfg LoopbackConfig) (*Loopback, error) {
	if cfg.SampleRate <= 0 || cfg.Period <= 0 || cfg.Delay < 0 {
		return nil, fmt.Errorf("loopback: invalid config %+v", cfg)
	}
	delay := int(cfg.Delay * time.Duration(cfg.SampleRate) / time.Second)
	return &Loopback{
		cfg:   cfg,
		delay: delay,
		line:  make([]float32, delay+cfg.Period),
	}, nil
}

// DelaySamples returns the configured delay in device frames.
func (l *Loopback) DelaySamples() int { return l.delay }

// PeriodDuration is the audio time one Step advances. Passing it to Run
// paces the room in real time.
func (l *Loopback) PeriodDuration() time.Duration {
	return time.Duration(l.cfg.Period) * time.Second / time.Duration(l.cfg.SampleRate)
}

// Clock reports virtual time in microseconds. Pass it to the stream so
// timestamps and the stream clock agree.
func (l *Loopback) Clock() int64 {
	return l.elapsed.Load() * 1_000_000 / int64(l.cfg.SampleRate)
}

// SetNearSource installs local near-end audio.
func (l *Loopback) SetNearSource(src NearSource) {
	l.mu.Lock()
	l.near = src
	l.mu.Unlock()
}

// SetGain changes the echo gain, e.g. to simulate a muted speaker.
func (l *Loopback) SetGain(g float64) {
	l.mu.Lock()
	l.cfg.Gain = g
	l.mu.Unlock()
}

func (l *Loopback) OpenCapture(cfg audio.InputDeviceConfig, fn audio.CaptureFunc) (audio.DeviceStream, error) {
	if int(cfg.SampleRate) != l.cfg.SampleRate {
		return nil, fmt.Errorf("%w: %q at %d Hz", ErrRateMismatch, cfg.DeviceName, cfg.SampleRate)
	}
	s := &loopStream{
		lb:       l,
		name:     cfg.DeviceName,
		channels: int(cfg.Channels),
		capture:  fn,
		buf:      make([]float32, l.cfg.Period*int(cfg.Channels)),
	}
	l.mu.Lock()
	l.captures = append(l.captures, s)
	l.mu.Unlock()
	return s, nil
}

func (l *Loopback) OpenPlayback(cfg audio.OutputDeviceConfig, fn audio.PlaybackFunc) (audio.DeviceStream, error) {
	if int(cfg.SampleRate) != l.cfg.SampleRate {
		return nil, fmt.Errorf("%w: %q at %d Hz", ErrRateMismatch, cfg.DeviceName, cfg.SampleRate)
	}
	s := &loopStream{
		lb:       l,
		name:     cfg.DeviceName,
		channels: int(cfg.Channels),
		play:     fn,
		buf:      make([]float32, l.cfg.Period*int(cfg.Channels)),
	}
	l.mu.Lock()
	l.playbacks = append(l.playbacks, s)
	l.mu.Unlock()
	return s, nil
}

func (s *loopStream) Start() error {
	s.running.Store(true)
	return nil
}

func (s *loopStream) Close(ctx context.Context) error {
	s.running.Store(false)
	l := s.lb
	l.mu.Lock()
	defer l.mu.Unlock()
	l.playbacks = remove(l.playbacks, s)
	l.captures = remove(l.captures, s)
	return nil
}

func remove(list []*loopStream, s *loopStream) []*loopStream {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Step advances virtual time by one period: every running playback device
// is pulled, the mono mix enters the delay line, and every running capture
// device receives the delayed mix plus near-end audio.
func (l *Loopback) Step() {
	l.mu.Lock()
	defer l.mu.Unlock()

	period := l.cfg.Period
	ts := l.Clock()
	size := int64(len(l.line))

	mix := make([]float32, period)
	for _, p := range l.playbacks {
		if !p.running.Load() {
			continue
		}
		p.play(p.buf, audio.CallbackInfo{Frames: period, Channels: p.channels, TimestampMicros: ts})
		scale := 1 / float32(p.channels)
		for f := 0; f < period; f++ {
			var sum float32
			for ch := 0; ch < p.channels; ch++ {
				sum += p.buf[f*p.channels+ch]
			}
			mix[f] += sum * scale
		}
	}
	for f := 0; f < period; f++ {
		l.line[(l.pos+int64(f))%size] = mix[f]
	}

	echo := make([]float32, period)
	gain := float32(l.cfg.Gain)
	for f := range echo {
		src := l.pos + int64(f) - int64(l.delay)
		if src >= 0 {
			echo[f] = gain * l.line[src%size]
		}
	}
	if l.near != nil {
		near := make([]float32, period)
		l.near(near, l.pos)
		for f := range echo {
			echo[f] += near[f]
		}
	}

	for _, c := range l.captures {
		if !c.running.Load() {
			continue
		}
		for f := 0; f < period; f++ {
			for ch := 0; ch < c.channels; ch++ {
				c.buf[f*c.channels+ch] = echo[f]
			}
		}
		c.capture(c.buf, audio.CallbackInfo{Frames: period, Channels: c.channels, TimestampMicros: ts})
	}

	l.pos += int64(period)
	l.elapsed.Add(int64(period))
}

// Run steps the loopback every interval until ctx ends. An interval shorter
// than the period runs faster than real time.
func (l *Loopback) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Step()
		}
	}
}
