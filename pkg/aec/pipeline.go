package aec

import (
	"fmt"
	"sync/atomic"

	"github.com/lokutor-ai/lokutor-aec/pkg/aligner"
	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
	"github.com/lokutor-ai/lokutor-aec/pkg/resample"
)

// pumpChunk is the number of device frames moved per ring read.
const pumpChunk = 4096

// OutputProducer is the application's write handle for one output device.
// It has a single-producer contract: only one goroutine may write.
type OutputProducer struct {
	name     string
	channels int
	rate     int

	p  *aligner.Producer[float32]
	up *resample.Stage
}

// DeviceName returns the output device the producer feeds.
func (p *OutputProducer) DeviceName() string { return p.name }

// Channels returns the device channel count.
func (p *OutputProducer) Channels() int { return p.channels }

// SampleRate returns the device rate.
func (p *OutputProducer) SampleRate() int { return p.rate }

// Write queues interleaved device-rate samples for playback. It never
// blocks; on overflow the oldest queued audio is dropped.
func (p *OutputProducer) Write(samples []float32) aligner.WriteResult {
	return p.p.Write(samples)
}

// WriteInt16 queues interleaved device-rate int16 samples.
func (p *OutputProducer) WriteInt16(samples []int16) aligner.WriteResult {
	return p.p.Write(audio.NormalizeInt16(samples))
}

// WriteInternal queues mono audio at the internal rate, resampled to the
// device rate and copied to every channel.
func (p *OutputProducer) WriteInternal(mono []float32) (aligner.WriteResult, error) {
	out, err := p.up.Process(mono)
	if err != nil {
		return aligner.WriteResult{}, fmt.Errorf("output %q: %w", p.name, err)
	}
	return p.p.Write(audio.Upmix(out, p.channels)), nil
}

// Overruns returns the samples dropped because the device fell behind.
func (p *OutputProducer) Overruns() uint64 { return p.p.Overruns() }

// Buffered returns the queued, not yet played samples.
func (p *OutputProducer) Buffered() int { return p.p.Buffered() }

// timeline maps a transport timestamp to an internal-rate frame index
// relative to the stream epoch.
func timeline(ts, epoch int64, rate int) int64 {
	if ts <= epoch {
		return 0
	}
	return (ts - epoch) * int64(rate) / 1_000_000
}

// outputPipeline is one attached playback device. The playback callback
// drains play and records what it actually played into ref; the driver
// resamples ref into hist.
type outputPipeline struct {
	cfg      audio.OutputDeviceConfig
	name     string
	channels int
	rate     int
	stream   audio.DeviceStream
	producer *OutputProducer

	// callback side
	play    *aligner.Consumer[float32]
	refW    *aligner.Producer[float32]
	started atomic.Bool
	firstTS atomic.Int64

	// driver side
	ref     *aligner.Consumer[float32]
	res     *resample.Stage
	scratch []float32
	hist    *history
}

func newOutputPipeline(cfg audio.OutputDeviceConfig, c Config, t Tuning) (*outputPipeline, error) {
	channels := int(cfg.Channels)
	rate := int(cfg.SampleRate)
	capacity := aligner.Capacity(t.AudioBufferSeconds, rate, channels)

	playP, playC, err := aligner.New[float32](capacity)
	if err != nil {
		return nil, err
	}
	refP, refC, err := aligner.New[float32](capacity)
	if err != nil {
		return nil, err
	}
	down, err := resample.New(rate, c.SampleRate, channels, t.ResamplerQuality)
	if err != nil {
		return nil, err
	}
	up, err := resample.New(c.SampleRate, rate, 1, t.ResamplerQuality)
	if err != nil {
		return nil, err
	}

	return &outputPipeline{
		cfg:      cfg,
		name:     cfg.DeviceName,
		channels: channels,
		rate:     rate,
		producer: &OutputProducer{name: cfg.DeviceName, channels: channels, rate: rate, p: playP, up: up},
		play:     playC,
		refW:     refP,
		ref:      refC,
		res:      down,
		scratch:  make([]float32, pumpChunk*channels),
		hist:     newHistory(historyFrames(c, t), channels),
	}, nil
}

// onPlayback runs on the transport's real-time thread.
func (o *outputPipeline) onPlayback(out []float32, info audio.CallbackInfo) {
	if o.started.CompareAndSwap(false, true) {
		o.firstTS.Store(info.TimestampMicros)
	}
	o.play.ReadInto(out)
	o.refW.Write(out)
}

// pump moves everything the callback played into the internal-rate history.
func (o *outputPipeline) pump(epoch int64, internalRate int) error {
	for {
		n := o.ref.ReadAvailable(o.scratch)
		if n == 0 {
			return nil
		}
		if !o.hist.started {
			o.hist.begin(timeline(o.firstTS.Load(), epoch, internalRate))
		}
		conv, err := o.res.Process(o.scratch[:n])
		if err != nil {
			return fmt.Errorf("output %q: %w", o.name, err)
		}
		o.hist.append(conv)
		if n < len(o.scratch) {
			return nil
		}
	}
}

// signals counts underrun and overrun events relevant to cancellation
// quality. Playback underruns are excluded: an idle output is not a fault.
func (o *outputPipeline) signals() uint64 {
	return o.ref.Overruns() + o.producer.Overruns()
}

// inputPipeline is one attached capture device. The capture callback writes
// into capture; the driver resamples it into hist and consumes frames from
// hist at next.
type inputPipeline struct {
	cfg      audio.InputDeviceConfig
	name     string
	channels int
	rate     int
	stream   audio.DeviceStream

	// callback side
	captureW *aligner.Producer[float32]
	started  atomic.Bool
	firstTS  atomic.Int64

	// driver side
	capture *aligner.Consumer[float32]
	res     *resample.Stage
	scratch []float32
	hist    *history

	next    int64
	nextSet bool
	// padded counts ticks without a captured frame; skipped counts frames
	// that fell out of history before the driver reached them.
	padded  uint64
	skipped uint64

	frame    []float32
	channel  [][]int16
	framePos int64
	frameOK  bool
}

func newInputPipeline(cfg audio.InputDeviceConfig, c Config, t Tuning) (*inputPipeline, error) {
	channels := int(cfg.Channels)
	rate := int(cfg.SampleRate)

	capP, capC, err := aligner.New[float32](aligner.Capacity(t.AudioBufferSeconds, rate, channels))
	if err != nil {
		return nil, err
	}
	down, err := resample.New(rate, c.SampleRate, channels, t.ResamplerQuality)
	if err != nil {
		return nil, err
	}
	in := &inputPipeline{
		cfg:      cfg,
		name:     cfg.DeviceName,
		channels: channels,
		rate:     rate,
		captureW: capP,
		capture:  capC,
		res:      down,
		scratch:  make([]float32, pumpChunk*channels),
		hist:     newHistory(historyFrames(c, t), channels),
		frame:    make([]float32, c.FrameSize*channels),
		channel:  make([][]int16, channels),
	}
	for ch := range in.channel {
		in.channel[ch] = make([]int16, c.FrameSize)
	}
	return in, nil
}

// onCapture runs on the transport's real-time thread.
func (in *inputPipeline) onCapture(samples []float32, info audio.CallbackInfo) {
	if in.started.CompareAndSwap(false, true) {
		in.firstTS.Store(info.TimestampMicros)
	}
	in.captureW.Write(samples)
}

func (in *inputPipeline) pump(epoch int64, internalRate int) error {
	for {
		n := in.capture.ReadAvailable(in.scratch)
		if n == 0 {
			return nil
		}
		if !in.hist.started {
			in.hist.begin(timeline(in.firstTS.Load(), epoch, internalRate))
		}
		conv, err := in.res.Process(in.scratch[:n])
		if err != nil {
			return fmt.Errorf("input %q: %w", in.name, err)
		}
		in.hist.append(conv)
		if n < len(in.scratch) {
			return nil
		}
	}
}

// available returns the number of whole frames ready for processing.
func (in *inputPipeline) available(frameSize int) int {
	if !in.hist.started {
		return 0
	}
	next := in.next
	if !in.nextSet {
		next = in.hist.start
	}
	next = max(next, in.hist.oldest())
	return int((in.hist.end - next) / int64(frameSize))
}

// take loads the next frame into in.frame and in.channel. Without a whole
// frame captured it loads silence, leaves the read position alone and
// reports false.
func (in *inputPipeline) take(frameSize int) bool {
	if in.available(frameSize) == 0 {
		clear(in.frame)
		for _, c := range in.channel {
			clear(c)
		}
		in.padded++
		in.frameOK = false
		return false
	}
	if !in.nextSet {
		in.next = in.hist.start
		in.nextSet = true
	}
	if oldest := in.hist.oldest(); in.next < oldest {
		in.skipped += uint64(oldest - in.next)
		in.next = oldest
	}

	in.hist.read(in.frame, in.next)
	for f := 0; f < frameSize; f++ {
		for ch := 0; ch < in.channels; ch++ {
			in.channel[ch][f] = audio.FloatToInt16(in.frame[f*in.channels+ch])
		}
	}
	in.framePos = in.next
	in.frameOK = true
	in.next += int64(frameSize)
	return true
}

// skipToLatest drops the processing backlog, keeping the frame grid.
func (in *inputPipeline) skipToLatest(frameSize int) {
	if !in.hist.started {
		return
	}
	if !in.nextSet {
		in.next = in.hist.start
		in.nextSet = true
	}
	if behind := in.hist.end - in.next; behind > int64(frameSize) {
		in.next += behind / int64(frameSize) * int64(frameSize)
	}
}

func (in *inputPipeline) signals() uint64 {
	return in.capture.Overruns() + in.padded + in.skipped
}

// historyFrames sizes the per-device history so it covers HistoryLen frames
// and a full calibration window.
func historyFrames(c Config, t Tuning) int {
	calibration := c.samples(t.MaxDelayMs) + t.BurstSamples + 4*burstLead + 4*c.FrameSize
	return max(t.HistoryLen*c.FrameSize, calibration)
}
