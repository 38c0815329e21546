package aec

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
	"github.com/lokutor-ai/lokutor-aec/pkg/canceller"
	"github.com/lokutor-ai/lokutor-aec/pkg/device"
)

const testRate = 16000

func testTuning() Tuning {
	t := DefaultTuning()
	t.CalibrationPackets = 5
	t.StablePackets = 2
	t.MaxDelayMs = 200
	t.PollInterval = time.Millisecond
	t.PacketTimeout = 5 * time.Second
	return t
}

func inputCfg(name string, channels uint16, rate uint32) audio.InputDeviceConfig {
	return audio.InputDeviceConfig{
		HostID:       "loopback",
		DeviceName:   name,
		Channels:     channels,
		SampleRate:   rate,
		SampleFormat: audio.FormatF32,
	}
}

func outputCfg(name string, channels uint16, rate uint32) audio.OutputDeviceConfig {
	return audio.OutputDeviceConfig{
		HostID:       "loopback",
		DeviceName:   name,
		Channels:     channels,
		SampleRate:   rate,
		SampleFormat: audio.FormatF32,
		FrameSize:    160,
	}
}

type rig struct {
	lb     *device.Loopback
	stream *Stream
	prod   *OutputProducer
}

// newRig builds a stream with one output and one input on a loopback room.
func newRig(t *testing.T, rate int, delay time.Duration, gain float64, opts ...StreamOption) *rig {
	t.Helper()
	lb, err := device.NewLoopback(device.LoopbackConfig{
		SampleRate: rate,
		Period:     rate / 100,
		Delay:      delay,
		Gain:       gain,
	})
	require.NoError(t, err)

	opts = append([]StreamOption{WithClock(lb.Clock), WithTuning(testTuning())}, opts...)
	s, err := NewStream(DefaultConfig(), lb, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	ctx := context.Background()
	prod, err := s.AddOutputDevice(ctx, outputCfg("speaker", 1, uint32(rate)))
	require.NoError(t, err)
	require.NoError(t, s.AddInputDevice(ctx, inputCfg("mic", 1, uint32(rate))))
	return &rig{lb: lb, stream: s, prod: prod}
}

// calibrate runs calibration while the loopback advances in the background.
func (r *rig) calibrate(t *testing.T) (CalibrationReport, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.lb.Run(ctx, r.lb.PeriodDuration())
	}()
	report, err := r.stream.Calibrate(context.Background(), []*OutputProducer{r.prod}, false)
	cancel()
	<-done
	return report, err
}

func sine(freq, amp float64, start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(start+i)/testRate))
	}
	return out
}

func energy(s []int16) float64 {
	return audio.Energy(s)
}

func TestUpdateBeforeDevicesFails(t *testing.T) {
	lb, err := device.NewLoopback(device.LoopbackConfig{SampleRate: testRate, Period: 160})
	require.NoError(t, err)
	s, err := NewStream(DefaultConfig(), lb, WithClock(lb.Clock))
	require.NoError(t, err)

	_, err = s.Update(context.Background())
	assert.ErrorIs(t, err, ErrNoDevices)
	_, err = s.UpdateDebug(context.Background())
	assert.ErrorIs(t, err, ErrNoDevices)
	assert.Equal(t, 0, s.Ready())
}

func TestAddDeviceRejectsBadConfigs(t *testing.T) {
	lb, _ := device.NewLoopback(device.LoopbackConfig{SampleRate: testRate, Period: 160})
	s, err := NewStream(DefaultConfig(), lb, WithClock(lb.Clock))
	require.NoError(t, err)
	ctx := context.Background()

	u8 := inputCfg("mic", 1, testRate)
	u8.SampleFormat = audio.FormatU8
	assert.ErrorIs(t, s.AddInputDevice(ctx, u8), ErrUnsupportedFormat)

	s24 := outputCfg("spk", 2, testRate)
	s24.SampleFormat = audio.FormatS24
	_, err = s.AddOutputDevice(ctx, s24)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	assert.ErrorIs(t, s.AddInputDevice(ctx, inputCfg("mic", 0, testRate)), ErrInvalidConfig)
	_, err = s.AddOutputDevice(ctx, outputCfg("spk", 2, 0))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Equal(t, 0, s.NumInputChannels())
	assert.Equal(t, 0, s.NumOutputChannels())
}

func TestDuplicateAndUnknownDevices(t *testing.T) {
	r := newRig(t, testRate, 10*time.Millisecond, 0.5)
	ctx := context.Background()

	_, err := r.stream.AddOutputDevice(ctx, outputCfg("speaker", 1, testRate))
	assert.ErrorIs(t, err, ErrDeviceExists)
	assert.ErrorIs(t, r.stream.AddInputDevice(ctx, inputCfg("mic", 2, testRate)), ErrDeviceExists)
	assert.ErrorIs(t, r.stream.Detach(ctx, "nope"), ErrDeviceNotFound)
	_, err = r.stream.Producer("nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestChannelCounts(t *testing.T) {
	lb, _ := device.NewLoopback(device.LoopbackConfig{SampleRate: testRate, Period: 160})
	s, err := NewStream(DefaultConfig(), lb, WithClock(lb.Clock))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.AddOutputDevice(ctx, outputCfg("stereo-out", 2, testRate))
	require.NoError(t, err)
	require.NoError(t, s.AddInputDevice(ctx, inputCfg("mono-in", 1, testRate)))
	require.NoError(t, s.AddInputDevice(ctx, inputCfg("stereo-in", 2, testRate)))

	assert.Equal(t, 3, s.NumInputChannels())
	assert.Equal(t, 2, s.NumOutputChannels())
	assert.Len(t, s.Pairings(), 2)

	lb.Step()
	df, err := s.UpdateDebug(ctx)
	require.NoError(t, err)
	fs := s.Config().FrameSize
	assert.Len(t, df.Inputs, 3*fs)
	assert.Len(t, df.Cancelled, 3*fs)
	assert.Len(t, df.Outputs, 2*fs)
	assert.Equal(t, 3, df.InputChannels)
	assert.Equal(t, 2, df.OutputChannels)
	assert.LessOrEqual(t, df.StartMicros, df.EndMicros)

	require.NoError(t, s.Detach(ctx, "stereo-in"))
	assert.Equal(t, 1, s.NumInputChannels())
	assert.Len(t, s.Pairings(), 1)
}

func TestUncalibratedPairingPassesThrough(t *testing.T) {
	r := newRig(t, testRate, 20*time.Millisecond, 0.6)
	ctx := context.Background()

	for f := 0; f < 30; f++ {
		_, err := r.prod.WriteInternal(sine(440, 0.5, f*160, 160))
		require.NoError(t, err)
		r.lb.Step()
		for r.stream.Ready() > 0 {
			df, err := r.stream.UpdateDebug(ctx)
			require.NoError(t, err)
			require.Equal(t, df.Inputs, df.Cancelled)
			require.Equal(t, Uncalibrated, df.Pairings[0].State)
		}
	}
}

func TestUpdateWithoutCaptureYieldsSilence(t *testing.T) {
	r := newRig(t, testRate, 0, 0)
	df, err := r.stream.UpdateDebug(context.Background())
	require.NoError(t, err)
	for _, s := range df.Cancelled {
		require.Zero(t, s)
	}
	st := r.stream.Stats()
	require.Len(t, st.Devices, 2)
	assert.Equal(t, uint64(1), st.Devices[1].Underruns)
}

func TestCloseStopsStream(t *testing.T) {
	r := newRig(t, testRate, 0, 0)
	ctx := context.Background()
	require.NoError(t, r.stream.Close(ctx))

	_, err := r.stream.Update(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.ErrorIs(t, r.stream.AddInputDevice(ctx, inputCfg("late", 1, testRate)), ErrStreamClosed)
	_, err = r.stream.Calibrate(ctx, []*OutputProducer{r.prod}, true)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.NoError(t, r.stream.Close(ctx))
}

func TestNewStreamRejectsInvalidTuning(t *testing.T) {
	lb, _ := device.NewLoopback(device.LoopbackConfig{SampleRate: testRate, Period: 160})
	bad := DefaultTuning()
	bad.ResamplerQuality = 11
	_, err := NewStream(DefaultConfig(), lb, WithTuning(bad))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = DefaultTuning()
	bad.StablePackets = bad.CalibrationPackets + 1
	_, err = NewStream(DefaultConfig(), lb, WithTuning(bad))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStream(DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, Config{SampleRate: 16000, FrameSize: 160, FilterLength: 1600}, cfg)

	wide, err := NewConfig(48000)
	require.NoError(t, err)
	assert.Equal(t, 480, wide.FrameSize)
	assert.Equal(t, 4800, wide.FilterLength)

	_, err = NewConfig(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewConfig(11025)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// errorLogger records the messages logged at error level.
type errorLogger struct {
	NoOpLogger
	mu     sync.Mutex
	errors []string
}

func (l *errorLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *errorLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func TestFailingCancellerPassesFrameThrough(t *testing.T) {
	logger := &errorLogger{}
	failing := func(frameSize, _ int) (canceller.Canceller, error) {
		return &countingCanceller{frameSize: frameSize, fail: true}, nil
	}
	r := newRig(t, testRate, 10*time.Millisecond, 0.5, WithCanceller(failing), WithLogger(logger))
	_, err := r.calibrate(t)
	require.NoError(t, err)

	ctx := context.Background()
	for f := 0; f < 5; f++ {
		_, err := r.prod.WriteInternal(sine(440, 0.5, f*160, 160))
		require.NoError(t, err)
		r.lb.Step()
		for r.stream.Ready() > 0 {
			df, err := r.stream.UpdateDebug(ctx)
			require.NoError(t, err)
			require.Equal(t, df.Inputs, df.Cancelled)
		}
	}
	assert.Positive(t, logger.count())
}

func TestCancellerByName(t *testing.T) {
	cases := map[string]canceller.Canceller{
		"":                      &canceller.NLMS{},
		CancellerNLMS:           &canceller.NLMS{},
		CancellerSuppressor:     &canceller.Suppressor{},
		CancellerNLMSSuppressor: &canceller.Chain{},
		CancellerPassthrough:    &canceller.Passthrough{},
	}
	for name, want := range cases {
		f, err := CancellerByName(name)
		require.NoError(t, err, name)
		c, err := f(160, 1600)
		require.NoError(t, err, name)
		assert.IsType(t, want, c, name)
		assert.Equal(t, 160, c.FrameSize())
	}

	_, err := CancellerByName("speex")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPassthroughCancellerKeepsNearEnd(t *testing.T) {
	r := newRig(t, testRate, 20*time.Millisecond, 0.6, WithCanceller(PassthroughCanceller))
	_, err := r.calibrate(t)
	require.NoError(t, err)
	require.Equal(t, Active, r.stream.Pairings()[0].State)

	ctx := context.Background()
	for f := 0; f < 20; f++ {
		_, err := r.prod.WriteInternal(sine(440, 0.5, f*160, 160))
		require.NoError(t, err)
		r.lb.Step()
		for r.stream.Ready() > 0 {
			df, err := r.stream.UpdateDebug(ctx)
			require.NoError(t, err)
			require.Equal(t, df.Inputs, df.Cancelled)
		}
	}
}
