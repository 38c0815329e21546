package device

import (
	"context"
	"testing"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
)

func TestLoopbackDelaysAndScalesPlayback(t *testing.T) {
	lb, err := NewLoopback(LoopbackConfig{SampleRate: 16000, Period: 4, Delay: 500 * time.Microsecond, Gain: 0.5})
	require.NoError(t, err)
	require.Equal(t, 8, lb.DelaySamples())
	assert.Equal(t, 250*time.Microsecond, lb.PeriodDuration())

	next := float32(1)
	play, err := lb.OpenPlayback(audio.OutputDeviceConfig{DeviceName: "spk", Channels: 2, SampleRate: 16000},
		func(out []float32, info audio.CallbackInfo) {
			for f := 0; f < info.Frames; f++ {
				out[2*f] = next
				out[2*f+1] = next
				next++
			}
		})
	require.NoError(t, err)
	var captured []float32
	var stamps []int64
	capStream, err := lb.OpenCapture(audio.InputDeviceConfig{DeviceName: "mic", Channels: 1, SampleRate: 16000},
		func(samples []float32, info audio.CallbackInfo) {
			captured = append(captured, samples...)
			stamps = append(stamps, info.TimestampMicros)
		})
	require.NoError(t, err)
	play.Start()
	capStream.Start()

	for i := 0; i < 5; i++ {
		lb.Step()
	}
	require.Len(t, captured, 20)
	for i, s := range captured {
		want := float32(0)
		if i >= 8 {
			want = 0.5 * float32(i-8+1)
		}
		require.Equal(t, want, s, "sample %d", i)
	}
	assert.Equal(t, int64(250), stamps[1])
	assert.Equal(t, int64(1250), lb.Clock())

	require.NoError(t, capStream.Close(context.Background()))
	lb.Step()
	assert.Len(t, captured, 20, "closed capture still received audio")
}

func TestLoopbackNearSourceAndRateCheck(t *testing.T) {
	lb, _ := NewLoopback(LoopbackConfig{SampleRate: 8000, Period: 2})
	lb.SetNearSource(func(dst []float32, pos int64) {
		for i := range dst {
			dst[i] = float32(pos) + float32(i)
		}
	})
	var got []float32
	s, _ := lb.OpenCapture(audio.InputDeviceConfig{DeviceName: "mic", Channels: 2, SampleRate: 8000},
		func(samples []float32, info audio.CallbackInfo) { got = append(got, samples...) })
	s.Start()
	lb.Step()
	lb.Step()
	assert.Equal(t, []float32{0, 0, 1, 1, 2, 2, 3, 3}, got)

	_, err := lb.OpenPlayback(audio.OutputDeviceConfig{DeviceName: "spk", Channels: 1, SampleRate: 48000}, nil)
	assert.ErrorIs(t, err, ErrRateMismatch)
}

func TestLoopbackRunStopsOnCancel(t *testing.T) {
	lb, _ := NewLoopback(LoopbackConfig{SampleRate: 16000, Period: 160})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, lb.Run(ctx, time.Millisecond), context.DeadlineExceeded)
	assert.NotZero(t, lb.Clock(), "virtual clock did not advance")
}

func TestStamperStepsByFrames(t *testing.T) {
	now := int64(1_000_000)
	s := newStamper(func() int64 { return now }, 48000, 25_000)
	require.Equal(t, int64(1_025_000), s.next(480))
	now += 999_999 // jitter must not leak in
	assert.Equal(t, int64(1_035_000), s.next(480))
}

type fakeLister struct {
	calls   int
	devices map[malgo.DeviceType][]hostDevice
}

func (f *fakeLister) list(kind malgo.DeviceType) ([]hostDevice, error) {
	f.calls++
	return f.devices[kind], nil
}

func TestEnumeratorCachesUntilInvalidated(t *testing.T) {
	src := &fakeLister{devices: map[malgo.DeviceType][]hostDevice{
		malgo.Capture: {
			{name: "usb mic", formats: []malgo.DataFormat{{Format: malgo.FormatS16, Channels: 1, SampleRate: 44100}}},
			{name: "built-in", isDefault: true, formats: []malgo.DataFormat{
				{Format: malgo.FormatU8, Channels: 1, SampleRate: 8000},
				{Format: malgo.FormatF32, Channels: 0, SampleRate: 0},
			}},
		},
		malgo.Playback: {
			{name: "speakers", isDefault: true, formats: []malgo.DataFormat{{Format: malgo.FormatS32, Channels: 2, SampleRate: 48000}}},
		},
	}}
	e := &Enumerator{src: src}

	inputs, err := e.Inputs()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Equal(t, "built-in", inputs[0][0].DeviceName, "default device first")
	first := inputs[0][0]
	assert.Equal(t, audio.FormatF32, first.SampleFormat)
	assert.Equal(t, uint16(fallbackChannels), first.Channels, "native channel count resolved")
	assert.Equal(t, uint32(fallbackRate), first.SampleRate, "native rate resolved")
	assert.Equal(t, audio.FormatU8, inputs[0][1].SampleFormat, "unsupported format sorts last")

	outputs, err := e.Outputs(480)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, uint32(480), outputs[0][0].FrameSize)
	_, ok := e.deviceID(outputs[0][0].ID)
	assert.True(t, ok, "output ID resolves")

	require.Equal(t, 2, src.calls, "one enumeration pass")
	e.Invalidate()
	_, err = e.Inputs()
	require.NoError(t, err)
	assert.Equal(t, 4, src.calls, "Invalidate forces re-enumeration")
}

func TestEnumeratorListsDeviceWithoutFormats(t *testing.T) {
	src := &fakeLister{devices: map[malgo.DeviceType][]hostDevice{
		malgo.Capture:  {{name: "bluetooth headset"}},
		malgo.Playback: {{name: "hdmi", isDefault: true}},
	}}
	e := &Enumerator{src: src}

	inputs, err := e.Inputs()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, inputs[0], 1)
	assert.Equal(t, audio.InputDeviceConfig{
		HostID:       HostID,
		ID:           inputs[0][0].ID,
		DeviceName:   "bluetooth headset",
		Channels:     fallbackChannels,
		SampleRate:   fallbackRate,
		SampleFormat: audio.FormatF32,
	}, inputs[0][0])

	outputs, err := e.Outputs(256)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "hdmi", outputs[0][0].DeviceName)
	assert.Equal(t, audio.FormatF32, outputs[0][0].SampleFormat)
}

func TestEnumeratorInputsAreCopies(t *testing.T) {
	src := &fakeLister{devices: map[malgo.DeviceType][]hostDevice{
		malgo.Capture: {{name: "mic", formats: []malgo.DataFormat{{Format: malgo.FormatS16, Channels: 1, SampleRate: 16000}}}},
	}}
	e := &Enumerator{src: src}

	inputs, err := e.Inputs()
	require.NoError(t, err)
	inputs[0][0].DeviceName = "tampered"
	inputs[0] = nil

	again, err := e.Inputs()
	require.NoError(t, err)
	require.Len(t, again[0], 1)
	assert.Equal(t, "mic", again[0][0].DeviceName)
	assert.Equal(t, 2, src.calls, "served from the cache")
}
