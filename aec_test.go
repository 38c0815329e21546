package lokutoraec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/lokutor-aec/pkg/aec"
	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
	"github.com/lokutor-ai/lokutor-aec/pkg/device"
)

type fakeSource struct {
	inputs  [][]audio.InputDeviceConfig
	outputs [][]audio.OutputDeviceConfig
	err     error
}

func (f *fakeSource) Inputs() ([][]audio.InputDeviceConfig, error) { return f.inputs, f.err }

func (f *fakeSource) Outputs(frameSize uint32) ([][]audio.OutputDeviceConfig, error) {
	out := make([][]audio.OutputDeviceConfig, len(f.outputs))
	for i, g := range f.outputs {
		for _, c := range g {
			c.FrameSize = frameSize
			out[i] = append(out[i], c)
		}
	}
	return out, f.err
}

func input(name string, rate uint32, format audio.SampleFormat) audio.InputDeviceConfig {
	return audio.InputDeviceConfig{HostID: "loopback", DeviceName: name, Channels: 1, SampleRate: rate, SampleFormat: format}
}

func output(name string, rate uint32, format audio.SampleFormat) audio.OutputDeviceConfig {
	return audio.OutputDeviceConfig{HostID: "loopback", DeviceName: name, Channels: 1, SampleRate: rate, SampleFormat: format}
}

func loopbackSource() *fakeSource {
	return &fakeSource{
		inputs: [][]audio.InputDeviceConfig{
			{input("built-in mic", 16000, audio.FormatF32), input("built-in mic", 16000, audio.FormatS16)},
			{input("usb mic", 16000, audio.FormatF32)},
		},
		outputs: [][]audio.OutputDeviceConfig{
			{output("speakers", 16000, audio.FormatF32)},
			{},
		},
	}
}

func TestListDevicesTakesFirstConfig(t *testing.T) {
	d, err := ListDevices(loopbackSource())
	require.NoError(t, err)
	require.Len(t, d.Inputs, 2)
	require.Len(t, d.Outputs, 1)
	assert.Equal(t, audio.FormatF32, d.Inputs[0].SampleFormat)
	assert.Equal(t, "usb mic", d.Inputs[1].DeviceName)
	assert.Equal(t, uint32(aec.OutputFrameSize), d.Outputs[0].FrameSize)

	_, err = ListDevices(&fakeSource{err: errors.New("backend gone")})
	assert.Error(t, err)
}

func TestEnableUnknownDevice(t *testing.T) {
	lb, err := device.NewLoopback(device.LoopbackConfig{SampleRate: 16000, Period: 160})
	require.NoError(t, err)

	_, err = Enable(context.Background(), loopbackSource(), lb, "webcam", "")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	_, err = Enable(context.Background(), loopbackSource(), lb, "", "hdmi")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func tuning() aec.Tuning {
	t := aec.DefaultTuning()
	t.CalibrationPackets = 5
	t.StablePackets = 2
	t.MaxDelayMs = 200
	t.PollInterval = time.Millisecond
	t.PacketTimeout = 5 * time.Second
	return t
}

// enable runs Enable while the loopback room advances in the background.
func enable(t *testing.T, lb *device.Loopback, src DeviceSource, in, out string) *Handle {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lb.Run(ctx, lb.PeriodDuration())
	}()
	h, err := Enable(context.Background(), src, lb, in, out, aec.WithClock(lb.Clock), aec.WithTuning(tuning()))
	cancel()
	<-done
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestEnableCalibratesAndUpdates(t *testing.T) {
	lb, err := device.NewLoopback(device.LoopbackConfig{
		SampleRate: 16000, Period: 160, Delay: 30 * time.Millisecond, Gain: 0.5,
	})
	require.NoError(t, err)

	h := enable(t, lb, loopbackSource(), "", "speakers")
	report := h.Calibration()
	require.NoError(t, report.Err())
	require.Len(t, report.Results, 1)
	assert.Equal(t, int64(480), report.Results[0].Calibration.EstimatedDelaySamples)
	assert.Equal(t, aec.Active, report.Results[0].State)

	lb.Step()
	u, err := h.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, u.InputChannels)
	assert.Equal(t, 1, u.OutputChannels)
	assert.Len(t, u.AEC, 160)
	assert.Len(t, u.Inputs, 160)
	assert.Len(t, u.Outputs, 160)
	assert.Equal(t, []DeviceInfo{{Name: "built-in mic", Channels: 1}}, u.InputDevices)
	assert.Equal(t, []DeviceInfo{{Name: "speakers", Channels: 1}}, u.OutputDevices)
	assert.LessOrEqual(t, u.StartMicros, u.EndMicros)
	for _, s := range u.AEC {
		require.True(t, s >= -1 && s <= 1)
	}
}

func TestEnableKeepsHandleWhenCalibrationFails(t *testing.T) {
	lb, err := device.NewLoopback(device.LoopbackConfig{SampleRate: 16000, Period: 160})
	require.NoError(t, err)

	h := enable(t, lb, loopbackSource(), "usb mic", "")
	assert.ErrorIs(t, h.Calibration().Err(), aec.ErrCalibrationFailed)
	assert.Equal(t, aec.Uncalibrated, h.Stream().Pairings()[0].State)
	assert.NotNil(t, h.Producer())
}
