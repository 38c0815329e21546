// Package lokutoraec is the high-level entry point to the echo-cancellation
// engine. It wraps device enumeration, attachment and calibration behind
// two calls, for applications that use one microphone and one speaker.
//
// Example:
//
//	enum := device.NewEnumerator(mctx)
//	h, err := lokutoraec.Enable(ctx, enum, device.NewTransport(mctx, enum), "", "")
//	if err != nil {
//		return err
//	}
//	defer h.Close(ctx)
//	h.Producer().Write(speech)
//	u, err := h.Update(ctx)
//
// Applications that need several devices, custom tuning or metrics use
// pkg/aec directly.
package lokutoraec

import (
	"context"
	"errors"
	"fmt"

	"github.com/lokutor-ai/lokutor-aec/pkg/aec"
	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
)

// ErrDeviceNotFound is returned when no device matches a requested name.
var ErrDeviceNotFound = aec.ErrDeviceNotFound

// DeviceSource enumerates devices. *device.Enumerator satisfies it.
type DeviceSource interface {
	Inputs() ([][]audio.InputDeviceConfig, error)
	Outputs(frameSize uint32) ([][]audio.OutputDeviceConfig, error)
}

// Devices lists the preferred config of every device.
type Devices struct {
	Inputs  []audio.InputDeviceConfig  `json:"inputs"`
	Outputs []audio.OutputDeviceConfig `json:"outputs"`
}

// ListDevices returns the first (preferred) config of each device, default
// devices first.
func ListDevices(src DeviceSource) (Devices, error) {
	var d Devices
	inputs, err := src.Inputs()
	if err != nil {
		return d, err
	}
	outputs, err := src.Outputs(aec.OutputFrameSize)
	if err != nil {
		return d, err
	}
	for _, group := range inputs {
		if len(group) > 0 {
			d.Inputs = append(d.Inputs, group[0])
		}
	}
	for _, group := range outputs {
		if len(group) > 0 {
			d.Outputs = append(d.Outputs, group[0])
		}
	}
	return d, nil
}

// DeviceInfo describes one attached device in an Update.
type DeviceInfo struct {
	Name     string `json:"name"`
	Channels int    `json:"channels"`
}

// Update is one processed frame as normalised float32 audio. Inputs and
// AEC are interleaved over InputChannels, Outputs over OutputChannels.
type Update struct {
	Inputs         []float32    `json:"inputs"`
	Outputs        []float32    `json:"outputs"`
	AEC            []float32    `json:"aec"`
	InputChannels  int          `json:"inputChannels"`
	OutputChannels int          `json:"outputChannels"`
	InputDevices   []DeviceInfo `json:"inputDevices"`
	OutputDevices  []DeviceInfo `json:"outputDevices"`
	StartMicros    int64        `json:"startMicros"`
	EndMicros      int64        `json:"endMicros"`
}

// Handle is an enabled one-input, one-output stream.
type Handle struct {
	stream   *aec.Stream
	producer *aec.OutputProducer
	report   aec.CalibrationReport
	inputs   []DeviceInfo
	outputs  []DeviceInfo
}

// Enable attaches the named input and output (empty names pick the default
// device), calibrates the pairing and returns a running handle. A failed
// calibration is not fatal: the pairing passes audio through and the
// failure is available from Calibration.
func Enable(ctx context.Context, src DeviceSource, transport audio.Transport, inputName, outputName string, opts ...aec.StreamOption) (*Handle, error) {
	in, out, err := pick(src, inputName, outputName)
	if err != nil {
		return nil, err
	}
	stream, err := aec.NewStream(aec.DefaultConfig(), transport, opts...)
	if err != nil {
		return nil, err
	}

	producer, err := stream.AddOutputDevice(ctx, out)
	if err != nil {
		_ = stream.Close(ctx)
		return nil, err
	}
	if err := stream.AddInputDevice(ctx, in); err != nil {
		_ = stream.Close(ctx)
		return nil, err
	}

	report, err := stream.Calibrate(ctx, []*aec.OutputProducer{producer}, false)
	if err != nil && !errors.Is(err, aec.ErrCalibrationFailed) {
		_ = stream.Close(ctx)
		return nil, err
	}

	return &Handle{
		stream:   stream,
		producer: producer,
		report:   report,
		inputs:   []DeviceInfo{{Name: in.DeviceName, Channels: int(in.Channels)}},
		outputs:  []DeviceInfo{{Name: out.DeviceName, Channels: int(out.Channels)}},
	}, nil
}

func pick(src DeviceSource, inputName, outputName string) (audio.InputDeviceConfig, audio.OutputDeviceConfig, error) {
	var in audio.InputDeviceConfig
	var out audio.OutputDeviceConfig
	d, err := ListDevices(src)
	if err != nil {
		return in, out, err
	}
	in, ok := audio.PickInput(d.Inputs, inputName)
	if !ok {
		return in, out, fmt.Errorf("input %q: %w", inputName, ErrDeviceNotFound)
	}
	out, ok = audio.PickOutput(d.Outputs, outputName)
	if !ok {
		return in, out, fmt.Errorf("output %q: %w", outputName, ErrDeviceNotFound)
	}
	return in, out, nil
}

// Producer is the playback handle of the output device.
func (h *Handle) Producer() *aec.OutputProducer { return h.producer }

// Stream exposes the underlying engine.
func (h *Handle) Stream() *aec.Stream { return h.stream }

// Calibration is the report of the calibration run by Enable.
func (h *Handle) Calibration() aec.CalibrationReport { return h.report }

// Ready is the number of frames Update can return without padding.
func (h *Handle) Ready() int { return h.stream.Ready() }

// Update processes one frame.
func (h *Handle) Update(ctx context.Context) (*Update, error) {
	df, err := h.stream.UpdateDebug(ctx)
	if err != nil {
		return nil, err
	}
	return &Update{
		Inputs:         audio.NormalizeInt16(df.Inputs),
		Outputs:        audio.NormalizeInt16(df.Outputs),
		AEC:            audio.NormalizeInt16(df.Cancelled),
		InputChannels:  df.InputChannels,
		OutputChannels: df.OutputChannels,
		InputDevices:   h.inputs,
		OutputDevices:  h.outputs,
		StartMicros:    df.StartMicros,
		EndMicros:      df.EndMicros,
	}, nil
}

// Close detaches both devices.
func (h *Handle) Close(ctx context.Context) error {
	return h.stream.Close(ctx)
}
