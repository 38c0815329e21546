package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned when a device negotiates a sample
	// representation the engine cannot convert.
	ErrUnsupportedFormat = errors.New("unsupported sample format")

	// ErrInvalidDeviceConfig is returned for zero channels or an unusable rate.
	ErrInvalidDeviceConfig = errors.New("invalid device config")
)

// SampleFormat is the sample representation a device negotiated.
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatU8
	FormatS16
	FormatS24
	FormatS32
	FormatF32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "U8"
	case FormatS16:
		return "I16"
	case FormatS24:
		return "I24"
	case FormatS32:
		return "I32"
	case FormatF32:
		return "F32"
	default:
		return "Unknown"
	}
}

// BytesPerSample returns the width of one sample, or 0 for FormatUnknown.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16:
		return 2
	case FormatS24:
		return 3
	case FormatS32, FormatF32:
		return 4
	default:
		return 0
	}
}

// Supported reports whether the PCM codec in this package handles f.
func (f SampleFormat) Supported() bool {
	return f == FormatS16 || f == FormatS32 || f == FormatF32
}

// HostID identifies the audio backend a device was enumerated from.
type HostID string

// Name returns the backend name.
func (h HostID) Name() string {
	if h == "" {
		return "default"
	}
	return string(h)
}

const (
	// MinSampleRate and MaxSampleRate bound the rates accepted at attach time.
	MinSampleRate = 8000
	MaxSampleRate = 384000
)

// InputDeviceConfig is the negotiated format of a capture device.
type InputDeviceConfig struct {
	HostID       HostID
	ID           string // backend-specific device identifier, empty for the default device
	DeviceName   string
	Channels     uint16
	SampleRate   uint32
	SampleFormat SampleFormat
}

// OutputDeviceConfig is the negotiated format of a playback device.
type OutputDeviceConfig struct {
	HostID       HostID
	ID           string
	DeviceName   string
	Channels     uint16
	SampleRate   uint32
	SampleFormat SampleFormat
	// FrameSize is the number of frames requested per playback callback.
	FrameSize uint32
}

// Validate rejects configurations that cannot be attached.
func (c InputDeviceConfig) Validate() error {
	return validateFormat(c.DeviceName, c.Channels, c.SampleRate, c.SampleFormat)
}

// Validate rejects configurations that cannot be attached.
func (c OutputDeviceConfig) Validate() error {
	return validateFormat(c.DeviceName, c.Channels, c.SampleRate, c.SampleFormat)
}

func validateFormat(name string, channels uint16, rate uint32, format SampleFormat) error {
	if channels == 0 {
		return fmt.Errorf("%w: device %q has zero channels", ErrInvalidDeviceConfig, name)
	}
	if rate < MinSampleRate || rate > MaxSampleRate {
		return fmt.Errorf("%w: device %q sample rate %d outside [%d, %d]",
			ErrInvalidDeviceConfig, name, rate, MinSampleRate, MaxSampleRate)
	}
	if !format.Supported() {
		return fmt.Errorf("%w: device %q uses %s", ErrUnsupportedFormat, name, format)
	}
	return nil
}

// PickInput selects the config whose DeviceName equals name, or the first
// config when name is empty.
func PickInput(configs []InputDeviceConfig, name string) (InputDeviceConfig, bool) {
	for _, cfg := range configs {
		if name == "" || cfg.DeviceName == name {
			return cfg, true
		}
	}
	return InputDeviceConfig{}, false
}

// PickOutput selects the config whose DeviceName equals name, or the first
// config when name is empty.
func PickOutput(configs []OutputDeviceConfig, name string) (OutputDeviceConfig, bool) {
	for _, cfg := range configs {
		if name == "" || cfg.DeviceName == name {
			return cfg, true
		}
	}
	return OutputDeviceConfig{}, false
}
