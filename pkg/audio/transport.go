package audio

import (
	"context"
	"time"
)

// CallbackInfo is the per-buffer metadata a transport delivers alongside
// samples. TimestampMicros is taken from a monotonic clock.
type CallbackInfo struct {
	Frames          int
	Channels        int
	TimestampMicros int64
}

// CaptureFunc receives interleaved device-rate samples on the transport's
// real-time thread. The slice is only valid for the duration of the call.
type CaptureFunc func(samples []float32, info CallbackInfo)

// PlaybackFunc must fill out completely with interleaved device-rate samples.
// It runs on the transport's real-time thread and must not block.
type PlaybackFunc func(out []float32, info CallbackInfo)

// DeviceStream is a running capture or playback binding.
type DeviceStream interface {
	Start() error
	// Close stops the device and releases its resources. It blocks until the
	// transport guarantees no further callbacks, or ctx is done.
	Close(ctx context.Context) error
}

// Transport binds device configs to callback-driven streams.
type Transport interface {
	OpenCapture(cfg InputDeviceConfig, fn CaptureFunc) (DeviceStream, error)
	OpenPlayback(cfg OutputDeviceConfig, fn PlaybackFunc) (DeviceStream, error)
}

// Clock returns monotonic time in microseconds.
type Clock func() int64

var processStart = time.Now()

// Now is the default Clock: microseconds since process start, read from the
// monotonic clock.
func Now() int64 {
	return time.Since(processStart).Microseconds()
}
