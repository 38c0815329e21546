package aec

import (
	"errors"

	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
)

var (
	// ErrUnsupportedFormat is returned when a device uses a sample format the
	// engine cannot convert.
	ErrUnsupportedFormat = audio.ErrUnsupportedFormat

	// ErrInvalidConfig is returned for zero channels, invalid rates or
	// inconsistent tuning.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoDevices is returned by Update when no input device is attached
	ErrNoDevices = errors.New("no devices attached")

	// ErrDeviceExists is returned when a device name is attached twice
	ErrDeviceExists = errors.New("device already attached")

	// ErrDeviceNotFound is returned for unknown device names
	ErrDeviceNotFound = errors.New("device not found")

	// ErrCalibrationFailed is returned when no correlation peak cleared the
	// confidence threshold within the packet budget.
	ErrCalibrationFailed = errors.New("calibration failed")

	// ErrStreamClosed is returned by every operation after Close
	ErrStreamClosed = errors.New("stream closed")
)
