package audio

import (
	"encoding/binary"
	"math"
)

// Decode converts little-endian PCM in src to float32 samples in [-1, 1].
// It writes at most len(dst) samples and returns the number written.
// Unsupported formats decode to nothing.
func Decode(dst []float32, src []byte, format SampleFormat) int {
	width := format.BytesPerSample()
	if width == 0 || !format.Supported() {
		return 0
	}
	n := len(src) / width
	if n > len(dst) {
		n = len(dst)
	}
	switch format {
	case FormatS16:
		for i := 0; i < n; i++ {
			s := int16(binary.LittleEndian.Uint16(src[2*i:]))
			dst[i] = float32(s) / 32768.0
		}
	case FormatS32:
		for i := 0; i < n; i++ {
			s := int32(binary.LittleEndian.Uint32(src[4*i:]))
			dst[i] = float32(float64(s) / 2147483648.0)
		}
	case FormatF32:
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	}
	return n
}

// Encode converts float32 samples to little-endian PCM, clamping to the
// format's range. It returns the number of samples written to dst.
func Encode(dst []byte, src []float32, format SampleFormat) int {
	width := format.BytesPerSample()
	if width == 0 || !format.Supported() {
		return 0
	}
	n := len(dst) / width
	if n > len(src) {
		n = len(src)
	}
	switch format {
	case FormatS16:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(FloatToInt16(src[i])))
		}
	case FormatS32:
		for i := 0; i < n; i++ {
			v := clamp(float64(src[i])) * 2147483647.0
			binary.LittleEndian.PutUint32(dst[4*i:], uint32(int32(v)))
		}
	case FormatF32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(src[i]))
		}
	}
	return n
}

// FloatToInt16 scales a [-1, 1] sample to int16 with saturation.
func FloatToInt16(s float32) int16 {
	v := math.Round(clamp(float64(s)) * 32767.0)
	return int16(v)
}

// Int16ToFloat scales an int16 sample to [-1, 1) the way the diagnostics
// surface expects (divide by i16::MAX).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32767.0
}

// FloatsToInt16 converts src into dst and returns dst[:n].
func FloatsToInt16(dst []int16, src []float32) []int16 {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = FloatToInt16(src[i])
	}
	return dst[:n]
}

// NormalizeInt16 returns a float32 copy of slice scaled by 1/32767.
func NormalizeInt16(slice []int16) []float32 {
	if len(slice) == 0 {
		return nil
	}
	out := make([]float32, len(slice))
	for i, s := range slice {
		out[i] = Int16ToFloat(s)
	}
	return out
}

// Downmix averages interleaved frames of the given channel count into mono.
// dst must hold len(src)/channels samples.
func Downmix(dst []float32, src []float32, channels int) {
	if channels <= 1 {
		copy(dst, src)
		return
	}
	frames := len(src) / channels
	scale := 1 / float32(channels)
	for f := 0; f < frames && f < len(dst); f++ {
		var sum float32
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += src[base+c]
		}
		dst[f] = sum * scale
	}
}

// Upmix copies a mono signal into every channel of an interleaved buffer.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(mono))
		copy(out, mono)
		return out
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}

// Energy computes the sum of squared int16 samples normalised to [-1, 1].
func Energy(samples []int16) float64 {
	energy := 0.0
	for _, s := range samples {
		f := float64(s) / 32768.0
		energy += f * f
	}
	return energy
}

// RMS returns the root-mean-square of float samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
