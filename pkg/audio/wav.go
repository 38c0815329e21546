package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
)

// NewWavBuffer wraps interleaved 16-bit PCM samples in a WAV container.
func NewWavBuffer(samples []int16, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	buf := new(bytes.Buffer)
	_ = WriteWav(buf, samples, sampleRate, channels)
	return buf.Bytes()
}

// WriteWav writes a canonical 44-byte-header PCM WAV to w.
func WriteWav(w io.Writer, samples []int16, sampleRate, channels int) error {
	if err := writeWavHeader(w, uint32(len(samples)*2), sampleRate, channels); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, samples)
}

const (
	wavHeaderSize = 44
	riffSizeAt    = 4
	dataSizeAt    = 40
	// maxWavData keeps the RIFF size field within 32 bits.
	maxWavData = math.MaxUint32 - (wavHeaderSize - 8)
)

// ErrWavFull is returned once a recording reaches the 4 GiB WAV limit.
var ErrWavFull = errors.New("wav: recording reached the size limit")

func writeWavHeader(w io.Writer, dataLen uint32, sampleRate, channels int) error {
	blockAlign := uint16(channels * 2)

	var hdr bytes.Buffer
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, 36+dataLen)
	hdr.WriteString("WAVE")

	hdr.WriteString("fmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16))
	binary.Write(&hdr, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&hdr, binary.LittleEndian, uint16(channels))
	binary.Write(&hdr, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&hdr, binary.LittleEndian, uint32(sampleRate)*uint32(blockAlign))
	binary.Write(&hdr, binary.LittleEndian, blockAlign)
	binary.Write(&hdr, binary.LittleEndian, uint16(16))

	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, dataLen)

	_, err := w.Write(hdr.Bytes())
	return err
}

// WavRecorder streams 16-bit samples to a WAV file as they arrive. The
// header is written with zero sizes up front and patched on Close, so only
// the write buffer is held in memory.
type WavRecorder struct {
	path    string
	f       *os.File
	w       *bufio.Writer
	scratch []byte
	written int64
}

// CreateWavRecorder creates path and writes a provisional header.
func CreateWavRecorder(path string, sampleRate, channels int) (*WavRecorder, error) {
	if channels <= 0 {
		channels = 1
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r := &WavRecorder{path: path, f: f, w: bufio.NewWriterSize(f, 64*1024)}
	if err := writeWavHeader(r.w, 0, sampleRate, channels); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Append writes interleaved samples.
func (r *WavRecorder) Append(samples []int16) error {
	n := int64(len(samples) * 2)
	if r.written+n > maxWavData {
		return ErrWavFull
	}
	if cap(r.scratch) < int(n) {
		r.scratch = make([]byte, n)
	}
	buf := r.scratch[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	if _, err := r.w.Write(buf); err != nil {
		return err
	}
	r.written += n
	return nil
}

// Path is the file being written.
func (r *WavRecorder) Path() string { return r.path }

// Len returns the number of samples written.
func (r *WavRecorder) Len() int64 { return r.written / 2 }

// Close flushes buffered audio, patches the RIFF and data sizes and closes
// the file.
func (r *WavRecorder) Close() error {
	if r.f == nil {
		return nil
	}
	f := r.f
	r.f = nil
	err := r.w.Flush()
	if err == nil {
		err = patchSize(f, riffSizeAt, uint32(r.written)+wavHeaderSize-8)
	}
	if err == nil {
		err = patchSize(f, dataSizeAt, uint32(r.written))
	}
	return errors.Join(err, f.Close())
}

func patchSize(f *os.File, at int64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := f.WriteAt(b[:], at)
	return err
}
