package aec

// history keeps the most recent frames of an internal-rate interleaved stream
// addressed by absolute frame index on the stream's common timeline.
type history struct {
	channels int
	size     int64
	buf      []float32

	started bool
	start   int64 // index of the first frame ever appended
	end     int64 // one past the newest frame
}

func newHistory(frames, channels int) *history {
	return &history{
		channels: channels,
		size:     int64(frames),
		buf:      make([]float32, frames*channels),
	}
}

// begin places the first appended frame at index at.
func (h *history) begin(at int64) {
	h.started = true
	h.start = at
	h.end = at
}

func (h *history) append(samples []float32) {
	frames := len(samples) / h.channels
	for f := 0; f < frames; f++ {
		slot := int((h.end % h.size) * int64(h.channels))
		copy(h.buf[slot:slot+h.channels], samples[f*h.channels:(f+1)*h.channels])
		h.end++
	}
}

// oldest returns the index of the oldest retained frame.
func (h *history) oldest() int64 {
	return max(h.start, h.end-h.size)
}

func (h *history) has(i int64) bool {
	return h.started && i >= h.oldest() && i < h.end
}

// read fills dst with len(dst)/channels interleaved frames starting at from.
// Frames that are not retained read as silence; the count of those is
// returned.
func (h *history) read(dst []float32, from int64) int {
	frames := len(dst) / h.channels
	missing := 0
	for f := 0; f < frames; f++ {
		out := dst[f*h.channels : (f+1)*h.channels]
		i := from + int64(f)
		if !h.has(i) {
			clear(out)
			missing++
			continue
		}
		slot := int((i % h.size) * int64(h.channels))
		copy(out, h.buf[slot:slot+h.channels])
	}
	return missing
}

// readMono fills dst with the channel average of frames starting at from.
func (h *history) readMono(dst []float32, from int64) int {
	missing := 0
	scale := 1 / float32(h.channels)
	for f := range dst {
		i := from + int64(f)
		if !h.has(i) {
			dst[f] = 0
			missing++
			continue
		}
		slot := int((i % h.size) * int64(h.channels))
		var sum float32
		for _, s := range h.buf[slot : slot+h.channels] {
			sum += s
		}
		dst[f] = sum * scale
	}
	return missing
}

// readChannel fills dst with one channel of frames starting at from.
func (h *history) readChannel(dst []float32, from int64, ch int) {
	for f := range dst {
		i := from + int64(f)
		if !h.has(i) {
			dst[f] = 0
			continue
		}
		dst[f] = h.buf[int((i%h.size)*int64(h.channels))+ch]
	}
}
