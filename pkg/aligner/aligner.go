// Package aligner implements the stream aligner: a single-producer,
// single-consumer ring buffer that decouples an application-rate writer from
// a callback-rate reader.
//
// Neither side blocks or allocates after construction. When the writer
// outpaces the reader the oldest buffered samples are dropped; when the
// reader outpaces the writer the missing samples are returned as silence.
// Both conditions are counted, never returned as errors.
package aligner

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrInvalidCapacity is returned when a ring would have no storage.
var ErrInvalidCapacity = errors.New("aligner: capacity must be positive")

// Sample is the set of sample types the aligner carries.
type Sample interface {
	int16 | float32
}

// WriteResult reports the outcome of a Write.
type WriteResult struct {
	Written int
	// Dropped is the number of samples discarded by the drop-oldest policy.
	Dropped int
}

// Overrun reports whether the write discarded samples.
func (r WriteResult) Overrun() bool { return r.Dropped > 0 }

// ReadResult reports the outcome of a ReadInto.
type ReadResult struct {
	Read int
	// Shortfall is the number of samples padded with silence.
	Shortfall int
}

// Underrun reports whether the read was padded.
func (r ReadResult) Underrun() bool { return r.Shortfall > 0 }

// ring is the shared storage. Positions are monotonically increasing sample
// counts; the slot index is position modulo capacity. Slots hold the sample
// bits in atomics because an overrunning producer may rewrite a slot the
// consumer is copying.
type ring[T Sample] struct {
	buf []atomic.Uint32
	cap uint64
	enc func(T) uint32
	dec func(uint32) T

	// written is only stored by the producer.
	written atomic.Uint64
	// read is advanced by the consumer, and by the producer when it has to
	// drop the oldest samples.
	read atomic.Uint64

	overruns  atomic.Uint64
	underruns atomic.Uint64
}

// Producer is the write handle of a ring.
type Producer[T Sample] struct {
	r *ring[T]
}

// Consumer is the read handle of a ring.
type Consumer[T Sample] struct {
	r *ring[T]
}

// New allocates a ring holding capacity samples and returns its two handles.
func New[T Sample](capacity int) (*Producer[T], *Consumer[T], error) {
	if capacity <= 0 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	r := &ring[T]{buf: make([]atomic.Uint32, capacity), cap: uint64(capacity)}
	r.enc, r.dec = codec[T]()
	return &Producer[T]{r: r}, &Consumer[T]{r: r}, nil
}

func codec[T Sample]() (func(T) uint32, func(uint32) T) {
	var zero T
	switch any(zero).(type) {
	case float32:
		enc := func(v float32) uint32 { return math.Float32bits(v) }
		return any(enc).(func(T) uint32), any(math.Float32frombits).(func(uint32) T)
	default:
		enc := func(v int16) uint32 { return uint32(uint16(v)) }
		dec := func(b uint32) int16 { return int16(uint16(b)) }
		return any(enc).(func(T) uint32), any(dec).(func(uint32) T)
	}
}

func (r *ring[T]) store(pos uint64, samples []T) {
	i := pos % r.cap
	for _, v := range samples {
		r.buf[i].Store(r.enc(v))
		if i++; i == r.cap {
			i = 0
		}
	}
}

func (r *ring[T]) load(pos uint64, out []T) {
	i := pos % r.cap
	for k := range out {
		out[k] = r.dec(r.buf[i].Load())
		if i++; i == r.cap {
			i = 0
		}
	}
}

// Capacity returns the ring size for seconds of audio at rate and channels.
func Capacity(seconds, rate, channels int) int {
	return seconds * rate * channels
}

// Write appends samples. If free space is insufficient, the oldest buffered
// samples are dropped to make room; if samples alone exceed the capacity,
// everything buffered is dropped along with the oldest part of samples.
func (p *Producer[T]) Write(samples []T) WriteResult {
	r := p.r
	n := uint64(len(samples))
	if n == 0 {
		return WriteResult{}
	}

	var dropped uint64
	if n > r.cap {
		dropped = n - r.cap
		samples = samples[dropped:]
		n = r.cap
	}

	w := r.written.Load()
	// Advance the read position past anything the new samples would
	// overwrite. The consumer detects this through its failed CAS.
	for {
		rd := r.read.Load()
		if w+n-rd <= r.cap {
			break
		}
		target := w + n - r.cap
		if r.read.CompareAndSwap(rd, target) {
			dropped += target - rd
			break
		}
	}

	r.store(w, samples)
	r.written.Store(w + n)

	if dropped > 0 {
		r.overruns.Add(dropped)
	}
	return WriteResult{Written: int(n), Dropped: int(dropped)}
}

// Overruns returns the total number of samples dropped by the producer.
func (p *Producer[T]) Overruns() uint64 { return p.r.overruns.Load() }

// Underruns returns the total number of silence samples the consumer padded.
func (p *Producer[T]) Underruns() uint64 { return p.r.underruns.Load() }

// Buffered returns the number of unread samples.
func (p *Producer[T]) Buffered() int { return p.r.buffered() }

// Capacity returns the ring size in samples.
func (p *Producer[T]) Capacity() int { return int(p.r.cap) }

// Written returns the total number of samples ever accepted.
func (p *Producer[T]) Written() uint64 { return p.r.written.Load() }

// ReadInto fills out completely. Missing samples are zero and counted as an
// underrun.
func (c *Consumer[T]) ReadInto(out []T) ReadResult {
	n := c.read(out)
	var zero T
	for i := n; i < len(out); i++ {
		out[i] = zero
	}
	short := len(out) - n
	if short > 0 {
		c.r.underruns.Add(uint64(short))
	}
	return ReadResult{Read: n, Shortfall: short}
}

// ReadAvailable copies up to len(out) buffered samples without padding and
// returns the number copied. Used by non-real-time readers that poll.
func (c *Consumer[T]) ReadAvailable(out []T) int {
	return c.read(out)
}

func (c *Consumer[T]) read(out []T) int {
	r := c.r
	// Two attempts: a failed CAS means the producer dropped data under us
	// and the copy may be torn, so it is redone from the new position.
	for attempt := 0; attempt < 2; attempt++ {
		rd := r.read.Load()
		w := r.written.Load()
		avail := w - rd
		if avail > r.cap {
			avail = r.cap
		}
		n := uint64(len(out))
		if n > avail {
			n = avail
		}
		if n == 0 {
			return 0
		}
		r.load(rd, out[:n])
		if r.read.CompareAndSwap(rd, rd+n) {
			return int(n)
		}
	}
	return 0
}

// Overruns returns the total number of samples dropped by the producer.
func (c *Consumer[T]) Overruns() uint64 { return c.r.overruns.Load() }

// Underruns returns the total number of silence samples padded by ReadInto.
func (c *Consumer[T]) Underruns() uint64 { return c.r.underruns.Load() }

// Buffered returns the number of unread samples.
func (c *Consumer[T]) Buffered() int { return c.r.buffered() }

// Capacity returns the ring size in samples.
func (c *Consumer[T]) Capacity() int { return int(c.r.cap) }

func (r *ring[T]) buffered() int {
	w := r.written.Load()
	rd := r.read.Load()
	if rd >= w {
		return 0
	}
	if w-rd > r.cap {
		return int(r.cap)
	}
	return int(w - rd)
}
