package aligner

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameSize = 160

func ramp(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	_, _, err := New[float32](0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 480000, Capacity(5, 48000, 2))
}

func TestRoundTrip_InOrderWithoutGaps(t *testing.T) {
	p, c, err := New[int16](frameSize * 10)
	require.NoError(t, err)

	// uneven write sizes, total within capacity
	sizes := []int{7, 160, 333, 1, 299, 400}
	total := 0
	for _, n := range sizes {
		res := p.Write(ramp(total, n))
		require.False(t, res.Overrun(), "unexpected overrun writing %d samples", n)
		total += n
	}

	got := make([]int16, 0, total)
	frame := make([]int16, frameSize)
	for len(got)+frameSize <= total {
		res := c.ReadInto(frame)
		require.False(t, res.Underrun(), "unexpected underrun after %d samples", len(got))
		got = append(got, frame...)
	}
	for i, s := range got {
		require.Equal(t, int16(i), s, "sample %d", i)
	}
	assert.Equal(t, total-len(got), c.Buffered())
}

func TestUnderrun_PadsSilence(t *testing.T) {
	_, c, _ := New[int16](frameSize * 4)

	out := ramp(1, frameSize) // non-zero so padding is observable
	res := c.ReadInto(out)
	require.Equal(t, ReadResult{Read: 0, Shortfall: frameSize}, res)
	assert.Equal(t, make([]int16, frameSize), out)
	assert.Equal(t, uint64(frameSize), c.Underruns())
}

func TestUnderrun_PartialFrame(t *testing.T) {
	p, c, _ := New[float32](frameSize * 4)
	p.Write([]float32{0.1, 0.2, 0.3})

	out := make([]float32, 5)
	res := c.ReadInto(out)
	require.Equal(t, ReadResult{Read: 3, Shortfall: 2}, res)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0, 0}, out)
	assert.Equal(t, uint64(2), p.Underruns(), "producer side sees the same counter")
}

func TestOverrun_DropsOldest(t *testing.T) {
	const capacity = 100
	p, c, _ := New[int16](capacity)

	p.Write(ramp(0, 80))
	res := p.Write(ramp(80, 50))
	require.Equal(t, WriteResult{Written: 50, Dropped: 30}, res)
	require.Equal(t, capacity, p.Buffered())

	out := make([]int16, capacity)
	c.ReadInto(out)
	assert.Equal(t, ramp(30, capacity), out)
	assert.Equal(t, uint64(30), p.Overruns())
}

func TestOverrun_SingleWriteLargerThanCapacity(t *testing.T) {
	const capacity = 64
	p, c, _ := New[int16](capacity)
	p.Write(ramp(0, 10))

	res := p.Write(ramp(10, 200))
	// 10 buffered + 200 new - 64 kept
	require.Equal(t, 146, res.Dropped)
	out := make([]int16, capacity)
	c.ReadInto(out)
	assert.Equal(t, ramp(146, capacity), out)
	assert.Zero(t, c.Buffered())
}

func TestBufferedNeverExceedsCapacity(t *testing.T) {
	p, _, _ := New[int16](50)
	for i := 0; i < 20; i++ {
		p.Write(ramp(i*13, 13))
		require.LessOrEqual(t, p.Buffered(), p.Capacity())
	}
}

func TestReadAvailable_DoesNotPad(t *testing.T) {
	p, c, _ := New[int16](32)
	p.Write(ramp(5, 4))
	out := make([]int16, 10)
	require.Equal(t, 4, c.ReadAvailable(out))
	assert.Equal(t, ramp(5, 4), out[:4])
	assert.Zero(t, c.Underruns())
}

func TestNegativeAndFloatBitsSurvive(t *testing.T) {
	p, c, _ := New[int16](8)
	p.Write([]int16{-32768, -1, 32767})
	out := make([]int16, 3)
	c.ReadInto(out)
	assert.Equal(t, []int16{-32768, -1, 32767}, out)

	fp, fc, _ := New[float32](8)
	fp.Write([]float32{-1, 0.5, 1e-7})
	fout := make([]float32, 3)
	fc.ReadInto(fout)
	assert.Equal(t, []float32{-1, 0.5, 1e-7}, fout)
}

// TestConcurrentProducerConsumer exercises the SPSC contract from two
// goroutines with a ring large enough that no overrun occurs.
func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 200_000
	p, c, _ := New[int16](total)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for sent := 0; sent < total; sent += 100 {
			p.Write(ramp(sent, 100))
		}
	}()

	got := make([]int16, 0, total)
	buf := make([]int16, 256)
	for len(got) < total {
		n := c.ReadAvailable(buf)
		got = append(got, buf[:n]...)
	}
	wg.Wait()

	for i, s := range got {
		require.Equal(t, int16(i), s, "sample %d out of order", i)
	}
	assert.Zero(t, p.Overruns())
}

// TestConcurrentOverrun keeps a tiny ring permanently full so the producer
// drops under a reader that is copying. Every sample is either read in order
// or counted as dropped.
func TestConcurrentOverrun(t *testing.T) {
	const total = 300_000
	p, c, _ := New[float32](64)

	var done atomic.Bool
	go func() {
		defer done.Store(true)
		chunk := make([]float32, 48)
		for sent := 0; sent < total; sent += len(chunk) {
			for i := range chunk {
				chunk[i] = float32(sent + i)
			}
			p.Write(chunk)
		}
	}()

	buf := make([]float32, 40)
	last := float32(-1)
	received := 0
	for {
		finished := done.Load()
		n := c.ReadAvailable(buf)
		for _, v := range buf[:n] {
			require.Greater(t, v, last, "samples must stay in order")
			last = v
		}
		received += n
		if finished && n == 0 && c.Buffered() == 0 {
			break
		}
	}
	assert.Equal(t, uint64(total), uint64(received)+p.Overruns())
	assert.Equal(t, float32(total-1), last, "newest sample is never dropped")
}
