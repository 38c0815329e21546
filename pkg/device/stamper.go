package device

import "github.com/lokutor-ai/lokutor-aec/pkg/audio"

// stamper derives per-buffer timestamps for a callback stream. The first
// buffer is synchronised to the clock, shifted by lead; later buffers step
// by their frame count so host scheduling jitter does not leak into the
// timeline.
type stamper struct {
	clock  audio.Clock
	rate   int64
	lead   int64
	first  int64
	frames int64
	synced bool
}

func newStamper(clock audio.Clock, rate int, leadMicros int64) *stamper {
	return &stamper{clock: clock, rate: int64(rate), lead: leadMicros}
}

// next returns the timestamp of a buffer of n frames. Called from the
// real-time thread only.
func (s *stamper) next(n int) int64 {
	if !s.synced {
		s.first = s.clock() + s.lead
		s.synced = true
	}
	ts := s.first + s.frames*1_000_000/s.rate
	s.frames += int64(n)
	return ts
}
