package aec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-aec/pkg/canceller"
)

// CalibrationResult is the outcome of calibrating one pairing.
type CalibrationResult struct {
	PairingStatus
	// Skipped is set when the pairing was already calibrated and replay was
	// not requested.
	Skipped bool  `json:"skipped"`
	Err     error `json:"-"`
}

// CalibrationReport collects the results of one Calibrate call.
type CalibrationReport struct {
	Results []CalibrationResult `json:"results"`
}

// Err joins the per-pairing failures, or returns nil.
func (r CalibrationReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Calibrated returns the number of pairings that ended calibrated.
func (r CalibrationReport) Calibrated() int {
	n := 0
	for _, res := range r.Results {
		if res.Calibration.IsCalibrated {
			n++
		}
	}
	return n
}

// calibrationPattern returns the pseudo-noise burst played on every packet.
// The pattern is fixed so calibration is deterministic.
func calibrationPattern(n int, amplitude float64) []float32 {
	out := make([]float32, n)
	x := uint32(burstSeed)
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		// map to [-1, 1], keeping clear of zero so the onset is sharp
		v := float64(x)/float64(math.MaxUint32)*2 - 1
		if v >= 0 {
			v = 0.25 + 0.75*v
		} else {
			v = -0.25 + 0.75*v
		}
		out[i] = float32(amplitude * v)
	}
	return out
}

// lagCheckInterval is how many lags estimateLag scans between context checks.
const lagCheckInterval = 256

// estimateLag finds the lag that maximises the normalised cross-correlation
// between ref and a window of capture. capture[k:k+len(ref)] is compared
// for every k; the returned lag is minLag+k and the confidence is the peak
// correlation, clamped to [0, 1]. The search stops early when ctx ends.
func estimateLag(ctx context.Context, ref, capture []float32, minLag int) (int, float64, error) {
	l := len(ref)
	lags := len(capture) - l + 1
	if l == 0 || lags <= 0 {
		return 0, 0, nil
	}

	var refEnergy float64
	for _, s := range ref {
		refEnergy += float64(s) * float64(s)
	}
	if refEnergy == 0 {
		return 0, 0, nil
	}

	prefix := make([]float64, len(capture)+1)
	for i, s := range capture {
		prefix[i+1] = prefix[i] + float64(s)*float64(s)
	}

	best, bestK := 0.0, 0
	for k := 0; k < lags; k++ {
		if k%lagCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, 0, err
			}
		}
		capEnergy := prefix[k+l] - prefix[k]
		if capEnergy <= 0 {
			continue
		}
		var dot float64
		window := capture[k : k+l]
		for i, r := range ref {
			dot += float64(r) * float64(window[i])
		}
		corr := dot / math.Sqrt(refEnergy*capEnergy)
		if corr > best {
			best, bestK = corr, k
		}
	}
	return minLag + bestK, min(best, 1), nil
}

// Calibrate measures the round-trip delay of every (output, input) pairing
// whose output has a producer in producers. Outputs are calibrated one at a
// time; all inputs listen simultaneously. Pairings already calibrated are
// skipped unless replay is set.
//
// Failed pairings stay Uncalibrated and pass near-end audio through; their
// errors are joined in the returned error, which wraps ErrCalibrationFailed.
func (s *Stream) Calibrate(ctx context.Context, producers []*OutputProducer, replay bool) (CalibrationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report CalibrationReport
	if s.closed {
		return report, ErrStreamClosed
	}
	if len(s.outputs) == 0 || len(s.inputs) == 0 {
		return report, fmt.Errorf("calibrate: %w: need at least one output and one input", ErrNoDevices)
	}

	for _, prod := range producers {
		out := s.outputByProducer(prod)
		if out == nil {
			return report, fmt.Errorf("calibrate: %w: producer does not belong to this stream", ErrInvalidConfig)
		}

		var pending []*pairing
		for _, p := range s.pairingsFor(out) {
			if p.cal.IsCalibrated && !replay {
				report.Results = append(report.Results, CalibrationResult{PairingStatus: p.status(), Skipped: true})
				continue
			}
			pending = append(pending, p)
		}
		if len(pending) == 0 {
			continue
		}

		results, err := s.calibrateOutput(ctx, out, pending)
		report.Results = append(report.Results, results...)
		if err != nil {
			return report, err
		}
	}

	for _, in := range s.inputs {
		in.skipToLatest(s.cfg.FrameSize)
	}
	return report, report.Err()
}

// packetStats accumulates a pairing's per-packet estimates.
type packetStats struct {
	estimates   []int64
	confidences []float64
	done        bool
}

func (s *Stream) calibrateOutput(ctx context.Context, out *outputPipeline, pairs []*pairing) ([]CalibrationResult, error) {
	t := s.tuning
	prev := make([]pairing, len(pairs))
	stats := make([]packetStats, len(pairs))
	for i, p := range pairs {
		prev[i] = *p
		p.state = Calibrating
		p.cal = CalibrationState{}
	}
	s.logger.Info("calibration started", "output", out.name, "pairings", len(pairs), "packets", t.CalibrationPackets)

	// trailing silence flushes the burst through the playback resampler
	pattern := append(calibrationPattern(t.BurstSamples, t.BurstAmplitude), make([]float32, burstTail)...)
	maxLag := s.cfg.samples(t.MaxDelayMs)
	minLag := -burstLead
	window := t.BurstSamples + 2*burstLead

	restore := func() {
		for i, p := range pairs {
			p.state = prev[i].state
			p.cal = prev[i].cal
		}
	}

	for packet := 0; packet < t.CalibrationPackets && !allDone(stats); packet++ {
		if err := s.pumpAll(); err != nil {
			s.logger.Warn("calibration pump failed", "error", err)
		}
		mark := out.hist.end
		if !out.hist.started {
			mark = math.MinInt64
		}
		if _, err := out.producer.WriteInternal(pattern); err != nil {
			restore()
			return nil, fmt.Errorf("calibrate %q: %w", out.name, err)
		}

		deadline := time.Now().Add(t.PacketTimeout)
		onset, err := s.waitOnset(ctx, out, mark, deadline)
		if err != nil {
			restore()
			return nil, err
		}
		for i, p := range pairs {
			if !stats[i].done {
				p.cal.PacketsObserved++
			}
		}
		if onset < 0 {
			s.logger.Debug("calibration burst not observed", "output", out.name, "packet", packet)
			continue
		}

		start := onset - burstLead
		need := start + int64(maxLag+window)
		if err := s.waitCaptured(ctx, out, start+int64(window), pairs, need, deadline); err != nil {
			restore()
			return nil, err
		}

		ref := make([]float32, window)
		out.hist.readMono(ref, start)

		lags := make([]int, len(pairs))
		confs := make([]float64, len(pairs))
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range pairs {
			if stats[i].done {
				continue
			}
			g.Go(func() error {
				capture := make([]float32, window+maxLag-minLag)
				p.in.hist.readMono(capture, start+int64(minLag))
				lag, conf, err := estimateLag(gctx, ref, capture, minLag)
				if err != nil {
					return fmt.Errorf("calibrate %q -> %q: %w", out.name, p.in.name, err)
				}
				lags[i], confs[i] = lag, conf
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			restore()
			return nil, err
		}

		for i, p := range pairs {
			st := &stats[i]
			if st.done {
				continue
			}
			s.logger.Debug("calibration packet",
				"output", out.name, "input", p.in.name, "packet", packet,
				"lag", lags[i], "confidence", confs[i])
			if confs[i] < t.MinConfidence {
				continue
			}
			st.estimates = append(st.estimates, int64(lags[i]))
			st.confidences = append(st.confidences, confs[i])
			if stable(st.estimates, t.StablePackets, t.StableVariance) {
				st.done = true
			}
		}
	}

	results := make([]CalibrationResult, len(pairs))
	for i, p := range pairs {
		results[i] = s.finishPairing(p, &stats[i], prev[i].cal)
	}
	return results, nil
}

// finishPairing freezes the pairing's calibration state. A pairing that was
// calibrated before keeps its cancellers; they are reset when the delay
// moved, since their weights model the old lag.
func (s *Stream) finishPairing(p *pairing, st *packetStats, prev CalibrationState) CalibrationResult {
	p.cal.Estimates = st.estimates
	if len(st.estimates) == 0 {
		p.state = Uncalibrated
		p.cal.IsCalibrated = false
		p.cancellers = nil
		err := fmt.Errorf("%w: output %q input %q: no correlation peak above %.2f in %d packets",
			ErrCalibrationFailed, p.out.name, p.in.name, s.tuning.MinConfidence, p.cal.PacketsObserved)
		s.logger.Warn("calibration failed", "output", p.out.name, "input", p.in.name, "packets", p.cal.PacketsObserved)
		return CalibrationResult{PairingStatus: p.status(), Err: err}
	}

	p.cal.EstimatedDelaySamples = median(st.estimates)
	var sum float64
	for _, c := range st.confidences {
		sum += c
	}
	p.cal.Confidence = sum / float64(len(st.confidences))
	p.cal.IsCalibrated = true

	switch {
	case prev.IsCalibrated && len(p.cancellers) == p.in.channels:
		if prev.EstimatedDelaySamples != p.cal.EstimatedDelaySamples {
			for _, c := range p.cancellers {
				c.Reset()
			}
			s.logger.Info("delay moved, cancellers reset",
				"output", p.out.name, "input", p.in.name,
				"from", prev.EstimatedDelaySamples, "to", p.cal.EstimatedDelaySamples)
		}
	default:
		cancellers := make([]canceller.Canceller, 0, p.in.channels)
		for ch := 0; ch < p.in.channels; ch++ {
			c, err := s.newCanceller(s.cfg.FrameSize, s.cfg.FilterLength)
			if err != nil {
				p.state = Uncalibrated
				p.cal.IsCalibrated = false
				p.cancellers = nil
				return CalibrationResult{PairingStatus: p.status(), Err: fmt.Errorf("%w: output %q input %q: %v",
					ErrCalibrationFailed, p.out.name, p.in.name, err)}
			}
			cancellers = append(cancellers, c)
		}
		p.cancellers = cancellers
	}
	p.state = Active
	now := s.clock()
	p.driftBase = s.skew(p.in.hist, now) - s.skew(p.out.hist, now)
	p.drift = 0
	p.resetWindow()

	s.logger.Info("calibration complete",
		"output", p.out.name, "input", p.in.name,
		"delay_samples", p.cal.EstimatedDelaySamples,
		"delay_ms", float64(p.cal.EstimatedDelaySamples)*1000/float64(s.cfg.SampleRate),
		"confidence", p.cal.Confidence,
		"packets", p.cal.PacketsObserved)
	return CalibrationResult{PairingStatus: p.status()}
}

// waitOnset pumps until the burst appears in the output's reference stream
// after mark. It returns -1 when the deadline passes first.
func (s *Stream) waitOnset(ctx context.Context, out *outputPipeline, mark int64, deadline time.Time) (int64, error) {
	ticker := time.NewTicker(s.tuning.PollInterval)
	defer ticker.Stop()

	cursor := mark
	mono := make([]float32, 1)
	for {
		if err := s.pumpAll(); err != nil {
			s.logger.Warn("calibration pump failed", "error", err)
		}
		if out.hist.started {
			cursor = max(cursor, out.hist.oldest())
			for ; cursor < out.hist.end; cursor++ {
				out.hist.readMono(mono, cursor)
				if math.Abs(float64(mono[0])) > onsetThreshold {
					return cursor, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return -1, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitCaptured pumps until the output's reference reaches refNeed and every
// input of pairs holds audio up to index need, or the deadline passes.
func (s *Stream) waitCaptured(ctx context.Context, out *outputPipeline, refNeed int64, pairs []*pairing, need int64, deadline time.Time) error {
	ticker := time.NewTicker(s.tuning.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.pumpAll(); err != nil {
			s.logger.Warn("calibration pump failed", "error", err)
		}
		ready := out.hist.end >= refNeed
		for _, p := range pairs {
			if !p.in.hist.started || p.in.hist.end < need {
				ready = false
				break
			}
		}
		if ready || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func allDone(stats []packetStats) bool {
	for _, st := range stats {
		if !st.done {
			return false
		}
	}
	return true
}

// stable reports whether the last n estimates have variance at most limit.
func stable(estimates []int64, n int, limit float64) bool {
	if len(estimates) < n {
		return false
	}
	tail := estimates[len(estimates)-n:]
	var mean float64
	for _, e := range tail {
		mean += float64(e)
	}
	mean /= float64(n)
	var v float64
	for _, e := range tail {
		d := float64(e) - mean
		v += d * d
	}
	return v/float64(n) <= limit
}

func median(values []int64) int64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
