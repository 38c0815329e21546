// Package monitor exposes a running echo-cancellation stream to the outside
// world: OpenTelemetry instruments scraped through Prometheus, and a
// websocket hub that streams debug frames to diagnostic clients.
package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lokutor-ai/lokutor-aec/pkg/aec"
)

const meterName = "github.com/lokutor-ai/lokutor-aec"

// StatsSource is anything that can snapshot stream counters. *aec.Stream
// satisfies it.
type StatsSource interface {
	Stats() aec.Stats
}

// Metrics holds the engine's instruments. Per-tick values are recorded
// directly; device and pairing state is observed from a StatsSource at
// collection time.
type Metrics struct {
	// Frames counts processing ticks.
	Frames metric.Int64Counter
	// TickDuration is the wall time of one tick in seconds.
	TickDuration metric.Float64Histogram
	// Calibrations counts finished pairing calibrations by outcome.
	Calibrations metric.Int64Counter

	overruns   metric.Int64ObservableCounter
	underruns  metric.Int64ObservableCounter
	buffered   metric.Int64ObservableGauge
	state      metric.Int64ObservableGauge
	delay      metric.Int64ObservableGauge
	confidence metric.Float64ObservableGauge
	drift      metric.Int64ObservableGauge

	reg metric.Registration
}

// NewMetrics creates every instrument on mp. When src is non-nil its
// counters are observed on each collection.
func NewMetrics(mp metric.MeterProvider, src StatsSource) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.Frames, err = meter.Int64Counter("aec.frames",
		metric.WithDescription("Processing ticks run by the driver."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.frames: %w", err)
	}
	if m.TickDuration, err = meter.Float64Histogram("aec.tick.duration",
		metric.WithDescription("Wall time spent in one processing tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.tick.duration: %w", err)
	}
	if m.Calibrations, err = meter.Int64Counter("aec.calibrations",
		metric.WithDescription("Finished pairing calibrations by result."),
		metric.WithUnit("{calibration}"),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.calibrations: %w", err)
	}

	if m.overruns, err = meter.Int64ObservableCounter("aec.device.overruns",
		metric.WithDescription("Samples dropped because a ring was full or a stale frame was skipped."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.device.overruns: %w", err)
	}
	if m.underruns, err = meter.Int64ObservableCounter("aec.device.underruns",
		metric.WithDescription("Samples padded with silence because a ring ran dry."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.device.underruns: %w", err)
	}
	if m.buffered, err = meter.Int64ObservableGauge("aec.device.buffered",
		metric.WithDescription("Samples waiting in a device ring."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.device.buffered: %w", err)
	}
	if m.state, err = meter.Int64ObservableGauge("aec.pairing.state",
		metric.WithDescription("Pairing state: 0 uncalibrated, 1 calibrating, 2 active, 3 degraded."),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.pairing.state: %w", err)
	}
	if m.delay, err = meter.Int64ObservableGauge("aec.pairing.delay",
		metric.WithDescription("Calibrated echo delay of a pairing."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.pairing.delay: %w", err)
	}
	if m.confidence, err = meter.Float64ObservableGauge("aec.pairing.confidence",
		metric.WithDescription("Correlation confidence of the calibrated delay."),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.pairing.confidence: %w", err)
	}
	if m.drift, err = meter.Int64ObservableGauge("aec.pairing.drift",
		metric.WithDescription("Clock drift between the two devices of a pairing since calibration."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, fmt.Errorf("monitor: create aec.pairing.drift: %w", err)
	}

	if src != nil {
		m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			m.observe(o, src.Stats())
			return nil
		}, m.overruns, m.underruns, m.buffered, m.state, m.delay, m.confidence, m.drift)
		if err != nil {
			return nil, fmt.Errorf("monitor: register stats callback: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observe(o metric.Observer, st aec.Stats) {
	for _, d := range st.Devices {
		attrs := metric.WithAttributes(
			attribute.String("device", d.Name),
			attribute.String("direction", d.Direction),
		)
		o.ObserveInt64(m.overruns, int64(d.Overruns), attrs)
		o.ObserveInt64(m.underruns, int64(d.Underruns), attrs)
		o.ObserveInt64(m.buffered, int64(d.Buffered), attrs)
	}
	for _, p := range st.Pairings {
		attrs := metric.WithAttributes(
			attribute.String("output", p.Output),
			attribute.String("input", p.Input),
		)
		o.ObserveInt64(m.state, int64(p.State), attrs)
		o.ObserveInt64(m.drift, p.DriftSamples, attrs)
		if p.Calibration.IsCalibrated {
			o.ObserveInt64(m.delay, p.Calibration.EstimatedDelaySamples, attrs)
			o.ObserveFloat64(m.confidence, p.Calibration.Confidence, attrs)
		}
	}
}

// ObserveFrame records one processing tick.
func (m *Metrics) ObserveFrame(ctx context.Context, df *aec.DebugFrame) {
	m.Frames.Add(ctx, 1)
	m.TickDuration.Record(ctx, float64(df.EndMicros-df.StartMicros)/1e6)
}

// ObserveCalibration records the outcome of every pairing in a report.
func (m *Metrics) ObserveCalibration(ctx context.Context, r aec.CalibrationReport) {
	for _, res := range r.Results {
		result := "failed"
		switch {
		case res.Skipped:
			result = "skipped"
		case res.Calibration.IsCalibrated:
			result = "calibrated"
		}
		m.Calibrations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("output", res.Output),
			attribute.String("input", res.Input),
			attribute.String("result", result),
		))
	}
}

// Close stops observing the stats source.
func (m *Metrics) Close() error {
	if m.reg == nil {
		return nil
	}
	err := m.reg.Unregister()
	m.reg = nil
	return err
}
