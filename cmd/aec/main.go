package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	lokutoraec "github.com/lokutor-ai/lokutor-aec"
	"github.com/lokutor-ai/lokutor-aec/internal/config"
	"github.com/lokutor-ai/lokutor-aec/pkg/aec"
	"github.com/lokutor-ai/lokutor-aec/pkg/audio"
	"github.com/lokutor-ai/lokutor-aec/pkg/device"
	"github.com/lokutor-ai/lokutor-aec/pkg/monitor"
)

const simulatedRate = 48000

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := newZap(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, aec.NewZapLogger(zl)); err != nil && !errors.Is(err, context.Canceled) {
		zl.Fatal("aec stopped", zap.Error(err))
	}
	zl.Info("shutting down")
}

func newZap(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func run(ctx context.Context, cfg *config.AppConfig, logger aec.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var (
		src       lokutoraec.DeviceSource
		transport audio.Transport
		opts      = []aec.StreamOption{aec.WithLogger(logger), aec.WithTuning(cfg.Tuning())}
		lb        *device.Loopback
	)
	newCanceller, err := aec.CancellerByName(cfg.Canceller)
	if err != nil {
		return err
	}
	opts = append(opts, aec.WithCanceller(newCanceller))
	if cfg.Simulate {
		lb, err = device.NewLoopback(device.LoopbackConfig{
			SampleRate: simulatedRate,
			Period:     simulatedRate / 100,
			Delay:      time.Duration(cfg.SimulatedDelayMs) * time.Millisecond,
			Gain:       0.6,
		})
		if err != nil {
			return err
		}
		lb.SetNearSource(talker(simulatedRate))
		src, transport = simulatedDevices{}, lb
		opts = append(opts, aec.WithClock(lb.Clock))
		g.Go(func() error { return lb.Run(ctx, lb.PeriodDuration()) })
		logger.Info("simulating a room", "delay_ms", cfg.SimulatedDelayMs, "rate", simulatedRate)
	} else {
		mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("init audio context: %w", err)
		}
		defer func() {
			_ = mctx.Uninit()
			mctx.Free()
		}()
		enum := device.NewEnumerator(mctx)
		src, transport = enum, device.NewTransport(mctx, enum)
	}

	devices, err := lokutoraec.ListDevices(src)
	if err != nil {
		return err
	}
	for _, d := range devices.Inputs {
		logger.Info("input device", "name", d.DeviceName, "channels", d.Channels, "rate", d.SampleRate, "format", d.SampleFormat.String())
	}
	for _, d := range devices.Outputs {
		logger.Info("output device", "name", d.DeviceName, "channels", d.Channels, "rate", d.SampleRate, "format", d.SampleFormat.String())
	}

	h, err := lokutoraec.Enable(ctx, src, transport, cfg.InputDevice, cfg.OutputDevice, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.Close(closeCtx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()
	stream := h.Stream()
	if err := h.Calibration().Err(); err != nil {
		logger.Warn("calibration incomplete, passing audio through", "error", err)
	}

	var metrics *monitor.Metrics
	hub := monitor.NewHub(monitor.WithHubLogger(logger), monitor.WithDecimation(5))
	if cfg.MonitorAddr != "" {
		mp, shutdown, err := monitor.InitProvider(ctx, monitor.ProviderConfig{})
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
		if metrics, err = monitor.NewMetrics(mp, stream); err != nil {
			return err
		}
		defer metrics.Close()
		metrics.ObserveCalibration(ctx, h.Calibration())
		g.Go(func() error { return serve(ctx, cfg.MonitorAddr, stream, hub, logger) })
	}

	if cfg.Simulate {
		g.Go(func() error { return playFarEnd(ctx, h.Producer()) })
	}

	rec, err := newRecorder(cfg.RecordDir, stream, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rec.close(); err != nil {
			logger.Error("closing recordings failed", "error", err)
		}
	}()

	g.Go(func() error {
		return stream.Run(ctx, func(df *aec.DebugFrame) {
			if metrics != nil {
				metrics.ObserveFrame(ctx, df)
			}
			hub.Broadcast(df)
			rec.append(df)
		})
	})
	return g.Wait()
}

func serve(ctx context.Context, addr string, stream *aec.Stream, hub *monitor.Hub, logger aec.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/ws", hub)
	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stream.Stats())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("monitor listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// simulatedDevices lists the loopback room's microphone and speaker.
type simulatedDevices struct{}

func (simulatedDevices) Inputs() ([][]audio.InputDeviceConfig, error) {
	return [][]audio.InputDeviceConfig{{{
		HostID: "loopback", DeviceName: "simulated mic",
		Channels: 1, SampleRate: simulatedRate, SampleFormat: audio.FormatF32,
	}}}, nil
}

func (simulatedDevices) Outputs(frameSize uint32) ([][]audio.OutputDeviceConfig, error) {
	return [][]audio.OutputDeviceConfig{{{
		HostID: "loopback", DeviceName: "simulated speaker",
		Channels: 2, SampleRate: simulatedRate, SampleFormat: audio.FormatF32,
		FrameSize: frameSize,
	}}}, nil
}

// talker is a near-end voice stand-in: a 220 Hz tone that speaks for one
// second out of every three.
func talker(rate int) device.NearSource {
	return func(dst []float32, pos int64) {
		for i := range dst {
			n := pos + int64(i)
			if (n/int64(rate))%3 != 0 {
				dst[i] = 0
				continue
			}
			dst[i] = float32(0.1 * math.Sin(2*math.Pi*220*float64(n)/float64(rate)))
		}
	}
}

// playFarEnd keeps the speaker fed with an amplitude-modulated chord, the
// far-end signal the engine should remove from the microphone.
func playFarEnd(ctx context.Context, p *aec.OutputProducer) error {
	rate := p.SampleRate()
	chunk := rate / 100
	buf := make([]float32, chunk*p.Channels())
	var n int64
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for p.Buffered() < 4*len(buf) {
			for f := 0; f < chunk; f++ {
				t := float64(n) / float64(rate)
				env := 0.5 + 0.5*math.Sin(2*math.Pi*0.7*t)
				v := float32(0.25 * env * (math.Sin(2*math.Pi*330*t) + 0.5*math.Sin(2*math.Pi*495*t)))
				for ch := 0; ch < p.Channels(); ch++ {
					buf[f*p.Channels()+ch] = v
				}
				n++
			}
			p.Write(buf)
		}
	}
}

// recorder streams near, far and cancelled audio to WAV files.
type recorder struct {
	near, far, cancelled *audio.WavRecorder
	logger               aec.Logger
}

func newRecorder(dir string, s *aec.Stream, logger aec.Logger) (*recorder, error) {
	if dir == "" {
		return &recorder{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	rate := s.Config().SampleRate
	stamp := time.Now().Format("20060102-150405")
	path := func(kind string) string { return filepath.Join(dir, fmt.Sprintf("aec-%s-%s.wav", stamp, kind)) }

	r := &recorder{logger: logger}
	var err error
	if r.near, err = audio.CreateWavRecorder(path("near"), rate, s.NumInputChannels()); err != nil {
		return nil, err
	}
	if r.far, err = audio.CreateWavRecorder(path("far"), rate, s.NumOutputChannels()); err != nil {
		return nil, errors.Join(err, r.near.Close())
	}
	if r.cancelled, err = audio.CreateWavRecorder(path("aec"), rate, s.NumInputChannels()); err != nil {
		return nil, errors.Join(err, r.near.Close(), r.far.Close())
	}
	logger.Info("recording", "near", r.near.Path(), "far", r.far.Path(), "aec", r.cancelled.Path())
	return r, nil
}

// append writes one frame to each file. The first failure stops the
// recording; the files written so far stay valid.
func (r *recorder) append(df *aec.DebugFrame) {
	if r.near == nil {
		return
	}
	err := errors.Join(r.near.Append(df.Inputs), r.far.Append(df.Outputs), r.cancelled.Append(df.Cancelled))
	if err != nil {
		r.logger.Error("recording stopped", "error", err)
		if cerr := r.close(); cerr != nil {
			r.logger.Error("closing recordings failed", "error", cerr)
		}
	}
}

func (r *recorder) close() error {
	if r.near == nil {
		return nil
	}
	err := errors.Join(r.near.Close(), r.far.Close(), r.cancelled.Close())
	r.near, r.far, r.cancelled = nil, nil, nil
	return err
}
