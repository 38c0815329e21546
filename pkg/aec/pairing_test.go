package aec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairingDegradesOnSignalBursts(t *testing.T) {
	r := newRig(t, testRate, 10*time.Millisecond, 0.5)
	tun := r.stream.Tuning()
	p := r.stream.pairings[0]
	p.state = Active
	p.resetWindow()

	const tolerance = 1 << 40
	for i := 0; i < tun.DegradeThreshold; i++ {
		p.in.padded++
		p.observe(tun, tolerance)
	}
	assert.Equal(t, Active, p.state, "threshold itself is tolerated")

	p.in.padded++
	p.observe(tun, tolerance)
	require.Equal(t, Degraded, p.state)

	// a quiet window restores the pairing
	for i := 0; i < tun.DegradeWindow; i++ {
		p.observe(tun, tolerance)
	}
	assert.Equal(t, Active, p.state)
}

func TestPairingDegradesOnDrift(t *testing.T) {
	r := newRig(t, testRate, 10*time.Millisecond, 0.5)
	tun := r.stream.Tuning()
	p := r.stream.pairings[0]
	p.state = Active
	p.resetWindow()

	p.drift = 801
	p.observe(tun, 800)
	assert.Equal(t, Degraded, p.state)
	assert.Equal(t, int64(801), p.status().DriftSamples)

	p.drift = -10
	p.observe(tun, 800)
	assert.Equal(t, Active, p.state)
}

func TestUncalibratedPairingNeverDegrades(t *testing.T) {
	r := newRig(t, testRate, 10*time.Millisecond, 0.5)
	tun := r.stream.Tuning()
	p := r.stream.pairings[0]
	p.drift = 1 << 20
	for i := 0; i < 2*tun.DegradeWindow; i++ {
		p.in.padded++
		p.observe(tun, 1)
	}
	assert.Equal(t, Uncalibrated, p.state)
}

func TestFarStartAppliesMargin(t *testing.T) {
	p := &pairing{cal: CalibrationState{EstimatedDelaySamples: 480}}
	assert.Equal(t, int64(1000-480+64), p.farStart(1000, 64))
}
