package aec

// Start-time constants. They are the externally observable tuning knobs of
// the engine; changing any of them changes calibration or cancellation
// behaviour.
const (
	// TargetSampleRate is the internal processing rate in Hz.
	TargetSampleRate = 16000
	// FrameSizeMs is the duration of one processing frame.
	FrameSizeMs = 10
	// FilterLengthMs is the echo tail the canceller models.
	FilterLengthMs = 100

	// HistoryLen is the number of frames of far-end and near-end audio
	// retained per device at the internal rate.
	HistoryLen = 120
	// CalibrationPackets is the packet budget of one calibration pass.
	CalibrationPackets = 15
	// AudioBufferSeconds sizes every device ring.
	AudioBufferSeconds = 5
	// ResamplerQuality is the quality level of every resampler stage.
	ResamplerQuality = 5
	// OutputFrameSize is the preferred playback callback size in frames.
	OutputFrameSize = 480
)

const (
	// calibration burst defaults
	defaultBurstSamples   = 1024
	defaultBurstAmplitude = 0.5
	defaultMaxDelayMs     = 500
	defaultMinConfidence  = 0.5
	defaultStablePackets  = 3
	defaultStableVariance = 1.0

	defaultAlignmentMarginMs = 4
	defaultDegradeWindow     = 100
	defaultDegradeThreshold  = 10
	defaultDriftToleranceMs  = 50

	// onsetThreshold is the level at which a calibration burst is considered
	// to have started in the reference stream.
	onsetThreshold = 0.01
	// burstLead is the silence kept before the detected onset in the
	// correlation window, in internal-rate samples.
	burstLead = 32
	// burstTail is the silence written after each burst.
	burstTail = 256
	// burstSeed seeds the calibration pattern.
	burstSeed = 0x2545f491
)
