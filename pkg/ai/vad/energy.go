package vad

import (
	"time"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// DefaultEnergyThreshold is the normalized RMS level above which a frame
// counts as speech. Tuned for close-talking microphones; quiet rooms can
// go lower.
const DefaultEnergyThreshold = 0.015

// EnergyVAD labels frames by RMS energy. It is the zero-dependency default
// detector; the silero plugin replaces it with a model when built in.
type EnergyVAD struct {
	threshold float32
}

// NewEnergyVAD creates an energy-based detector. A non-positive threshold
// selects DefaultEnergyThreshold.
func NewEnergyVAD(threshold float32) *EnergyVAD {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &EnergyVAD{threshold: threshold}
}

// Classify labels the frame by comparing its RMS energy to the threshold.
func (e *EnergyVAD) Classify(frame rtc.AudioFrame) Decision {
	rms := frame.RMS()
	return Decision{
		Seq:        frame.Seq,
		IsSpeech:   rms > e.threshold,
		Confidence: rms,
	}
}

// Capabilities returns the detector's capabilities.
func (e *EnergyVAD) Capabilities() Capabilities {
	return Capabilities{
		SampleRates: []int{8000, 16000, 48000},
		FrameSizes:  []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
		Sensitivity: e.threshold,
	}
}
