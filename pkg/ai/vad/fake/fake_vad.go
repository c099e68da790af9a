// Package fake provides a scripted VAD for deterministic tests.
package fake

import (
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// FakeVAD replays a fixed script of speech/non-speech labels, one per frame
// in call order. Once the script is exhausted every frame is labeled
// non-speech.
type FakeVAD struct {
	mu     sync.Mutex
	script []bool
	next   int
}

// NewFakeVAD creates a scripted VAD. Each call to Classify consumes the next
// label from the script.
func NewFakeVAD(script ...bool) *FakeVAD {
	return &FakeVAD{script: script}
}

// Append extends the script. Useful for tests that drive the pipeline in
// phases.
func (f *FakeVAD) Append(labels ...bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, labels...)
}

// Classify returns the next scripted label.
func (f *FakeVAD) Classify(frame rtc.AudioFrame) vad.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	isSpeech := false
	if f.next < len(f.script) {
		isSpeech = f.script[f.next]
		f.next++
	}

	conf := float32(0.1)
	if isSpeech {
		conf = 0.9
	}
	return vad.Decision{Seq: frame.Seq, IsSpeech: isSpeech, Confidence: conf}
}

// Capabilities returns the fake capabilities.
func (f *FakeVAD) Capabilities() vad.Capabilities {
	return vad.Capabilities{
		SampleRates: []int{16000, 48000},
		FrameSizes:  []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
		Sensitivity: 0.5,
	}
}
