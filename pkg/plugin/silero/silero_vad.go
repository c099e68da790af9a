//go:build silero

package silero

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/plugin"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// The runtime environment is initialized once per process; tearing it down
// and re-creating it leaks internal state.
var ortEnvOnce sync.Once

// The model's hidden state drifts over long sessions; it is zeroed on this
// interval.
const stateResetInterval = 2 * time.Second

// Detector runs the Silero model frame by frame. Frames are accumulated
// until a full model window (512 samples at 16kHz, 256 at 8kHz) is
// available; frames in between carry the previous window's confidence.
//
// Classify is called from the capture loop only; the mutex exists for
// Capabilities and teardown.
type Detector struct {
	mu        sync.Mutex
	threshold float32

	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	stateTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]

	sampleRate  int64
	windowSize  int64
	contextSize int64

	state     []float32 // hidden state [2, 1, 128], backs stateTensor
	context   []float32 // trailing samples prepended to each window
	buffer    []float32 // samples waiting for a full window
	fullInput []float32 // context + window scratch

	lastConfidence float32
	lastReset      time.Time
}

func newDetector(cfg map[string]any) (any, error) {
	modelPath := defaultModelPath()
	if p, ok := cfg["model_path"].(string); ok && p != "" {
		modelPath = p
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero model not found at %s: %w", modelPath, err)
	}

	threshold := float32(DefaultThreshold)
	if t, ok := cfg["threshold"].(float64); ok && t > 0 {
		threshold = float32(t)
	}

	sampleRate := int64(16000)
	if sr, ok := cfg["sample_rate"].(int); ok && sr > 0 {
		sampleRate = int64(sr)
	}

	var windowSize, contextSize int64
	switch sampleRate {
	case 8000:
		windowSize, contextSize = 256, 32
	case 16000:
		windowSize, contextSize = 512, 64
	default:
		return nil, fmt.Errorf("silero supports 8kHz and 16kHz, got %d", sampleRate)
	}

	var envErr error
	ortEnvOnce.Do(func() {
		if lib, ok := cfg["onnx_lib_path"].(string); ok && lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", envErr)
	}

	d := &Detector{
		threshold:   threshold,
		sampleRate:  sampleRate,
		windowSize:  windowSize,
		contextSize: contextSize,
		state:       make([]float32, 2*1*128),
		context:     make([]float32, contextSize),
		fullInput:   make([]float32, contextSize+windowSize),
		lastReset:   time.Now(),
	}
	if err := d.createSession(modelPath); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Detector) createSession(modelPath string) error {
	var err error

	d.inputTensor, err = ort.NewTensor(ort.NewShape(1, d.contextSize+d.windowSize),
		make([]float32, d.contextSize+d.windowSize))
	if err != nil {
		return fmt.Errorf("creating input tensor: %w", err)
	}

	d.srTensor, err = ort.NewTensor(ort.NewShape(1), []int64{d.sampleRate})
	if err != nil {
		return fmt.Errorf("creating sr tensor: %w", err)
	}

	// stateTensor shares d.state as backing memory.
	d.stateTensor, err = ort.NewTensor(ort.NewShape(2, 1, 128), d.state)
	if err != nil {
		return fmt.Errorf("creating state tensor: %w", err)
	}

	d.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return fmt.Errorf("creating output tensor: %w", err)
	}

	d.stateNTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return fmt.Errorf("creating stateN tensor: %w", err)
	}

	d.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input", "sr", "state"},
		[]string{"output", "stateN"},
		[]ort.Value{d.inputTensor, d.srTensor, d.stateTensor},
		[]ort.Value{d.outputTensor, d.stateNTensor},
		nil,
	)
	if err != nil {
		return fmt.Errorf("creating onnx session: %w", err)
	}
	return nil
}

// Classify accumulates the frame and runs inference for each complete
// model window. Inference on a 32ms window takes well under a millisecond
// on commodity CPUs, fine for the capture path.
func (d *Detector) Classify(frame rtc.AudioFrame) vad.Decision {
	if time.Since(d.lastReset) >= stateResetInterval {
		d.resetState()
	}

	for i := 0; i+1 < len(frame.Data); i += 2 {
		s := int16(binary.LittleEndian.Uint16(frame.Data[i:]))
		d.buffer = append(d.buffer, float32(s)/32768.0)
	}

	for int64(len(d.buffer)) >= d.windowSize {
		window := d.buffer[:d.windowSize]
		d.buffer = d.buffer[d.windowSize:]

		copy(d.fullInput[:d.contextSize], d.context)
		copy(d.fullInput[d.contextSize:], window)
		copy(d.inputTensor.GetData(), d.fullInput)
		copy(d.stateTensor.GetData(), d.state)

		if err := d.session.Run(); err != nil {
			slog.Warn("silero inference failed", "error", err)
			break
		}

		d.lastConfidence = d.outputTensor.GetData()[0]
		copy(d.state, d.stateNTensor.GetData())
		copy(d.context, d.fullInput[len(d.fullInput)-int(d.contextSize):])
	}

	return vad.Decision{
		Seq:        frame.Seq,
		IsSpeech:   d.lastConfidence >= d.threshold,
		Confidence: d.lastConfidence,
	}
}

func (d *Detector) resetState() {
	for i := range d.state {
		d.state[i] = 0
	}
	for i := range d.context {
		d.context[i] = 0
	}
	d.buffer = d.buffer[:0]
	d.lastConfidence = 0
	d.lastReset = time.Now()
}

// Close releases the session and tensors. The process-wide runtime
// environment stays up for later sessions.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	for _, t := range []interface{ Destroy() error }{
		d.inputTensor, d.srTensor, d.stateTensor, d.outputTensor, d.stateNTensor,
	} {
		if t != nil {
			t.Destroy()
		}
	}
	d.inputTensor, d.srTensor, d.stateTensor, d.outputTensor, d.stateNTensor = nil, nil, nil, nil, nil
	return nil
}

func (d *Detector) Capabilities() vad.Capabilities {
	return vad.Capabilities{
		SampleRates: []int{8000, 16000},
		FrameSizes:  []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond},
		Sensitivity: d.threshold,
	}
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Factory:     newDetector,
		Description: "Silero neural VAD (onnxruntime)",
		Version:     "1.0.0",
		Downloader:  &ModelDownloader{},
	})
}
