package wav

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// Writer writes 16-bit PCM WAV files.
type Writer struct {
	file           *os.File
	sampleRate     uint32
	numChannels    uint16
	bitsPerSample  uint16
	samplesWritten uint32
}

// NewWriter creates a WAV file and writes a provisional header; the header
// sizes are fixed up on Close.
func NewWriter(filename string, sampleRate uint32, numChannels uint16) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	writer := &Writer{
		file:          file,
		sampleRate:    sampleRate,
		numChannels:   numChannels,
		bitsPerSample: 16,
	}

	if err := writer.writeHeader(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return writer, nil
}

// WritePCM appends raw 16-bit little-endian PCM.
func (w *Writer) WritePCM(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("PCM data must be a whole number of 16-bit samples, got %d bytes", len(pcm))
	}
	if _, err := w.file.Write(pcm); err != nil {
		return fmt.Errorf("failed to write PCM data: %w", err)
	}
	w.samplesWritten += uint32(len(pcm) / 2 / int(w.numChannels))
	return nil
}

// WriteFrames appends the PCM of the given frames in order.
func (w *Writer) WriteFrames(frames []rtc.AudioFrame) error {
	for i := range frames {
		if err := w.WritePCM(frames[i].Data); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return nil
}

// Close finalizes the WAV file by updating the header with actual sizes.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	dataSize := w.samplesWritten * uint32(w.numChannels) * uint32(w.bitsPerSample) / 8
	chunkSize := dataSize + 36

	if _, err := w.file.Seek(4, 0); err != nil {
		return fmt.Errorf("failed to seek to chunk size: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, chunkSize); err != nil {
		return fmt.Errorf("failed to write chunk size: %w", err)
	}

	if _, err := w.file.Seek(40, 0); err != nil {
		return fmt.Errorf("failed to seek to data size: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write data size: %w", err)
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// writeHeader writes the initial WAV header.
func (w *Writer) writeHeader() error {
	if _, err := w.file.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}
	if _, err := w.file.WriteString("WAVE"); err != nil {
		return err
	}

	if _, err := w.file.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint16(1)); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.numChannels); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.sampleRate); err != nil {
		return err
	}

	byteRate := w.sampleRate * uint32(w.numChannels) * uint32(w.bitsPerSample) / 8
	if err := binary.Write(w.file, binary.LittleEndian, byteRate); err != nil {
		return err
	}

	blockAlign := w.numChannels * w.bitsPerSample / 8
	if err := binary.Write(w.file, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.bitsPerSample); err != nil {
		return err
	}

	if _, err := w.file.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}

	return nil
}
