package recording

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// wavHeaderSize is the fixed RIFF/WAVE header length.
	wavHeaderSize = 44

	// wavFormatPCMU is the WAV format tag for G.711 u-law.
	wavFormatPCMU = 7

	// wavBytesPerSecond for G.711 u-law at 8 kHz mono.
	wavBytesPerSecond = 8000
)

// WAVWriter writes G.711 u-law audio to a WAV file. A placeholder header is
// written on creation and rewritten with the actual data size on Finalize.
type WAVWriter struct {
	file     *os.File
	filePath string
	dataSize uint32
}

// NewWAVWriter creates the recording file, creating parent directories as
// needed.
func NewWAVWriter(filePath string) (*WAVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}

	if err := writeWAVHeader(f, 0); err != nil {
		f.Close()
		os.Remove(filePath)
		return nil, fmt.Errorf("writing wav header: %w", err)
	}

	return &WAVWriter{file: f, filePath: filePath}, nil
}

// Write appends u-law sample bytes to the data chunk.
func (w *WAVWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.dataSize += uint32(n)
	if err != nil {
		return n, fmt.Errorf("writing wav data: %w", err)
	}
	return n, nil
}

// DataSize returns the number of sample bytes written so far.
func (w *WAVWriter) DataSize() uint32 {
	return w.dataSize
}

// FilePath returns the path of the recording file.
func (w *WAVWriter) FilePath() string {
	return w.filePath
}

// Finalize rewrites the header with the actual data size and closes the
// file. Returns the number of sample bytes captured.
func (w *WAVWriter) Finalize() (uint32, error) {
	if _, err := w.file.Seek(0, 0); err != nil {
		w.file.Close()
		return w.dataSize, fmt.Errorf("seeking for wav header rewrite: %w", err)
	}
	if err := writeWAVHeader(w.file, w.dataSize); err != nil {
		w.file.Close()
		return w.dataSize, fmt.Errorf("rewriting wav header: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return w.dataSize, fmt.Errorf("closing wav file: %w", err)
	}
	return w.dataSize, nil
}

// Discard closes and removes the recording file.
func (w *WAVWriter) Discard() {
	w.file.Close()
	os.Remove(w.filePath)
}

// writeWAVHeader writes a 44-byte WAV header for G.711 u-law audio.
// 8000 Hz sample rate, mono, 8 bits per sample.
func writeWAVHeader(f *os.File, dataSize uint32) error {
	var hdr [wavHeaderSize]byte

	// RIFF header.
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")

	// fmt sub-chunk.
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)            // sub-chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCMU) // G.711 u-law
	binary.LittleEndian.PutUint16(hdr[22:24], 1)             // mono
	binary.LittleEndian.PutUint32(hdr[24:28], 8000)          // sample rate
	binary.LittleEndian.PutUint32(hdr[28:32], 8000)          // byte rate
	binary.LittleEndian.PutUint16(hdr[32:34], 1)             // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 8)             // bits per sample

	// data sub-chunk.
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)

	_, err := f.Write(hdr[:])
	return err
}
