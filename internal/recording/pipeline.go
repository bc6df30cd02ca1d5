package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voicedesk/voicedesk/internal/audio"
)

const (
	// frameChanSize is the buffered capacity per direction. At 50
	// frames/sec this holds ~2 seconds of audio.
	frameChanSize = 128

	// mixInterval is the mix cadence, one audio frame.
	mixInterval = 20 * time.Millisecond

	// uploadTimeout bounds the post-call artifact upload.
	uploadTimeout = 30 * time.Second
)

// Metadata describes the call a recording belongs to. It travels with the
// artifact to the upload endpoint.
type Metadata struct {
	CallLogID       string
	CustomerID      string
	CampaignID      string
	CustomerName    string
	AgentName       string
	PhoneNumber     string
	DurationSeconds int
}

// Artifact is a finished recording ready for upload.
type Artifact struct {
	FilePath string
	Metadata Metadata
}

// Uploader delivers a finished artifact to the recording store.
type Uploader interface {
	Upload(ctx context.Context, a Artifact) error
}

// Pipeline records one call: it mixes the local outbound audio and the
// remote inbound audio into a single mono stream, captures it as G.711
// u-law WAV, and uploads the artifact after the call.
//
// The pipeline implements audio.FrameTap so the audio graph can feed it
// without knowing about recording. Feeding is non-blocking: when the mix
// goroutine falls behind, frames are dropped rather than stalling media.
//
// Recording is best-effort telemetry: every failure is logged and swallowed,
// never surfaced to the call flow.
type Pipeline struct {
	logger   *slog.Logger
	uploader Uploader
	dir      string

	local  chan []int16
	remote chan []int16

	mu      sync.Mutex
	started bool
	stopped bool
	paused  bool
	writer  *WAVWriter
	meta    Metadata
	mixStop chan struct{}
	mixDone chan struct{}
}

// NewPipeline creates a recording pipeline writing temporary WAV files under
// dir. uploader may be nil, in which case finished artifacts are discarded.
func NewPipeline(dir string, uploader Uploader, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger:   logger.With("subsystem", "recording"),
		uploader: uploader,
		dir:      dir,
		local:    make(chan []int16, frameChanSize),
		remote:   make(chan []int16, frameChanSize),
	}
}

// Start begins capture. A duplicate Start (re-entrant establishment event)
// is a no-op.
func (p *Pipeline) Start(meta Metadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}

	name := fmt.Sprintf("call_%s_%d.wav", meta.CallLogID, time.Now().UnixNano())
	if meta.CallLogID == "" {
		name = fmt.Sprintf("call_%d.wav", time.Now().UnixNano())
	}
	writer, err := NewWAVWriter(filepath.Join(p.dir, name))
	if err != nil {
		p.logger.Error("failed to open recording file, call continues unrecorded", "error", err)
		return
	}

	p.started = true
	p.writer = writer
	p.meta = meta
	p.mixStop = make(chan struct{})
	p.mixDone = make(chan struct{})
	go p.mixLoop(p.mixStop, p.mixDone)

	p.logger.Info("call recording started", "file", writer.FilePath())
}

// LocalFrame implements audio.FrameTap for the processed outbound audio.
func (p *Pipeline) LocalFrame(samples []int16) {
	p.feed(p.local, samples)
}

// RemoteFrame implements audio.FrameTap for the inbound audio.
func (p *Pipeline) RemoteFrame(samples []int16) {
	p.feed(p.remote, samples)
}

func (p *Pipeline) feed(ch chan []int16, samples []int16) {
	if len(samples) == 0 {
		return
	}
	buf := make([]int16, len(samples))
	copy(buf, samples)
	select {
	case ch <- buf:
	default:
		// Mix goroutine behind — drop rather than blocking the media path.
	}
}

// Pause suspends capture (privacy pause). Safe to call when not recording.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return
	}
	p.paused = true
	p.logger.Info("call recording paused")
}

// Resume restarts capture after a Pause. Safe to call when not recording.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped || !p.paused {
		return
	}
	p.paused = false
	p.logger.Info("call recording resumed")
}

// Stop finalizes the recording. If any audio was captured and the call had
// positive duration, the artifact is uploaded asynchronously and the local
// file removed afterward; otherwise everything is discarded silently.
// Stop never blocks on the upload and is safe to call more than once.
func (p *Pipeline) Stop(durationSeconds int) {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	writer := p.writer
	meta := p.meta
	mixStop, mixDone := p.mixStop, p.mixDone
	p.mu.Unlock()

	close(mixStop)
	<-mixDone

	dataSize, err := writer.Finalize()
	if err != nil {
		p.logger.Error("failed to finalize recording", "error", err)
	}

	if dataSize == 0 || durationSeconds <= 0 {
		os.Remove(writer.FilePath())
		p.logger.Debug("recording discarded", "bytes", dataSize, "duration_secs", durationSeconds)
		return
	}

	meta.DurationSeconds = durationSeconds
	p.logger.Info("call recording stopped",
		"duration_secs", durationSeconds,
		"total_bytes", dataSize,
	)

	if p.uploader == nil {
		os.Remove(writer.FilePath())
		return
	}

	// Upload off the call path; the local file is removed regardless of
	// the outcome.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		defer os.Remove(writer.FilePath())

		if err := p.uploader.Upload(ctx, Artifact{FilePath: writer.FilePath(), Metadata: meta}); err != nil {
			p.logger.Error("recording upload failed", "error", err, "call_log_id", meta.CallLogID)
			return
		}
		p.logger.Info("recording uploaded", "call_log_id", meta.CallLogID)
	}()
}

// Recording reports whether capture is currently running.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// mixLoop sums one local and one remote frame per cadence tick, clamps to
// the 16-bit range, encodes to u-law, and appends to the WAV file. Ticks
// with no audio in either direction write nothing, so a silent pipeline
// produces a zero-byte artifact.
func (p *Pipeline) mixLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(mixInterval)
	defer ticker.Stop()

	mixBuf := make([]int32, audio.SamplesPerFrame)
	encBuf := make([]byte, audio.SamplesPerFrame)
	pcmBuf := make([]int16, audio.SamplesPerFrame)

	for {
		select {
		case <-stop:
			// Drain whatever is buffered before finalizing.
			for p.mixOnce(mixBuf, pcmBuf, encBuf) {
			}
			return
		case <-ticker.C:
			p.mixOnce(mixBuf, pcmBuf, encBuf)
		}
	}
}

// mixOnce consumes at most one frame per direction and writes the mix.
// Returns true if any audio was consumed.
func (p *Pipeline) mixOnce(mixBuf []int32, pcmBuf []int16, encBuf []byte) bool {
	for i := range mixBuf {
		mixBuf[i] = 0
	}

	got := false
	n := 0
	for _, ch := range []chan []int16{p.local, p.remote} {
		select {
		case frame := <-ch:
			got = true
			if len(frame) > n {
				n = len(frame)
			}
			for i := 0; i < len(frame) && i < len(mixBuf); i++ {
				mixBuf[i] += int32(frame[i])
			}
		default:
		}
	}
	if !got {
		return false
	}

	p.mu.Lock()
	paused := p.paused
	writer := p.writer
	p.mu.Unlock()
	if paused || writer == nil {
		return true
	}

	if n > len(mixBuf) {
		n = len(mixBuf)
	}
	for i := 0; i < n; i++ {
		s := mixBuf[i]
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		pcmBuf[i] = int16(s)
	}
	encoded := audio.EncodeULaw(pcmBuf[:n], encBuf)
	if _, err := writer.Write(encBuf[:encoded]); err != nil {
		p.logger.Error("failed to write recording data", "error", err)
	}
	return true
}
