package audio

import (
	"io"
	"sync"
)

const (
	// SampleRate is the audio clock for all tracks: 8 kHz narrowband,
	// matching the G.711 codecs used on the wire.
	SampleRate = 8000

	// SamplesPerFrame is the number of samples in one 20 ms frame.
	SamplesPerFrame = 160

	// trackChanSize is the buffered channel capacity for a PCMTrack.
	// At 50 frames/sec this holds ~1.3 seconds of audio.
	trackChanSize = 64
)

// Track is a unidirectional stream of 20 ms linear PCM frames.
type Track interface {
	// ReadFrame blocks until the next frame is available, copies its
	// samples into buf, and returns the sample count. It returns io.EOF
	// once the track has been closed and drained.
	ReadFrame(buf []int16) (int, error)
}

// Sink consumes PCM frames, typically a playback device.
type Sink interface {
	WriteFrame(samples []int16) error
}

// MediaPort is the narrow surface the audio graph needs from a live media
// transport. It hides everything else about the underlying session.
type MediaPort interface {
	// OnInboundTrack registers a callback invoked for each new inbound
	// audio track. May fire more than once per session (renegotiation).
	OnInboundTrack(fn func(Track))

	// ReplaceOutboundTrack atomically swaps the track being sent to the
	// remote party without disturbing the transport.
	ReplaceOutboundTrack(t Track) error
}

// FrameTap observes frames flowing through the graph. Implementations must
// not block: taps are called from the media path.
type FrameTap interface {
	LocalFrame(samples []int16)
	RemoteFrame(samples []int16)
}

// PCMTrack is a channel-backed Track. Push is non-blocking: if the consumer
// falls behind, frames are dropped rather than stalling the media path.
type PCMTrack struct {
	frames chan []int16

	mu     sync.Mutex
	closed bool
}

// NewPCMTrack creates an empty buffered track.
func NewPCMTrack() *PCMTrack {
	return &PCMTrack{frames: make(chan []int16, trackChanSize)}
}

// Push queues a frame for the reader. The samples are copied so the caller's
// buffer can be reused immediately. Frames pushed after Close are discarded.
func (t *PCMTrack) Push(samples []int16) {
	if len(samples) == 0 {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	buf := make([]int16, len(samples))
	copy(buf, samples)
	select {
	case t.frames <- buf:
	default:
		// Consumer behind — drop the frame.
	}
	t.mu.Unlock()
}

// ReadFrame implements Track.
func (t *PCMTrack) ReadFrame(buf []int16) (int, error) {
	frame, ok := <-t.frames
	if !ok {
		return 0, io.EOF
	}
	n := copy(buf, frame)
	return n, nil
}

// Close marks the track finished. Readers drain buffered frames and then
// receive io.EOF. Safe to call more than once.
func (t *PCMTrack) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.frames)
}
