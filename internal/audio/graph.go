package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Graph owns the local capture path and the remote playback path for one
// call. On start it builds microphone → gain stage → outbound track and swaps
// the processed track into the transport; each new inbound track is attached
// to the playback sink, replacing the previous one.
//
// The graph is owned by the session controller for the session's lifetime.
// Close is idempotent and releases all pumps exactly once.
type Graph struct {
	logger *slog.Logger
	port   MediaPort
	sink   Sink
	mic    Track
	tap    FrameTap

	gain *GainTrack

	mu       sync.Mutex
	pumpStop chan struct{} // stops the current inbound pump, nil if none
	closed   bool
}

// NewGraph creates an audio graph over the given microphone track, media
// port, and playback sink. tap may be nil; when set it observes both the
// processed local frames and the remote frames (used by the recorder).
func NewGraph(mic Track, port MediaPort, sink Sink, tap FrameTap, logger *slog.Logger) *Graph {
	return &Graph{
		logger: logger.With("subsystem", "audio-graph"),
		port:   port,
		sink:   sink,
		mic:    mic,
		tap:    tap,
	}
}

// Start wires the graph into the transport. A failure to install the gain
// stage is logged and the call continues with the unprocessed microphone
// track; inbound playback is attached regardless.
func (g *Graph) Start() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("audio graph already closed")
	}
	g.gain = NewGainTrack(g.mic, g.tap)
	g.mu.Unlock()

	if err := g.port.ReplaceOutboundTrack(g.gain); err != nil {
		// Degraded mode: remote hears the raw microphone, gain control
		// is inert for this session.
		g.logger.Error("failed to install processed outbound track, continuing unprocessed", "error", err)
		g.mu.Lock()
		g.gain = nil
		g.mu.Unlock()
	}

	g.port.OnInboundTrack(g.attachInbound)
	return nil
}

// SetGain adjusts the outbound gain factor (0–100 %). No-op when the gain
// stage could not be installed.
func (g *Graph) SetGain(percent int) {
	g.mu.Lock()
	gain := g.gain
	g.mu.Unlock()
	if gain == nil {
		g.logger.Warn("gain change ignored: no processed track installed", "percent", percent)
		return
	}
	gain.SetGain(percent)
	g.logger.Debug("outbound gain updated", "percent", gain.Gain())
}

// Gain returns the current gain factor, or 100 when no gain stage exists.
func (g *Graph) Gain() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gain == nil {
		return 100
	}
	return g.gain.Gain()
}

// attachInbound starts a pump moving frames from the new inbound track to
// the playback sink, replacing any previous pump.
func (g *Graph) attachInbound(t Track) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if g.pumpStop != nil {
		close(g.pumpStop)
	}
	stop := make(chan struct{})
	g.pumpStop = stop
	g.mu.Unlock()

	g.logger.Debug("inbound track attached to playback")
	go g.pump(t, stop)
}

// pump forwards frames from track to sink until the track ends or stop is
// closed. Remote frames are mirrored to the tap for recording.
func (g *Graph) pump(t Track, stop chan struct{}) {
	buf := make([]int16, SamplesPerFrame)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := t.ReadFrame(buf)
		if err != nil {
			return
		}
		if g.tap != nil {
			g.tap.RemoteFrame(buf[:n])
		}
		if err := g.sink.WriteFrame(buf[:n]); err != nil {
			g.logger.Debug("playback write failed", "error", err)
		}
	}
}

// Close tears the graph down. It must be called exactly once per session;
// repeated calls are no-ops.
func (g *Graph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	if g.pumpStop != nil {
		close(g.pumpStop)
		g.pumpStop = nil
	}
	g.gain = nil
	g.logger.Debug("audio graph released")
}
