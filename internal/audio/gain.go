package audio

import "sync/atomic"

// GainTrack wraps a source track and scales its samples by a user-controlled
// gain factor (0–100 %). Gain changes are O(1) atomic updates and take effect
// on the next frame, with no renegotiation of the underlying transport.
type GainTrack struct {
	src     Track
	percent atomic.Int32
	tap     FrameTap // optional, observes post-gain frames
}

// NewGainTrack creates a gain stage over src starting at 100 %.
// tap may be nil.
func NewGainTrack(src Track, tap FrameTap) *GainTrack {
	g := &GainTrack{src: src, tap: tap}
	g.percent.Store(100)
	return g
}

// SetGain sets the gain factor, clamped to 0–100.
func (g *GainTrack) SetGain(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	g.percent.Store(int32(percent))
}

// Gain returns the current gain factor in percent.
func (g *GainTrack) Gain() int {
	return int(g.percent.Load())
}

// ReadFrame implements Track: it reads a frame from the source and scales
// each sample by the current gain.
func (g *GainTrack) ReadFrame(buf []int16) (int, error) {
	n, err := g.src.ReadFrame(buf)
	if err != nil {
		return n, err
	}

	pct := int32(g.percent.Load())
	if pct != 100 {
		for i := 0; i < n; i++ {
			buf[i] = int16(int32(buf[i]) * pct / 100)
		}
	}

	if g.tap != nil {
		g.tap.LocalFrame(buf[:n])
	}
	return n, nil
}
