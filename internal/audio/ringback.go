package audio

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// North American ringback: 440 Hz + 480 Hz, 2 s on, 4 s off.
	ringbackLowHz  = 440.0
	ringbackHighHz = 480.0
	ringbackOnMs   = 2000
	ringbackPeriod = 6 * time.Second

	// ringbackAmplitude keeps the tone comfortably below full scale.
	ringbackAmplitude = 0.25
)

// Ringback plays a synthesized ringback tone to the local sink while a call
// attempt is alerting. The tone repeats on a fixed cadence until Stop.
type Ringback struct {
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewRingback creates a ringback generator writing to the given sink.
func NewRingback(sink Sink, logger *slog.Logger) *Ringback {
	return &Ringback{
		sink:   sink,
		logger: logger.With("subsystem", "ringback"),
	}
}

// Start begins the tone cadence. Calling Start while already playing is a
// no-op.
func (r *Ringback) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
	r.logger.Debug("ringback started")
}

// Stop halts the tone and waits for the generator goroutine to exit.
// Safe to call when not playing.
func (r *Ringback) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	r.logger.Debug("ringback stopped")
}

// loop writes one burst of tone frames at the start of each cadence period.
// Frames are paced at the 20 ms frame interval so the sink is never flooded.
func (r *Ringback) loop(stop, done chan struct{}) {
	defer close(done)

	tone := ringbackTone()
	frameTicker := time.NewTicker(20 * time.Millisecond)
	defer frameTicker.Stop()

	for {
		// Play the on-portion of the cadence, one frame per tick.
		for off := 0; off+SamplesPerFrame <= len(tone); off += SamplesPerFrame {
			select {
			case <-stop:
				return
			case <-frameTicker.C:
				if err := r.sink.WriteFrame(tone[off : off+SamplesPerFrame]); err != nil {
					r.logger.Debug("ringback write failed", "error", err)
				}
			}
		}

		// Silence until the next cadence period.
		select {
		case <-stop:
			return
		case <-time.After(ringbackPeriod - ringbackOnMs*time.Millisecond):
		}
	}
}

// ringbackTone pre-generates the on-portion of the cadence: a dual-frequency
// sine burst as linear PCM at the track sample rate.
func ringbackTone() []int16 {
	total := SampleRate * ringbackOnMs / 1000
	samples := make([]int16, total)
	peak := ringbackAmplitude * 32767.0 / 2.0

	for i := 0; i < total; i++ {
		t := float64(i) / float64(SampleRate)
		v := peak*math.Sin(2.0*math.Pi*ringbackLowHz*t) + peak*math.Sin(2.0*math.Pi*ringbackHighHz*t)
		samples[i] = int16(v)
	}
	return samples
}
