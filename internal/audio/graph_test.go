package audio

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakePort implements MediaPort and records the installed outbound track.
type fakePort struct {
	mu        sync.Mutex
	outbound  Track
	inboundFn func(Track)
	replErr   error
}

func (p *fakePort) OnInboundTrack(fn func(Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inboundFn = fn
}

func (p *fakePort) ReplaceOutboundTrack(t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replErr != nil {
		return p.replErr
	}
	p.outbound = t
	return nil
}

func (p *fakePort) deliverInbound(t Track) {
	p.mu.Lock()
	fn := p.inboundFn
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// collectSink gathers written frames.
type collectSink struct {
	mu     sync.Mutex
	frames [][]int16
}

func (s *collectSink) WriteFrame(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]int16, len(samples))
	copy(buf, samples)
	s.frames = append(s.frames, buf)
	return nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestGraphInstallsGainStage(t *testing.T) {
	mic := NewPCMTrack()
	port := &fakePort{}
	sink := &collectSink{}

	g := NewGraph(mic, port, sink, nil, testLogger())
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	port.mu.Lock()
	out := port.outbound
	port.mu.Unlock()
	if out == nil {
		t.Fatal("outbound track was not replaced")
	}

	// Frames read through the installed track are gain-scaled.
	g.SetGain(50)
	mic.Push([]int16{1000, -1000})
	buf := make([]int16, SamplesPerFrame)
	n, err := out.ReadFrame(buf)
	if err != nil || n != 2 {
		t.Fatalf("ReadFrame = %d, %v", n, err)
	}
	if buf[0] != 500 || buf[1] != -500 {
		t.Errorf("gain-scaled frame = [%d %d], want [500 -500]", buf[0], buf[1])
	}
}

func TestGraphDegradedOnReplaceFailure(t *testing.T) {
	mic := NewPCMTrack()
	port := &fakePort{replErr: io.ErrClosedPipe}
	sink := &collectSink{}

	g := NewGraph(mic, port, sink, nil, testLogger())
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	// Gain changes are inert but must not panic or error.
	g.SetGain(10)
	if got := g.Gain(); got != 100 {
		t.Errorf("Gain after failed install = %d, want 100 (unprocessed)", got)
	}
}

func TestGraphInboundReplacesSinkAttachment(t *testing.T) {
	mic := NewPCMTrack()
	port := &fakePort{}
	sink := &collectSink{}

	g := NewGraph(mic, port, sink, nil, testLogger())
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()

	first := NewPCMTrack()
	port.deliverInbound(first)
	first.Push(make([]int16, SamplesPerFrame))

	waitFor(t, func() bool { return sink.count() >= 1 })

	// A second inbound track (renegotiation) replaces the first pump.
	second := NewPCMTrack()
	port.deliverInbound(second)
	second.Push(make([]int16, SamplesPerFrame))

	waitFor(t, func() bool { return sink.count() >= 2 })

	first.Close()
	second.Close()
}

func TestGraphCloseIdempotent(t *testing.T) {
	mic := NewPCMTrack()
	g := NewGraph(mic, &fakePort{}, &collectSink{}, nil, testLogger())
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	g.Close()
	g.Close() // must not panic

	if err := g.Start(); err == nil {
		t.Error("Start after Close succeeded, want error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
