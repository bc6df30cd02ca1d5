package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicedesk/voicedesk/internal/audio"
	"github.com/voicedesk/voicedesk/internal/calllog"
	"github.com/voicedesk/voicedesk/internal/history"
	"github.com/voicedesk/voicedesk/internal/recording"
	"github.com/voicedesk/voicedesk/internal/signaling"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// --- fakes ---

type fakePort struct{}

func (p *fakePort) OnInboundTrack(fn func(audio.Track))      {}
func (p *fakePort) ReplaceOutboundTrack(t audio.Track) error { return nil }

type fakeSession struct {
	id     string
	events chan signaling.Event

	mu       sync.Mutex
	byes     int
	cancels  int
	infos    [][]byte
	renegs   []signaling.Direction
	renegErr error

	closeOnce sync.Once
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, events: make(chan signaling.Event, 8)}
}

func (s *fakeSession) ID() string                     { return s.id }
func (s *fakeSession) Events() <-chan signaling.Event { return s.events }
func (s *fakeSession) Media() audio.MediaPort         { return &fakePort{} }

func (s *fakeSession) Bye(ctx context.Context) error {
	s.mu.Lock()
	s.byes++
	s.mu.Unlock()
	s.terminate(signaling.OriginLocal, 200)
	return nil
}

func (s *fakeSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	s.terminate(signaling.OriginLocal, 487)
	return nil
}

func (s *fakeSession) Info(ctx context.Context, contentType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, body)
	return nil
}

func (s *fakeSession) Renegotiate(ctx context.Context, dir signaling.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renegErr != nil {
		return s.renegErr
	}
	s.renegs = append(s.renegs, dir)
	return nil
}

func (s *fakeSession) ring() {
	s.events <- signaling.Event{State: signaling.Establishing, StatusCode: 180}
}

func (s *fakeSession) answer() {
	s.events <- signaling.Event{State: signaling.Established, StatusCode: 200}
}

func (s *fakeSession) terminate(origin signaling.TerminateOrigin, code int) {
	s.closeOnce.Do(func() {
		s.events <- signaling.Event{State: signaling.Terminated, Origin: origin, StatusCode: code}
		close(s.events)
	})
}

type fakeIncoming struct {
	from      string
	acceptErr error

	mu      sync.Mutex
	sess    *fakeSession
	rejects []int
}

func (ic *fakeIncoming) From() string { return ic.from }

func (ic *fakeIncoming) Accept(ctx context.Context) (signaling.Session, error) {
	if ic.acceptErr != nil {
		return nil, ic.acceptErr
	}
	s := newFakeSession("in-" + ic.from)
	s.answer()
	ic.mu.Lock()
	ic.sess = s
	ic.mu.Unlock()
	return s, nil
}

func (ic *fakeIncoming) Reject(ctx context.Context, code int) error {
	ic.mu.Lock()
	ic.rejects = append(ic.rejects, code)
	ic.mu.Unlock()
	return nil
}

func (ic *fakeIncoming) rejectedWith() []int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return append([]int(nil), ic.rejects...)
}

type fakeSignaling struct {
	mu           sync.Mutex
	registered   bool
	onRegistered func()
	onIncoming   func(signaling.IncomingCall)
	sessions     []*fakeSession
	targets      []string
	inviteErr    error
}

func (f *fakeSignaling) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func (f *fakeSignaling) OnRegistered(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRegistered = fn
}

func (f *fakeSignaling) OnIncomingCall(fn func(signaling.IncomingCall)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onIncoming = fn
}

func (f *fakeSignaling) offer(ic signaling.IncomingCall) {
	f.mu.Lock()
	fn := f.onIncoming
	f.mu.Unlock()
	fn(ic)
}

func (f *fakeSignaling) setRegistered(on bool) {
	f.mu.Lock()
	f.registered = on
	fn := f.onRegistered
	f.mu.Unlock()
	if on && fn != nil {
		fn()
	}
}

func (f *fakeSignaling) Invite(ctx context.Context, target string) (signaling.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.inviteErr != nil {
		return nil, f.inviteErr
	}
	sess := newFakeSession("call-" + target)
	f.sessions = append(f.sessions, sess)
	return sess, nil
}

// lastSession waits for the INVITE spawned by Dial to land.
func (f *fakeSignaling) lastSession(t *testing.T) *fakeSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.sessions)
		f.mu.Unlock()
		if n > 0 {
			f.mu.Lock()
			sess := f.sessions[n-1]
			f.mu.Unlock()
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no session created")
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	started bool
	stopped bool
	stopDur int
	paused  int
	resumed int
	meta    recording.Metadata
}

func (r *fakeRecorder) LocalFrame(samples []int16)  {}
func (r *fakeRecorder) RemoteFrame(samples []int16) {}

func (r *fakeRecorder) Start(meta recording.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	r.meta = meta
}

func (r *fakeRecorder) Pause()  { r.mu.Lock(); r.paused++; r.mu.Unlock() }
func (r *fakeRecorder) Resume() { r.mu.Lock(); r.resumed++; r.mu.Unlock() }

func (r *fakeRecorder) Stop(durationSeconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.stopDur = durationSeconds
}

func (r *fakeRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.stopped
}

type fakeLogAPI struct {
	mu      sync.Mutex
	creates []calllog.CreateRequest
	updates []calllog.Patch
}

func (f *fakeLogAPI) Create(ctx context.Context, req calllog.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	return "cl-1", nil
}

func (f *fakeLogAPI) Update(ctx context.Context, id string, patch calllog.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, patch)
	return nil
}

func (f *fakeLogAPI) created() []calllog.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calllog.CreateRequest(nil), f.creates...)
}

func (f *fakeLogAPI) patches() []calllog.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calllog.Patch(nil), f.updates...)
}

func (f *fakeLogAPI) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.updates))
	for _, p := range f.updates {
		out = append(out, p.Status)
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	creates []history.Call
	updates []history.Call
}

func (f *fakeStore) Create(ctx context.Context, call *history.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call.ID = int64(len(f.creates) + 1)
	f.creates = append(f.creates, *call)
	return nil
}

func (f *fakeStore) Update(ctx context.Context, call *history.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *call)
	return nil
}

func (f *fakeStore) GetByCallID(ctx context.Context, callID string) (*history.Call, error) {
	return nil, history.ErrNotFound
}

func (f *fakeStore) List(ctx context.Context, filter history.ListFilter) ([]history.Call, int, error) {
	return nil, 0, nil
}

// --- harness ---

type harness struct {
	ctrl     *Controller
	sig      *fakeSignaling
	logAPI   *fakeLogAPI
	store    *fakeStore
	recorder *fakeRecorder
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.EndedLinger == 0 {
		cfg.EndedLinger = 50 * time.Millisecond
	}
	if cfg.RecordStartDelay == 0 {
		cfg.RecordStartDelay = 5 * time.Millisecond
	}
	sig := &fakeSignaling{registered: true}
	logAPI := &fakeLogAPI{}
	store := &fakeStore{}
	rec := &fakeRecorder{}

	mic := audio.NewPCMTrack()
	sink := &nullSink{}
	ctrl := NewController(cfg, sig, mic, sink,
		func() Recorder { return rec },
		calllog.NewSynchronizer(logAPI, testLogger()),
		store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(cancel)
	t.Cleanup(mic.Close)

	return &harness{ctrl: ctrl, sig: sig, logAPI: logAPI, store: store, recorder: rec, cancel: cancel}
}

type nullSink struct{}

func (s *nullSink) WriteFrame(samples []int16) error { return nil }

// backdateAnswer shifts establishedAt into the past so the call accrues
// talk time without the test sleeping for it.
func (h *harness) backdateAnswer(d time.Duration) {
	h.ctrl.do(func() { h.ctrl.call.establishedAt = h.ctrl.call.establishedAt.Add(-d) })
}

func (h *harness) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var snap Snapshot
	for time.Now().Before(deadline) {
		snap = h.ctrl.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", snap.State, want)
	return snap
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

// --- tests ---

func TestOutboundCallLifecycle(t *testing.T) {
	h := newHarness(t, Config{AutoRecord: true, AgentName: "Agent Smith"})

	err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111", CustomerName: "Ada"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.waitState(t, StateConnecting)

	sess := h.sig.lastSession(t)
	sess.ring()
	snap := h.waitState(t, StateRinging)
	if snap.PhoneNumber != "+15550001111" || snap.CustomerName != "Ada" || snap.Direction != DirectionOutbound {
		t.Errorf("snapshot = %+v", snap)
	}

	sess.answer()
	snap = h.waitState(t, StateActive)
	if snap.EstablishedAt == nil {
		t.Error("EstablishedAt not set")
	}
	waitFor(t, func() bool { return h.recorder.Recording() })

	h.backdateAnswer(10 * time.Second)
	if err := h.ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	snap = h.waitState(t, StateEnded)
	if snap.Disposition != DispositionCompleted || snap.HungUpBy != HungUpByUser {
		t.Errorf("disposition = %s hungUpBy = %s", snap.Disposition, snap.HungUpBy)
	}
	if snap.DurationSeconds < 10 {
		t.Errorf("duration = %d, want >= 10", snap.DurationSeconds)
	}

	sess.mu.Lock()
	byes := sess.byes
	sess.mu.Unlock()
	if byes != 1 {
		t.Errorf("byes = %d, want 1", byes)
	}

	h.waitState(t, StateIdle)

	waitFor(t, func() bool {
		got := h.logAPI.statuses()
		return len(got) == 3 && got[0] == calllog.StatusRinging &&
			got[1] == calllog.StatusAnswered && got[2] == calllog.StatusCompleted
	})

	h.recorder.mu.Lock()
	stopped := h.recorder.stopped
	meta := h.recorder.meta
	h.recorder.mu.Unlock()
	if !stopped {
		t.Error("recorder not stopped")
	}
	if meta.AgentName != "Agent Smith" || meta.PhoneNumber != "+15550001111" {
		t.Errorf("recording metadata = %+v", meta)
	}

	stats := h.ctrl.Stats()
	if stats.CallsByDisposition[DispositionCompleted] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCancelWhileRinging(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550002222"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.ring()
	h.waitState(t, StateRinging)

	if err := h.ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	snap := h.waitState(t, StateEnded)
	if snap.Disposition != DispositionCancelled || snap.HungUpBy != HungUpByUser {
		t.Errorf("disposition = %s hungUpBy = %s", snap.Disposition, snap.HungUpBy)
	}
	if snap.DurationSeconds != 0 {
		t.Errorf("duration = %d, want 0", snap.DurationSeconds)
	}

	sess.mu.Lock()
	cancels := sess.cancels
	sess.mu.Unlock()
	if cancels != 1 {
		t.Errorf("cancels = %d, want 1", cancels)
	}
}

func TestRemoteBusy(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550003333"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.ring()
	h.waitState(t, StateRinging)
	sess.terminate(signaling.OriginRemote, 486)

	snap := h.waitState(t, StateEnded)
	if snap.Disposition != DispositionBusy || snap.HungUpBy != HungUpByRemote {
		t.Errorf("disposition = %s hungUpBy = %s", snap.Disposition, snap.HungUpBy)
	}
}

func TestInviteFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.sig.inviteErr = errors.New("network down")

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550004444"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	snap := h.waitState(t, StateEnded)
	if snap.Disposition != DispositionFailed {
		t.Errorf("disposition = %s, want failed", snap.Disposition)
	}
	h.waitState(t, StateIdle)
}

func TestHoldToggle(t *testing.T) {
	h := newHarness(t, Config{})

	// Hold with no call is a no-op.
	if err := h.ctrl.SetHold(true); err != nil {
		t.Fatalf("SetHold idle: %v", err)
	}
	if got := h.ctrl.Snapshot().State; got != StateIdle {
		t.Fatalf("state after idle hold = %s", got)
	}

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550005555"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)

	if err := h.ctrl.SetHold(true); err != nil {
		t.Fatalf("SetHold on: %v", err)
	}
	h.waitState(t, StateOnHold)
	if err := h.ctrl.SetHold(false); err != nil {
		t.Fatalf("SetHold off: %v", err)
	}
	h.waitState(t, StateActive)

	sess.mu.Lock()
	renegs := append([]signaling.Direction(nil), sess.renegs...)
	sess.mu.Unlock()
	want := []signaling.Direction{signaling.DirectionSendOnly, signaling.DirectionSendRecv}
	if len(renegs) != 2 || renegs[0] != want[0] || renegs[1] != want[1] {
		t.Errorf("renegotiations = %v, want %v", renegs, want)
	}
}

func TestHoldFailureKeepsState(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550006666"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.mu.Lock()
	sess.renegErr = errors.New("488 not acceptable")
	sess.mu.Unlock()
	sess.answer()
	h.waitState(t, StateActive)

	if err := h.ctrl.SetHold(true); err != nil {
		t.Fatalf("SetHold: %v", err)
	}
	// The renegotiation fails; the call must stay active.
	time.Sleep(50 * time.Millisecond)
	if got := h.ctrl.Snapshot().State; got != StateActive {
		t.Errorf("state after failed hold = %s, want active", got)
	}
}

func TestDialWhileActiveRejected(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550007777"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550008888"}); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("err = %v, want ErrCallInProgress", err)
	}
}

func TestPendingCallPlacedAfterEnded(t *testing.T) {
	h := newHarness(t, Config{EndedLinger: 100 * time.Millisecond})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)
	h.ctrl.Hangup()
	h.waitState(t, StateEnded)

	// Queue the next call while the previous one is still winding down.
	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550009999"}); err != nil {
		t.Fatalf("Dial while ended: %v", err)
	}
	if got := h.ctrl.Snapshot().PendingNumber; got != "+15550009999" {
		t.Errorf("pending = %q", got)
	}

	h.waitState(t, StateConnecting)
	waitFor(t, func() bool {
		h.sig.mu.Lock()
		defer h.sig.mu.Unlock()
		return len(h.sig.targets) == 2 && h.sig.targets[1] == "+15550009999"
	})
}

func TestPendingCallWaitsForRegistration(t *testing.T) {
	h := newHarness(t, Config{})
	h.sig.setRegistered(false)

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001234"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if got := h.ctrl.Snapshot(); got.State != StateIdle || got.PendingNumber == "" {
		t.Fatalf("snapshot = %+v, want idle with pending", got)
	}

	h.sig.setRegistered(true)
	h.waitState(t, StateConnecting)
	waitFor(t, func() bool {
		h.sig.mu.Lock()
		defer h.sig.mu.Unlock()
		return len(h.sig.targets) == 1
	})
}

func TestForceResetFencesStaleEvents(t *testing.T) {
	h := newHarness(t, Config{AutoRecord: true})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)
	before := h.ctrl.Snapshot().Generation

	h.ctrl.ForceReset()
	snap := h.ctrl.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("state after reset = %s", snap.State)
	}
	if snap.Generation != before+1 {
		t.Errorf("generation = %d, want %d", snap.Generation, before+1)
	}

	// The recording from the abandoned call is discarded.
	waitFor(t, func() bool {
		h.recorder.mu.Lock()
		defer h.recorder.mu.Unlock()
		return h.recorder.stopped && h.recorder.stopDur == 0
	})

	// A stale terminated event from the old session must not disturb
	// the fresh idle state.
	sess.terminate(signaling.OriginRemote, 200)
	time.Sleep(50 * time.Millisecond)
	if got := h.ctrl.Snapshot().State; got != StateIdle {
		t.Errorf("state after stale event = %s, want idle", got)
	}
}

func TestMuteVolumeAndDTMF(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.SetVolume(150); !errors.Is(err, ErrInvalidVolume) {
		t.Fatalf("err = %v, want ErrInvalidVolume", err)
	}
	if err := h.ctrl.SendDTMF('5'); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("dtmf without call: err = %v", err)
	}

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)

	if err := h.ctrl.SetMute(true); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	if err := h.ctrl.SetVolume(40); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	snap := h.ctrl.Snapshot()
	if !snap.Muted || snap.Volume != 40 {
		t.Errorf("snapshot = %+v", snap)
	}

	if err := h.ctrl.SendDTMF('#'); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}
	if err := h.ctrl.SendDTMF('x'); err == nil {
		t.Fatal("invalid digit accepted")
	}
	waitFor(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.infos) == 1 && string(sess.infos[0]) == "Signal=#\r\nDuration=100"
	})
}

func TestRecordingPauseResume(t *testing.T) {
	h := newHarness(t, Config{AutoRecord: true})

	if err := h.ctrl.PauseRecording(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("pause without recording: err = %v", err)
	}

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)
	waitFor(t, func() bool { return h.recorder.Recording() })

	if err := h.ctrl.PauseRecording(); err != nil {
		t.Fatalf("PauseRecording: %v", err)
	}
	if !h.ctrl.Snapshot().RecordingPaused {
		t.Error("snapshot not paused")
	}
	if err := h.ctrl.ResumeRecording(); err != nil {
		t.Fatalf("ResumeRecording: %v", err)
	}
	if h.ctrl.Snapshot().RecordingPaused {
		t.Error("snapshot still paused")
	}
}

func TestSubscribeDeliversTransitions(t *testing.T) {
	h := newHarness(t, Config{})

	ch, cancel := h.ctrl.Subscribe()
	defer cancel()

	first := <-ch
	if first.State != StateIdle {
		t.Fatalf("primed state = %s, want idle", first.State)
	}

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)

	seen := map[State]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[StateActive] {
		select {
		case snap := <-ch:
			seen[snap.State] = true
		case <-timeout:
			t.Fatalf("active snapshot never delivered, seen %v", seen)
		}
	}
	if !seen[StateConnecting] {
		t.Error("connecting snapshot never delivered")
	}
}

func TestAnsweredCallWithNoTalkTimeNotCompleted(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)

	// Hang up within the same second: the call was answered but carries
	// no talk time, so it must not be logged as completed.
	if err := h.ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	snap := h.waitState(t, StateEnded)
	if snap.DurationSeconds != 0 {
		t.Fatalf("duration = %d, want 0", snap.DurationSeconds)
	}
	if snap.Disposition != DispositionFailed || snap.HungUpBy != HungUpByUser {
		t.Errorf("disposition = %s hungUpBy = %s, want failed/user", snap.Disposition, snap.HungUpBy)
	}

	waitFor(t, func() bool {
		got := h.logAPI.statuses()
		return len(got) > 0 && got[len(got)-1] == calllog.StatusFailed
	})
}

func TestInboundCallAnswered(t *testing.T) {
	h := newHarness(t, Config{AutoRecord: true})

	ic := &fakeIncoming{from: "+15557770000"}
	h.sig.offer(ic)

	snap := h.waitState(t, StateRinging)
	if snap.Direction != DirectionInbound || snap.PhoneNumber != "+15557770000" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := h.ctrl.Answer(); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	h.waitState(t, StateActive)
	waitFor(t, func() bool { return h.recorder.Recording() })

	h.backdateAnswer(20 * time.Second)
	ic.mu.Lock()
	sess := ic.sess
	ic.mu.Unlock()
	sess.terminate(signaling.OriginRemote, 200)

	snap = h.waitState(t, StateEnded)
	if snap.Disposition != DispositionCompleted || snap.HungUpBy != HungUpByRemote {
		t.Errorf("disposition = %s hungUpBy = %s", snap.Disposition, snap.HungUpBy)
	}
	if snap.DurationSeconds < 20 {
		t.Errorf("duration = %d, want >= 20", snap.DurationSeconds)
	}

	waitFor(t, func() bool {
		for _, cr := range h.logAPI.created() {
			if cr.Direction == DirectionInbound {
				return true
			}
		}
		return false
	})
}

func TestInboundCallDeclined(t *testing.T) {
	h := newHarness(t, Config{})

	ic := &fakeIncoming{from: "+15557771111"}
	h.sig.offer(ic)
	h.waitState(t, StateRinging)

	if err := h.ctrl.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	snap := h.waitState(t, StateEnded)
	if snap.Disposition != DispositionCancelled || snap.HungUpBy != HungUpByUser {
		t.Errorf("disposition = %s hungUpBy = %s", snap.Disposition, snap.HungUpBy)
	}
	waitFor(t, func() bool {
		got := ic.rejectedWith()
		return len(got) == 1 && got[0] == 603
	})
}

func TestInboundRejectedWhileBusy(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)

	ic := &fakeIncoming{from: "+15557772222"}
	h.sig.offer(ic)
	waitFor(t, func() bool {
		got := ic.rejectedWith()
		return len(got) == 1 && got[0] == 486
	})
	if got := h.ctrl.Snapshot(); got.State != StateActive || got.PhoneNumber != "+15550001111" {
		t.Errorf("live call disturbed: %+v", got)
	}
}

func TestAnswerWithoutIncomingCall(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.ctrl.Answer(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("err = %v, want ErrNoIncomingCall", err)
	}
}

func TestHoldIgnoredUnlessEstablished(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550005555"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.ring()
	h.waitState(t, StateRinging)

	// Hold before the call is established is dropped with a warning, not
	// surfaced as an error.
	if err := h.ctrl.SetHold(true); err != nil {
		t.Fatalf("SetHold while ringing: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := h.ctrl.Snapshot().State; got != StateRinging {
		t.Errorf("state = %s, want ringing", got)
	}
	sess.mu.Lock()
	renegs := len(sess.renegs)
	sess.mu.Unlock()
	if renegs != 0 {
		t.Errorf("renegotiations = %d, want 0", renegs)
	}
}

func TestKeepEndedVisibleDefersReset(t *testing.T) {
	h := newHarness(t, Config{EndedLinger: 40 * time.Millisecond})

	if err := h.ctrl.SetKeepEndedVisible(true); err != nil {
		t.Fatalf("SetKeepEndedVisible: %v", err)
	}
	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)
	h.ctrl.Hangup()
	h.waitState(t, StateEnded)

	// Several linger periods pass; the pinned summary stays put.
	time.Sleep(150 * time.Millisecond)
	if got := h.ctrl.Snapshot(); got.State != StateEnded || !got.KeepVisible {
		t.Fatalf("snapshot = %+v, want pinned ended", got)
	}

	if err := h.ctrl.SetKeepEndedVisible(false); err != nil {
		t.Fatalf("SetKeepEndedVisible: %v", err)
	}
	h.waitState(t, StateIdle)
}

func TestRecordingWaitsForMediaToSettle(t *testing.T) {
	h := newHarness(t, Config{AutoRecord: true, RecordStartDelay: 80 * time.Millisecond})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)

	if h.recorder.Recording() {
		t.Fatal("recording started before the settle delay")
	}
	waitFor(t, func() bool { return h.recorder.Recording() })
}

func TestForceResetFinalizesAnsweredCall(t *testing.T) {
	h := newHarness(t, Config{AutoRecord: true})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)
	waitFor(t, func() bool { return h.recorder.Recording() })
	h.backdateAnswer(30 * time.Second)

	h.ctrl.ForceReset()

	// A reset mid-call keeps the artifact: the recording is finalized
	// with the elapsed talk time and the log closes as completed.
	waitFor(t, func() bool {
		h.recorder.mu.Lock()
		defer h.recorder.mu.Unlock()
		return h.recorder.stopped && h.recorder.stopDur >= 30
	})
	waitFor(t, func() bool {
		for _, p := range h.logAPI.patches() {
			if p.Status == calllog.StatusCompleted && p.DurationSeconds != nil && *p.DurationSeconds >= 30 {
				return true
			}
		}
		return false
	})
}

func TestHistoryRecorded(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.ctrl.Dial(DialRequest{PhoneNumber: "+15550001111", CustomerName: "Ada"}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sess := h.sig.lastSession(t)
	sess.answer()
	h.waitState(t, StateActive)
	h.backdateAnswer(5 * time.Second)
	h.ctrl.Hangup()
	h.waitState(t, StateEnded)

	waitFor(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		if len(h.store.creates) != 1 {
			return false
		}
		for _, u := range h.store.updates {
			if u.Disposition == DispositionCompleted && u.HungUpBy == HungUpByUser && u.EndedAt != nil {
				return true
			}
		}
		return false
	})
}
