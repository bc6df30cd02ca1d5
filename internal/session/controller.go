package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicedesk/voicedesk/internal/audio"
	"github.com/voicedesk/voicedesk/internal/calllog"
	"github.com/voicedesk/voicedesk/internal/history"
	"github.com/voicedesk/voicedesk/internal/recording"
	"github.com/voicedesk/voicedesk/internal/signaling"
)

// Signaling is the subset of the signaling client the controller uses.
// Registration itself is managed by the caller.
type Signaling interface {
	Registered() bool
	OnRegistered(fn func())
	OnIncomingCall(fn func(signaling.IncomingCall))
	Invite(ctx context.Context, target string) (signaling.Session, error)
}

// Recorder is one call's recording pipeline.
type Recorder interface {
	audio.FrameTap
	Start(meta recording.Metadata)
	Pause()
	Resume()
	Stop(durationSeconds int)
	Recording() bool
}

// Config tunes controller behavior.
type Config struct {
	// AgentName is attached to recording metadata.
	AgentName string

	// AutoRecord starts recording as soon as a call is answered.
	AutoRecord bool

	// EndedLinger is how long a finished call stays visible before the
	// session returns to idle. Defaults to 3s.
	EndedLinger time.Duration

	// RecordStartDelay is how long after answer recording waits before
	// capturing, so media settles first. Defaults to 300ms.
	RecordStartDelay time.Duration
}

const (
	defaultEndedLinger      = 3 * time.Second
	defaultRecordStartDelay = 300 * time.Millisecond
	signalingTimeout        = 10 * time.Second
	subBufferSize           = 16
)

// Controller drives the call session state machine. All mutable state is
// owned by the Run loop; commands and async completions are delivered to
// it as closures, fenced by a generation counter so work finished for an
// abandoned call can never touch a newer one.
type Controller struct {
	cfg       Config
	sig       Signaling
	mic       audio.Track
	speaker   audio.Sink
	ringback  *audio.Ringback
	recorders func() Recorder
	calllogs  *calllog.Synchronizer
	calls     history.Store
	logger    *slog.Logger

	cmds chan func()

	// Loop-owned state. Never touched outside Run.
	state      State
	generation uint64
	call       *activeCall
	pending    *DialRequest
	muted      bool
	volume     int
	keepEnded  bool
	subs       map[int]chan Snapshot
	nextSubID  int

	// Aggregate counters, safe for concurrent Stats reads.
	statsMu      sync.Mutex
	statsState   string
	dispositions map[string]uint64
	recStarted   uint64
}

// activeCall is the loop-owned state of the current call attempt.
type activeCall struct {
	gen       uint64
	req       DialRequest
	direction string

	callID string
	sess   signaling.Session
	offer  signaling.IncomingCall // unanswered inbound INVITE, nil once accepted or declined

	graph    *audio.Graph
	recorder Recorder
	tracker  *calllog.Tracker
	record   *history.Call

	startedAt     time.Time
	establishedAt time.Time
	answered      bool
	onHold        bool
	holdPending   bool
	recPaused     bool
	hungUpLocal   bool

	duration    int
	disposition string
	hungUpBy    string
}

// NewController wires the controller. newRecorder is invoked once per
// call so each call records into its own file.
func NewController(cfg Config, sig Signaling, mic audio.Track, speaker audio.Sink,
	newRecorder func() Recorder, calllogs *calllog.Synchronizer, calls history.Store,
	logger *slog.Logger) *Controller {

	if cfg.EndedLinger <= 0 {
		cfg.EndedLinger = defaultEndedLinger
	}
	if cfg.RecordStartDelay <= 0 {
		cfg.RecordStartDelay = defaultRecordStartDelay
	}
	c := &Controller{
		cfg:          cfg,
		sig:          sig,
		mic:          mic,
		speaker:      speaker,
		ringback:     audio.NewRingback(speaker, logger),
		recorders:    newRecorder,
		calllogs:     calllogs,
		calls:        calls,
		logger:       logger.With("subsystem", "session"),
		cmds:         make(chan func(), 32),
		state:        StateIdle,
		volume:       100,
		subs:         make(map[int]chan Snapshot),
		statsState:   string(StateIdle),
		dispositions: make(map[string]uint64),
	}
	sig.OnRegistered(func() {
		c.cmds <- func() { c.drainPending() }
	})
	sig.OnIncomingCall(func(ic signaling.IncomingCall) {
		c.cmds <- func() { c.handleIncoming(ic) }
	})
	return c
}

// Run processes commands and signaling events until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case fn := <-c.cmds:
			fn()
		case <-ticker.C:
			if c.state == StateActive || c.state == StateOnHold {
				c.broadcast()
			}
		}
	}
}

// do runs fn on the event loop and waits for it to finish.
func (c *Controller) do(fn func()) {
	done := make(chan struct{})
	c.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// post delivers fn to the loop, fenced to the call generation it was
// produced for. Completions of abandoned work are silently dropped.
func (c *Controller) post(gen uint64, fn func()) {
	c.cmds <- func() {
		if gen != c.generation || c.call == nil || c.call.gen != gen {
			return
		}
		fn()
	}
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	var s Snapshot
	c.do(func() { s = c.snapshot() })
	return s
}

// Subscribe returns a channel of session snapshots and a cancel func.
// Slow consumers miss intermediate snapshots rather than block the loop.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subBufferSize)
	var id int
	c.do(func() {
		id = c.nextSubID
		c.nextSubID++
		c.subs[id] = ch
		// Prime the subscriber with the current state.
		ch <- c.snapshot()
	})
	cancel := func() {
		c.do(func() {
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Stats returns aggregate counters for the metrics collector.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := Stats{
		State:              c.statsState,
		CallsByDisposition: make(map[string]uint64, len(c.dispositions)),
		RecordingsStarted:  c.recStarted,
	}
	if c.statsState == string(StateActive) || c.statsState == string(StateOnHold) {
		s.CallsActive = 1
	}
	for k, v := range c.dispositions {
		s.CallsByDisposition[k] = v
	}
	return s
}

// Dial places an outbound call. While a previous call is still winding
// down (or registration is pending) the request is parked in a single
// pending slot and placed as soon as the session is ready; a newer
// request replaces an older parked one.
func (c *Controller) Dial(req DialRequest) error {
	var err error
	c.do(func() {
		switch c.state {
		case StateIdle:
			if !c.sig.Registered() {
				c.logger.Info("not registered yet, queueing call", "phone_number", req.PhoneNumber)
				c.pending = &req
				c.broadcast()
				return
			}
			c.startCall(req)
		case StateEnded:
			c.logger.Info("previous call still ending, queueing call", "phone_number", req.PhoneNumber)
			c.pending = &req
			c.broadcast()
		default:
			err = ErrCallInProgress
		}
	})
	return err
}

// Hangup ends the current call attempt: CANCEL before answer, BYE after.
// An unanswered inbound offer is declined. A no-op when no call is in
// progress.
func (c *Controller) Hangup() error {
	c.do(func() {
		call := c.call
		if call == nil || c.state == StateEnded {
			return
		}
		call.hungUpLocal = true
		if offer := call.offer; offer != nil {
			call.offer = nil
			callID := call.callID
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
				defer cancel()
				if err := offer.Reject(ctx, 603); err != nil {
					c.logger.Warn("declining incoming call failed", "call_id", callID, "error", err)
				}
			}()
			c.finishCall(DispositionCancelled, HungUpByUser)
			return
		}
		if sess := call.sess; sess != nil {
			answered := call.answered
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
				defer cancel()
				var err error
				if answered {
					err = sess.Bye(ctx)
				} else {
					err = sess.Cancel(ctx)
				}
				if err != nil {
					c.logger.Warn("hangup signaling failed", "call_id", call.callID, "error", err)
				}
			}()
		} else if c.state == StateConnecting {
			// INVITE is still in flight; finish locally, the stale
			// session (if any) is fenced off by generation.
			c.finishCall(DispositionCancelled, HungUpByUser)
		}
	})
	return nil
}

// Answer accepts an offered incoming call. The session is created on
// acceptance; establishment arrives on its event stream like any call.
func (c *Controller) Answer() error {
	var err error
	c.do(func() {
		call := c.call
		if call == nil || call.offer == nil || c.state != StateRinging {
			err = ErrNoIncomingCall
			return
		}
		offer := call.offer
		call.offer = nil
		gen := call.gen
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			defer cancel()
			sess, acceptErr := offer.Accept(ctx)
			c.post(gen, func() {
				if acceptErr != nil {
					c.logger.Error("answering incoming call failed",
						"call_id", c.call.callID, "error", acceptErr)
					c.finishCall(DispositionFailed, "")
					return
				}
				if c.call.hungUpLocal {
					// Hangup raced the accept; tear it right back down.
					go func() {
						ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
						defer cancel()
						sess.Bye(ctx)
					}()
				}
				c.call.sess = sess
				go c.forwardEvents(gen, sess)
			})
		}()
	})
	return err
}

// SetHold puts the call on hold or resumes it by renegotiating the media
// direction. Outside active/on_hold the request is ignored with a warning;
// hold only applies to an established call.
func (c *Controller) SetHold(on bool) error {
	var err error
	c.do(func() {
		if c.state != StateActive && c.state != StateOnHold {
			c.logger.Warn("ignoring hold request", "state", c.state, "hold", on)
			return
		}
		call := c.call
		if call.holdPending {
			err = ErrHoldPending
			return
		}
		if call.onHold == on {
			return
		}

		dir := signaling.DirectionSendRecv
		if on {
			dir = signaling.DirectionSendOnly
		}
		call.holdPending = true
		gen := call.gen
		sess := call.sess
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			defer cancel()
			renegErr := sess.Renegotiate(ctx, dir)
			c.post(gen, func() {
				c.call.holdPending = false
				if renegErr != nil {
					// Stay in the previous state; the remote end never
					// accepted the change.
					c.logger.Warn("hold renegotiation failed", "hold", on, "error", renegErr)
					c.broadcast()
					return
				}
				c.call.onHold = on
				if on {
					c.setState(StateOnHold)
				} else {
					c.setState(StateActive)
				}
				c.broadcast()
			})
		}()
	})
	return err
}

// SetMute mutes or unmutes the microphone. The preference survives the
// current call.
func (c *Controller) SetMute(on bool) error {
	c.do(func() {
		c.muted = on
		c.applyGain()
		c.broadcast()
	})
	return nil
}

// SetVolume sets the microphone gain percentage (0-100). The preference
// survives the current call.
func (c *Controller) SetVolume(percent int) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidVolume
	}
	c.do(func() {
		c.volume = percent
		c.applyGain()
		c.broadcast()
	})
	return nil
}

// SetKeepEndedVisible pins or releases the ended-call summary. While set,
// the session stays in ended instead of auto-resetting; clearing it lets
// the next timer pass return the session to idle.
func (c *Controller) SetKeepEndedVisible(on bool) error {
	c.do(func() {
		c.keepEnded = on
		c.broadcast()
	})
	return nil
}

// SendDTMF relays a keypad digit on the established call.
func (c *Controller) SendDTMF(digit rune) error {
	if _, err := signaling.DTMFBody(digit); err != nil {
		return err
	}
	var err error
	c.do(func() {
		if c.state != StateActive && c.state != StateOnHold {
			err = ErrNoActiveCall
			return
		}
		sess := c.call.sess
		callID := c.call.callID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			defer cancel()
			if err := signaling.SendDTMF(ctx, sess, digit); err != nil {
				c.logger.Warn("dtmf relay failed", "call_id", callID, "error", err)
			}
		}()
	})
	return err
}

// PauseRecording suspends the recording without closing the file.
func (c *Controller) PauseRecording() error {
	var err error
	c.do(func() {
		call := c.call
		if call == nil || call.recorder == nil || !call.recorder.Recording() {
			err = ErrNotRecording
			return
		}
		call.recorder.Pause()
		call.recPaused = true
		c.broadcast()
	})
	return err
}

// ResumeRecording resumes a paused recording.
func (c *Controller) ResumeRecording() error {
	var err error
	c.do(func() {
		call := c.call
		if call == nil || call.recorder == nil || !call.recorder.Recording() {
			err = ErrNotRecording
			return
		}
		call.recorder.Resume()
		call.recPaused = false
		c.broadcast()
	})
	return err
}

// ForceReset tears the session down unconditionally and returns it to
// idle. A recording with talk time behind it is finalized and uploaded,
// one without is discarded; signaling is ended best-effort in the
// background, and the generation bump guarantees late completions from
// the old call are discarded.
func (c *Controller) ForceReset() {
	c.do(func() { c.forceReset() })
}

func (c *Controller) forceReset() {
	c.ringback.Stop()

	if call := c.call; call != nil {
		dur := c.liveDuration(call)
		if call.graph != nil {
			call.graph.Close()
		}
		if call.recorder != nil {
			// The pipeline discards a zero-duration artifact and
			// uploads anything with talk time behind it.
			call.recorder.Stop(dur)
		}
		if offer := call.offer; offer != nil {
			call.offer = nil
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
				defer cancel()
				if err := offer.Reject(ctx, 480); err != nil {
					c.logger.Debug("best-effort offer reject failed", "error", err)
				}
			}()
		}
		if call.tracker != nil && c.state != StateEnded {
			now := time.Now().UTC()
			status := calllog.StatusFailed
			if dur > 0 {
				status = calllog.StatusCompleted
			}
			call.tracker.Finalize(calllog.Patch{
				Status:          status,
				EndedAt:         &now,
				DurationSeconds: &dur,
				HungUpBy:        HungUpByUser,
				Notes:           "session reset by agent",
			})
		}
		if sess := call.sess; sess != nil && c.state != StateEnded {
			answered := call.answered
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
				defer cancel()
				var err error
				if answered {
					err = sess.Bye(ctx)
				} else {
					err = sess.Cancel(ctx)
				}
				if err != nil {
					c.logger.Debug("best-effort teardown failed", "error", err)
				}
			}()
		}
		c.logger.Warn("session force reset", "call_id", call.callID, "state", c.state)
	}

	c.call = nil
	c.pending = nil
	c.generation++
	c.setState(StateIdle)
	c.broadcast()
}

// startCall transitions idle -> connecting and kicks off the INVITE.
// Must run on the loop with state == idle.
func (c *Controller) startCall(req DialRequest) {
	c.generation++
	gen := c.generation
	now := time.Now().UTC()

	call := &activeCall{
		gen:       gen,
		req:       req,
		direction: DirectionOutbound,
		callID:    uuid.NewString(),
		startedAt: now,
	}
	c.call = call
	c.setState(StateConnecting)
	c.logger.Info("placing call", "call_id", call.callID, "phone_number", req.PhoneNumber)
	c.beginReporting(call, now, calllog.StatusInitiated)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
		defer cancel()
		sess, err := c.sig.Invite(ctx, req.PhoneNumber)
		c.post(gen, func() {
			if err != nil {
				c.logger.Error("call setup failed", "phone_number", req.PhoneNumber, "error", err)
				c.finishCall(DispositionFailed, "")
				return
			}
			if c.call.hungUpLocal {
				// Hangup raced the INVITE; abort immediately.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
					defer cancel()
					sess.Cancel(ctx)
				}()
			}
			c.call.sess = sess
			go c.forwardEvents(gen, sess)
		})
	}()

	c.broadcast()
}

// handleIncoming offers an unanswered inbound INVITE to the agent. Offers
// arriving while any call is live or queued are rejected busy.
func (c *Controller) handleIncoming(ic signaling.IncomingCall) {
	if c.state != StateIdle || c.pending != nil {
		c.logger.Info("rejecting incoming call: busy", "from", ic.From())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			defer cancel()
			if err := ic.Reject(ctx, 486); err != nil {
				c.logger.Debug("busy reject failed", "error", err)
			}
		}()
		return
	}

	c.generation++
	now := time.Now().UTC()
	call := &activeCall{
		gen:       c.generation,
		req:       DialRequest{PhoneNumber: ic.From()},
		direction: DirectionInbound,
		callID:    uuid.NewString(),
		startedAt: now,
		offer:     ic,
	}
	c.call = call
	c.setState(StateRinging)
	c.logger.Info("incoming call", "call_id", call.callID, "phone_number", ic.From())
	c.beginReporting(call, now, calllog.StatusRinging)
	c.broadcast()
}

// beginReporting opens the call-log tracker and the local history record
// for a freshly created call.
func (c *Controller) beginReporting(call *activeCall, now time.Time, status string) {
	if c.calllogs != nil {
		call.tracker = c.calllogs.Begin(calllog.CreateRequest{
			CustomerID:  call.req.CustomerID,
			CampaignID:  call.req.CampaignID,
			PhoneNumber: call.req.PhoneNumber,
			Direction:   call.direction,
			Status:      status,
			StartedAt:   now,
		})
	}

	if c.calls != nil {
		rec := &history.Call{
			CallID:       call.callID,
			PhoneNumber:  call.req.PhoneNumber,
			CustomerName: call.req.CustomerName,
			Direction:    call.direction,
			StartedAt:    now,
		}
		gen := call.gen
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
			defer cancel()
			if err := c.calls.Create(ctx, rec); err != nil {
				c.logger.Error("recording call history failed", "error", err)
				return
			}
			c.post(gen, func() { c.call.record = rec })
		}()
	}
}

// forwardEvents pumps one session's signaling events into the loop.
func (c *Controller) forwardEvents(gen uint64, sess signaling.Session) {
	for ev := range sess.Events() {
		ev := ev
		c.post(gen, func() { c.handleSignalingEvent(ev) })
	}
}

func (c *Controller) handleSignalingEvent(ev signaling.Event) {
	call := c.call
	switch ev.State {
	case signaling.Establishing:
		if c.state != StateConnecting {
			return
		}
		c.setState(StateRinging)
		c.ringback.Start()
		if call.tracker != nil {
			call.tracker.Update(calllog.Patch{Status: calllog.StatusRinging})
		}
		c.broadcast()

	case signaling.Established:
		if c.state != StateConnecting && c.state != StateRinging {
			return
		}
		c.ringback.Stop()
		call.answered = true
		call.establishedAt = time.Now().UTC()
		c.setState(StateActive)
		c.logger.Info("call answered", "call_id", call.callID)

		if call.tracker != nil {
			call.tracker.Update(calllog.Patch{Status: calllog.StatusAnswered})
		}
		c.updateHistory(call, func(rec *history.Call) {
			t := call.establishedAt
			rec.AnsweredAt = &t
		})

		call.recorder = c.recorders()
		call.graph = audio.NewGraph(c.mic, call.sess.Media(), c.speaker, call.recorder, c.logger)
		if err := call.graph.Start(); err != nil {
			c.logger.Error("starting audio graph failed", "call_id", call.callID, "error", err)
		}
		c.applyGain()

		if c.cfg.AutoRecord {
			// Give media a moment to settle before capture begins.
			gen := call.gen
			time.AfterFunc(c.cfg.RecordStartDelay, func() {
				c.post(gen, func() {
					if c.state != StateActive && c.state != StateOnHold {
						return
					}
					c.startRecording(c.call)
				})
			})
		}
		c.broadcast()

	case signaling.Terminated:
		if c.state == StateEnded {
			return
		}
		call.duration = c.liveDuration(call)
		disposition, hungUpBy := terminalOutcome(call, ev, call.duration)
		c.finishCall(disposition, hungUpBy)
	}
}

// terminalOutcome maps a Terminated event onto a disposition and a
// hang-up attribution. A locally requested hangup always wins the
// attribution; the disposition follows the duration: a call with no talk
// time is never completed, even if it was answered.
func terminalOutcome(call *activeCall, ev signaling.Event, duration int) (string, string) {
	if call.answered {
		hungUpBy := HungUpByRemote
		if call.hungUpLocal {
			hungUpBy = HungUpByUser
		}
		if duration == 0 {
			return DispositionFailed, hungUpBy
		}
		return DispositionCompleted, hungUpBy
	}
	if call.hungUpLocal || ev.Origin == signaling.OriginLocal {
		return DispositionCancelled, HungUpByUser
	}
	switch ev.StatusCode {
	case 486, 600, 603:
		return DispositionBusy, HungUpByRemote
	case 408, 480:
		return DispositionNoAnswer, HungUpByRemote
	default:
		return DispositionFailed, HungUpByRemote
	}
}

// finishCall transitions to ended, finalizes recording and reporting,
// and arms the return-to-idle timer.
func (c *Controller) finishCall(disposition, hungUpBy string) {
	call := c.call
	now := time.Now().UTC()

	c.ringback.Stop()
	if call.duration == 0 {
		call.duration = c.liveDuration(call)
	}
	call.disposition = disposition
	call.hungUpBy = hungUpBy

	if call.graph != nil {
		call.graph.Close()
	}
	if call.recorder != nil {
		call.recorder.Stop(call.duration)
	}
	if call.tracker != nil {
		dur := call.duration
		call.tracker.Finalize(calllog.Patch{
			Status:          disposition,
			EndedAt:         &now,
			DurationSeconds: &dur,
			HungUpBy:        hungUpBy,
			Notes:           call.req.Notes,
		})
	}
	c.updateHistory(call, func(rec *history.Call) {
		t := now
		rec.EndedAt = &t
		rec.Duration = call.duration
		rec.Disposition = disposition
		rec.HungUpBy = hungUpBy
		rec.Notes = call.req.Notes
		if call.tracker != nil {
			rec.CallLogID = call.tracker.ID()
		}
	})

	c.statsMu.Lock()
	c.dispositions[disposition]++
	c.statsMu.Unlock()

	c.setState(StateEnded)
	c.logger.Info("call ended", "call_id", call.callID,
		"disposition", disposition, "hung_up_by", hungUpBy, "duration", call.duration)
	c.broadcast()

	c.armLinger(call.gen)
}

// armLinger schedules the ended -> idle reset. While the UI holds the
// keep-visible flag the timer re-arms instead of clearing the session.
func (c *Controller) armLinger(gen uint64) {
	time.AfterFunc(c.cfg.EndedLinger, func() {
		c.post(gen, func() {
			if c.keepEnded {
				c.armLinger(gen)
				return
			}
			c.toIdle()
		})
	})
}

// toIdle clears the ended call from view and places any pending call.
func (c *Controller) toIdle() {
	c.call = nil
	c.setState(StateIdle)
	c.broadcast()
	c.drainPending()
}

// drainPending places the parked call if the session is ready for it.
func (c *Controller) drainPending() {
	if c.pending == nil || c.state != StateIdle || !c.sig.Registered() {
		return
	}
	req := *c.pending
	c.pending = nil
	c.startCall(req)
}

func (c *Controller) startRecording(call *activeCall) {
	meta := recording.Metadata{
		CustomerID:   call.req.CustomerID,
		CampaignID:   call.req.CampaignID,
		CustomerName: call.req.CustomerName,
		AgentName:    c.cfg.AgentName,
		PhoneNumber:  call.req.PhoneNumber,
	}
	if call.tracker != nil {
		meta.CallLogID = call.tracker.ID()
	}
	call.recorder.Start(meta)

	c.statsMu.Lock()
	c.recStarted++
	c.statsMu.Unlock()
}

// applyGain pushes the effective microphone gain into the audio graph.
func (c *Controller) applyGain() {
	if c.call == nil || c.call.graph == nil {
		return
	}
	if c.muted {
		c.call.graph.SetGain(0)
	} else {
		c.call.graph.SetGain(c.volume)
	}
}

// liveDuration is the elapsed talk time, zero before answer.
func (c *Controller) liveDuration(call *activeCall) int {
	if !call.answered {
		return 0
	}
	if call.duration > 0 || c.state == StateEnded {
		return call.duration
	}
	return int(time.Since(call.establishedAt).Seconds())
}

func (c *Controller) updateHistory(call *activeCall, mutate func(*history.Call)) {
	if c.calls == nil || call.record == nil {
		return
	}
	rec := call.record
	mutate(rec)
	snapshot := *rec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signalingTimeout)
		defer cancel()
		if err := c.calls.Update(ctx, &snapshot); err != nil {
			c.logger.Error("updating call history failed", "error", err)
		}
	}()
}

func (c *Controller) setState(s State) {
	c.state = s
	c.statsMu.Lock()
	c.statsState = string(s)
	c.statsMu.Unlock()
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		State:       c.state,
		Generation:  c.generation,
		Muted:       c.muted,
		Volume:      c.volume,
		KeepVisible: c.keepEnded,
	}
	if c.pending != nil {
		s.PendingNumber = c.pending.PhoneNumber
	}
	call := c.call
	if call == nil {
		return s
	}
	s.CallID = call.callID
	s.PhoneNumber = call.req.PhoneNumber
	s.CustomerName = call.req.CustomerName
	s.Direction = call.direction
	started := call.startedAt
	s.StartedAt = &started
	if call.tracker != nil {
		s.CallLogID = call.tracker.ID()
	}
	if call.answered {
		est := call.establishedAt
		s.EstablishedAt = &est
	}
	s.DurationSeconds = c.liveDuration(call)
	s.OnHold = call.onHold
	if call.recorder != nil {
		s.Recording = call.recorder.Recording()
	}
	s.RecordingPaused = call.recPaused
	s.Disposition = call.disposition
	s.HungUpBy = call.hungUpBy
	return s
}

func (c *Controller) broadcast() {
	s := c.snapshot()
	for id, ch := range c.subs {
		select {
		case ch <- s:
		default:
			c.logger.Debug("dropping snapshot for slow subscriber", "subscriber", id)
		}
	}
}

// shutdown runs when the loop context is cancelled.
func (c *Controller) shutdown() {
	c.forceReset()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
