package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/voicedesk/voicedesk/internal/audio"
)

// sessionEventBuffer bounds the event channel so the signaling goroutines
// never block on a slow consumer.
const sessionEventBuffer = 8

// sipSession implements Session over a sipgo dialog.
type sipSession struct {
	client *SIPClient
	logger *slog.Logger

	id     string
	events chan Event
	port   *RTPPort

	mu           sync.Mutex
	inviteReq    *sip.Request  // our INVITE (UAC) or the remote INVITE (UAS)
	okResp       *sip.Response // 200 OK that established the dialog
	remoteTarget *sip.Uri      // Contact of the far end for in-dialog requests
	localCSeq    uint32
	answered     bool
	terminated   bool
	canceled     bool
}

func newSIPSession(c *SIPClient, inviteReq *sip.Request, port *RTPPort) *sipSession {
	id := ""
	if cid := inviteReq.CallID(); cid != nil {
		id = cid.Value()
	}
	return &sipSession{
		client:    c,
		logger:    c.logger.With("call_id", id),
		id:        id,
		events:    make(chan Event, sessionEventBuffer),
		port:      port,
		inviteReq: inviteReq,
		localCSeq: 1,
	}
}

// ID implements Session.
func (s *sipSession) ID() string { return s.id }

// Events implements Session.
func (s *sipSession) Events() <-chan Event { return s.events }

// Media implements Session.
func (s *sipSession) Media() audio.MediaPort { return s.port }

// uacLoop consumes responses to our INVITE and drives the session events.
func (s *sipSession) uacLoop(tx sip.ClientTransaction) {
	ctx := context.Background()
	establishing := false

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			s.logger.Debug("invite transaction ended", "error", err)
			s.finish(Event{State: Terminated, Origin: OriginUnknown})
			tx.Terminate()
			return
		}

		switch {
		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			s.mu.Lock()
			req := s.inviteReq
			s.mu.Unlock()
			authRes, err := s.client.resendWithAuth(ctx, req, res, req.Recipient.String())
			if err != nil {
				s.logger.Warn("invite authentication failed", "error", err)
				s.finish(Event{State: Terminated, Origin: OriginLocal, StatusCode: res.StatusCode})
				return
			}
			res = authRes
			s.handleFinal(res)
			return

		case res.StatusCode < 200:
			if res.StatusCode >= 180 && !establishing {
				establishing = true
				s.emit(Event{State: Establishing, StatusCode: res.StatusCode})
			}

		default:
			tx.Terminate()
			s.handleFinal(res)
			return
		}
	}
}

// handleFinal processes the final response to our INVITE.
func (s *sipSession) handleFinal(res *sip.Response) {
	if res.StatusCode != 200 {
		origin := OriginRemote
		if res.StatusCode == 487 {
			// Request Terminated: our own CANCEL completed.
			origin = OriginLocal
		}
		s.finish(Event{State: Terminated, Origin: origin, StatusCode: res.StatusCode})
		return
	}

	s.mu.Lock()
	req := s.inviteReq
	s.mu.Unlock()

	ack := buildACKFor2xx(req, res)
	if err := s.client.client.WriteRequest(ack); err != nil {
		s.logger.Error("failed to send ack", "error", err)
	}

	if err := s.applyAnswer(res.Body()); err != nil {
		s.logger.Error("failed to apply sdp answer, terminating", "error", err)
		if err := s.Bye(context.Background()); err != nil {
			s.logger.Debug("bye after failed answer", "error", err)
		}
		s.finish(Event{State: Terminated, Origin: OriginLocal, StatusCode: 488})
		return
	}

	s.mu.Lock()
	s.answered = true
	s.okResp = res
	if contact := res.Contact(); contact != nil {
		s.remoteTarget = contact.Address.Clone()
	}
	s.mu.Unlock()

	s.emit(Event{State: Established, StatusCode: 200})
}

// applyAnswer points the media port at the remote address from an SDP answer.
func (s *sipSession) applyAnswer(body []byte) error {
	rm, err := ParseRemoteMedia(body)
	if err != nil {
		return err
	}
	return s.port.Connect(rm.Address, rm.Port, rm.PayloadType)
}

// Bye implements Session.
func (s *sipSession) Bye(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	if !s.answered {
		s.mu.Unlock()
		return s.Cancel(ctx)
	}
	req := s.buildInDialogRequestLocked(sip.BYE, nil, "")
	s.mu.Unlock()

	tx, err := s.client.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	if _, err := getResponse(ctx, tx); err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	return nil
}

// Cancel implements Session: aborts an unanswered INVITE.
func (s *sipSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated || s.canceled {
		s.mu.Unlock()
		return nil
	}
	s.canceled = true
	inviteReq := s.inviteReq
	s.mu.Unlock()

	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SetTransport(inviteReq.Transport())
	if cid := inviteReq.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}

	tx, err := s.client.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	tx.Terminate()
	return nil
}

// Info implements Session.
func (s *sipSession) Info(ctx context.Context, contentType string, body []byte) error {
	s.mu.Lock()
	if !s.answered || s.terminated {
		s.mu.Unlock()
		return fmt.Errorf("session not established")
	}
	req := s.buildInDialogRequestLocked(sip.INFO, body, contentType)
	s.mu.Unlock()

	tx, err := s.client.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending info: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for info response: %w", err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("info rejected with status %d", res.StatusCode)
	}
	return nil
}

// Renegotiate implements Session: a re-INVITE with the requested direction.
func (s *sipSession) Renegotiate(ctx context.Context, dir Direction) error {
	s.mu.Lock()
	if !s.answered || s.terminated {
		s.mu.Unlock()
		return fmt.Errorf("session not established")
	}
	offer := BuildOffer(s.client.cfg.MediaIP, s.port.LocalPort(), dir)
	req := s.buildInDialogRequestLocked(sip.INVITE, offer, "application/sdp")
	s.mu.Unlock()

	tx, err := s.client.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending re-invite: %w", err)
	}
	defer tx.Terminate()

	// Skip provisional responses; the far end answers a re-INVITE quickly.
	var res *sip.Response
	for {
		res, err = getResponse(ctx, tx)
		if err != nil {
			return fmt.Errorf("waiting for re-invite response: %w", err)
		}
		if res.StatusCode >= 200 {
			break
		}
	}

	if res.StatusCode != 200 {
		return fmt.Errorf("re-invite rejected with status %d %s", res.StatusCode, res.Reason)
	}

	ack := buildACKFor2xx(req, res)
	if err := s.client.client.WriteRequest(ack); err != nil {
		s.logger.Warn("failed to ack re-invite", "error", err)
	}

	if err := s.applyAnswer(res.Body()); err != nil {
		return fmt.Errorf("applying renegotiated media: %w", err)
	}
	return nil
}

// handleReinvite answers a remote re-INVITE (far-end hold/resume) with our
// current local media description.
func (s *sipSession) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	if err := s.applyAnswer(req.Body()); err != nil {
		s.logger.Warn("rejecting re-invite with unusable sdp", "error", err)
		res := sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Warn("failed to reject re-invite", "error", err)
		}
		return
	}

	answer := BuildOffer(s.client.cfg.MediaIP, s.port.LocalPort(), DirectionSendRecv)
	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		s.logger.Warn("failed to answer re-invite", "error", err)
	}
}

// remoteTerminated is called when the far end sends BYE.
func (s *sipSession) remoteTerminated(statusCode int) {
	s.finish(Event{State: Terminated, Origin: OriginRemote, StatusCode: statusCode})
}

// emit delivers an event without ever blocking the signaling path.
func (s *sipSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("session event dropped: consumer behind", "state", ev.State.String())
	}
}

// finish emits the Terminated event exactly once, closes the event channel,
// and releases the media port.
func (s *sipSession) finish(ev Event) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	s.emit(ev)
	close(s.events)
	s.port.Close()
	s.client.removeSession(s.id)
	s.logger.Debug("session finished", "origin", ev.Origin, "status", ev.StatusCode)
}

// buildInDialogRequestLocked constructs an in-dialog request (BYE, INFO,
// re-INVITE) from the stored dialog state. Caller must hold s.mu.
func (s *sipSession) buildInDialogRequestLocked(method sip.RequestMethod, body []byte, contentType string) *sip.Request {
	recipient := s.inviteReq.Recipient
	if s.remoteTarget != nil {
		recipient = *s.remoteTarget
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SetTransport(s.inviteReq.Transport())

	// From: ours, with the local tag from the original INVITE.
	if h := s.inviteReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	// To: the far end, with the remote tag from the 200 OK.
	if s.okResp != nil {
		if h := s.okResp.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	} else if h := s.inviteReq.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := s.inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	s.localCSeq++
	cseq := &sip.CSeqHeader{SeqNo: s.localCSeq, MethodName: method}
	req.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if h := s.inviteReq.Contact(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}

	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	return req
}

// buildACKFor2xx creates an ACK for a 2xx response to an INVITE. Per RFC
// 3261 §13.2.2.4 the ACK for a 2xx is generated by the UAC core, not the
// transaction layer. The Request-URI comes from the response Contact when
// present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

// incomingCall is an unanswered inbound INVITE.
type incomingCall struct {
	client *SIPClient
	req    *sip.Request
	tx     sip.ServerTransaction
}

// From returns the calling party number from the From header.
func (ic *incomingCall) From() string {
	if from := ic.req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

// Accept answers the INVITE with our media and returns the live session.
func (ic *incomingCall) Accept(ctx context.Context) (Session, error) {
	port, err := NewRTPPort(ic.client.logger)
	if err != nil {
		return nil, fmt.Errorf("allocating media port: %w", err)
	}

	s := newSIPSession(ic.client, ic.req, port)

	if err := s.applyAnswer(ic.req.Body()); err != nil {
		port.Close()
		res := sip.NewResponseFromRequest(ic.req, 488, "Not Acceptable Here", nil)
		if respErr := ic.tx.Respond(res); respErr != nil {
			ic.client.logger.Warn("failed to reject incoming call", "error", respErr)
		}
		return nil, fmt.Errorf("remote sdp unusable: %w", err)
	}

	answer := BuildOffer(ic.client.cfg.MediaIP, port.LocalPort(), DirectionSendRecv)
	res := sip.NewResponseFromRequest(ic.req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", ic.client.cfg.Username, ic.client.ua.Hostname())))
	if err := ic.tx.Respond(res); err != nil {
		port.Close()
		return nil, fmt.Errorf("answering incoming call: %w", err)
	}

	s.mu.Lock()
	s.answered = true
	if contact := ic.req.Contact(); contact != nil {
		s.remoteTarget = contact.Address.Clone()
	}
	s.mu.Unlock()

	ic.client.addSession(s)
	s.emit(Event{State: Established, StatusCode: 200})
	return s, nil
}

// Reject declines the call.
func (ic *incomingCall) Reject(ctx context.Context, code int) error {
	res := sip.NewResponseFromRequest(ic.req, code, "Decline", nil)
	if err := ic.tx.Respond(res); err != nil {
		return fmt.Errorf("rejecting incoming call: %w", err)
	}
	return nil
}
