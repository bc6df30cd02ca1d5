package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Config holds the settings for the SIP signaling client.
type Config struct {
	// Server is the registrar/proxy address, host:port.
	Server string
	// Username is the account identity (also the default auth user).
	Username string
	// AuthUsername overrides Username for digest authentication.
	AuthUsername string
	// Password is the digest credential.
	Password string
	// Transport is the SIP transport: "udp" or "tcp".
	Transport string
	// MediaIP is the local IP advertised in SDP offers.
	MediaIP string
	// Expiry is the registration lifetime in seconds.
	Expiry int
	// UserAgent is the User-Agent header value.
	UserAgent string
}

// IncomingCall is an unanswered inbound session offered to the controller.
type IncomingCall interface {
	// From returns the calling party number.
	From() string

	// Accept answers the call and returns the live session.
	Accept(ctx context.Context) (Session, error)

	// Reject declines the call with the given status code.
	Reject(ctx context.Context, code int) error
}

// SIPClient implements Client over sipgo.
type SIPClient struct {
	cfg    Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	srv    *sipgo.Server

	mu           sync.Mutex
	registered   bool
	onRegistered []func()
	onIncoming   func(IncomingCall)
	sessions     map[string]*sipSession // keyed by Call-ID
}

// NewSIPClient creates the signaling client. Start must be called before the
// client can receive in-dialog requests.
func NewSIPClient(cfg Config, logger *slog.Logger) (*SIPClient, error) {
	if cfg.Server == "" || cfg.Username == "" {
		return nil, fmt.Errorf("sip server and username are required")
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 300
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "VoiceDesk"
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	c := &SIPClient{
		cfg:      cfg,
		logger:   logger.With("subsystem", "signaling"),
		ua:       ua,
		client:   client,
		srv:      srv,
		sessions: make(map[string]*sipSession),
	}

	srv.OnBye(c.handleBye)
	srv.OnInvite(c.handleInvite)
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})

	return c, nil
}

// Start serves in-dialog requests (BYE from the far end, inbound INVITE) on
// the given UDP listen address. It blocks until ctx is canceled.
func (c *SIPClient) Start(ctx context.Context, listenAddr string) error {
	return c.srv.ListenAndServe(ctx, c.cfg.Transport, listenAddr)
}

// Close releases the user agent and all transports.
func (c *SIPClient) Close() {
	c.ua.Close()
}

// Registered implements Client.
func (c *SIPClient) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// OnRegistered implements Client.
func (c *SIPClient) OnRegistered(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRegistered = append(c.onRegistered, fn)
}

// OnIncomingCall installs the handler for unanswered inbound sessions.
func (c *SIPClient) OnIncomingCall(fn func(IncomingCall)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncoming = fn
}

// Register implements Client: it sends a REGISTER, answering a digest
// challenge when the registrar issues one.
func (c *SIPClient) Register(ctx context.Context) error {
	if err := c.sendRegister(ctx, c.cfg.Expiry); err != nil {
		return err
	}

	c.mu.Lock()
	c.registered = true
	callbacks := make([]func(), len(c.onRegistered))
	copy(callbacks, c.onRegistered)
	c.mu.Unlock()

	c.logger.Info("registered", "server", c.cfg.Server, "username", c.cfg.Username)
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Unregister implements Client: a REGISTER with Expires: 0.
func (c *SIPClient) Unregister(ctx context.Context) error {
	c.mu.Lock()
	c.registered = false
	c.mu.Unlock()

	if err := c.sendRegister(ctx, 0); err != nil {
		return fmt.Errorf("unregistering: %w", err)
	}
	c.logger.Info("unregistered", "server", c.cfg.Server)
	return nil
}

// sendRegister performs one REGISTER exchange with the requested expiry.
func (c *SIPClient) sendRegister(ctx context.Context, expiry int) error {
	recipientStr := "sip:" + c.cfg.Server
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(c.cfg.Transport))

	host := recipient.Host
	aor := fmt.Sprintf("<sip:%s@%s>", c.cfg.Username, host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", c.cfg.Username, c.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = c.resendWithAuth(ctx, req, res, recipientStr)
		if err != nil {
			return err
		}
	}

	if res.StatusCode != 200 {
		return fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// resendWithAuth answers a 401/407 digest challenge by cloning the request
// with credentials and re-sending it.
func (c *SIPClient) resendWithAuth(ctx context.Context, req *sip.Request, challenge *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	authUser := c.cfg.Username
	if c.cfg.AuthUsername != "" {
		authUser = c.cfg.AuthUsername
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: authUser,
		Password: c.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := c.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated request: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated response: %w", err)
	}
	return res, nil
}

// Invite implements Client: it originates a session toward the target and
// returns immediately; progress is delivered on the session's event channel.
func (c *SIPClient) Invite(ctx context.Context, target string) (Session, error) {
	if !c.Registered() {
		return nil, fmt.Errorf("not registered")
	}

	port, err := NewRTPPort(c.logger)
	if err != nil {
		return nil, fmt.Errorf("allocating media port: %w", err)
	}

	recipientStr := fmt.Sprintf("sip:%s@%s", target, c.cfg.Server)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		port.Close()
		return nil, fmt.Errorf("parsing target uri %q: %w", recipientStr, err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(c.cfg.Transport))
	req.SetBody(BuildOffer(c.cfg.MediaIP, port.LocalPort(), DirectionSendRecv))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("sending invite: %w", err)
	}

	s := newSIPSession(c, req, port)
	c.addSession(s)

	go s.uacLoop(tx)
	return s, nil
}

// handleBye routes an incoming BYE to its session.
func (c *SIPClient) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		c.logger.Warn("failed to respond to bye", "error", err)
	}

	callID := req.CallID()
	if callID == nil {
		return
	}
	if s := c.session(callID.Value()); s != nil {
		s.remoteTerminated(0)
	}
}

// handleInvite accepts out-of-dialog INVITEs as incoming calls and answers
// in-dialog re-INVITEs (remote hold/resume) with the current local media.
func (c *SIPClient) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID != nil {
		if s := c.session(callID.Value()); s != nil {
			s.handleReinvite(req, tx)
			return
		}
	}

	c.mu.Lock()
	onIncoming := c.onIncoming
	c.mu.Unlock()

	if onIncoming == nil {
		res := sip.NewResponseFromRequest(req, 486, "Busy Here", nil)
		if err := tx.Respond(res); err != nil {
			c.logger.Warn("failed to reject incoming invite", "error", err)
		}
		return
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		c.logger.Warn("failed to send ringing", "error", err)
		return
	}

	onIncoming(&incomingCall{client: c, req: req, tx: tx})
}

func (c *SIPClient) addSession(s *sipSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
}

func (c *SIPClient) removeSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

func (c *SIPClient) session(id string) *sipSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// getResponse waits for the next response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
