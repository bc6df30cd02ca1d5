package signaling

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/voicedesk/voicedesk/internal/audio"
)

const (
	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12

	rtpVersion = 2

	// timestampIncrement is the RTP timestamp step per 20 ms G.711 frame.
	timestampIncrement = audio.SamplesPerFrame
)

// RTPPort is the media transport for one call: it sends the current outbound
// PCM track as G.711 RTP and surfaces inbound RTP as PCM tracks. It
// implements audio.MediaPort.
//
// A fresh inbound track is delivered whenever the remote SSRC changes, which
// covers both the first media packet and renegotiated streams.
type RTPPort struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu          sync.Mutex
	remote      *net.UDPAddr
	payloadType int
	inboundFn   func(audio.Track)
	inbound     *audio.PCMTrack
	inboundSSRC uint32
	outbound    audio.Track
	started     bool
	closed      bool

	// Outbound RTP stream state, touched only by the send loop.
	seq  uint16
	ts   uint32
	ssrc uint32

	stop chan struct{}
}

// NewRTPPort binds an ephemeral UDP socket for a call's media.
func NewRTPPort(logger *slog.Logger) (*RTPPort, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("binding rtp socket: %w", err)
	}
	return &RTPPort{
		conn:   conn,
		logger: logger.With("subsystem", "rtp-port", "local", conn.LocalAddr().String()),
		seq:    uint16(rand.UintN(65536)),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
		stop:   make(chan struct{}),
	}, nil
}

// LocalPort returns the bound UDP port for SDP offers.
func (p *RTPPort) LocalPort() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

// Connect points the port at the negotiated remote media address and starts
// the send and receive loops on first use. Later calls (renegotiation)
// update the destination only.
func (p *RTPPort) Connect(address string, port, payloadType int) error {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(address, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("resolving remote media address: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("rtp port closed")
	}
	p.remote = addr
	p.payloadType = payloadType
	if !p.started {
		p.started = true
		go p.recvLoop()
		go p.sendLoop()
	}
	p.logger.Debug("rtp port connected", "remote", addr.String(), "payload_type", payloadType)
	return nil
}

// OnInboundTrack implements audio.MediaPort.
func (p *RTPPort) OnInboundTrack(fn func(audio.Track)) {
	p.mu.Lock()
	p.inboundFn = fn
	current := p.inbound
	p.mu.Unlock()

	// If media arrived before the graph attached, deliver the live track.
	if current != nil && fn != nil {
		fn(current)
	}
}

// ReplaceOutboundTrack implements audio.MediaPort.
func (p *RTPPort) ReplaceOutboundTrack(t audio.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("rtp port closed")
	}
	p.outbound = t
	return nil
}

// Close releases the socket and stops both loops. Idempotent.
func (p *RTPPort) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	inbound := p.inbound
	p.inbound = nil
	p.mu.Unlock()

	if inbound != nil {
		inbound.Close()
	}
	p.conn.Close()
	p.logger.Debug("rtp port closed")
}

// recvLoop reads RTP from the socket, learns the symmetric remote address,
// and pushes decoded PCM to the current inbound track. A changed SSRC starts
// a new track.
func (p *RTPPort) recvLoop() {
	buf := make([]byte, maxRTPPacket)
	pcm := make([]int16, audio.SamplesPerFrame)

	for {
		n, srcAddr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed during teardown.
			return
		}
		if n < minRTPHeader+1 {
			continue
		}
		pkt := buf[:n]

		pt := int(pkt[1] & 0x7F)
		if pt != audio.PayloadPCMU && pt != audio.PayloadPCMA {
			// Skip non-audio packets (telephone-event, RTCP muxed, ...).
			continue
		}

		ssrc := binary.BigEndian.Uint32(pkt[8:12])
		track := p.trackForSSRC(ssrc, srcAddr)
		if track == nil {
			return
		}

		decoded := audio.DecodeG711(pt, pkt[minRTPHeader:], pcm)
		track.Push(pcm[:decoded])
	}
}

// trackForSSRC returns the inbound track for the given source, creating and
// announcing a new one when the SSRC changes. Returns nil once closed.
func (p *RTPPort) trackForSSRC(ssrc uint32, src *net.UDPAddr) *audio.PCMTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	// Symmetric RTP: learn the actual remote address from traffic.
	p.remote = src

	if p.inbound != nil && p.inboundSSRC == ssrc {
		return p.inbound
	}
	if p.inbound != nil {
		p.inbound.Close()
	}
	p.inbound = audio.NewPCMTrack()
	p.inboundSSRC = ssrc
	if p.inboundFn != nil {
		go p.inboundFn(p.inbound)
	}
	p.logger.Debug("new inbound media stream", "ssrc", ssrc)
	return p.inbound
}

// sendLoop reads frames from the current outbound track, encodes them as
// G.711 u-law, and sends them to the remote address. Pacing comes from the
// producing track (capture devices emit at the frame interval).
func (p *RTPPort) sendLoop() {
	pcm := make([]int16, audio.SamplesPerFrame)
	pkt := make([]byte, minRTPHeader+audio.SamplesPerFrame)

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		track := p.outbound
		remote := p.remote
		p.mu.Unlock()

		if track == nil || remote == nil {
			select {
			case <-p.stop:
				return
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}

		n, err := track.ReadFrame(pcm)
		if err != nil {
			// Track ended: drop it and wait for a replacement.
			p.mu.Lock()
			if p.outbound == track {
				p.outbound = nil
			}
			p.mu.Unlock()
			continue
		}

		encoded := audio.EncodeULaw(pcm[:n], pkt[minRTPHeader:])
		buildRTPHeader(pkt[:minRTPHeader], audio.PayloadPCMU, false, p.seq, p.ts, p.ssrc)
		if _, err := p.conn.WriteToUDP(pkt[:minRTPHeader+encoded], remote); err != nil {
			p.logger.Debug("rtp send failed", "error", err)
		}
		p.seq++
		p.ts += timestampIncrement
	}
}

// buildRTPHeader writes a 12-byte RTP header into buf.
func buildRTPHeader(buf []byte, pt int, marker bool, seq uint16, ts uint32, ssrc uint32) {
	buf[0] = rtpVersion << 6
	buf[1] = byte(pt & 0x7F)
	if marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}
