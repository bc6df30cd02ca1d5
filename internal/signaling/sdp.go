package signaling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voicedesk/voicedesk/internal/audio"
)

// RemoteMedia holds the fields of a remote session description the agent
// acts on: where to send RTP, which G.711 codec to use, and the negotiated
// direction.
type RemoteMedia struct {
	Address     string
	Port        int
	PayloadType int
	Direction   Direction
}

// BuildOffer produces an audio-only session description advertising both
// G.711 codecs and the given direction. Media constraints are audio-only:
// the agent never offers video.
func BuildOffer(localIP string, rtpPort int, dir Direction) []byte {
	sessID := time.Now().Unix()

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=voicedesk %d %d IN IP4 %s\r\n", sessID, sessID, localIP)
	fmt.Fprintf(&b, "s=voicedesk call\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", localIP)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %d %d\r\n", rtpPort, audio.PayloadPCMU, audio.PayloadPCMA)
	fmt.Fprintf(&b, "a=rtpmap:%d PCMU/8000\r\n", audio.PayloadPCMU)
	fmt.Fprintf(&b, "a=rtpmap:%d PCMA/8000\r\n", audio.PayloadPCMA)
	fmt.Fprintf(&b, "a=ptime:20\r\n")
	fmt.Fprintf(&b, "a=%s\r\n", dir)
	return []byte(b.String())
}

// ParseRemoteMedia extracts the audio media parameters from a remote session
// description. It accepts the first audio m= section and prefers PCMU when
// both G.711 codecs are offered.
func ParseRemoteMedia(body []byte) (*RemoteMedia, error) {
	rm := &RemoteMedia{PayloadType: -1, Direction: DirectionSendRecv}

	var inAudio bool
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'c':
			// c=IN IP4 <address> — session or media level; media level wins.
			fields := strings.Fields(value)
			if len(fields) == 3 && (rm.Address == "" || inAudio) {
				rm.Address = fields[2]
			}
		case 'm':
			fields := strings.Fields(value)
			if len(fields) < 4 || fields[0] != "audio" {
				inAudio = false
				continue
			}
			inAudio = true
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("parsing audio port %q: %w", fields[1], err)
			}
			rm.Port = port
			for _, f := range fields[3:] {
				pt, err := strconv.Atoi(f)
				if err != nil {
					continue
				}
				if pt == audio.PayloadPCMU {
					rm.PayloadType = pt
					break
				}
				if pt == audio.PayloadPCMA && rm.PayloadType < 0 {
					rm.PayloadType = pt
				}
			}
		case 'a':
			if !inAudio {
				continue
			}
			switch value {
			case "sendrecv":
				rm.Direction = DirectionSendRecv
			case "sendonly":
				rm.Direction = DirectionSendOnly
			case "recvonly":
				// Remote receives only; we hear nothing. Treated as
				// sendonly from our perspective for hold detection.
				rm.Direction = DirectionSendOnly
			}
		}
	}

	if rm.Port == 0 {
		return nil, fmt.Errorf("remote sdp has no audio media section")
	}
	if rm.PayloadType < 0 {
		return nil, fmt.Errorf("remote sdp offers no supported audio codec")
	}
	if rm.Address == "" {
		return nil, fmt.Errorf("remote sdp has no connection address")
	}
	return rm, nil
}
