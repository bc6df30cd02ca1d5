package signaling

import (
	"context"
	"fmt"
	"strings"
)

// DTMFContentType is the media type for out-of-band DTMF relay payloads.
const DTMFContentType = "application/dtmf-relay"

// dtmfDurationMs is the signaled tone duration for each relayed digit.
const dtmfDurationMs = 100

// validDTMFDigits are the digits a keypad can relay.
const validDTMFDigits = "0123456789*#ABCD"

// DTMFBody builds the dtmf-relay payload for a single digit.
func DTMFBody(digit rune) ([]byte, error) {
	if !strings.ContainsRune(validDTMFDigits, digit) {
		return nil, fmt.Errorf("invalid dtmf digit %q", digit)
	}
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d", digit, dtmfDurationMs)), nil
}

// SendDTMF relays one keypad digit over the session's in-dialog signaling.
func SendDTMF(ctx context.Context, s Session, digit rune) error {
	body, err := DTMFBody(digit)
	if err != nil {
		return err
	}
	if err := s.Info(ctx, DTMFContentType, body); err != nil {
		return fmt.Errorf("sending dtmf relay: %w", err)
	}
	return nil
}
