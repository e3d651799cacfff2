package flicker

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkNotOpen is returned when an operation needs a link that is closed.
	ErrLinkNotOpen = errors.New("link not open")
	// ErrProtocolMismatch is matched by every *ProtocolMismatchError.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrBusy is returned when an acquisition is already in progress.
	ErrBusy = errors.New("measurement already in progress")
	// ErrNotReady is returned when an acquisition is requested before the
	// device has been initialized or while the control link is closed.
	ErrNotReady = errors.New("device not started or initialized")
	// ErrBufferOverrun is returned when the data link delivers more bytes than
	// the capture buffer holds.
	ErrBufferOverrun = errors.New("capture buffer overrun")
	// ErrInvalidSetting is returned for gain or time values outside the
	// supported tables.
	ErrInvalidSetting = errors.New("invalid setting")
)

// ProtocolMismatchError reports an acknowledgment that did not match the
// expected text.
type ProtocolMismatchError struct {
	Step    string
	Command string
	Want    string
	Got     string
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("%s: command %q expected %q, got %q", e.Step, e.Command, e.Want, e.Got)
}

func (e *ProtocolMismatchError) Is(target error) bool {
	return target == ErrProtocolMismatch
}
