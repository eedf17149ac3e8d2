package session

import "errors"

var (
	ErrAddressRequired  = errors.New("session: instrument address required")
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyConnected = errors.New("session: already connected")
	ErrInstrument       = errors.New("session: instrument reported an error")
	ErrUnknownProtocol  = errors.New("session: protocol not offered by instrument")
	ErrUnexpectedReply  = errors.New("session: unexpected reply content")
	ErrShimNotConverged = errors.New("session: shim did not meet thresholds")
	ErrNoShimRecorder   = errors.New("session: shim recorder required")
)
