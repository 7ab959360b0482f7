package netdriver

import "errors"

var (
	ErrClientExists  = errors.New("client already connected")
	ErrSessionClosed = errors.New("session closed by server")
	ErrNoHello       = errors.New("frame received before hello")
	ErrUnitsMismatch = errors.New("server quantization units differ from local config")
)
