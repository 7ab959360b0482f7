package ws

import "errors"

var (
	ErrConnectionClosed   = errors.New("connection is closed")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrUnknownClient      = errors.New("unknown client")
	ErrUnsupportedMessage = errors.New("unsupported message type")
	ErrHubClosed          = errors.New("hub is closed")
)
