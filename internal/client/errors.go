package client

import "errors"

var (
	ErrSourceClosed = errors.New("message source closed")
	ErrClientClosed = errors.New("client closed")
)
