package protocol

import "errors"

// Codec errors
var (
	ErrMessageTooLarge       = errors.New("message too large")
	ErrUnknownKind           = errors.New("unknown message kind")
	ErrSerializationFailed   = errors.New("message serialization failed")
	ErrDeserializationFailed = errors.New("message deserialization failed")
	ErrUnexpectedKind        = errors.New("unexpected message kind")
	ErrVersionMismatch       = errors.New("protocol version mismatch")
)
