// Package protocol defines the replication wire format: a msgpack envelope
// around a kind-specific body, zstd-compressed above a size threshold.
package protocol

import (
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/quant"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
)

// Version is bumped on incompatible wire changes.
const Version = 1

type Kind uint8

const (
	KindHello Kind = iota + 1
	KindFrame
	KindBye
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindFrame:
		return "frame"
	case KindBye:
		return "bye"
	default:
		return "unknown"
	}
}

func (k Kind) Valid() bool { return k >= KindHello && k <= KindBye }

// Envelope is what travels on the wire.
type Envelope struct {
	Kind       Kind   `msgpack:"k"`
	Seq        uint64 `msgpack:"n"`
	Session    string `msgpack:"s,omitempty"`
	Compressed bool   `msgpack:"z,omitempty"`
	Payload    []byte `msgpack:"p,omitempty"`
}

// Hello is the first message a server sends to a new client. The client
// must unpack transforms with the server's units.
type Hello struct {
	Version    int         `msgpack:"v"`
	Session    string      `msgpack:"s"`
	ClientID   string      `msgpack:"c"`
	ServerTime int64       `msgpack:"t"`
	UpdateHz   float64     `msgpack:"hz"`
	Units      quant.Units `msgpack:"u"`
}

// Frame carries one replication tick for one client. The registry delta is
// applied before the bubble delta.
type Frame struct {
	ServerTime int64           `msgpack:"t"`
	Registry   *registry.Delta `msgpack:"r,omitempty"`
	Bubble     *bubble.Delta   `msgpack:"b,omitempty"`
}

func (f Frame) Empty() bool {
	return (f.Registry == nil || f.Registry.Empty()) && (f.Bubble == nil || f.Bubble.Empty())
}

type Bye struct {
	Reason string `msgpack:"r,omitempty"`
}
