package netdriver

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/models"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/protocol"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
	"github.com/zeusync/rtsrep/internal/core/replication/session"
)

const receiverSource = "receiver"

type ReceiverStats struct {
	Frames int
	Stale  int
	Bytes  int
}

// Receiver applies server messages to the client mirrors. Registry changes
// in a frame are applied before bubble changes.
type Receiver struct {
	session  *session.Session
	codec    *protocol.Codec
	registry *registry.Mirror
	bubble   *bubble.Mirror
	logger   log.Log

	mu      sync.Mutex
	hello   *protocol.Hello
	lastSeq uint64
	ready   bool
	closed  bool
	reason  string
	stats   ReceiverStats
}

func NewReceiver(s *session.Session, codec *protocol.Codec, reg *registry.Mirror, bub *bubble.Mirror) *Receiver {
	return &Receiver{
		session:  s,
		codec:    codec,
		registry: reg,
		bubble:   bub,
		logger:   s.Logger.With(log.String("component", receiverSource)),
	}
}

// Handle decodes and applies one message. Frames older than the last one
// applied are dropped.
func (r *Receiver) Handle(data []byte, now time.Time) error {
	env, err := r.codec.Decode(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch env.Kind {
	case protocol.KindHello:
		return r.handleHello(env, now)
	case protocol.KindFrame:
		return r.handleFrame(env, len(data))
	case protocol.KindBye:
		var bye protocol.Bye
		if err := r.codec.Body(env, protocol.KindBye, &bye); err != nil {
			return err
		}
		r.closed = true
		r.reason = bye.Reason
		r.logger.Info("server closed session", log.String("reason", bye.Reason))
		return ErrSessionClosed
	}
	return protocol.ErrUnknownKind
}

func (r *Receiver) handleHello(env protocol.Envelope, now time.Time) error {
	var h protocol.Hello
	if err := r.codec.Body(env, protocol.KindHello, &h); err != nil {
		return err
	}
	if h.Version != protocol.Version {
		return fmt.Errorf("%w: server %d, client %d", protocol.ErrVersionMismatch, h.Version, protocol.Version)
	}
	if want := r.session.Config.Units(); h.Units != want {
		return fmt.Errorf("%w: server %+v, local %+v", ErrUnitsMismatch, h.Units, want)
	}
	if r.hello != nil && r.hello.Session != h.Session {
		r.logger.Info("server session changed, clearing mirrors",
			log.String("old", r.hello.Session),
			log.String("new", h.Session),
		)
		r.registry.Apply(registry.Delta{Full: true})
		r.bubble.Apply(bubble.Delta{Full: true})
		r.session.Teardown()
		r.session.Restart(now)
		r.ready = false
	}
	r.hello = &h
	r.lastSeq = env.Seq
	r.closed = false
	return nil
}

func (r *Receiver) handleFrame(env protocol.Envelope, size int) error {
	if r.hello == nil {
		return ErrNoHello
	}
	if env.Session != r.hello.Session || env.Seq <= r.lastSeq {
		r.stats.Stale++
		return nil
	}
	var f protocol.Frame
	if err := r.codec.Body(env, protocol.KindFrame, &f); err != nil {
		return err
	}
	r.lastSeq = env.Seq

	if f.Registry != nil {
		r.registry.Apply(*f.Registry)
		if !r.ready {
			r.ready = true
			bus.Emit(r.session.Bus, bus.EventRegistryAvailable, receiverSource, r.registry.Len(), time.Unix(0, f.ServerTime))
		}
	}
	if f.Bubble != nil {
		r.bubble.Apply(*f.Bubble)
	}
	r.session.Transforms.Trim(func(id models.NetID) bool {
		return r.bubble.Has(id)
	})

	r.stats.Frames++
	r.stats.Bytes += size
	return nil
}

// Registry returns the registry mirror once the first registry delta has
// been applied.
func (r *Receiver) Registry() (*registry.Mirror, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry, r.ready
}

// Hello returns the server hello, if one has arrived.
func (r *Receiver) Hello() (protocol.Hello, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hello == nil {
		return protocol.Hello{}, false
	}
	return *r.hello, true
}

// Closed reports whether the server ended the session, and why.
func (r *Receiver) Closed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.reason
}

func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
