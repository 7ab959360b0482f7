// Package netdriver moves registry and bubble deltas between the server
// replication state and connected clients.
package netdriver

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/rtsrep/internal/core/events/bus"
	"github.com/zeusync/rtsrep/internal/core/observability/log"
	"github.com/zeusync/rtsrep/internal/core/protocol"
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/registry"
	"github.com/zeusync/rtsrep/internal/core/replication/session"
	"github.com/zeusync/rtsrep/pkg/concurrent"
)

const replicatorSource = "replicator"

// Sender delivers an encoded message to one client.
type Sender interface {
	Send(clientID string, data []byte) error
}

type peer struct {
	mu       sync.Mutex
	id       string
	seq      uint64
	registry *registry.Baseline
	bubble   *bubble.Baseline
}

func (p *peer) reset() {
	p.registry.Reset()
	p.bubble.Reset()
}

// BroadcastStats describes one fan-out.
type BroadcastStats struct {
	Clients int
	Sent    int
	Skipped int
	Failed  int
	Bytes   int
}

// Replicator sends each client the changes since what it was last sent.
type Replicator struct {
	session  *session.Session
	codec    *protocol.Codec
	registry *registry.Registry
	bubble   *bubble.Array
	sender   Sender
	logger   log.Log

	mu    sync.RWMutex
	peers map[string]*peer
}

func NewReplicator(s *session.Session, codec *protocol.Codec, reg *registry.Registry, arr *bubble.Array, sender Sender) *Replicator {
	return &Replicator{
		session:  s,
		codec:    codec,
		registry: reg,
		bubble:   arr,
		sender:   sender,
		logger:   s.Logger.With(log.String("component", replicatorSource)),
		peers:    make(map[string]*peer),
	}
}

// Connect registers a client and sends it the session hello. Its first
// frame is a full keyframe.
func (r *Replicator) Connect(id string, now time.Time) error {
	p := &peer{id: id, registry: registry.NewBaseline(), bubble: bubble.NewBaseline()}
	r.mu.Lock()
	if _, ok := r.peers[id]; ok {
		r.mu.Unlock()
		return ErrClientExists
	}
	r.peers[id] = p
	r.mu.Unlock()

	// the hello is sent under the peer lock so no frame can overtake it
	cfg := r.session.Config
	p.mu.Lock()
	p.seq++
	data, err := r.codec.EncodeHello(p.seq, protocol.Hello{
		Version:    protocol.Version,
		Session:    r.session.ID,
		ClientID:   id,
		ServerTime: now.UnixNano(),
		UpdateHz:   cfg.UpdateHz,
		Units:      cfg.Units(),
	})
	if err == nil {
		err = r.sender.Send(id, data)
	}
	p.mu.Unlock()
	if err != nil {
		r.remove(id)
		return err
	}

	r.logger.Info("client connected", log.String("client", id))
	bus.Emit(r.session.Bus, bus.EventClientConnected, replicatorSource, id, now)
	return nil
}

// Disconnect forgets a client. Unknown ids are ignored.
func (r *Replicator) Disconnect(id string, now time.Time) {
	if !r.remove(id) {
		return
	}
	r.logger.Info("client disconnected", log.String("client", id))
	bus.Emit(r.session.Bus, bus.EventClientDisconnect, replicatorSource, id, now)
}

func (r *Replicator) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Resync forces the next frame to id to be a full keyframe.
func (r *Replicator) Resync(id string) bool {
	r.mu.RLock()
	p, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	p.reset()
	p.mu.Unlock()
	return true
}

func (r *Replicator) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Replicator) snapshot() []*peer {
	r.mu.RLock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Broadcast sends every client its pending frame. A failed send does not
// stop the others; the failing client is resynced on its next frame.
func (r *Replicator) Broadcast(ctx context.Context, now time.Time) (BroadcastStats, error) {
	peers := r.snapshot()
	st := BroadcastStats{Clients: len(peers)}
	if len(peers) == 0 {
		return st, nil
	}

	entries, version := r.registry.Snapshot()

	var sent, skipped, failed, bytes atomic.Int64
	err := concurrent.ForEach(ctx, peers, r.session.Config.Server.SendWorkers, func(_ context.Context, p *peer) error {
		n, err := r.sendFrame(p, entries, version, now)
		switch {
		case err != nil:
			failed.Add(1)
		case n == 0:
			skipped.Add(1)
		default:
			sent.Add(1)
			bytes.Add(int64(n))
		}
		return nil
	})

	st.Sent = int(sent.Load())
	st.Skipped = int(skipped.Load())
	st.Failed = int(failed.Load())
	st.Bytes = int(bytes.Load())
	return st, err
}

func (r *Replicator) sendFrame(p *peer, entries []registry.Entry, version uint64, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	regDelta := p.registry.Diff(entries, version)
	bubDelta := p.bubble.Diff(r.bubble)
	frame := protocol.Frame{ServerTime: now.UnixNano()}
	if !regDelta.Empty() {
		frame.Registry = &regDelta
	}
	if !bubDelta.Empty() {
		frame.Bubble = &bubDelta
	}
	if frame.Empty() {
		return 0, nil
	}

	p.seq++
	data, err := r.codec.EncodeFrame(p.seq, r.session.ID, frame)
	if err == nil {
		err = r.sender.Send(p.id, data)
	}
	if err != nil {
		p.reset()
		r.logger.Warn("frame send failed, client will be resynced",
			log.String("client", p.id),
			log.Uint64("seq", p.seq),
			log.Error(err),
		)
		bus.Emit(r.session.Bus, bus.EventClientResynced, replicatorSource, p.id, now)
		return 0, err
	}
	return len(data), nil
}

// Shutdown tells every client the session is over and forgets them.
func (r *Replicator) Shutdown(reason string) {
	peers := r.snapshot()
	concurrent.ParallelMute(peers, func(p *peer) error {
		p.mu.Lock()
		p.seq++
		data, err := r.codec.EncodeBye(p.seq, r.session.ID, reason)
		p.mu.Unlock()
		if err != nil {
			return err
		}
		return r.sender.Send(p.id, data)
	})
	r.mu.Lock()
	r.peers = make(map[string]*peer)
	r.mu.Unlock()
}
