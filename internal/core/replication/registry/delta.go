package registry

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/rtsrep/internal/core/models"
)

// Delta carries whole-entry changes since a client's last acknowledged
// state. A Full delta replaces the receiver's set.
type Delta struct {
	Full    bool           `msgpack:"f,omitempty"`
	Version uint64         `msgpack:"v"`
	Upserts []Entry        `msgpack:"u,omitempty"`
	Removed []models.NetID `msgpack:"r,omitempty"`
}

func (d Delta) Empty() bool {
	return !d.Full && len(d.Upserts) == 0 && len(d.Removed) == 0
}

// Baseline tracks what one client has been sent. It is not safe for
// concurrent use; each client owns its own.
type Baseline struct {
	sent    map[models.NetID]Entry
	version uint64
	primed  bool
}

func NewBaseline() *Baseline {
	return &Baseline{sent: make(map[models.NetID]Entry)}
}

// Diff computes the delta from the baseline to entries and advances the
// baseline as if the delta was delivered.
func (b *Baseline) Diff(entries []Entry, version uint64) Delta {
	if !b.primed {
		b.primed = true
		b.version = version
		b.sent = make(map[models.NetID]Entry, len(entries))
		for _, e := range entries {
			b.sent[e.NetID] = e
		}
		full := make([]Entry, len(entries))
		copy(full, entries)
		return Delta{Full: true, Version: version, Upserts: full}
	}

	if version == b.version {
		return Delta{Version: version}
	}

	d := Delta{Version: version}
	current := make(map[models.NetID]struct{}, len(entries))
	for _, e := range entries {
		current[e.NetID] = struct{}{}
		if prev, ok := b.sent[e.NetID]; !ok || prev != e {
			d.Upserts = append(d.Upserts, e)
			b.sent[e.NetID] = e
		}
	}
	for id := range b.sent {
		if _, ok := current[id]; !ok {
			d.Removed = append(d.Removed, id)
			delete(b.sent, id)
		}
	}
	sortIDs(d.Removed)
	b.version = version
	return d
}

// Reset forces the next Diff to be a full keyframe.
func (b *Baseline) Reset() {
	b.primed = false
	b.sent = make(map[models.NetID]Entry)
}

// Signature hashes the NetID set. Equal sets give equal signatures
// regardless of order of arrival.
func Signature(entries []Entry) uint64 {
	ids := make([]models.NetID, len(entries))
	for i, e := range entries {
		ids[i] = e.NetID
	}
	sortIDs(ids)
	d := xxhash.New()
	var buf [4]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
