package reconcile

import "github.com/zeusync/rtsrep/internal/core/models"

type CommandKind uint8

const (
	CommandLink CommandKind = iota
	CommandUnlink
	CommandRelease
)

func (k CommandKind) String() string {
	switch k {
	case CommandLink:
		return "link"
	case CommandRelease:
		return "release"
	default:
		return "unlink"
	}
}

// Command is a deferred binding change. A link with a zero NetID is
// resolved by OwnerKey when it runs. A release drops whatever binding the
// entity owning OwnerKey holds.
type Command struct {
	Kind       CommandKind
	OwnerKey   models.OwnerKey
	NetID      models.NetID
	LocalIndex int32
}

// Queue holds pending link and unlink commands in arrival order. Links are
// deduplicated by OwnerKey, unlinks by NetID and releases by OwnerKey until
// they are drained.
type Queue struct {
	pending  []Command
	links    map[models.OwnerKey]int
	unlinks  map[models.NetID]struct{}
	releases map[models.OwnerKey]struct{}
}

func NewQueue() *Queue {
	q := &Queue{}
	q.index(nil)
	return q
}

// Link enqueues a link for key. A repeated request only fills in a NetID
// the queued command lacks. It reports whether a new command was added.
func (q *Queue) Link(key models.OwnerKey, id models.NetID, localIndex int32) bool {
	if key == "" {
		return false
	}
	if i, ok := q.links[key]; ok {
		if !q.pending[i].NetID.Valid() && id.Valid() {
			q.pending[i].NetID = id
			q.pending[i].LocalIndex = localIndex
		}
		return false
	}
	q.links[key] = len(q.pending)
	q.pending = append(q.pending, Command{Kind: CommandLink, OwnerKey: key, NetID: id, LocalIndex: localIndex})
	return true
}

// Unlink enqueues an unlink for id. It reports whether a new command was added.
func (q *Queue) Unlink(id models.NetID) bool {
	if !id.Valid() {
		return false
	}
	if _, ok := q.unlinks[id]; ok {
		return false
	}
	q.unlinks[id] = struct{}{}
	q.pending = append(q.pending, Command{Kind: CommandUnlink, NetID: id, LocalIndex: models.NoLocalIndex})
	return true
}

// Release enqueues a release for key. It reports whether a new command was
// added.
func (q *Queue) Release(key models.OwnerKey) bool {
	if key == "" {
		return false
	}
	if _, ok := q.releases[key]; ok {
		return false
	}
	q.releases[key] = struct{}{}
	q.pending = append(q.pending, Command{Kind: CommandRelease, OwnerKey: key, LocalIndex: models.NoLocalIndex})
	return true
}

// Drain runs up to budget commands in order and returns how many ran.
func (q *Queue) Drain(budget int, run func(Command)) int {
	if budget <= 0 || len(q.pending) == 0 {
		return 0
	}
	n := min(budget, len(q.pending))
	batch := make([]Command, n)
	copy(batch, q.pending[:n])

	rest := make([]Command, len(q.pending)-n)
	copy(rest, q.pending[n:])
	q.index(rest)

	for _, c := range batch {
		run(c)
	}
	return n
}

func (q *Queue) Len() int { return len(q.pending) }

// Clear drops every pending command.
func (q *Queue) Clear() { q.index(nil) }

func (q *Queue) index(pending []Command) {
	q.pending = pending
	q.links = make(map[models.OwnerKey]int, len(pending))
	q.unlinks = make(map[models.NetID]struct{}, len(pending))
	q.releases = make(map[models.OwnerKey]struct{})
	for i, c := range pending {
		switch c.Kind {
		case CommandLink:
			q.links[c.OwnerKey] = i
		case CommandUnlink:
			q.unlinks[c.NetID] = struct{}{}
		case CommandRelease:
			q.releases[c.OwnerKey] = struct{}{}
		}
	}
}
