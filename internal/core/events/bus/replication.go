package bus

import "time"

// Replication event types.
const (
	EventEntityLinked      = "replication.entity.linked"
	EventEntityUnlinked    = "replication.entity.unlinked"
	EventDuplicateNetID    = "replication.entity.duplicate"
	EventBudgetExhausted   = "replication.budget.exhausted"
	EventRegistryRepaired  = "replication.registry.repaired"
	EventEntityDespawned   = "replication.entity.despawned"
	EventClientConnected   = "replication.client.connected"
	EventClientResynced    = "replication.client.resynced"
	EventClientDisconnect  = "replication.client.disconnected"
	EventSnapshotFallback  = "replication.snapshot.fallback"
	EventRegistryAvailable = "replication.registry.available"
)

// EntityEvent describes a single unit identity change.
type EntityEvent struct {
	NetID    uint32
	OwnerKey string
}

// BudgetEvent reports work deferred by a budget.
type BudgetEvent struct {
	Budget   int
	Deferred int
}

// Emit publishes on b when b is non-nil and drops handler errors; pipeline
// code never fails because an observer did.
func Emit(b EventBus, typ, source string, data any, now time.Time) {
	if b == nil {
		return
	}
	_ = b.Publish(NewEvent(typ, source, data, now))
}
