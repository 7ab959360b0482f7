package reconcile

import (
	"github.com/zeusync/rtsrep/internal/core/replication/bubble"
	"github.com/zeusync/rtsrep/internal/core/replication/cache"
	"github.com/zeusync/rtsrep/internal/core/replication/quant"
)

const transformFields = bubble.FieldLocation | bubble.FieldRotation | bubble.FieldScale

// TransformFeed returns bubble callbacks that keep tc in step with the
// snapshot mirror.
func TransformFeed(tc *cache.TransformCache, u quant.Units) bubble.Callbacks {
	return bubble.Callbacks{
		OnAdded: func(it bubble.Item) {
			tc.Set(it.NetID, it.Unpack(u))
		},
		OnChanged: func(it bubble.Item, mask bubble.FieldMask) {
			if mask.Has(transformFields) {
				tc.Set(it.NetID, it.Unpack(u))
			}
		},
		OnRemoved: func(it bubble.Item) {
			tc.Delete(it.NetID)
		},
	}
}
