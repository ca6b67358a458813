package lb

import (
	"sync/atomic"

	"github.com/fabian4/lfs-gateway/internal/model"
)

// RoundRobin cycles through an endpoint set that can be replaced at any time.
// Readers never observe a partially updated set: Update swaps in a complete
// new slice.
type RoundRobin struct {
	set  atomic.Pointer[[]model.Endpoint]
	next atomic.Uint64
}

func NewRoundRobin(endpoints []model.Endpoint) *RoundRobin {
	b := &RoundRobin{}
	b.Update(endpoints)
	return b
}

// Next returns false when the set is empty.
func (b *RoundRobin) Next() (model.Endpoint, bool) {
	eps := b.set.Load()
	if eps == nil || len(*eps) == 0 {
		return model.Endpoint{}, false
	}
	n := b.next.Add(1) - 1
	return (*eps)[n%uint64(len(*eps))], true
}

// Update replaces the endpoint set. The slice is copied.
func (b *RoundRobin) Update(endpoints []model.Endpoint) {
	cp := make([]model.Endpoint, len(endpoints))
	copy(cp, endpoints)
	b.set.Store(&cp)
}

// Endpoints returns the current snapshot.
func (b *RoundRobin) Endpoints() []model.Endpoint {
	eps := b.set.Load()
	if eps == nil {
		return nil
	}
	return *eps
}

func (b *RoundRobin) Len() int {
	eps := b.set.Load()
	if eps == nil {
		return 0
	}
	return len(*eps)
}
