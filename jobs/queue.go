package jobs

import "sort"

// pendingQueue is a priority queue of *Record ordered by (Priority asc,
// seq asc): lower Priority value is more urgent (spec §4.5), ties broken
// by submission order. Implemented as a sorted slice rather than
// container/heap: job counts are small (operator-submitted background
// work, not a high-throughput task queue), so the simpler structure reads
// more clearly and the O(n log n) insert cost is immaterial.
type pendingQueue struct {
	items []*Record
}

func (q *pendingQueue) push(r *Record) {
	q.items = append(q.items, r)
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority < q.items[j].Priority
		}
		return q.items[i].seq < q.items[j].seq
	})
}

// pop removes and returns the most urgent record, or nil if empty.
func (q *pendingQueue) pop() *Record {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r
}

// remove drops id from the queue before it was ever run, for Stop() on a
// still-Pending job.
func (q *pendingQueue) remove(id string) *Record {
	for i, r := range q.items {
		if r.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return r
		}
	}
	return nil
}

func (q *pendingQueue) snapshot() []*Record {
	out := make([]*Record, len(q.items))
	copy(out, q.items)
	return out
}

// ring is a fixed-capacity FIFO of completed records; pushing past
// capacity evicts the oldest (spec §4.5 "completed-jobs ring buffer of
// configurable capacity; older entries are evicted").
type ring struct {
	cap   int
	items []*Record
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{cap: capacity}
}

func (rg *ring) push(r *Record) {
	rg.items = append(rg.items, r)
	if len(rg.items) > rg.cap {
		rg.items = rg.items[len(rg.items)-rg.cap:]
	}
}

func (rg *ring) snapshot() []*Record {
	out := make([]*Record, len(rg.items))
	copy(out, rg.items)
	return out
}

func (rg *ring) find(id string) *Record {
	for _, r := range rg.items {
		if r.ID == id {
			return r
		}
	}
	return nil
}
