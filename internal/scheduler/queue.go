package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// queue orders job ids by (priority desc, submitted asc, insertion asc).
//
// With aging, a job's effective priority grows by agingPerMinute for every
// minute it waits. Because every queued job ages at the same rate, the
// comparison between two jobs never changes over time, so the heap key is
// static: priority - agingPerMinute * minutes(submitted - epoch).
type queue struct {
	mu             sync.Mutex
	items          itemHeap
	index          map[string]*item
	seq            uint64
	epoch          time.Time
	agingPerMinute float64
	wake           chan struct{}
}

type item struct {
	jobID     string
	priority  int
	submitted time.Time
	key       float64
	seq       uint64
	pos       int
}

func newQueue(agingPerMinute float64, epoch time.Time) *queue {
	return &queue{
		index:          make(map[string]*item),
		epoch:          epoch,
		agingPerMinute: agingPerMinute,
		wake:           make(chan struct{}, 1),
	}
}

// push adds a job. A job already queued keeps its position.
func (q *queue) push(jobID string, priority int, submitted time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[jobID]; ok {
		return
	}
	q.seq++
	it := &item{
		jobID:     jobID,
		priority:  priority,
		submitted: submitted,
		key:       float64(priority) - q.agingPerMinute*submitted.Sub(q.epoch).Minutes(),
		seq:       q.seq,
	}
	heap.Push(&q.items, it)
	q.index[jobID] = it

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// tryPop removes the most urgent job without blocking.
func (q *queue) tryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.index, it.jobID)
	if len(q.items) > 0 {
		// Let another waiting popper through.
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return it.jobID, true
}

// pop blocks until a job is available or ctx is done.
func (q *queue) pop(ctx context.Context) (string, error) {
	for {
		if id, ok := q.tryPop(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.wake:
		}
	}
}

// remove drops a job and reports whether it was queued.
func (q *queue) remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.pos)
	delete(q.index, jobID)
	return true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ordered returns the queued job ids from most to least urgent.
func (q *queue) ordered() []string {
	q.mu.Lock()
	snapshot := make([]*item, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].before(snapshot[j]) })
	ids := make([]string, len(snapshot))
	for i, it := range snapshot {
		ids[i] = it.jobID
	}
	return ids
}

func (a *item) before(b *item) bool {
	if a.key != b.key {
		return a.key > b.key
	}
	if !a.submitted.Equal(b.submitted) {
		return a.submitted.Before(b.submitted)
	}
	return a.seq < b.seq
}

type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	it.pos = -1
	return it
}
