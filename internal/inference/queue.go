package inference

import (
	"container/heap"
	"sync"

	"github.com/roelfdiedericks/dictate/internal/models"
)

// item is one queued request. index is maintained by the heap so a
// cancelled request can be removed in place.
type item struct {
	req      *Request
	provider models.Provider
	seq      uint64
	index    int
	result   chan outcome // buffered, written at most once
}

type outcome struct {
	resp *Response
	err  error
}

// requestHeap orders by priority descending, then by submission sequence.
type requestHeap []*item

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// lane is a priority queue drained by at most cap(slots) concurrent
// executions.
type lane struct {
	name   string
	mu     sync.Mutex
	queue  requestHeap
	signal chan struct{}
	slots  chan struct{}
}

func newLane(name string, concurrency int) *lane {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &lane{
		name:   name,
		signal: make(chan struct{}, 1),
		slots:  make(chan struct{}, concurrency),
	}
}

func (l *lane) push(it *item) {
	l.mu.Lock()
	heap.Push(&l.queue, it)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// remove drops it if still queued. Returns false when a worker already took it.
func (l *lane) remove(it *item) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if it.index < 0 || it.index >= len(l.queue) || l.queue[it.index] != it {
		return false
	}
	heap.Remove(&l.queue, it.index)
	return true
}

// pop returns the best request whose token is still live, discarding
// cancelled ones on the way.
func (l *lane) pop() *item {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.queue.Len() > 0 {
		it := heap.Pop(&l.queue).(*item)
		if it.req.Token.Cancelled() {
			continue
		}
		return it
	}
	return nil
}

// next blocks until a request is available or done is closed.
func (l *lane) next(done <-chan struct{}) *item {
	for {
		if it := l.pop(); it != nil {
			return it
		}
		select {
		case <-l.signal:
		case <-done:
			return nil
		}
	}
}

// drain empties the queue, returning what was left.
func (l *lane) drain() []*item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*item, len(l.queue))
	copy(out, l.queue)
	l.queue = nil
	return out
}

func (l *lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}
