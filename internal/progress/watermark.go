package progress

import (
	"container/heap"
	"fmt"
	"sync"
)

type idHeap []int64

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap) Push(x any) { *h = append(*h, x.(int64)) }

func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Watermark tracks dispatched IDs that have not resolved yet. Its mark is the
// smallest ID that is either in flight or not yet dispatched, so every ID
// below the mark has reached a terminal outcome.
//
// IDs must be dispatched in strictly increasing order.
type Watermark struct {
	mu       sync.Mutex
	pending  idHeap
	done     map[int64]bool
	inflight int
	next     int64
	mark     int64
}

// NewWatermark starts tracking at start, the first ID to be dispatched.
func NewWatermark(start int64) *Watermark {
	return &Watermark{
		done: make(map[int64]bool),
		next: start,
		mark: start,
	}
}

// Dispatch records id as in flight.
func (w *Watermark) Dispatch(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id < w.next {
		return fmt.Errorf("dispatch %d: ids must increase, next is %d", id, w.next)
	}
	heap.Push(&w.pending, id)
	w.done[id] = false
	w.inflight++
	w.next = id + 1
	return nil
}

// Resolve records id as terminal and returns the current mark together with
// whether this call moved it forward. Resolving an ID that is not in flight
// leaves the mark unchanged.
func (w *Watermark) Resolve(id int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if done, ok := w.done[id]; !ok || done {
		return w.mark, false
	}
	w.done[id] = true
	w.inflight--
	for w.pending.Len() > 0 {
		low := w.pending[0]
		if !w.done[low] {
			break
		}
		heap.Pop(&w.pending)
		delete(w.done, low)
	}
	mark := w.next
	if w.pending.Len() > 0 {
		mark = w.pending[0]
	}
	if mark <= w.mark {
		return w.mark, false
	}
	w.mark = mark
	return mark, true
}

// Mark returns the smallest unresolved ID.
func (w *Watermark) Mark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mark
}

// InFlight reports how many dispatched IDs are still unresolved.
func (w *Watermark) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}
