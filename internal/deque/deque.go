// Package deque provides the bounded double-ended byte-slice queue used
// for per-connection outgoing messages. Producers push serialized frames
// at the front, the writer pops from the back, and urgent frames (a
// connect handshake that must precede everything queued) push at the back
// to jump the line.
package deque

import "sync"

// Deque is a bounded FIFO of byte slices with both ends accessible. All
// methods are safe for concurrent use.
type Deque struct {
	mu    sync.Mutex
	items [][]byte // items[0] is the back (next out), append side is the front
	limit int
}

// New creates a deque holding at most limit items.
func New(limit int) *Deque {
	return &Deque{limit: limit}
}

// PushFront enqueues item at the producer end. It reports false, dropping
// the item, when the deque is full.
func (d *Deque) PushFront(item []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) >= d.limit {
		return false
	}
	d.items = append(d.items, item)
	return true
}

// PushBack enqueues item at the consumer end, so it is returned by the
// next PopBack. It reports false when the deque is full.
func (d *Deque) PushBack(item []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) >= d.limit {
		return false
	}
	d.items = append([][]byte{item}, d.items...)
	return true
}

// PopFront dequeues the newest item, or reports false when empty. Used to
// evict backlog in favor of an urgent item when the deque is full.
func (d *Deque) PopFront() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	item := d.items[len(d.items)-1]
	d.items = d.items[:len(d.items)-1]
	return item, true
}

// PopBack dequeues the oldest item, or reports false when empty.
func (d *Deque) PopBack() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil, false
	}
	item := d.items[0]
	d.items = d.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (d *Deque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Clear discards all queued items.
func (d *Deque) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = nil
}
