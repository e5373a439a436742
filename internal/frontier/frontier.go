// Package frontier provides the deduplicating work queue of pending items.
package frontier

import (
	"container/list"
	"sync"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

type state uint8

const (
	statePending state = iota + 1
	stateInFlight
	stateDone
)

type entry struct {
	state state
	elem  *list.Element // set only while pending
}

// Frontier is an ordered queue of pending items plus the set of every item
// ever seen (completed, in flight, or queued). It is safe for concurrent use:
// Dequeue moves an item to in-flight under the same lock that removes it from
// the queue, so no item is ever delivered twice.
type Frontier struct {
	mu       sync.Mutex
	pending  *list.List
	items    map[harvest.Item]*entry
	inFlight int
}

// New builds a frontier whose seen set already contains completed.
func New(completed []harvest.Item) *Frontier {
	f := &Frontier{
		pending: list.New(),
		items:   make(map[harvest.Item]*entry, len(completed)),
	}
	for _, item := range completed {
		f.items[item] = &entry{state: stateDone}
	}
	return f
}

// Enqueue adds item to the queue and reports whether it was added.
//
// Newly discovered items go to the back. atFront is the retry path: an item
// the caller currently holds in flight is put back at the front. Items that
// are completed, already pending, or in flight (when atFront is false) are
// dropped silently.
func (f *Frontier) Enqueue(item harvest.Item, atFront bool) bool {
	if !item.Valid() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.items[item]
	switch {
	case !ok:
		e = &entry{}
		f.items[item] = e
	case e.state == stateInFlight && atFront:
		f.inFlight--
	default:
		return false
	}
	e.state = statePending
	if atFront {
		e.elem = f.pending.PushFront(item)
	} else {
		e.elem = f.pending.PushBack(item)
	}
	return true
}

// Dequeue pops the next pending item and marks it in flight. It returns false
// when nothing is pending.
func (f *Frontier) Dequeue() (harvest.Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	front := f.pending.Front()
	if front == nil {
		return "", false
	}
	item := f.pending.Remove(front).(harvest.Item) //nolint:forcetypeassert // list only holds items
	e := f.items[item]
	e.state = stateInFlight
	e.elem = nil
	f.inFlight++
	return item, true
}

// MarkSeen records item as completed. A pending copy is removed; the item can
// never be enqueued again.
func (f *Frontier) MarkSeen(item harvest.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.items[item]
	if !ok {
		f.items[item] = &entry{state: stateDone}
		return
	}
	if e.elem != nil {
		f.pending.Remove(e.elem)
		e.elem = nil
	}
	if e.state == stateInFlight {
		f.inFlight--
	}
	e.state = stateDone
}

// Seen reports whether item is completed, in flight, or pending.
func (f *Frontier) Seen(item harvest.Item) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[item]
	return ok
}

// Len returns the number of pending items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending.Len()
}

// InFlight returns the number of dequeued items not yet marked seen.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}
