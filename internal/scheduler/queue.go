package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is one scheduled due-time check. Entries are transient: created when
// a due time is established or changed, consumed at most meaningfully once
// (consumers re-check live session status, so redelivery is a no-op).
type Entry struct {
	Due       time.Time
	UserID    int64
	SessionID int64

	seq uint64 // insertion order, breaks due-time ties
}

// Queue is a concurrency-safe min-priority queue keyed by due time. Pushes
// never block; a wake pulse is emitted whenever the earliest entry changes so
// the worker can shorten its wait.
type Queue struct {
	mu   sync.Mutex
	h    entryHeap
	seq  uint64
	wake chan struct{}

	// queued dedups identical (session, due) pairs; the periodic loader
	// re-offers due sessions every interval and those copies carry no
	// information the first one didn't.
	queued map[int64]time.Time
}

func NewQueue() *Queue {
	return &Queue{
		wake:   make(chan struct{}, 1),
		queued: map[int64]time.Time{},
	}
}

// Push adds an entry. Duplicate pushes of a session with an unchanged due
// time are dropped; a changed due time (extension) enqueues a fresh entry.
func (q *Queue) Push(due time.Time, userID, sessionID int64) {
	q.mu.Lock()
	if prev, ok := q.queued[sessionID]; ok && prev.Equal(due) {
		q.mu.Unlock()
		return
	}
	q.seq++
	heap.Push(&q.h, Entry{Due: due, UserID: userID, SessionID: sessionID, seq: q.seq})
	q.queued[sessionID] = due
	isEarliest := q.h[0].seq == q.seq
	q.mu.Unlock()

	if isEarliest {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// Peek returns the earliest entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Entry{}, false
	}
	return q.h[0], true
}

// Pop removes and returns the earliest entry.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Entry{}, false
	}
	e := heap.Pop(&q.h).(Entry)
	if due, ok := q.queued[e.SessionID]; ok && due.Equal(e.Due) {
		delete(q.queued, e.SessionID)
	}
	return e, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Wake pulses when a pushed entry becomes the new earliest.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].Due.Equal(h[j].Due) {
		return h[i].Due.Before(h[j].Due)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
