package scheduler

import (
	"testing"
	"time"
)

func TestQueueOrdersByDueTime(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	base := time.Now()

	q.Push(base.Add(30*time.Minute), 1, 101)
	q.Push(base.Add(5*time.Minute), 2, 102)
	q.Push(base.Add(60*time.Minute), 3, 103)

	want := []int64{102, 101, 103}
	for i, id := range want {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue empty", i)
		}
		if e.SessionID != id {
			t.Fatalf("Pop %d: SessionID = %d, want %d", i, e.SessionID, id)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestQueueTieBreaksByInsertionOrder(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	due := time.Now().Add(time.Minute)

	q.Push(due, 1, 201)
	q.Push(due, 2, 202)
	q.Push(due, 3, 203)

	for i, id := range []int64{201, 202, 203} {
		e, _ := q.Pop()
		if e.SessionID != id {
			t.Fatalf("Pop %d: SessionID = %d, want %d", i, e.SessionID, id)
		}
	}
}

func TestQueueDedupsIdenticalEntries(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	due := time.Now().Add(time.Minute)

	// The reconciler re-offers pending sessions every pass; identical
	// copies must collapse.
	q.Push(due, 1, 301)
	q.Push(due, 1, 301)
	q.Push(due, 1, 301)
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	// A changed due time (extension) is new information.
	q.Push(due.Add(15*time.Minute), 1, 301)
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2 after extension push", q.Len())
	}
}

func TestQueueWakesOnNewEarliest(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	base := time.Now()

	q.Push(base.Add(time.Hour), 1, 401)
	drain(q)

	// A later entry must not wake the worker.
	q.Push(base.Add(2*time.Hour), 2, 402)
	select {
	case <-q.Wake():
		t.Fatal("unexpected wake for non-earliest entry")
	default:
	}

	// An earlier entry must.
	q.Push(base.Add(time.Minute), 3, 403)
	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake for new earliest entry")
	}
}

func drain(q *Queue) {
	select {
	case <-q.Wake():
	default:
	}
}
