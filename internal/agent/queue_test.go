package agent

import (
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 5; i++ {
		q.Put(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Get()
		if !ok || v != i {
			t.Fatalf("got %d/%v, want %d", v, ok, i)
		}
	}
}

func TestQueueTryGetEmpty(t *testing.T) {
	q := newQueue[string]()
	if _, ok := q.TryGet(); ok {
		t.Fatal("TryGet on empty queue returned an item")
	}
}

func TestQueueCloseUnblocksGet(t *testing.T) {
	q := newQueue[int]()
	done := make(chan bool)
	go func() {
		_, ok := q.Get()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Get on closed empty queue returned ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not unblock on Close")
	}
}

func TestQueueDrainsAfterClose(t *testing.T) {
	q := newQueue[int]()
	q.Put(1)
	q.Put(2)
	q.Close()

	if v, ok := q.Get(); !ok || v != 1 {
		t.Fatalf("got %d/%v", v, ok)
	}
	if v, ok := q.Get(); !ok || v != 2 {
		t.Fatalf("got %d/%v", v, ok)
	}
	if _, ok := q.Get(); ok {
		t.Fatal("drained closed queue still returns items")
	}
}

func TestQueuePutAfterCloseIsDropped(t *testing.T) {
	q := newQueue[int]()
	q.Close()
	q.Put(1)
	if q.Len() != 0 {
		t.Fatal("Put after Close enqueued an item")
	}
}

func TestQueueGetTimeout(t *testing.T) {
	q := newQueue[int]()

	start := time.Now()
	if _, ok := q.GetTimeout(150 * time.Millisecond); ok {
		t.Fatal("GetTimeout returned an item from an empty queue")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("GetTimeout returned after %v", elapsed)
	}

	q.Put(42)
	if v, ok := q.GetTimeout(time.Second); !ok || v != 42 {
		t.Fatalf("got %d/%v", v, ok)
	}
}
