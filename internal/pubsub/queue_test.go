package pubsub

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestQueue_BasicSendReceive(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 5; i++ {
		if !q.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := q.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_SendFailsWhenFull(t *testing.T) {
	q := NewQueue[int](3)

	for i := 0; i < 3; i++ {
		if !q.Send(i) {
			t.Fatalf("Send(%d) returned false before capacity", i)
		}
	}

	if q.Send(3) {
		t.Error("Send should return false when the queue is full")
	}
	if q.Cap() != 3 {
		t.Errorf("Cap() = %d, want 3 (queue must not grow)", q.Cap())
	}
}

func TestQueue_SendEvictDropsOldest(t *testing.T) {
	q := NewQueue[int](3)
	q.Send(1)
	q.Send(2)
	q.Send(3)

	evicted, ok := q.SendEvict(4)
	if !ok || !evicted {
		t.Fatalf("SendEvict() = %v, %v; want true, true", evicted, ok)
	}

	got := q.DrainTo(0)
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("DrainTo(0) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("items[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	stats := q.Stats()
	if stats.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", stats.Evicted)
	}
	if stats.TotalSent != 3 {
		t.Errorf("TotalSent = %d, want 3", stats.TotalSent)
	}
}

func TestQueue_BlockingReceive(t *testing.T) {
	q := NewQueue[int](10)

	received := make(chan int, 1)

	go func() {
		val, err := q.Receive(context.Background())
		if err == nil {
			received <- val
		}
	}()

	// Give receiver time to start waiting
	time.Sleep(10 * time.Millisecond)

	q.Send(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked receive")
	}
}

func TestQueue_ReceiveHonoursContext(t *testing.T) {
	q := NewQueue[int](10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_CloseDrainsThenReportsReason(t *testing.T) {
	q := NewQueue[int](10)
	q.Send(1)
	q.Send(2)

	q.CloseWithError(ErrSlowSubscriber)

	if q.Send(3) {
		t.Error("Send should return false after Close")
	}
	if _, ok := q.SendEvict(3); ok {
		t.Error("SendEvict should fail after Close")
	}

	ctx := context.Background()
	for _, want := range []int{1, 2} {
		got, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v, want item %d", err, want)
		}
		if got != want {
			t.Errorf("Receive() = %d, want %d", got, want)
		}
	}

	if _, err := q.Receive(ctx); !errors.Is(err, ErrSlowSubscriber) {
		t.Errorf("Receive() error = %v, want ErrSlowSubscriber", err)
	}

	select {
	case <-q.Done():
	default:
		t.Error("Done() should be closed")
	}

	// Only the first close counts.
	q.Close()
	if !errors.Is(q.Err(), ErrSlowSubscriber) {
		t.Errorf("Err() = %v, want ErrSlowSubscriber", q.Err())
	}
}

func TestQueue_CloseUnblocksReceive(t *testing.T) {
	q := NewQueue[int](10)

	done := make(chan error, 1)

	go func() {
		_, err := q.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)

	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Receive() error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}
}

func TestQueue_DrainTo(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 10; i++ {
		q.Send(i)
	}

	items := q.DrainTo(5)
	if len(items) != 5 {
		t.Errorf("DrainTo(5) returned %d items, want 5", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	items = q.DrainTo(0) // 0 means all
	if len(items) != 5 {
		t.Errorf("DrainTo(0) returned %d items, want 5", len(items))
	}

	if q.DrainTo(0) != nil {
		t.Error("DrainTo on empty queue should return nil")
	}
}

func TestQueue_ConcurrentSendReceiveKeepsOrder(t *testing.T) {
	q := NewQueue[int](8)
	const numItems = 1000

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			for !q.Send(i) {
				runtime.Gosched()
			}
		}
	}()

	received := make([]int, 0, numItems)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := 0; i < numItems; i++ {
			val, err := q.Receive(ctx)
			if err != nil {
				return
			}
			received = append(received, val)
		}
	}()

	wg.Wait()

	if len(received) != numItems {
		t.Fatalf("received %d items, want %d", len(received), numItems)
	}
	for i, val := range received {
		if val != i {
			t.Fatalf("received[%d] = %d, want %d", i, val, i)
		}
	}
}

func TestQueue_WrapAround(t *testing.T) {
	q := NewQueue[int](5)

	q.Send(1)
	q.Send(2)
	q.Send(3)

	q.TryReceive() // removes 1
	q.TryReceive() // removes 2

	// Wraps around the end of the ring
	q.Send(4)
	q.Send(5)
	q.Send(6)
	q.Send(7)

	expected := []int{3, 4, 5, 6, 7}
	for _, want := range expected {
		got, ok := q.TryReceive()
		if !ok {
			t.Fatalf("TryReceive failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue[int](10)

	stats := q.Stats()
	if stats.Count != 0 || stats.Capacity != 10 || stats.TotalReceived != 0 || stats.TotalSent != 0 {
		t.Errorf("initial stats incorrect: %+v", stats)
	}

	q.Send(1)
	q.Send(2)
	q.Send(3)

	stats = q.Stats()
	if stats.Count != 3 || stats.TotalReceived != 3 {
		t.Errorf("stats after sends: %+v", stats)
	}

	q.TryReceive()
	q.TryReceive()

	stats = q.Stats()
	if stats.Count != 1 || stats.TotalSent != 2 {
		t.Errorf("stats after receives: %+v", stats)
	}
}

func TestNewQueue_MinCapacity(t *testing.T) {
	if q := NewQueue[int](0); q.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1 for capacity 0", q.Cap())
	}
	if q := NewQueue[int](-5); q.Cap() != 1 {
		t.Errorf("Cap() = %d, want 1 for negative capacity", q.Cap())
	}
}
