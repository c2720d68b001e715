package status

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistry_RegisterGet(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("s1", KindSession, "connecting")

	snap, ok := r.Get("s1")
	if !ok {
		t.Fatal("entity not found")
	}
	if snap.Kind != KindSession || snap.State != "connecting" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("t1", KindTunnel, "listening")
	r.StreamOpened("t1")
	r.StreamOpened("t1")
	r.StreamClosed("t1")
	r.AddBytes("t1", 100, 50)
	r.AddBytes("t1", 10, 5)

	snap, _ := r.Get("t1")
	if snap.ActiveStreams != 1 {
		t.Errorf("active = %d, want 1", snap.ActiveStreams)
	}
	if snap.TotalStreams != 2 {
		t.Errorf("total = %d, want 2", snap.TotalStreams)
	}
	if snap.BytesIn != 110 || snap.BytesOut != 55 {
		t.Errorf("bytes = %d/%d, want 110/55", snap.BytesIn, snap.BytesOut)
	}
}

func TestRegistry_RecordError(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("t1", KindTunnel, "listening")
	r.RecordError("t1", fmt.Errorf("boom"))
	r.RecordError("t1", nil) // no-op

	snap, _ := r.Get("t1")
	if snap.LastError != "boom" {
		t.Errorf("last error = %q, want boom", snap.LastError)
	}
}

func TestRegistry_UpdateUnknownID(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	// Updates for unregistered ids are dropped, not panics.
	r.SetState("ghost", "x")
	r.AddBytes("ghost", 1, 1)

	if _, ok := r.Get("ghost"); ok {
		t.Error("unregistered id should not appear")
	}
}

func TestRegistry_List_Ordered(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("b", KindTunnel, "x")
	r.Register("a", KindSession, "y")
	r.Register("c", KindTunnel, "z")

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if list[i].ID != want {
			t.Errorf("list[%d].ID = %q, want %q", i, list[i].ID, want)
		}
	}
}

func TestSubscribe_ReceivesChanges(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("s1", KindSession, "connecting")

	ch, cancel := r.Subscribe("s1")
	defer cancel()

	// First delivery is the current state.
	first := <-ch
	if first.State != "connecting" {
		t.Errorf("seed state = %q", first.State)
	}

	r.SetState("s1", "active")

	select {
	case snap := <-ch:
		if snap.State != "active" {
			t.Errorf("pushed state = %q, want active", snap.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot pushed")
	}
}

func TestSubscribe_SlowConsumerNeverBlocksWriter(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("t1", KindTunnel, "listening")
	ch, cancel := r.Subscribe("t1")
	defer cancel()

	// Push far more updates than the buffer holds without reading.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subBufSize*10; i++ {
			r.AddBytes("t1", 1, 0)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}

	// Drain; the final snapshot must reflect the newest state.
	var last Snapshot
	for {
		select {
		case s := <-ch:
			last = s
			continue
		default:
		}
		break
	}
	if last.BytesIn != subBufSize*10 {
		t.Errorf("newest snapshot lost: bytes_in = %d, want %d", last.BytesIn, subBufSize*10)
	}
}

func TestSubscribe_OrderedPerEntity(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("t1", KindTunnel, "listening")
	ch, cancel := r.Subscribe("t1")
	defer cancel()
	<-ch // seed

	for i := 1; i <= 5; i++ {
		r.AddBytes("t1", 1, 0)
	}

	prev := int64(0)
	for i := 0; i < 5; i++ {
		select {
		case s := <-ch:
			if s.BytesIn < prev {
				t.Errorf("out of order: %d after %d", s.BytesIn, prev)
			}
			prev = s.BytesIn
		case <-time.After(time.Second):
			t.Fatal("missing snapshot")
		}
	}
}

func TestRemove_ClosesSubscriptions(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("s1", KindSession, "active")
	ch, _ := r.Subscribe("s1")
	<-ch

	r.Remove("s1")

	select {
	case _, ok := <-ch:
		if ok {
			// drain any buffered snapshot, then expect close
			for range ch {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Remove")
	}

	if _, ok := r.Get("s1"); ok {
		t.Error("entity still present after Remove")
	}
}

func TestClose_Idempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("s1", KindSession, "active")
	ch, _ := r.Subscribe("s1")
	<-ch

	r.Close()
	r.Close() // must not panic

	if _, ok := <-ch; ok {
		t.Error("subscription channel not closed on registry Close")
	}

	// Post-close updates are ignored.
	r.Register("s2", KindSession, "x")
	if _, ok := r.Get("s2"); ok {
		t.Error("registry accepted updates after Close")
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	r.Register("x", KindSession, "y")
	r.SetState("x", "z")
	r.AddBytes("x", 1, 1)
	r.StreamOpened("x")
	r.StreamClosed("x")
	r.RecordError("x", fmt.Errorf("e"))
	r.Remove("x")
	r.Close()
	if _, ok := r.Get("x"); ok {
		t.Error("nil registry returned a snapshot")
	}
	if r.List() != nil {
		t.Error("nil registry returned a list")
	}
	ch, cancel := r.Subscribe("x")
	cancel()
	if _, ok := <-ch; ok {
		t.Error("nil registry subscription should be closed")
	}
}

func TestRegistry_ConcurrentWriters(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	r.Register("t1", KindTunnel, "listening")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.StreamOpened("t1")
				r.AddBytes("t1", 2, 1)
				r.StreamClosed("t1")
			}
		}()
	}
	wg.Wait()

	snap, _ := r.Get("t1")
	if snap.ActiveStreams != 0 {
		t.Errorf("active = %d, want 0", snap.ActiveStreams)
	}
	if snap.TotalStreams != 800 {
		t.Errorf("total = %d, want 800", snap.TotalStreams)
	}
	if snap.BytesIn != 1600 || snap.BytesOut != 800 {
		t.Errorf("bytes = %d/%d, want 1600/800", snap.BytesIn, snap.BytesOut)
	}
}
