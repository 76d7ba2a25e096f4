package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/subperi/tunnel/pkg/packet"
)

func TestDequeuesQueuedItemsInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []Item

	send := func(payload []byte, packetIdx uint64, tubeID int64) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, Item{Payload: payload, PacketIdx: packetIdx, TubeID: tubeID})
	}

	thr := New(5*time.Millisecond, send, 8, false, nil)
	thr.Start()
	defer thr.Stop()

	thr.Enqueue(Item{Payload: []byte("one"), PacketIdx: 0, TubeID: 42})
	thr.Enqueue(Item{Payload: []byte("two"), PacketIdx: 1, TubeID: 42})

	deadline := time.After(500 * time.Millisecond)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 2 sends, got %d", n)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got[0].Payload) != "one" || string(got[1].Payload) != "two" {
		t.Fatalf("got = %+v, want one,two in order", got)
	}
}

func TestDummyInjectedWhenQueueIdle(t *testing.T) {
	sent := make(chan Item, 8)
	send := func(payload []byte, packetIdx uint64, tubeID int64) {
		sent <- Item{Payload: payload, PacketIdx: packetIdx, TubeID: tubeID}
	}

	dummyCalls := 0
	var mu sync.Mutex
	dummy := func() []byte {
		mu.Lock()
		dummyCalls++
		mu.Unlock()
		return []byte("dummy-payload")
	}

	thr := New(2*time.Millisecond, send, 8, true, dummy)
	thr.Start()
	defer thr.Stop()

	for i := 0; i < 5; i++ {
		item := <-sent
		if item.TubeID != packet.DummyTubeID {
			t.Fatalf("item.TubeID = %d, want %d", item.TubeID, packet.DummyTubeID)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if dummyCalls < 5 {
		t.Fatalf("dummyCalls = %d, want >= 5", dummyCalls)
	}
}
