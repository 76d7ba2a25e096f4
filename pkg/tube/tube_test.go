package tube

import (
	"bytes"
	"testing"
)

func TestAssignSendIndexIsGaplessSequence(t *testing.T) {
	tb := New(1, "example.com")

	for want := uint64(0); want < 1000; want++ {
		if got := tb.AssignSendIndex(); got != want {
			t.Fatalf("AssignSendIndex() = %d, want %d", got, want)
		}
	}
}

func TestInOrderArrivalDeliversImmediately(t *testing.T) {
	tb := New(1, "")

	tb.StoreReceived(0, []byte("a"))
	tb.StoreReceived(1, []byte("b"))
	tb.StoreReceived(2, []byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := tb.PopNext()
		if !ok {
			t.Fatalf("PopNext() returned no data, want %q", want)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Fatalf("PopNext() = %q, want %q", got, want)
		}
	}

	if _, ok := tb.PopNext(); ok {
		t.Fatal("PopNext() returned data after buffer drained")
	}
}

func TestOutOfOrderArrivalBlocksUntilGapFilled(t *testing.T) {
	tb := New(1, "")

	// Indices arrive as 2, 0, 1 (spec §8 boundary scenario 4).
	tb.StoreReceived(2, []byte("c"))

	if _, ok := tb.PopNext(); ok {
		t.Fatal("PopNext() should block on the missing index 0")
	}

	tb.StoreReceived(0, []byte("a"))
	tb.StoreReceived(1, []byte("b"))

	var got bytes.Buffer
	for {
		payload, ok := tb.PopNext()
		if !ok {
			break
		}
		got.Write(payload)
	}

	if got.String() != "abc" {
		t.Fatalf("reassembled = %q, want %q", got.String(), "abc")
	}
}

func TestDuplicateDeliveryOverwritesSlot(t *testing.T) {
	tb := New(1, "")

	tb.StoreReceived(0, []byte("first"))
	tb.StoreReceived(0, []byte("second"))

	got, ok := tb.PopNext()
	if !ok {
		t.Fatal("PopNext() returned no data")
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("PopNext() = %q, want %q", got, "second")
	}
}

func TestCloseIsIdempotentAndUnblocksDone(t *testing.T) {
	tb := New(1, "")

	tb.Close()
	tb.Close()

	select {
	case <-tb.Done():
	default:
		t.Fatal("Done() channel was not closed")
	}

	if tb.IsOpen() {
		t.Fatal("IsOpen() returned true after Close")
	}
}
