package window

import (
	"reflect"
	"testing"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 3; i++ {
		if _, evicted := r.Push(i); evicted {
			t.Fatalf("unexpected eviction while filling")
		}
	}
	if !r.Full() || r.Len() != 3 {
		t.Fatalf("expected full ring of 3, got len %d", r.Len())
	}
	old, evicted := r.Push(4)
	if !evicted || old != 1 {
		t.Fatalf("expected eviction of 1, got %d (%v)", old, evicted)
	}
	if got := r.Values(); !reflect.DeepEqual(got, []int{2, 3, 4}) {
		t.Fatalf("unexpected order %v", got)
	}
	if last, ok := r.Last(); !ok || last != 4 {
		t.Fatalf("expected last 4, got %d", last)
	}
}

func TestRingReset(t *testing.T) {
	r := New[string](0)
	if r.Cap() != 1 {
		t.Fatalf("expected minimum capacity 1, got %d", r.Cap())
	}
	r.Push("a")
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after reset")
	}
	if _, ok := r.Last(); ok {
		t.Fatalf("expected no last element")
	}
}
