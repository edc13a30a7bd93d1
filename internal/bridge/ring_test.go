package bridge

import "testing"

func TestRing_OldestDrop(t *testing.T) {
	t.Parallel()

	r := newRing[int](3)
	for i := 1; i <= 3; i++ {
		if r.push(i) {
			t.Fatalf("push %d dropped before full", i)
		}
	}
	if !r.push(4) || !r.push(5) {
		t.Fatal("push on full ring did not report a drop")
	}
	got := r.drain()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("drain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain = %v, want %v", got, want)
		}
	}
	if r.len() != 0 || len(r.drain()) != 0 {
		t.Fatal("ring not empty after drain")
	}

	r.push(6)
	if got := r.drain(); len(got) != 1 || got[0] != 6 {
		t.Fatalf("reuse after drain = %v", got)
	}
}
