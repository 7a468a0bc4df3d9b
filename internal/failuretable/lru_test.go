package failuretable

import "testing"

func TestLRUIndexEvictsOldestOnOverflow(t *testing.T) {
	idx := newLRUIndex[int](2)
	idx.push(NewCHK([32]byte{1}), 1)
	idx.push(NewCHK([32]byte{2}), 2)
	evicted := idx.push(NewCHK([32]byte{3}), 3)

	if len(evicted) != 1 {
		t.Fatalf("expected exactly one eviction, got %d", len(evicted))
	}
	if evicted[0] != NewCHK([32]byte{1}) {
		t.Fatalf("expected key 1 evicted, got %v", evicted[0])
	}
	if idx.size() != 2 {
		t.Fatalf("expected size 2, got %d", idx.size())
	}
}

func TestLRUIndexGetPromotesToMRU(t *testing.T) {
	idx := newLRUIndex[int](2)
	idx.push(NewCHK([32]byte{1}), 1)
	idx.push(NewCHK([32]byte{2}), 2)

	if _, ok := idx.get(NewCHK([32]byte{1})); !ok {
		t.Fatal("expected key 1 present")
	}
	// key 1 is now MRU; pushing a third key should evict key 2, not key 1.
	evicted := idx.push(NewCHK([32]byte{3}), 3)
	if len(evicted) != 1 || evicted[0] != NewCHK([32]byte{2}) {
		t.Fatalf("expected key 2 evicted after promotion, got %v", evicted)
	}
}

func TestLRUIndexPeekDoesNotReorder(t *testing.T) {
	idx := newLRUIndex[int](2)
	idx.push(NewCHK([32]byte{1}), 1)
	idx.push(NewCHK([32]byte{2}), 2)

	if _, ok := idx.peek(NewCHK([32]byte{1})); !ok {
		t.Fatal("expected key 1 present")
	}
	evicted := idx.push(NewCHK([32]byte{3}), 3)
	if len(evicted) != 1 || evicted[0] != NewCHK([32]byte{1}) {
		t.Fatalf("expected key 1 still evicted since peek must not reorder, got %v", evicted)
	}
}

func TestLRUIndexRemove(t *testing.T) {
	idx := newLRUIndex[int](2)
	idx.push(NewCHK([32]byte{1}), 1)
	if _, ok := idx.remove(NewCHK([32]byte{1})); !ok {
		t.Fatal("expected removal to succeed")
	}
	if idx.size() != 0 {
		t.Fatalf("expected size 0 after remove, got %d", idx.size())
	}
	if _, ok := idx.remove(NewCHK([32]byte{1})); ok {
		t.Fatal("expected second removal to fail")
	}
}

func TestLRUIndexPopOldest(t *testing.T) {
	idx := newLRUIndex[int](4)
	idx.push(NewCHK([32]byte{1}), 1)
	idx.push(NewCHK([32]byte{2}), 2)

	k, v, ok := idx.popOldest()
	if !ok || k != NewCHK([32]byte{1}) || v != 1 {
		t.Fatalf("expected oldest key 1/val 1, got %v/%v/%v", k, v, ok)
	}
	if idx.size() != 1 {
		t.Fatalf("expected size 1, got %d", idx.size())
	}
}
