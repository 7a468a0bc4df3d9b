package failuretable

import (
	"testing"
	"time"

	"failuretable/internal/peer"
)

func TestEntryFailedToKeepsMaxTimeout(t *testing.T) {
	store, err := peer.NewStore("", peer.Options{Cap: 8})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	pid := peer.DeriveNodeID([]byte{1})
	if err := store.Upsert(peer.Peer{NodeID: pid, PubKey: []byte{1}}, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h := NewPeerHandle(store, pid)

	e := newEntry(NewCHK([32]byte{9}), time.Now())
	now := time.Now()
	e.FailedTo(h, 5*time.Second, now, 10)
	e.FailedTo(h, time.Second, now, 5) // shorter timeout, should not shrink deadline

	until, ok := e.TimeoutFor(h)
	if !ok {
		t.Fatal("expected a recorded timeout")
	}
	if until.Before(now.Add(5 * time.Second).Add(-time.Millisecond)) {
		t.Fatalf("expected the longer timeout to be kept, got %v", until)
	}
}

func TestEntryIsEmptyAfterMaxLifetime(t *testing.T) {
	e := newEntry(NewCHK([32]byte{1}), time.Now())
	if !e.IsEmpty(time.Now()) {
		t.Fatal("a fresh entry with no members should report empty (both sets empty)")
	}

	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	var pid [32]byte
	pid[0] = 1
	_ = store.Upsert(peer.Peer{NodeID: pid, PubKey: []byte{1}}, false)
	h := NewPeerHandle(store, pid)

	now := time.Now()
	e.AddRequestor(h, now)
	if e.IsEmpty(now) {
		t.Fatal("entry with a requestor should not be empty")
	}
	if !e.IsEmpty(now.Add(MaxLifetime + time.Minute)) {
		t.Fatal("entry should report empty once older than MaxLifetime")
	}
}

func TestEntryCleanupDropsDanglingWeakRefs(t *testing.T) {
	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	var pid [32]byte
	pid[0] = 1
	h := NewPeerHandle(store, pid) // never upserted: resolve always fails

	e := newEntry(NewCHK([32]byte{2}), time.Now())
	now := time.Now()
	e.AddRequestor(h, now)

	if changed := e.Cleanup(now); !changed {
		t.Fatal("expected cleanup to drop the dangling requestor")
	}
	if e.AskedByPeer(h) {
		t.Fatal("expected requestor removed after cleanup")
	}
}

func TestEntryOthersWantExcludesGivenPeer(t *testing.T) {
	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	var p1, p2 [32]byte
	p1[0], p2[0] = 1, 2
	_ = store.Upsert(peer.Peer{NodeID: p1, PubKey: []byte{1}}, false)
	_ = store.Upsert(peer.Peer{NodeID: p2, PubKey: []byte{2}}, false)
	h1 := NewPeerHandle(store, p1)
	h2 := NewPeerHandle(store, p2)

	e := newEntry(NewCHK([32]byte{3}), time.Now())
	now := time.Now()
	e.AddRequestor(h1, now)

	if e.OthersWant(&h1) {
		t.Fatal("expected no other requestors besides h1")
	}
	e.AddRequestor(h2, now)
	if !e.OthersWant(&h1) {
		t.Fatal("expected h2 to count as another interested requestor")
	}
}

func TestEntryOfferSkipsUnresolvablePeers(t *testing.T) {
	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	p1 := peer.DeriveNodeID([]byte{1})
	var p2 [32]byte
	p2[0] = 2
	_ = store.Upsert(peer.Peer{NodeID: p1, PubKey: []byte{1}}, false)
	// p2 deliberately never upserted.
	h1 := NewPeerHandle(store, p1)
	h2 := NewPeerHandle(store, p2)

	e := newEntry(NewCHK([32]byte{4}), time.Now())
	now := time.Now()
	e.AddRequestor(h1, now)
	e.AddRequestor(h2, now)

	targets := e.Offer([]byte("test-auth-key-exactly-32-bytes!!"))
	if len(targets) != 1 {
		t.Fatalf("expected exactly one resolvable target, got %d", len(targets))
	}
	if targets[0].Peer.ID() != p1 {
		t.Fatalf("expected target for p1, got %x", targets[0].Peer.ID())
	}
}
