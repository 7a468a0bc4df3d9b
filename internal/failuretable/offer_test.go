package failuretable

import (
	"math/rand"
	"testing"
	"time"
)

func TestOfferIteratorRecentBeforeExpired(t *testing.T) {
	key := NewCHK([32]byte{1})
	set := newOfferSet(key)
	start := time.Now()

	var recentPeer, expiredPeer PeerHandle
	recentPeer = NewPeerHandle(nil, [32]byte{10})
	expiredPeer = NewPeerHandle(nil, [32]byte{20})

	set.AddOffer(OfferRecord{Peer: expiredPeer, ReceivedAt: start})
	set.AddOffer(OfferRecord{Peer: recentPeer, ReceivedAt: start.Add(OfferExpiry)})

	now := start.Add(OfferExpiry + time.Second)
	it := NewOfferIterator(set, rand.New(rand.NewSource(42)), now)

	first, ok := it.NextOffer()
	if !ok {
		t.Fatal("expected first offer")
	}
	if first.Peer.ID() != recentPeer.ID() {
		t.Fatalf("expected recent offer first, got %x", first.Peer.ID())
	}
	it.AcceptLast()

	second, ok := it.NextOffer()
	if !ok {
		t.Fatal("expected second (expired) offer")
	}
	if second.Peer.ID() != expiredPeer.ID() {
		t.Fatalf("expected expired offer second, got %x", second.Peer.ID())
	}
	it.AcceptLast()

	if _, ok := it.NextOffer(); ok {
		t.Fatal("expected exhaustion")
	}
}

func TestOfferIteratorKeepLastPreservesOffer(t *testing.T) {
	key := NewCHK([32]byte{2})
	set := newOfferSet(key)
	p := NewPeerHandle(nil, [32]byte{1})
	now := time.Now()
	set.AddOffer(OfferRecord{Peer: p, ReceivedAt: now})

	it := NewOfferIterator(set, rand.New(rand.NewSource(1)), now)
	if _, ok := it.NextOffer(); !ok {
		t.Fatal("expected one offer")
	}
	it.KeepLast()

	if set.isEmpty() {
		t.Fatal("expected KeepLast to leave the offer in the backing set")
	}
}

func TestOfferIteratorPanicsWithoutResolution(t *testing.T) {
	key := NewCHK([32]byte{3})
	set := newOfferSet(key)
	p1 := NewPeerHandle(nil, [32]byte{1})
	p2 := NewPeerHandle(nil, [32]byte{2})
	now := time.Now()
	set.AddOffer(OfferRecord{Peer: p1, ReceivedAt: now})
	set.AddOffer(OfferRecord{Peer: p2, ReceivedAt: now})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on unresolved NextOffer")
		}
	}()
	it := NewOfferIterator(set, rand.New(rand.NewSource(1)), now)
	it.NextOffer()
	it.NextOffer() // should panic: previous offer never accepted/kept
}

func TestOfferSetBoundedPerKey(t *testing.T) {
	key := NewCHK([32]byte{4})
	set := newOfferSet(key)
	now := time.Now()
	for i := 0; i < maxOffersPerKey+5; i++ {
		var id [32]byte
		id[0] = byte(i)
		set.AddOffer(OfferRecord{Peer: NewPeerHandle(nil, id), ReceivedAt: now})
	}
	if got := len(set.snapshot()); got != maxOffersPerKey {
		t.Fatalf("expected offer set bounded at %d, got %d", maxOffersPerKey, got)
	}
}

func TestOfferSetExpiredWhenAllAgedOut(t *testing.T) {
	key := NewCHK([32]byte{5})
	set := newOfferSet(key)
	now := time.Now()
	set.AddOffer(OfferRecord{Peer: NewPeerHandle(nil, [32]byte{1}), ReceivedAt: now})

	if set.Expired(now) {
		t.Fatal("fresh offer set should not be expired")
	}
	if !set.Expired(now.Add(OfferExpiry + time.Second)) {
		t.Fatal("offer set should be expired once every offer ages out")
	}
}
