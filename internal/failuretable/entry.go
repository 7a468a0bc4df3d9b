// internal/failuretable/entry.go
package failuretable

import (
	"sync"
	"time"

	"failuretable/internal/crypto"
)

const (
	RejectTime    = 10 * time.Minute
	MaxLifetime   = 60 * time.Minute
	OfferExpiry   = 10 * time.Minute
	CleanupPeriod = 30 * time.Minute
)

type requestorRecord struct {
	peer      PeerHandle
	lastAsked time.Time
}

type routedRecord struct {
	peer         PeerHandle
	lastTried    time.Time
	timeoutUntil time.Time
	htl          int
}

// Entry is the per-key record of who asked us about a key and who we
// asked, kept just long enough to turn a later discovery into offers.
type Entry struct {
	mu           sync.Mutex
	key          Key
	requestors   map[[32]byte]*requestorRecord
	routedTo     map[[32]byte]*routedRecord
	creationTime time.Time
	lastUpdate   time.Time
}

func newEntry(key Key, now time.Time) *Entry {
	return &Entry{
		key:          key,
		requestors:   make(map[[32]byte]*requestorRecord),
		routedTo:     make(map[[32]byte]*routedRecord),
		creationTime: now,
		lastUpdate:   now,
	}
}

// FailedTo records that we routed to peer and it failed, keeping the
// farthest-out timeout if the peer was already recorded.
func (e *Entry) FailedTo(p PeerHandle, timeout time.Duration, now time.Time, htl int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := p.ID()
	expires := now.Add(timeout)
	if existing, ok := e.routedTo[id]; ok {
		if expires.After(existing.timeoutUntil) {
			existing.timeoutUntil = expires
		}
		existing.lastTried = now
		existing.htl = htl
	} else {
		e.routedTo[id] = &routedRecord{peer: p, lastTried: now, timeoutUntil: expires, htl: htl}
	}
	e.lastUpdate = now
}

func (e *Entry) AddRequestor(p PeerHandle, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := p.ID()
	if existing, ok := e.requestors[id]; ok {
		existing.lastAsked = now
	} else {
		e.requestors[id] = &requestorRecord{peer: p, lastAsked: now}
	}
	e.lastUpdate = now
}

// AskedFromPeer reports whether we routed a request to p (we_asked).
func (e *Entry) AskedFromPeer(p PeerHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.routedTo[p.ID()]
	return ok
}

// AskedByPeer reports whether p asked us about this key (he_asked).
func (e *Entry) AskedByPeer(p PeerHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.requestors[p.ID()]
	return ok
}

// OthersWant reports whether any requestor other than excluded is still
// recorded, letting the offer-acceptance path tell the client layer
// whether downstream interest survives beyond the immediate offerer.
func (e *Entry) OthersWant(excluded *PeerHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.requestors {
		if excluded != nil && id == excluded.ID() {
			continue
		}
		return true
	}
	return false
}

// TimeoutFor returns the recorded timeout deadline for p, if we routed to
// it and the record is still live.
func (e *Entry) TimeoutFor(p PeerHandle) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.routedTo[p.ID()]
	if !ok {
		return time.Time{}, false
	}
	return rec.timeoutUntil, true
}

// RoutedToTimedOut returns every peer we routed to whose failure timeout
// has not yet elapsed as of now, i.e. peers that should not be retried.
// This walks routedTo directly rather than going through requestors, since
// the two sets record different peers (who we asked vs. who asked us).
func (e *Entry) RoutedToTimedOut(now time.Time) []PeerHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []PeerHandle
	for _, rec := range e.routedTo {
		if rec.timeoutUntil.After(now) {
			out = append(out, rec.peer)
		}
	}
	return out
}

// IsEmpty reports whether the entry carries no information: either both
// member sets are empty, or the entry has outlived MaxLifetime, in which
// case it is treated as empty regardless of remaining contents.
func (e *Entry) IsEmpty(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.creationTime) > MaxLifetime {
		return true
	}
	return len(e.requestors) == 0 && len(e.routedTo) == 0
}

// Cleanup drops members whose weak peer reference no longer resolves,
// whose age exceeds MaxLifetime, or (for routed-to members) whose timeout
// has fully elapsed and so adds no further suppression information. It
// reports whether anything was dropped.
func (e *Entry) Cleanup(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := false
	for id, rec := range e.requestors {
		if _, ok := rec.peer.Resolve(); !ok {
			delete(e.requestors, id)
			changed = true
			continue
		}
		if now.Sub(rec.lastAsked) > MaxLifetime {
			delete(e.requestors, id)
			changed = true
		}
	}
	for id, rec := range e.routedTo {
		if _, ok := rec.peer.Resolve(); !ok {
			delete(e.routedTo, id)
			changed = true
			continue
		}
		if now.Sub(rec.lastTried) > MaxLifetime {
			delete(e.routedTo, id)
			changed = true
			continue
		}
		if rec.timeoutUntil.Before(now) {
			delete(e.routedTo, id)
			changed = true
		}
	}
	return changed
}

// OfferTarget is one outgoing BlockOffer addressed to a still-resolvable
// requestor, carrying the authenticator that binds the offer to this
// process and that peer.
type OfferTarget struct {
	Peer          PeerHandle
	Authenticator []byte
	BootID        uint64
}

// Offer computes the set of outgoing offers for every requestor whose weak
// reference still resolves. It does not send anything itself; the
// coordinator does the actual network I/O outside any lock.
func (e *Entry) Offer(authKey []byte) []OfferTarget {
	e.mu.Lock()
	requestors := make([]*requestorRecord, 0, len(e.requestors))
	for _, rec := range e.requestors {
		requestors = append(requestors, rec)
	}
	key := e.key
	e.mu.Unlock()

	targets := make([]OfferTarget, 0, len(requestors))
	for _, rec := range requestors {
		p, ok := rec.peer.Resolve()
		if !ok {
			continue
		}
		id := rec.peer.ID()
		auth := crypto.HMACSum(authKey, key.Bytes(), id[:])
		targets = append(targets, OfferTarget{Peer: rec.peer, Authenticator: auth, BootID: p.BootID})
	}
	return targets
}
