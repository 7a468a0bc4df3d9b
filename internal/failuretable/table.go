// internal/failuretable/table.go
package failuretable

import (
	"math/rand"
	"sync"
	"time"

	"failuretable/internal/crypto"
	"failuretable/internal/metrics"
	"failuretable/internal/peer"
)

const (
	MaxEntries = 2000
	MaxOffers  = 1000
)

// Config toggles the two optional behaviors the Failure Table can run
// with, per §6's configuration table: EnableULPRPropagation gates
// on_found's offer fan-out, on_offer acceptance, and get_offers;
// EnablePerNodeFailureTables gates on_failed/on_final_failure recording
// and timed_out_nodes_list. on_failed/on_final_failure additionally
// no-op when both are off, since there would be nothing downstream able
// to use what they'd record. With both off the subsystem is inert.
type Config struct {
	EnableULPRPropagation      bool
	EnablePerNodeFailureTables bool
}

func DefaultConfig() Config {
	return Config{EnableULPRPropagation: true, EnablePerNodeFailureTables: true}
}

// OfferNotifier sends the outgoing BlockOffer wire message (§6) for one
// OfferTarget, letting the table drive on_found's notification fan-out
// without knowing anything about the transport layer.
type OfferNotifier interface {
	NotifyOffer(target OfferTarget, key Key)
}

// FailureTable is the coordinator described by C4: two bounded LRU
// indices (entries by key, offer sets by key) behind one coarse lock.
// Expensive I/O (sends, datastore fetches) always happens outside that
// lock; callers get back plain values to act on afterward.
type FailureTable struct {
	cfg      Config
	store    *peer.Store
	metrics  *metrics.Metrics
	notifier OfferNotifier
	authKey  []byte
	rng      *rand.Rand

	mu      sync.Mutex
	entries *lruIndex[*Entry]
	offers  *lruIndex[*OfferSet]
}

// New builds a FailureTable. rng may be nil, in which case each
// OfferIterator seeds its own source from the current time.
func New(cfg Config, store *peer.Store, m *metrics.Metrics, notifier OfferNotifier, rng *rand.Rand) (*FailureTable, error) {
	authKey, err := crypto.NewHMACKey()
	if err != nil {
		return nil, err
	}
	return &FailureTable{
		cfg:      cfg,
		store:    store,
		metrics:  m,
		notifier: notifier,
		authKey:  authKey,
		rng:      rng,
		entries:  newLRUIndex[*Entry](MaxEntries),
		offers:   newLRUIndex[*OfferSet](MaxOffers),
	}, nil
}

func (t *FailureTable) handle(id [32]byte) PeerHandle {
	return NewPeerHandle(t.store, id)
}

// OnFailed records that a routing attempt to routedTo failed but the
// request continues elsewhere. It creates or refreshes the Entry and
// records routedTo with its failure timeout; it never touches the
// requestor set, since the request has not yet terminated.
func (t *FailureTable) OnFailed(key Key, routedTo [32]byte, htl int, timeout time.Duration, now time.Time) {
	if !t.cfg.EnableULPRPropagation && !t.cfg.EnablePerNodeFailureTables {
		return
	}
	e := t.getOrCreateEntry(key, now)
	e.FailedTo(t.handle(routedTo), timeout, now, htl)
}

// OnFinalFailure records that the request has terminated in DNF. It does
// everything OnFailed does for routedTo (if supplied) and additionally
// records requester as wanting the key (if supplied); either or both may
// be nil, matching §4.1's "either peer may be absent".
func (t *FailureTable) OnFinalFailure(key Key, routedTo *[32]byte, htl int, timeout time.Duration, requester *[32]byte, now time.Time) {
	if !t.cfg.EnableULPRPropagation && !t.cfg.EnablePerNodeFailureTables {
		return
	}
	e := t.getOrCreateEntry(key, now)
	if routedTo != nil {
		e.FailedTo(t.handle(*routedTo), timeout, now, htl)
	}
	if requester != nil {
		e.AddRequestor(t.handle(*requester), now)
	}
}

func (t *FailureTable) getOrCreateEntry(key Key, now time.Time) *Entry {
	t.mu.Lock()
	e, ok := t.entries.get(key)
	if !ok {
		e = newEntry(key, now)
		if evicted := t.entries.push(key, e); len(evicted) > 0 && t.metrics != nil {
			t.metrics.IncEntriesEvicted()
		}
		if t.metrics != nil {
			t.metrics.IncEntriesCreated()
		}
	}
	t.mu.Unlock()
	return e
}

// OnFound is called when the key is discovered (inserted into the local
// datastore, or the answer otherwise became known). It removes the key
// from both indices atomically and returns the set of offer targets to
// notify, leaving the actual send to the caller.
func (t *FailureTable) OnFound(key Key) []OfferTarget {
	t.mu.Lock()
	e, hasEntry := t.entries.remove(key)
	_, hasOffers := t.offers.remove(key)
	t.mu.Unlock()
	_ = hasOffers

	if !hasEntry {
		return nil
	}
	if !t.cfg.EnableULPRPropagation {
		return nil
	}
	return e.Offer(t.authKey)
}

// OfferAcceptance is the outcome of the §4.3 acceptance algorithm.
type OfferAcceptance int

const (
	OfferAccepted OfferAcceptance = iota
	OfferRejectedNoKey
	OfferRejectedUnsolicited
	OfferRejectedBadAuth
	OfferRejectedStaleBoot
	OfferRejectedDisabled
)

func (a OfferAcceptance) String() string {
	switch a {
	case OfferAccepted:
		return "accepted"
	case OfferRejectedNoKey:
		return "no_entry"
	case OfferRejectedUnsolicited:
		return "unsolicited"
	case OfferRejectedBadAuth:
		return "bad_authenticator"
	case OfferRejectedStaleBoot:
		return "stale_boot_id"
	case OfferRejectedDisabled:
		return "ulpr_disabled"
	default:
		return "unknown"
	}
}

// OnOffer runs the acceptance algorithm from §4.3 against a BlockOffer
// received from fromPeer for key, with the authenticator and boot id it
// carried. On acceptance the offer is recorded in the offers index.
func (t *FailureTable) OnOffer(key Key, fromPeer [32]byte, authenticator []byte, bootID uint64, now time.Time) OfferAcceptance {
	h := t.handle(fromPeer)
	if !t.cfg.EnableULPRPropagation {
		return t.rejectOffer(key, h, now, OfferRejectedDisabled)
	}
	p, resolved := h.Resolve()
	if !resolved {
		return t.rejectOffer(key, h, now, OfferRejectedNoKey)
	}

	// Step 1: an entry must exist, or there is nothing we could have
	// asked anyone about.
	t.mu.Lock()
	e, hasEntry := t.entries.get(key)
	t.mu.Unlock()
	if !hasEntry {
		return t.rejectOffer(key, h, now, OfferRejectedNoKey)
	}

	weAsked := e.AskedFromPeer(h)
	heAsked := e.AskedByPeer(h)

	// Step 2: asymmetric acceptance rule -- we only take unsolicited
	// offers (he asked, we never asked him) for CHK, since only CHK is
	// content-addressed and so unforgeable by the offerer. This is the
	// entire acceptance law from §8 invariant 5; there is no further
	// authenticator check here, because the authenticator this peer sent
	// was computed with *his* authKey, not ours -- we have no way to
	// verify it. We only learn whether it was genuine later, when (and
	// if) we try to redeem this offer and echo it back to him.
	if !weAsked && !(key.IsCHK() && heAsked) {
		return t.rejectOffer(key, h, now, OfferRejectedUnsolicited)
	}

	// Step 3: a boot id that goes backward means the offer predates a
	// restart we've already observed and so is stale.
	if bootID < p.BootID {
		return t.rejectOffer(key, h, now, OfferRejectedStaleBoot)
	}
	restarted := t.store.ObserveBootID(fromPeer, bootID)
	_ = restarted

	// Step 4/5: record the accepted offer, authenticator and all, in the
	// bounded offers index, so it can be echoed back verbatim if we later
	// redeem it.
	t.mu.Lock()
	set, ok := t.offers.get(key)
	if !ok {
		set = newOfferSet(key)
		if evicted := t.offers.push(key, set); len(evicted) > 0 && t.metrics != nil {
			t.metrics.IncEntriesEvicted()
		}
	}
	t.mu.Unlock()
	set.AddOffer(OfferRecord{Peer: h, Authenticator: authenticator, BootID: bootID, ReceivedAt: now})

	if t.metrics != nil {
		t.metrics.IncOffersAccepted()
		t.metrics.Recent().Add(metrics.OfferEvent{
			KeyHex:    key.String(),
			Peer:      h.String(),
			Accepted:  true,
			Timestamp: now.UTC().Format(time.RFC3339),
		})
	}
	return OfferAccepted
}

// VerifyOfferClaim checks an authenticator a peer echoed back while
// claiming a key we offered it (via send_offered_key / GetOfferedKeyMsg).
// This is the authenticator check entry.Offer()'s recipients must pass: it
// uses this process's own authKey, the same one Offer() used to compute the
// authenticator that peer was originally sent, unlike the authenticator
// OnOffer records, which was computed by the *other* side and is opaque to
// us until we try to redeem it. A failed check is recorded through the same
// metrics path OnOffer's rejections use, with OfferRejectedBadAuth as the
// reason.
func (t *FailureTable) VerifyOfferClaim(key Key, peerID [32]byte, authenticator []byte, now time.Time) bool {
	ok := crypto.HMACEqual(t.authKey, authenticator, key.Bytes(), peerID[:])
	if !ok {
		t.rejectOffer(key, t.handle(peerID), now, OfferRejectedBadAuth)
	}
	return ok
}

func (t *FailureTable) rejectOffer(key Key, h PeerHandle, now time.Time, reason OfferAcceptance) OfferAcceptance {
	if t.metrics != nil {
		t.metrics.IncOffersRejected()
		t.metrics.Recent().Add(metrics.OfferEvent{
			KeyHex:    key.String(),
			Peer:      h.String(),
			Accepted:  false,
			Reason:    reason.String(),
			Timestamp: now.UTC().Format(time.RFC3339),
		})
	}
	return reason
}

// GetOffers returns a fresh OfferIterator over key's live offers, or
// false if there is no offer set (or it's empty) for that key.
func (t *FailureTable) GetOffers(key Key, now time.Time) (*OfferIterator, bool) {
	if !t.cfg.EnableULPRPropagation {
		return nil, false
	}
	t.mu.Lock()
	set, ok := t.offers.get(key)
	t.mu.Unlock()
	if !ok || set.isEmpty() {
		return nil, false
	}
	return NewOfferIterator(set, t.rng, now), true
}

// PeersWantKey reports whether any peer is recorded as wanting key,
// without disturbing LRU order (a read-only probe).
func (t *FailureTable) PeersWantKey(key Key) bool {
	t.mu.Lock()
	e, ok := t.entries.peek(key)
	t.mu.Unlock()
	if !ok {
		return false
	}
	return e.OthersWant(nil)
}

// TimedOutNodesList returns, for key, the peers we routed to and are
// still within their failure timeout, i.e. should not be retried yet.
func (t *FailureTable) TimedOutNodesList(key Key, now time.Time) []PeerHandle {
	if !t.cfg.EnablePerNodeFailureTables {
		return nil
	}
	t.mu.Lock()
	e, ok := t.entries.peek(key)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return e.RoutedToTimedOut(now)
}

// OnDisconnect drops peerID's offer from every offer set and runs Cleanup
// on every entry, so requestor and routed-to records whose weak reference
// no longer resolves are removed now rather than at the next Cleanup
// sweep. Records for peerID are only removed by that Cleanup pass if
// peerID no longer resolves through the peer store; while it still
// resolves, its requestor and unexpired routed-to records are kept.
func (t *FailureTable) OnDisconnect(peerID [32]byte) {
	h := t.handle(peerID)
	t.mu.Lock()
	entryVals := t.entries.values()
	offerVals := t.offers.values()
	t.mu.Unlock()
	for _, e := range entryVals {
		e.Cleanup(time.Now())
		_ = e
	}
	for _, s := range offerVals {
		s.DeleteOffer(h)
	}
}

// RunCleanup sweeps both indices, dropping entries and offer sets that
// Cleanup/Expired report as carrying no further information, and
// reports how many were removed in total.
func (t *FailureTable) RunCleanup(now time.Time) int {
	t.mu.Lock()
	entryKeys := keysOf(t.entries)
	offerKeys := keysOf(t.offers)
	t.mu.Unlock()

	removed := 0
	for _, k := range entryKeys {
		t.mu.Lock()
		e, ok := t.entries.peek(k)
		t.mu.Unlock()
		if !ok {
			continue
		}
		e.Cleanup(now)
		if e.IsEmpty(now) {
			t.mu.Lock()
			if _, still := t.entries.remove(k); still {
				removed++
			}
			t.mu.Unlock()
		}
	}
	for _, k := range offerKeys {
		t.mu.Lock()
		s, ok := t.offers.peek(k)
		t.mu.Unlock()
		if !ok {
			continue
		}
		if s.Expired(now) {
			t.mu.Lock()
			if _, still := t.offers.remove(k); still {
				removed++
			}
			t.mu.Unlock()
		}
	}
	if removed > 0 && t.metrics != nil {
		t.metrics.IncCleanupRemoved()
	}
	return removed
}

func keysOf[V any](idx *lruIndex[V]) []Key {
	out := make([]Key, 0, idx.size())
	for el := idx.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruNode[V]).key)
	}
	return out
}

// HandleLowMemory halves the entries index by popping the LRU oldest
// until size is halved, per §4.6. The offers index is left untouched:
// it is smaller and, peer-for-peer, more valuable to keep.
func (t *FailureTable) HandleLowMemory() int {
	t.mu.Lock()
	target := t.entries.size() / 2
	shed := 0
	for t.entries.size() > target {
		if _, _, ok := t.entries.popOldest(); !ok {
			break
		}
		shed++
	}
	t.mu.Unlock()
	if shed > 0 && t.metrics != nil {
		t.metrics.IncLowMemShed(uint64(shed))
	}
	return shed
}

// HandleOOM clears the entries index entirely, per §4.6. The offers
// index is left untouched.
func (t *FailureTable) HandleOOM() int {
	t.mu.Lock()
	shed := t.entries.size()
	for {
		if _, _, ok := t.entries.popOldest(); !ok {
			break
		}
	}
	t.mu.Unlock()
	if shed > 0 && t.metrics != nil {
		t.metrics.IncOOMShed(uint64(shed))
	}
	return shed
}

// NotifyOffers hands the targets for key (normally the result of
// OnFound) to the configured OfferNotifier, one BlockOffer per target,
// so the actual network send happens outside of the table's lock.
func (t *FailureTable) NotifyOffers(key Key, targets []OfferTarget) {
	if t.notifier == nil {
		return
	}
	for _, target := range targets {
		t.notifier.NotifyOffer(target, key)
	}
}
