// internal/peer/store.go
package peer

import (
	"bufio"
	"container/list"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"failuretable/internal/crypto"
)

const (
	DefaultCap              = 512
	DefaultTTL              = 30 * time.Minute
	DefaultLoadLimit        = 512
	maxPeerScanSize         = 1 << 20
	DefaultAddrCooldown     = 2 * time.Minute
	DefaultAddrObservation  = 2
	DefaultAddrMuteDuration = 2 * time.Minute
)

// Peer is a record the peer table owns. The Failure Table never holds one
// of these directly; it resolves a Handle through the Store on demand,
// which is the Go-native stand-in for the "weak reference" the spec calls
// for (there being no language-level weak pointer idiom in this corpus).
type Peer struct {
	NodeID [32]byte
	PubKey []byte
	Addr   string
	// BootID is the latest boot counter this peer has announced. It only
	// ever increases; a lower or equal value observed later is a replay,
	// not a restart.
	BootID uint64
}

type Options struct {
	Cap                 int
	TTL                 time.Duration
	LoadLimit           int
	AddrCooldown        time.Duration
	AddrObservation     int
	AllowAddrFromUpsert bool
	DeriveNodeID        func(pub []byte) [32]byte
}

// Store is the peer table: bounded, LRU/TTL-evicted, optionally persisted
// as an append-only JSONL peer book. FailureTable.PeerHandle resolves
// through a Store's Get method; a missing NodeID is "peer gone".
type Store struct {
	mu                  sync.Mutex
	path                string
	cap                 int
	ttl                 time.Duration
	deriveNodeID        func(pub []byte) [32]byte
	addrCooldown        time.Duration
	addrObservation     int
	allowAddrFromUpsert bool
	hot                 map[string]*list.Element
	order               *list.List
	addrIndex           map[string][32]byte
	addrObs             map[[32]byte]map[string]*addrObservation
	addrChange          map[[32]byte]time.Time
	mutedAddrs          map[string]time.Time
	addrHints           map[[32]byte]string
	hintIndex           map[string][32]byte
	addrVerified        map[[32]byte]bool
}

type entry struct {
	key       string
	peer      Peer
	expiresAt time.Time
}

type addrObservation struct {
	count    int
	lastSeen time.Time
}

type diskPeer struct {
	NodeID string `json:"node_id"`
	PubKey string `json:"pubkey"`
	Addr   string `json:"addr,omitempty"`
	BootID uint64 `json:"boot_id,omitempty"`
}

var (
	ErrAddrConflict = errors.New("addr conflict")
	ErrAddrMuted    = errors.New("addr muted")
	ErrAddrCooldown = errors.New("addr cooldown")
)

// DeriveNodeID is the default NodeID derivation used when Options.DeriveNodeID
// is not supplied by the caller: SHA3-256 of a domain-separated public key.
func DeriveNodeID(pub []byte) [32]byte {
	buf := make([]byte, 0, len("failuretable:nodeid:v1")+len(pub))
	buf = append(buf, []byte("failuretable:nodeid:v1")...)
	buf = append(buf, pub...)
	sum := crypto.SHA3_256(buf)
	var id [32]byte
	copy(id[:], sum)
	return id
}

func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = capacity
	}
	deriveNodeID := opts.DeriveNodeID
	if deriveNodeID == nil {
		deriveNodeID = DeriveNodeID
	}
	addrCooldown := opts.AddrCooldown
	if addrCooldown <= 0 {
		addrCooldown = DefaultAddrCooldown
	}
	addrObs := opts.AddrObservation
	if addrObs <= 0 {
		addrObs = DefaultAddrObservation
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}
	s := &Store{
		path:                path,
		cap:                 capacity,
		ttl:                 ttl,
		deriveNodeID:        deriveNodeID,
		addrCooldown:        addrCooldown,
		addrObservation:     addrObs,
		allowAddrFromUpsert: opts.AllowAddrFromUpsert,
		hot:                 make(map[string]*list.Element),
		order:               list.New(),
		addrIndex:           make(map[string][32]byte),
		addrObs:             make(map[[32]byte]map[string]*addrObservation),
		addrChange:          make(map[[32]byte]time.Time),
		mutedAddrs:          make(map[string]time.Time),
		addrHints:           make(map[[32]byte]string),
		hintIndex:           make(map[string][32]byte),
		addrVerified:        make(map[[32]byte]bool),
	}
	if path != "" && loadLimit > 0 {
		if err := s.loadLast(loadLimit); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Upsert(p Peer, persist bool) error {
	if isZeroNodeID(p.NodeID) {
		return fmt.Errorf("missing node_id")
	}
	key := keyForPeer(p)

	s.mu.Lock()
	s.pruneLocked()
	now := time.Now()
	if p.Addr != "" && !s.allowAddrFromUpsert {
		p.Addr = ""
	}
	var existing *entry
	var existingEl *list.Element
	if el, ok := s.hot[key]; ok {
		existingEl = el
		existing = el.Value.(*entry)
		if p.Addr == "" {
			p.Addr = existing.peer.Addr
		}
		if len(p.PubKey) == 0 {
			p.PubKey = existing.peer.PubKey
		}
		if p.BootID < existing.peer.BootID {
			p.BootID = existing.peer.BootID
		}
	}
	if len(p.PubKey) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("missing pubkey")
	}
	derived := s.deriveNodeID(p.PubKey)
	if derived != p.NodeID {
		s.mu.Unlock()
		return fmt.Errorf("node_id/pubkey mismatch")
	}
	pub := make([]byte, len(p.PubKey))
	copy(pub, p.PubKey)
	p.PubKey = pub
	if existing != nil {
		if p.Addr == "" {
			p.Addr = existing.peer.Addr
		} else if p.Addr != existing.peer.Addr {
			if err := s.setAddrLocked(existing, p.Addr, now, false, false); err != nil {
				s.mu.Unlock()
				return err
			}
			p.Addr = existing.peer.Addr
		}
		existing.peer = p
		existing.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(existingEl)
		s.mu.Unlock()
		if !persist {
			return nil
		}
		return s.appendDisk(p)
	}
	if s.cap > 0 && len(s.hot) >= s.cap {
		s.evictLocked(len(s.hot) - s.cap + 1)
	}
	addr := p.Addr
	p.Addr = ""
	ent := &entry{key: key, peer: p, expiresAt: now.Add(s.ttl)}
	if addr != "" {
		if err := s.setAddrLocked(ent, addr, now, false, false); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	el := s.order.PushFront(ent)
	s.hot[key] = el
	s.mu.Unlock()

	if !persist {
		return nil
	}
	return s.appendDisk(ent.peer)
}

func (s *Store) appendDisk(p Peer) error {
	if s.path == "" || len(p.PubKey) == 0 {
		return nil
	}
	rec := diskPeer{
		NodeID: hex.EncodeToString(p.NodeID[:]),
		PubKey: hex.EncodeToString(p.PubKey),
		Addr:   p.Addr,
		BootID: p.BootID,
	}
	return appendJSONL(s.path, rec)
}

// ObserveAddr records an address observation for a peer and, once enough
// observations (or a verified-transport hint) accumulate, promotes it to
// the peer's active address, subject to the conflict/cooldown rules below.
func (s *Store) ObserveAddr(p Peer, observedAddr string, candidateAddr string, verified bool, persist bool) (bool, error) {
	if observedAddr == "" {
		return false, nil
	}
	if isZeroNodeID(p.NodeID) {
		return false, fmt.Errorf("missing node_id")
	}
	s.mu.Lock()
	s.pruneLocked()
	now := time.Now()
	key := keyForPeer(p)
	var ent *entry
	var entEl *list.Element
	if el, ok := s.hot[key]; ok {
		entEl = el
		ent = el.Value.(*entry)
		if len(p.PubKey) == 0 {
			p.PubKey = ent.peer.PubKey
		}
	}
	if len(p.PubKey) == 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("missing pubkey")
	}
	derived := s.deriveNodeID(p.PubKey)
	if derived != p.NodeID {
		s.mu.Unlock()
		return false, fmt.Errorf("node_id/pubkey mismatch")
	}
	pub := make([]byte, len(p.PubKey))
	copy(pub, p.PubKey)
	p.PubKey = pub
	if ent == nil {
		if s.cap > 0 && len(s.hot) >= s.cap {
			s.evictLocked(len(s.hot) - s.cap + 1)
		}
		ent = &entry{key: key, peer: Peer{NodeID: p.NodeID, PubKey: pub}, expiresAt: now.Add(s.ttl)}
		entEl = s.order.PushFront(ent)
		s.hot[key] = entEl
	} else {
		ent.peer.NodeID = p.NodeID
		ent.peer.PubKey = pub
		ent.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(entEl)
	}
	host := hostForAddr(observedAddr)
	obsByHost := s.addrObs[p.NodeID]
	if obsByHost == nil {
		obsByHost = make(map[string]*addrObservation)
		s.addrObs[p.NodeID] = obsByHost
	}
	obs := obsByHost[host]
	if obs == nil {
		obs = &addrObservation{}
		obsByHost[host] = obs
	}
	obs.count++
	obs.lastSeen = now
	if candidateAddr == "" {
		s.mu.Unlock()
		return false, nil
	}
	allowUpdate := verified || obs.count >= s.addrObservation
	if !allowUpdate {
		s.mu.Unlock()
		return false, nil
	}
	prevAddr := ent.peer.Addr
	if err := s.setAddrLocked(ent, candidateAddr, now, false, true); err != nil {
		s.mu.Unlock()
		return false, err
	}
	changed := ent.peer.Addr != prevAddr
	out := ent.peer
	s.mu.Unlock()
	if !persist || !changed {
		return changed, nil
	}
	return changed, s.appendDisk(out)
}

// ObserveBootID records the boot counter a peer announced. It reports
// whether the peer appears to have restarted (a strictly higher boot id
// than previously seen). Offers already recorded from that peer are not
// touched by this call.
func (s *Store) ObserveBootID(id [32]byte, bootID uint64) (restarted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hex.EncodeToString(id[:])
	el, ok := s.hot[key]
	if !ok {
		return false
	}
	ent := el.Value.(*entry)
	if bootID > ent.peer.BootID {
		restarted = ent.peer.BootID != 0
		ent.peer.BootID = bootID
	}
	return restarted
}

func (s *Store) List() []Peer {
	s.mu.Lock()
	s.pruneLocked()
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		p := ent.peer
		pub := make([]byte, len(p.PubKey))
		copy(pub, p.PubKey)
		out = append(out, Peer{NodeID: p.NodeID, PubKey: pub, Addr: p.Addr, BootID: p.BootID})
	}
	s.mu.Unlock()
	return out
}

// Get resolves a NodeID to its current Peer record. This is the resolve
// step of a Handle: ok is false exactly when the peer is "gone" from the
// table's point of view (evicted, expired, or never seen).
func (s *Store) Get(id [32]byte) (Peer, bool) {
	s.mu.Lock()
	s.pruneLocked()
	key := hex.EncodeToString(id[:])
	el, ok := s.hot[key]
	if !ok {
		s.mu.Unlock()
		return Peer{}, false
	}
	p := el.Value.(*entry).peer
	pub := make([]byte, len(p.PubKey))
	copy(pub, p.PubKey)
	p.PubKey = pub
	s.mu.Unlock()
	return p, true
}

// GetByAddr resolves a transport-observed address (e.g. a QUIC stream's
// remote address) back to the Peer that last verified it, the stand-in
// this corpus uses for sender identity in the absence of a handshake
// that authenticates a NodeID on every inbound stream.
func (s *Store) GetByAddr(addr string) (Peer, bool) {
	s.mu.Lock()
	s.pruneLocked()
	id, ok := s.addrIndex[addr]
	if !ok {
		s.mu.Unlock()
		return Peer{}, false
	}
	key := hex.EncodeToString(id[:])
	el, ok := s.hot[key]
	if !ok {
		s.mu.Unlock()
		return Peer{}, false
	}
	p := el.Value.(*entry).peer
	pub := make([]byte, len(p.PubKey))
	copy(pub, p.PubKey)
	p.PubKey = pub
	s.mu.Unlock()
	return p, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	s.pruneLocked()
	n := len(s.hot)
	s.mu.Unlock()
	return n
}

func (s *Store) pruneLocked() {
	if s.ttl <= 0 {
		return
	}
	now := time.Now()
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		s.forgetLocked(ent)
		s.order.Remove(el)
		el = prev
	}
	for addr, until := range s.mutedAddrs {
		if until.Before(now) {
			delete(s.mutedAddrs, addr)
		}
	}
}

func (s *Store) evictLocked(n int) {
	for n > 0 {
		el := s.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		s.forgetLocked(ent)
		s.order.Remove(el)
		n--
	}
}

func (s *Store) forgetLocked(ent *entry) {
	if ent.peer.Addr != "" {
		if owner, ok := s.addrIndex[ent.peer.Addr]; ok && owner == ent.peer.NodeID {
			delete(s.addrIndex, ent.peer.Addr)
		}
	}
	delete(s.addrVerified, ent.peer.NodeID)
	if hint, ok := s.addrHints[ent.peer.NodeID]; ok {
		delete(s.addrHints, ent.peer.NodeID)
		if owner, ok := s.hintIndex[hint]; ok && owner == ent.peer.NodeID {
			delete(s.hintIndex, hint)
		}
	}
	delete(s.addrObs, ent.peer.NodeID)
	delete(s.addrChange, ent.peer.NodeID)
	delete(s.hot, ent.key)
}

func (s *Store) loadLast(limit int) error {
	records, err := readLastN(s.path, limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		pub, err := hex.DecodeString(rec.PubKey)
		if err != nil || !crypto.IsEd25519PublicKey(pub) {
			continue
		}
		idBytes, err := hex.DecodeString(rec.NodeID)
		if err != nil || len(idBytes) != 32 {
			continue
		}
		var id [32]byte
		copy(id[:], idBytes)
		_ = s.loadRecord(Peer{NodeID: id, PubKey: pub, Addr: rec.Addr, BootID: rec.BootID})
	}
	return nil
}

func readLastN(path string, n int) ([]diskPeer, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	out := make([]diskPeer, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxPeerScanSize)
	for sc.Scan() {
		var rec diskPeer
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
			if len(out) < n {
				out = append(out, rec)
			} else {
				copy(out, out[1:])
				out[n-1] = rec
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func keyForPeer(p Peer) string {
	return hex.EncodeToString(p.NodeID[:])
}

func (s *Store) loadRecord(p Peer) error {
	if isZeroNodeID(p.NodeID) || len(p.PubKey) == 0 {
		return fmt.Errorf("invalid peer")
	}
	derived := s.deriveNodeID(p.PubKey)
	if derived != p.NodeID {
		return fmt.Errorf("node_id/pubkey mismatch")
	}
	s.mu.Lock()
	s.pruneLocked()
	now := time.Now()
	key := keyForPeer(p)
	var ent *entry
	var entEl *list.Element
	if el, ok := s.hot[key]; ok {
		entEl = el
		ent = el.Value.(*entry)
	}
	pub := make([]byte, len(p.PubKey))
	copy(pub, p.PubKey)
	p.PubKey = pub
	if ent == nil {
		if s.cap > 0 && len(s.hot) >= s.cap {
			s.evictLocked(len(s.hot) - s.cap + 1)
		}
		ent = &entry{key: key, peer: Peer{NodeID: p.NodeID, PubKey: p.PubKey, BootID: p.BootID}, expiresAt: now.Add(s.ttl)}
		entEl = s.order.PushFront(ent)
		s.hot[key] = entEl
	} else {
		ent.peer.NodeID = p.NodeID
		ent.peer.PubKey = p.PubKey
		if p.BootID > ent.peer.BootID {
			ent.peer.BootID = p.BootID
		}
		ent.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(entEl)
	}
	if p.Addr != "" {
		_ = s.setAddrLocked(ent, p.Addr, now, true, true)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) setAddrLocked(ent *entry, addr string, now time.Time, ignoreCooldown bool, verified bool) error {
	if addr == "" {
		return nil
	}
	if until, ok := s.mutedAddrs[addr]; ok && until.After(now) {
		return ErrAddrMuted
	}
	if owner, ok := s.addrIndex[addr]; ok && owner != ent.peer.NodeID {
		s.mutedAddrs[addr] = now.Add(DefaultAddrMuteDuration)
		return ErrAddrConflict
	}
	if ent.peer.Addr == addr {
		if verified && !s.addrVerified[ent.peer.NodeID] {
			s.addrIndex[addr] = ent.peer.NodeID
			s.addrVerified[ent.peer.NodeID] = true
			s.addrChange[ent.peer.NodeID] = now
			if hint, ok := s.addrHints[ent.peer.NodeID]; ok {
				delete(s.addrHints, ent.peer.NodeID)
				if owner, ok := s.hintIndex[hint]; ok && owner == ent.peer.NodeID {
					delete(s.hintIndex, hint)
				}
			}
		}
		return nil
	}
	if ent.peer.Addr != "" && !ignoreCooldown {
		currentHost := hostForAddr(ent.peer.Addr)
		newHost := hostForAddr(addr)
		if currentHost == "" || newHost == "" || currentHost != newHost {
			if last, ok := s.addrChange[ent.peer.NodeID]; ok && now.Sub(last) < s.addrCooldown {
				return ErrAddrCooldown
			}
		}
	}
	if ent.peer.Addr != "" && verified {
		if owner, ok := s.addrIndex[ent.peer.Addr]; ok && owner == ent.peer.NodeID {
			delete(s.addrIndex, ent.peer.Addr)
		}
	}
	ent.peer.Addr = addr
	if verified {
		s.addrIndex[addr] = ent.peer.NodeID
	}
	s.addrChange[ent.peer.NodeID] = now
	s.addrVerified[ent.peer.NodeID] = verified
	if hint, ok := s.addrHints[ent.peer.NodeID]; ok {
		delete(s.addrHints, ent.peer.NodeID)
		if owner, ok := s.hintIndex[hint]; ok && owner == ent.peer.NodeID {
			delete(s.hintIndex, hint)
		}
	}
	return nil
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func isZeroNodeID(id [32]byte) bool {
	var zero [32]byte
	return id == zero
}

func appendJSONL(path string, rec diskPeer) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(rec)
}
