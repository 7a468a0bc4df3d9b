// internal/failuretable/peerhandle.go
package failuretable

import (
	"encoding/hex"

	"failuretable/internal/peer"
)

// PeerHandle is a weak reference to a peer: it never extends the peer's
// lifetime, only its NodeID, and resolves through a peer.Store on demand.
// A resolve failure means the peer is gone from the table's point of view
// and is treated identically to "peer no longer interested".
type PeerHandle struct {
	id    [32]byte
	store *peer.Store
}

func NewPeerHandle(store *peer.Store, id [32]byte) PeerHandle {
	return PeerHandle{id: id, store: store}
}

func (h PeerHandle) ID() [32]byte { return h.id }

func (h PeerHandle) Resolve() (peer.Peer, bool) {
	if h.store == nil {
		return peer.Peer{}, false
	}
	return h.store.Get(h.id)
}

func (h PeerHandle) Equal(other PeerHandle) bool {
	return h.id == other.id
}

func (h PeerHandle) String() string {
	return hex.EncodeToString(h.id[:])
}
