// internal/failuretable/key.go
package failuretable

import "encoding/hex"

// Variant distinguishes the two key families this subsystem cares about:
// CHK is content-addressed and unforgeable, SSK is signed but not
// content-addressed. The distinction drives the offer acceptance policy.
type Variant uint8

const (
	CHK Variant = iota
	SSK
)

// Key is an opaque 32-byte content identifier tagged with its variant.
// Both fields are comparable, so Key is usable directly as a map key.
type Key struct {
	Variant Variant
	ID      [32]byte
}

func NewCHK(id [32]byte) Key { return Key{Variant: CHK, ID: id} }
func NewSSK(id [32]byte) Key { return Key{Variant: SSK, ID: id} }

func (k Key) IsCHK() bool { return k.Variant == CHK }
func (k Key) IsSSK() bool { return k.Variant == SSK }

func (k Key) Bytes() []byte {
	out := make([]byte, 0, 33)
	out = append(out, byte(k.Variant))
	out = append(out, k.ID[:]...)
	return out
}

func (k Key) String() string {
	prefix := "CHK"
	if k.Variant == SSK {
		prefix = "SSK"
	}
	return prefix + "@" + hex.EncodeToString(k.ID[:])
}
