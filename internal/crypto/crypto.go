// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Node identity and offer authenticators.
//
// Fixed suite: Ed25519 for node identity signatures, SHA3-256 for content
// hashing and HMAC-SHA3-256 for the Failure Table's offer authenticator.
// -----------------------------------------------------------------------------

const (
	HMACKeySize = 32
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// NewHMACKey returns a fresh random key suitable for HMACSum, e.g. the
// Failure Table's process-local offer authenticator key.
func NewHMACKey() ([]byte, error) {
	key := make([]byte, HMACKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// HMACSum computes HMAC-SHA3-256(key, parts...). No third-party library in
// the example pack ships a bare HMAC implementation; every repo that needs
// one composes crypto/hmac with a hash constructor, which is what this does.
func HMACSum(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha3.New256, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// HMACEqual reports whether mac is a valid HMACSum(key, parts...) using a
// constant-time comparison.
func HMACEqual(key, mac []byte, parts ...[]byte) bool {
	return hmac.Equal(mac, HMACSum(key, parts...))
}

// -----------------------------------------------------------------------------
// Ed25519 node identity (signing only; no session/KEX material here, that
// belongs to the transport layer which this module does not own).
// -----------------------------------------------------------------------------

func GenKeypair() (pub, priv []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(pubKey), []byte(privKey), nil
}

func Sign(priv []byte, msg []byte) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg)
}

func Verify(pub []byte, msg []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func IsEd25519PublicKey(pub []byte) bool {
	return len(pub) == ed25519.PublicKeySize
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, err
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
