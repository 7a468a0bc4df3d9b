package crypto

import (
	"bytes"
	"testing"
)

func TestHMACSumDeterministicAndKeyed(t *testing.T) {
	key1, err := NewHMACKey()
	if err != nil {
		t.Fatalf("NewHMACKey failed: %v", err)
	}
	key2, err := NewHMACKey()
	if err != nil {
		t.Fatalf("NewHMACKey failed: %v", err)
	}
	if bytes.Equal(key1, key2) {
		t.Fatalf("expected distinct random keys")
	}

	msg := []byte("key-bytes-32-long-content-hash!")
	mac1 := HMACSum(key1, msg)
	mac2 := HMACSum(key1, msg)
	if !bytes.Equal(mac1, mac2) {
		t.Fatalf("HMACSum not deterministic for same key/input")
	}
	mac3 := HMACSum(key2, msg)
	if bytes.Equal(mac1, mac3) {
		t.Fatalf("expected different macs for different keys")
	}
	if !HMACEqual(key1, mac1, msg) {
		t.Fatalf("HMACEqual rejected a valid mac")
	}
	if HMACEqual(key1, mac1, []byte("different")) {
		t.Fatalf("HMACEqual accepted a mac for the wrong message")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("GenKeypair failed: %v", err)
	}
	msg := []byte("hello")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Fatalf("expected signature to fail on tampered message")
	}
}
