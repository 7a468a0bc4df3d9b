package failuretable

import (
	"errors"
	"sync"
	"testing"
	"time"

	"failuretable/internal/peer"
)

type fakeDatastore struct {
	blocks map[Key]Block
}

func (d *fakeDatastore) Fetch(key Key) (Block, bool) {
	b, ok := d.blocks[key]
	return b, ok
}

type fakeSender struct {
	mu       sync.Mutex
	rejected []string
	headers  []string
	data     []string
	legacy   []string
	pubkey   []string
	chkSent  []string
	dataErr  error
}

func (s *fakeSender) SendGetOfferedKeyInvalid(dest PeerHandle, uid uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, reason)
	return nil
}

func (s *fakeSender) SendSSKHeaders(dest PeerHandle, uid uint64, headers []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = append(s.headers, string(headers))
	return nil
}

func (s *fakeSender) SendSSKData(dest PeerHandle, uid uint64, data []byte, counter ByteCounter) error {
	s.mu.Lock()
	s.data = append(s.data, string(data))
	err := s.dataErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if counter != nil {
		counter(len(data))
	}
	return nil
}

func (s *fakeSender) SendSSKPubKey(dest PeerHandle, uid uint64, pub []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubkey = append(s.pubkey, string(pub))
	return nil
}

func (s *fakeSender) SendSSKLegacyCombined(dest PeerHandle, uid uint64, headers, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy = append(s.legacy, string(headers)+"|"+string(data))
	return nil
}

func (s *fakeSender) SendCHKHeaders(dest PeerHandle, uid uint64, headers []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chkSent = append(s.chkSent, string(headers))
	return nil
}

func (s *fakeSender) TransmitBlock(dest PeerHandle, uid uint64, block Block, counter ByteCounter) error {
	if counter != nil {
		counter(len(block.Data))
	}
	return nil
}

type fakeUIDTracker struct {
	mu       sync.Mutex
	released []uint64
	wg       sync.WaitGroup
}

func (u *fakeUIDTracker) ReleaseUID(uid uint64) {
	u.mu.Lock()
	u.released = append(u.released, uid)
	u.mu.Unlock()
	u.wg.Done()
}

func TestPipelineMissReleasesUID(t *testing.T) {
	ds := &fakeDatastore{blocks: map[Key]Block{}}
	sender := &fakeSender{}
	uids := &fakeUIDTracker{}
	uids.wg.Add(1)

	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	src := NewPeerHandle(store, [32]byte{1})

	p := NewPipeline(ds, sender, uids, nil, 2)
	defer p.Close()

	p.SendOfferedKey(SendRequest{Key: NewCHK([32]byte{1}), UID: 42, Source: src})
	uids.wg.Wait()

	if len(sender.rejected) != 1 || sender.rejected[0] != "GET_OFFERED_KEY_REJECTED_NO_KEY" {
		t.Fatalf("expected a rejection message, got %v", sender.rejected)
	}
	if len(uids.released) != 1 || uids.released[0] != 42 {
		t.Fatalf("expected uid 42 released, got %v", uids.released)
	}
}

func TestPipelineSSKOrdering(t *testing.T) {
	key := NewSSK([32]byte{2})
	ds := &fakeDatastore{blocks: map[Key]Block{
		key: {Key: key, Headers: []byte("H"), Data: []byte("D"), PubKey: []byte("PK")},
	}}
	sender := &fakeSender{}
	uids := &fakeUIDTracker{}
	uids.wg.Add(1)

	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	src := NewPeerHandle(store, [32]byte{1})

	p := NewPipeline(ds, sender, uids, nil, 2)
	defer p.Close()

	p.SendOfferedKey(SendRequest{Key: key, IsSSK: true, NeedPubKey: true, LegacyCombo: true, UID: 7, Source: src})
	uids.wg.Wait()

	if len(sender.headers) != 1 || sender.headers[0] != "H" {
		t.Fatalf("expected headers sent first, got %v", sender.headers)
	}
	if len(sender.data) != 1 || sender.data[0] != "D" {
		t.Fatalf("expected data sent, got %v", sender.data)
	}
	if len(sender.legacy) != 1 {
		t.Fatalf("expected legacy combined message sent, got %v", sender.legacy)
	}
	if len(sender.pubkey) != 1 || sender.pubkey[0] != "PK" {
		t.Fatalf("expected pubkey sent last, got %v", sender.pubkey)
	}
	if len(uids.released) != 1 || uids.released[0] != 7 {
		t.Fatalf("expected uid 7 released exactly once, got %v", uids.released)
	}
}

func TestPipelineSSKLegacyAndPubKeySentDespiteDataFailure(t *testing.T) {
	key := NewSSK([32]byte{6})
	ds := &fakeDatastore{blocks: map[Key]Block{
		key: {Key: key, Headers: []byte("H"), Data: []byte("D"), PubKey: []byte("PK")},
	}}
	sender := &fakeSender{dataErr: errors.New("connection reset")}
	uids := &fakeUIDTracker{}
	uids.wg.Add(1)

	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	src := NewPeerHandle(store, [32]byte{1})

	p := NewPipeline(ds, sender, uids, nil, 2)
	defer p.Close()

	p.SendOfferedKey(SendRequest{Key: key, IsSSK: true, NeedPubKey: true, LegacyCombo: true, UID: 8, Source: src})
	uids.wg.Wait()

	if len(sender.legacy) != 1 {
		t.Fatalf("expected legacy combined message sent despite data send failure, got %v", sender.legacy)
	}
	if len(sender.pubkey) != 1 || sender.pubkey[0] != "PK" {
		t.Fatalf("expected pubkey sent despite data send failure, got %v", sender.pubkey)
	}
	if len(uids.released) != 1 || uids.released[0] != 8 {
		t.Fatalf("expected uid 8 released exactly once, got %v", uids.released)
	}
}

func TestPipelineCHKServe(t *testing.T) {
	key := NewCHK([32]byte{3})
	ds := &fakeDatastore{blocks: map[Key]Block{
		key: {Key: key, Headers: []byte("CHKH"), Data: []byte("CHKD")},
	}}
	sender := &fakeSender{}
	uids := &fakeUIDTracker{}
	uids.wg.Add(1)

	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	src := NewPeerHandle(store, [32]byte{1})

	p := NewPipeline(ds, sender, uids, nil, 2)
	defer p.Close()

	p.SendOfferedKey(SendRequest{Key: key, UID: 99, Source: src})
	uids.wg.Wait()

	if len(sender.chkSent) != 1 || sender.chkSent[0] != "CHKH" {
		t.Fatalf("expected CHK headers sent, got %v", sender.chkSent)
	}
	if len(uids.released) != 1 || uids.released[0] != 99 {
		t.Fatalf("expected uid 99 released, got %v", uids.released)
	}
}

func TestPipelineRequestsDoNotBlockEachOther(t *testing.T) {
	key1 := NewCHK([32]byte{4})
	key2 := NewCHK([32]byte{5})
	ds := &fakeDatastore{blocks: map[Key]Block{
		key1: {Key: key1, Headers: []byte("A")},
		key2: {Key: key2, Headers: []byte("B")},
	}}
	sender := &fakeSender{}
	uids := &fakeUIDTracker{}
	uids.wg.Add(2)

	store, _ := peer.NewStore("", peer.Options{Cap: 8})
	src := NewPeerHandle(store, [32]byte{1})

	p := NewPipeline(ds, sender, uids, nil, 4)
	defer p.Close()

	p.SendOfferedKey(SendRequest{Key: key1, UID: 1, Source: src})
	p.SendOfferedKey(SendRequest{Key: key2, UID: 2, Source: src})

	done := make(chan struct{})
	go func() {
		uids.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for both requests to complete")
	}
}
