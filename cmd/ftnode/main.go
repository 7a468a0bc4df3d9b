// cmd/ftnode/main.go
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"failuretable/internal/debuglog"
	"failuretable/internal/failuretable"
	"failuretable/internal/metrics"
	"failuretable/internal/network"
	"failuretable/internal/peer"
	"failuretable/internal/pprofutil"
	"failuretable/internal/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: ftnode <run|status|peers> [flags]")
		return 2
	}
	switch args[0] {
	case "run":
		return cmdRun(args[1:], stdout, stderr)
	case "status":
		return cmdStatus(args[1:], stdout, stderr)
	case "peers":
		return cmdPeers(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		return 2
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ftnode")
}

func cmdRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	root := fs.String("root", homeDir(), "state directory")
	listen := fs.String("listen", "127.0.0.1:9417", "QUIC listen address")
	insecure := fs.Bool("insecure", true, "skip TLS verification on outbound sends")
	adminAddr := fs.String("admin-listen", "127.0.0.1:9418", "loopback HTTP address for local discovery notifications")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := os.MkdirAll(*root, 0700); err != nil {
		fmt.Fprintf(stderr, "mkdir root: %v\n", err)
		return 1
	}
	if err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
	}

	store, err := peer.NewStore(filepath.Join(*root, "peers.jsonl"), peer.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "peer store: %v\n", err)
		return 1
	}
	m := metrics.New()

	notifier := &wireNotifier{store: store, insecure: *insecure}
	table, err := failuretable.New(failuretable.DefaultConfig(), store, m, notifier, nil)
	if err != nil {
		fmt.Fprintf(stderr, "failure table: %v\n", err)
		return 1
	}

	ds := newMemDatastore()
	sender := &wireSender{store: store, insecure: *insecure}
	uids := newUIDRegistry()
	pipeline := failuretable.NewPipeline(ds, sender, uids, m, 4)
	defer pipeline.Close()

	cleaner := failuretable.NewCleaner(table)
	cleaner.Start()
	defer cleaner.Stop()

	snapPath := filepath.Join(*root, "metrics.json")
	go snapshotLoop(m, snapPath)

	disc := &discovery{ds: ds, table: table}
	if err := startDiscoveryAdmin(*adminAddr, disc, stderr); err != nil {
		fmt.Fprintf(stderr, "admin listen: %v\n", err)
		return 1
	}

	h := &inboundHandler{table: table, pipeline: pipeline, store: store, uids: uids, sender: sender}
	fmt.Fprintf(stdout, "ftnode listening on %s (root=%s)\n", *listen, *root)
	if err := network.ListenAndServe(*listen, h.handle); err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	return 0
}

// discovery is the seam between the out-of-scope real datastore/client layer
// (§1) and the Failure Table: whatever ultimately decides a block was found
// locally calls Found, which inserts it into the datastore stand-in and
// drives on_found's offer fan-out exactly as §4.2 describes.
type discovery struct {
	ds    *memDatastore
	table *failuretable.FailureTable
}

func (d *discovery) Found(block failuretable.Block) {
	d.ds.Insert(block)
	targets := d.table.OnFound(block.Key)
	d.table.NotifyOffers(block.Key, targets)
}

// startDiscoveryAdmin binds a loopback-only HTTP endpoint that lets a local
// client layer report a newly found block (POST /found with a JSON body of
// {"key":"<hex>","is_ssk":bool,"data":"<hex>"}), which is the only way
// on_found/notify_offers become reachable without a real datastore wired in.
func startDiscoveryAdmin(addr string, d *discovery, logw io.Writer) error {
	if !isLoopbackBind(addr) {
		return fmt.Errorf("admin-listen must be loopback: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/found", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			KeyHex  string `json:"key"`
			IsSSK   bool   `json:"is_ssk"`
			DataHex string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		key, ok := decodeKey(req.KeyHex, req.IsSSK)
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, err := hex.DecodeString(req.DataHex)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.Found(failuretable.Block{Key: key, Data: data})
		w.WriteHeader(http.StatusNoContent)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	fmt.Fprintf(logw, "discovery admin listening on %s\n", ln.Addr().String())
	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func snapshotLoop(m *metrics.Metrics, path string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		_ = m.WriteSnapshot(path)
	}
}

func cmdStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	root := fs.String("root", homeDir(), "state directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	data, err := os.ReadFile(filepath.Join(*root, "metrics.json"))
	if err != nil {
		fmt.Fprintf(stderr, "read metrics: %v\n", err)
		return 1
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(stderr, "parse metrics: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return boolToExit(enc.Encode(snap) == nil)
}

func cmdPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	root := fs.String("root", homeDir(), "state directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	store, err := peer.NewStore(filepath.Join(*root, "peers.jsonl"), peer.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "peer store: %v\n", err)
		return 1
	}
	for _, p := range store.List() {
		fmt.Fprintf(stdout, "%s addr=%s boot_id=%d\n", hex.EncodeToString(p.NodeID[:]), p.Addr, p.BootID)
	}
	return 0
}

func boolToExit(ok bool) int {
	if ok {
		return 0
	}
	return 1
}

// wireNotifier implements failuretable.OfferNotifier by pushing a
// BlockOffer wire message to the target peer's last-known address.
type wireNotifier struct {
	store    *peer.Store
	insecure bool
}

func (n *wireNotifier) NotifyOffer(target failuretable.OfferTarget, key failuretable.Key) {
	p, ok := target.Peer.Resolve()
	if !ok || p.Addr == "" {
		return
	}
	payload, err := wire.EncodeBlockOffer(key.Bytes(), key.IsSSK(), target.Authenticator, target.BootID)
	if err != nil {
		debuglog.Debugf("encode block offer: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := network.SendWithContext(ctx, p.Addr, payload, n.insecure, false, ""); err != nil {
		debuglog.Debugf("send block offer to %s: %v", p.Addr, err)
	}
}

// wireSender implements failuretable.Sender over the QUIC transport.
type wireSender struct {
	store    *peer.Store
	insecure bool
}

func (s *wireSender) send(dest failuretable.PeerHandle, payload []byte, err error) error {
	if err != nil {
		return err
	}
	p, ok := dest.Resolve()
	if !ok || p.Addr == "" {
		return fmt.Errorf("peer %s not resolvable", dest)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	return network.SendWithContext(ctx, p.Addr, payload, s.insecure, false, "")
}

func (s *wireSender) SendGetOfferedKeyInvalid(dest failuretable.PeerHandle, uid uint64, reason string) error {
	payload, err := wire.EncodeGetOfferedKeyInvalid(uid, reason)
	return s.send(dest, payload, err)
}

func (s *wireSender) SendSSKHeaders(dest failuretable.PeerHandle, uid uint64, headers []byte) error {
	payload, err := wire.EncodeSSKDataFoundHeaders(uid, headers)
	return s.send(dest, payload, err)
}

func (s *wireSender) SendSSKData(dest failuretable.PeerHandle, uid uint64, data []byte, counter failuretable.ByteCounter) error {
	payload, err := wire.EncodeSSKDataFoundData(uid, data)
	if err := s.send(dest, payload, err); err != nil {
		return err
	}
	if counter != nil {
		counter(len(payload))
	}
	return nil
}

func (s *wireSender) SendSSKPubKey(dest failuretable.PeerHandle, uid uint64, pub []byte) error {
	payload, err := wire.EncodeSSKPubKey(uid, pub)
	return s.send(dest, payload, err)
}

func (s *wireSender) SendSSKLegacyCombined(dest failuretable.PeerHandle, uid uint64, headers, data []byte) error {
	payload, err := wire.EncodeSSKDataFoundLegacy(uid, headers, data)
	return s.send(dest, payload, err)
}

func (s *wireSender) SendCHKHeaders(dest failuretable.PeerHandle, uid uint64, headers []byte) error {
	payload, err := wire.EncodeCHKDataFound(uid, headers)
	return s.send(dest, payload, err)
}

func (s *wireSender) TransmitBlock(dest failuretable.PeerHandle, uid uint64, block failuretable.Block, counter failuretable.ByteCounter) error {
	// The packetized block-transmitter protocol is an out-of-scope external
	// collaborator (§1); this sends the raw block data as one frame instead
	// of PACKETS_IN_BLOCK fixed-size packets.
	var err error
	if len(block.Data) == 0 {
		err = fmt.Errorf("empty block data")
	}
	if err := s.send(dest, block.Data, err); err != nil {
		return err
	}
	if counter != nil {
		counter(len(block.Data))
	}
	return nil
}

// memDatastore is a minimal stand-in for the real block store, which is an
// out-of-scope external collaborator (§1). It is seeded empty; every
// lookup misses unless a block is inserted by a higher layer that owns
// the real datastore.
type memDatastore struct {
	blocks map[failuretable.Key]failuretable.Block
}

func newMemDatastore() *memDatastore {
	return &memDatastore{blocks: make(map[failuretable.Key]failuretable.Block)}
}

func (d *memDatastore) Fetch(key failuretable.Key) (failuretable.Block, bool) {
	b, ok := d.blocks[key]
	return b, ok
}

func (d *memDatastore) Insert(b failuretable.Block) {
	d.blocks[b.Key] = b
}

// uidRegistry is the minimal UIDTracker: it records each released uid on a
// buffered channel, dropping releases once 256 are pending unread. It does
// not track which uids are outstanding.
type uidRegistry struct {
	released chan uint64
}

func newUIDRegistry() *uidRegistry {
	return &uidRegistry{released: make(chan uint64, 256)}
}

func (u *uidRegistry) ReleaseUID(uid uint64) {
	select {
	case u.released <- uid:
	default:
	}
}

// inboundHandler decodes frames off the QUIC accept loop and dispatches
// them to the FailureTable coordinator or the offer serve pipeline. It
// resolves the sending peer's identity from the stream's remote address,
// the stand-in peer-id lookup wireSender/wireNotifier also use in reverse.
type inboundHandler struct {
	table    *failuretable.FailureTable
	pipeline *failuretable.Pipeline
	store    *peer.Store
	uids     *uidRegistry
	sender   failuretable.Sender
}

func (h *inboundHandler) handle(addr string, raw []byte) {
	payload, err := wire.ReadFrame(bytes.NewReader(raw))
	if err != nil {
		debuglog.Debugf("ftnode: frame decode: %v", err)
		return
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &hdr); err != nil {
		debuglog.Debugf("ftnode: header decode: %v", err)
		return
	}
	switch hdr.Type {
	case wire.MsgTypeBlockOffer:
		h.handleBlockOffer(addr, payload)
	case wire.MsgTypeGetOfferedKey:
		h.handleGetOfferedKey(addr, payload)
	default:
		debuglog.Debugf("ftnode: unhandled message type %q", hdr.Type)
	}
}

func (h *inboundHandler) handleBlockOffer(addr string, payload []byte) {
	msg, err := wire.DecodeBlockOffer(payload)
	if err != nil {
		return
	}
	key, ok := decodeKey(msg.KeyHex, msg.IsSSK)
	if !ok {
		return
	}
	auth, err := hex.DecodeString(msg.Authenticator)
	if err != nil {
		return
	}
	p, ok := h.store.GetByAddr(addr)
	if !ok {
		debuglog.Debugf("ftnode: block_offer from unknown peer %s", addr)
		return
	}
	h.table.OnOffer(key, p.NodeID, auth, msg.BootID, time.Now())
}

func (h *inboundHandler) handleGetOfferedKey(addr string, payload []byte) {
	msg, err := wire.DecodeGetOfferedKey(payload)
	if err != nil {
		return
	}
	key, ok := decodeKey(msg.KeyHex, msg.IsSSK)
	if !ok {
		h.uids.ReleaseUID(msg.UID)
		return
	}
	p, ok := h.store.GetByAddr(addr)
	if !ok {
		debuglog.Debugf("ftnode: get_offered_key from unknown peer %s", addr)
		h.uids.ReleaseUID(msg.UID)
		return
	}
	source := failuretable.NewPeerHandle(h.store, p.NodeID)
	authenticator, err := hex.DecodeString(msg.Authenticator)
	if err != nil || !h.table.VerifyOfferClaim(key, p.NodeID, authenticator, time.Now()) {
		_ = h.sender.SendGetOfferedKeyInvalid(source, msg.UID, wire.ReasonRejectedBadAuth)
		h.uids.ReleaseUID(msg.UID)
		return
	}
	h.pipeline.SendOfferedKey(failuretable.SendRequest{
		Key:         key,
		IsSSK:       msg.IsSSK,
		NeedPubKey:  msg.NeedPubKey,
		LegacyCombo: msg.LegacyCombo,
		UID:         msg.UID,
		Source:      source,
	})
}

func decodeKey(hexID string, isSSK bool) (failuretable.Key, bool) {
	raw, err := hex.DecodeString(hexID)
	if err != nil || len(raw) != 32 {
		return failuretable.Key{}, false
	}
	var id [32]byte
	copy(id[:], raw)
	if isSSK {
		return failuretable.NewSSK(id), true
	}
	return failuretable.NewCHK(id), true
}
