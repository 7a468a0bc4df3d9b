// internal/failuretable/pipeline.go
package failuretable

import (
	"time"

	"failuretable/internal/metrics"
)

const (
	transferTimeout = 60 * time.Second
)

// ByteCounter lets the pipeline report bytes pushed onto the wire
// without depending on any particular metrics implementation.
type ByteCounter func(n int)

// Datastore is the narrow interface the offer pipeline needs onto the
// block store: a single best-effort lookup by key.
type Datastore interface {
	Fetch(key Key) (Block, bool)
}

// Sender is the narrow interface onto the transport layer the pipeline
// needs to emit the wire messages from §6. Implementations are expected
// to apply their own write deadlines; TransmitBlock in particular may
// block for up to transferTimeout.
type Sender interface {
	SendGetOfferedKeyInvalid(dest PeerHandle, uid uint64, reason string) error
	SendSSKHeaders(dest PeerHandle, uid uint64, headers []byte) error
	SendSSKData(dest PeerHandle, uid uint64, data []byte, counter ByteCounter) error
	SendSSKPubKey(dest PeerHandle, uid uint64, pub []byte) error
	SendSSKLegacyCombined(dest PeerHandle, uid uint64, headers, data []byte) error
	SendCHKHeaders(dest PeerHandle, uid uint64, headers []byte) error
	TransmitBlock(dest PeerHandle, uid uint64, block Block, counter ByteCounter) error
}

// UIDTracker owns the transaction-identifier slots send_offered_key must
// release on every exit path.
type UIDTracker interface {
	ReleaseUID(uid uint64)
}

// SendRequest is one send_offered_key job as described in §4.4.
type SendRequest struct {
	Key         Key
	IsSSK       bool
	NeedPubKey  bool
	LegacyCombo bool
	UID         uint64
	Source      PeerHandle
}

// Pipeline is the single-threaded high-priority serial queue of §4.4:
// datastore lookups and header sends happen on its one goroutine in FIFO
// order per the ordering guarantee in §5; bulk data transfer is handed
// off to a general worker pool so a slow peer can't stall the next
// lookup.
type Pipeline struct {
	ds      Datastore
	sender  Sender
	uids    UIDTracker
	metrics *metrics.Metrics
	pool    *workerPool

	jobs chan SendRequest
	done chan struct{}
}

// NewPipeline starts the serial queue goroutine and a general worker
// pool of poolSize goroutines for outbound transfers.
func NewPipeline(ds Datastore, sender Sender, uids UIDTracker, m *metrics.Metrics, poolSize int) *Pipeline {
	p := &Pipeline{
		ds:      ds,
		sender:  sender,
		uids:    uids,
		metrics: m,
		pool:    newWorkerPool(poolSize),
		jobs:    make(chan SendRequest, 256),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Pipeline) run() {
	for {
		select {
		case <-p.done:
			return
		case req := <-p.jobs:
			p.serve(req)
		}
	}
}

// SendOfferedKey enqueues req onto the serial queue. It never blocks the
// caller beyond the channel send itself.
func (p *Pipeline) SendOfferedKey(req SendRequest) {
	select {
	case p.jobs <- req:
	case <-p.done:
		p.uids.ReleaseUID(req.UID)
	}
}

func (p *Pipeline) Close() {
	close(p.done)
	p.pool.Close()
}

// serve runs the §4.4 algorithm for one request, on the serial queue
// goroutine. Every return path releases req.UID exactly once.
func (p *Pipeline) serve(req SendRequest) {
	block, ok := p.ds.Fetch(req.Key)
	if !ok {
		_ = p.sender.SendGetOfferedKeyInvalid(req.Source, req.UID, "GET_OFFERED_KEY_REJECTED_NO_KEY")
		p.uids.ReleaseUID(req.UID)
		return
	}

	if req.IsSSK {
		p.serveSSK(req, block)
		return
	}
	p.serveCHK(req, block)
}

// serveSSK implements the ordering fixed by the design notes: headers
// synchronously, then data asynchronously on the worker pool. The legacy
// combined message and the public key message are fired right after the
// data send is kicked off, unconditionally on its outcome -- they are
// independent replies a claimant may be waiting on, not a continuation of
// the data transfer.
func (p *Pipeline) serveSSK(req SendRequest, block Block) {
	if err := p.sender.SendSSKHeaders(req.Source, req.UID, block.Headers); err != nil {
		p.uids.ReleaseUID(req.UID)
		return
	}

	p.pool.Submit(func() {
		defer p.uids.ReleaseUID(req.UID)

		counter := func(n int) {
			if p.metrics != nil {
				p.metrics.IncOfferBytesSent(n)
			}
		}

		done := make(chan error, 1)
		go func() { done <- p.sender.SendSSKData(req.Source, req.UID, block.Data, counter) }()

		if req.LegacyCombo {
			_ = p.sender.SendSSKLegacyCombined(req.Source, req.UID, block.Headers, block.Data)
		}
		if req.NeedPubKey {
			_ = p.sender.SendSSKPubKey(req.Source, req.UID, block.PubKey)
		}

		select {
		case <-done:
		case <-time.After(transferTimeout):
			if p.metrics != nil {
				p.metrics.IncTransferTimeouts()
			}
		}
	})
}

// serveCHK sends headers synchronously then hands the block to the
// general executor's BlockTransmitter-equivalent send.
func (p *Pipeline) serveCHK(req SendRequest, block Block) {
	if err := p.sender.SendCHKHeaders(req.Source, req.UID, block.Headers); err != nil {
		p.uids.ReleaseUID(req.UID)
		return
	}

	p.pool.Submit(func() {
		defer p.uids.ReleaseUID(req.UID)

		counter := func(n int) {
			if p.metrics != nil {
				p.metrics.IncOfferBytesSent(n)
			}
		}

		done := make(chan error, 1)
		go func() { done <- p.sender.TransmitBlock(req.Source, req.UID, block, counter) }()

		select {
		case <-done:
		case <-time.After(transferTimeout):
			if p.metrics != nil {
				p.metrics.IncTransferTimeouts()
			}
		}
	})
}
