// Package tube implements the per-logical-connection state described in
// spec §3/§4.3: a send index counter and a receive reassembly buffer that
// enforces strictly in-order delivery regardless of payment arrival order.
package tube

import "sync"

// Tube is one multiplexed logical connection. A Tube's id is unique within
// the owning session (spec §3 invariant); the session, not the Tube, owns
// the tube-id-to-Tube mapping and its lifetime policy.
type Tube struct {
	id int64

	mu            sync.Mutex
	hostname      string
	open          bool
	sendIndex     uint64
	recvBuffer    map[uint64][]byte
	nextRecvIndex uint64

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an open Tube for id, recording hostname (the CONNECT target
// on the Submarine side, the host named by the kind-1 tube-open message on
// the Periscope side).
func New(id int64, hostname string) *Tube {
	return &Tube{
		id:         id,
		hostname:   hostname,
		open:       true,
		recvBuffer: make(map[uint64][]byte),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the tube's identifier.
func (t *Tube) ID() int64 {
	return t.id
}

// Hostname returns the target host associated with this tube.
func (t *Tube) Hostname() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hostname
}

// SetHostname replaces the target host recorded by New.
func (t *Tube) SetHostname(hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hostname = hostname
}

// AssignSendIndex returns the current send index then increments it. It
// must be called once per outbound chunk, before the chunk is handed to
// the throttle queue, so that a single tube's indices form the sequence
// 0,1,2,... with no gaps regardless of interleaving with other tubes.
func (t *Tube) AssignSendIndex() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.sendIndex
	t.sendIndex++
	return idx
}

// StoreReceived buffers an out-of-order-tolerant inbound payload at idx.
// A duplicate idx overwrites the previously buffered slot (spec §4.3 edge
// case policy); the carrier is expected to settle each payment at most
// once, so duplicates are not expected in practice.
func (t *Tube) StoreReceived(idx uint64, payload []byte) {
	t.mu.Lock()
	t.recvBuffer[idx] = payload
	t.mu.Unlock()

	select {
	case t.ready <- struct{}{}:
	default:
	}
}

// PopNext removes and returns the payload at nextRecvIndex if it has
// arrived, advancing the index; otherwise it returns (nil, false). A
// caller should loop on PopNext until it returns false to drain every
// contiguous packet that has become ready at once.
func (t *Tube) PopNext() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, ok := t.recvBuffer[t.nextRecvIndex]
	if !ok {
		return nil, false
	}

	delete(t.recvBuffer, t.nextRecvIndex)
	t.nextRecvIndex++

	return payload, true
}

// Ready signals (non-blocking, coalesced) that at least one new packet was
// buffered and PopNext may now succeed.
func (t *Tube) Ready() <-chan struct{} {
	return t.ready
}

// Done is closed once Close has run, letting a writer pump exit instead of
// blocking on Ready() forever.
func (t *Tube) Done() <-chan struct{} {
	return t.done
}

// Close marks the tube as draining. The caller (the session) remains
// responsible for closing the underlying socket via its own callback;
// Close only flips the open flag and unblocks anything waiting on Done.
func (t *Tube) Close() {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()

	t.closeOnce.Do(func() {
		close(t.done)
	})
}

// IsOpen reports whether the tube has been closed.
func (t *Tube) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}
