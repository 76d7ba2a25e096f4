package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/go-errors/errors"

	"github.com/subperi/tunnel/pkg/carrier"
	"github.com/subperi/tunnel/pkg/crypt"
	"github.com/subperi/tunnel/pkg/latency"
)

// HandshakeStatus is the Submarine-side handshake state (spec §4.4:
// IDLE → SENT_OPEN → {ACTIVE, DENIED}).
type HandshakeStatus int

const (
	StatusIdle HandshakeStatus = iota
	StatusSentOpen
	StatusActive
	StatusDenied
)

// SubmarineSession is the client-side Session: it initiates the
// handshake and announces new tubes, but never receives a tube-open
// request.
type SubmarineSession struct {
	*Session

	localPubKeyHex string

	mu     sync.Mutex
	status HandshakeStatus
	done   chan struct{}
	once   sync.Once
}

// NewSubmarine builds a SubmarineSession. localPubKeyHex is sent to the
// peer as the handshake's kind-0 payload.
func NewSubmarine(c carrier.Client, fountain *crypt.Fountain, lt *latency.Tracker, log btclog.Logger, p Params, localPubKeyHex string) *SubmarineSession {
	ss := &SubmarineSession{
		Session:        New(c, fountain, lt, log, p),
		localPubKeyHex: localPubKeyHex,
		done:           make(chan struct{}),
	}
	ss.Session.SetVariant(ss)
	return ss
}

// Register drives the handshake to completion: it sends the kind-0 open
// request and blocks until the peer replies ACTIVE or DENIED, or ctx is
// canceled.
func (ss *SubmarineSession) Register(ctx context.Context, targetPubKeyHex string) error {
	if err := validatePubKeyHex(targetPubKeyHex); err != nil {
		return fmt.Errorf("session: target public key: %w", err)
	}

	ss.mu.Lock()
	if ss.status != StatusIdle {
		ss.mu.Unlock()
		return errors.New("session: Register called more than once")
	}
	ss.status = StatusSentOpen
	ss.mu.Unlock()

	ss.SetDestPubKey(targetPubKeyHex)
	ss.SendSessionMessage(fmt.Sprintf("%d:%s", ServiceKindHandshake, ss.localPubKeyHex))

	select {
	case <-ss.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.status == StatusActive {
		return nil
	}
	return errors.New("session: handshake denied by peer")
}

// Status reports the current handshake state.
func (ss *SubmarineSession) Status() HandshakeStatus {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.status
}

// HandleHandshake implements Variant: the only message Submarine expects
// here is the peer's ACTIVE/DENIED response to the open request it sent
// in Register.
func (ss *SubmarineSession) HandleHandshake(payload string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.status != StatusSentOpen {
		return // stray or duplicate response; handshake already resolved
	}

	switch payload {
	case "ACTIVE":
		ss.status = StatusActive
	case "DENIED":
		ss.status = StatusDenied
	default:
		return
	}
	ss.once.Do(func() { close(ss.done) })
}

// HandleTubeOpen implements Variant. Submarine is the side that sends
// kind-1 tube-open requests, never receives them; any arrival here is a
// protocol violation by the peer and is logged, not acted on.
func (ss *SubmarineSession) HandleTubeOpen(tubeID int64, hostname string) {
	if ss.Session.log != nil {
		ss.Session.log.Warnf("submarine: unexpected tube-open request for tube %d (%s)", tubeID, hostname)
	}
}
