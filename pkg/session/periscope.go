package session

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/subperi/tunnel/pkg/carrier"
	"github.com/subperi/tunnel/pkg/crypt"
	"github.com/subperi/tunnel/pkg/latency"
)

// TubeOpenFunc is invoked when the peer requests a new tube (spec §4.6
// Periscope loop behavior): the caller must synchronously dial
// hostname:443, register the connection with the endpoint loop, and bind
// it to tubeID.
type TubeOpenFunc func(tubeID int64, hostname string)

// PeriscopeSession is the server-side Session: it waits passively for the
// first handshake message, then answers tube-open requests by dialing
// out.
type PeriscopeSession struct {
	*Session

	mu              sync.Mutex
	active          bool
	tubeOpenHandler TubeOpenFunc
}

// NewPeriscope builds a PeriscopeSession.
func NewPeriscope(c carrier.Client, fountain *crypt.Fountain, lt *latency.Tracker, log btclog.Logger, p Params) *PeriscopeSession {
	ps := &PeriscopeSession{
		Session: New(c, fountain, lt, log, p),
	}
	ps.Session.SetVariant(ps)
	return ps
}

// SetTubeOpenHandler installs the callback the endpoint loop uses to
// service kind-1 requests.
func (ps *PeriscopeSession) SetTubeOpenHandler(fn TubeOpenFunc) {
	ps.mu.Lock()
	ps.tubeOpenHandler = fn
	ps.mu.Unlock()
}

// IsActive reports whether the handshake has completed.
func (ps *PeriscopeSession) IsActive() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.active
}

// HandleHandshake implements Variant: the first kind-0 message received
// records its sender as the session's counterparty and replies ACTIVE
// (spec §4.4). Any handshake message after that is ignored — the session
// already has a counterparty.
func (ps *PeriscopeSession) HandleHandshake(payload string) {
	ps.mu.Lock()
	if ps.active {
		ps.mu.Unlock()
		return
	}
	if err := validatePubKeyHex(payload); err != nil {
		ps.mu.Unlock()
		if ps.Session.log != nil {
			ps.Session.log.Warnf("periscope: rejecting handshake with malformed public key: %v", err)
		}
		return
	}
	ps.active = true
	ps.mu.Unlock()

	ps.SetDestPubKey(payload)
	ps.SendSessionMessage(fmt.Sprintf("%d:ACTIVE", ServiceKindHandshake))
}

// HandleTubeOpen implements Variant: dispatch to the endpoint loop's
// handler, which dials out and binds the new connection to tubeID.
func (ps *PeriscopeSession) HandleTubeOpen(tubeID int64, hostname string) {
	ps.mu.Lock()
	fn := ps.tubeOpenHandler
	ps.mu.Unlock()

	if fn == nil {
		if ps.Session.log != nil {
			ps.Session.log.Warnf("periscope: tube-open for %d (%s) with no handler installed", tubeID, hostname)
		}
		return
	}
	fn(tubeID, hostname)
}
