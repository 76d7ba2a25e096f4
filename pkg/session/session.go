// Package session implements the per-connection payment-tunnel state
// machine described in spec §4.4: the mapping from tube id to Tube, the
// counterparty's public key, cost accounting, and the service
// sub-protocol carried on tube 0. Submarine and Periscope differ only in
// how the handshake is driven and how an incoming tube-open is handled
// (spec §3); that asymmetry is captured by the Variant interface and the
// SubmarineSession/PeriscopeSession wrappers in submarine.go/periscope.go.
//
// The concurrency shape follows peer.go's reader/writer goroutine split in
// the teacher: one goroutine drains the carrier's inbound-payment stream
// (ReceiveLoop), the tube map is guarded by a single RWMutex rather than a
// dedicated owning goroutine (spec §5 permits either), and each outbound
// payment runs in its own goroutine supplied by the throttle pacer.
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/subperi/tunnel/pkg/carrier"
	"github.com/subperi/tunnel/pkg/crypt"
	"github.com/subperi/tunnel/pkg/latency"
	"github.com/subperi/tunnel/pkg/packet"
	"github.com/subperi/tunnel/pkg/tube"
)

// Service message kinds carried on tube 0 (spec §4.4).
const (
	ServiceKindHandshake int = 0
	ServiceKindTubeOpen  int = 1
	ServiceKindTubeClose int = 2
)

// Variant captures the one piece of behavior that differs between the two
// endpoints: how a kind-0 handshake message is handled, and how a kind-1
// tube-open request is handled. Submarine never receives a tube-open
// (it's the one sending them); Periscope never initiates a handshake
// (it only replies).
type Variant interface {
	HandleHandshake(payload string)
	HandleTubeOpen(tubeID int64, hostname string)
}

// Session owns every Tube for one counterparty, the shared carrier
// handle, the preimage generator, and cumulative cost/latency counters
// (spec §3).
type Session struct {
	log      btclog.Logger
	carrier  carrier.Client
	fountain *crypt.Fountain
	latency  *latency.Tracker
	variant  Variant

	tubesMu sync.RWMutex
	tubes   map[int64]*tube.Tube

	destMu  sync.RWMutex
	destPub string // hex-encoded, empty until handshake completes

	onClose func(tubeID int64) // endpoint callback: close the local socket

	costMu sync.Mutex
	costs  CostSummary

	finalCLTVDelta int32
	timeoutSeconds int32
	feeLimitSat    int64
	amountSat      int64

	clk clock.Clock
}

// CostSummary is the cumulative accounting described in spec §4.4
// ("cumulative cost ... counters").
type CostSummary struct {
	SentPayments   int64
	FailedPayments int64
	TotalFeeMsat   int64
	TotalSatsSent  int64
}

// satsPerEUR is the fixed display rate helpers/session.py's log_send used
// for its console cost line. Spec's Non-goals explicitly exclude wiring
// this to a live price feed, so it stays a constant here too.
const satsPerEUR = 100000

// EUR estimates the cumulative real-world cost of every settled payment,
// at the fixed display rate above.
func (c CostSummary) EUR() float64 {
	return float64(c.TotalSatsSent) / satsPerEUR
}

// Params bundles the payment parameters fixed at session construction
// (spec §5: 200s timeout, CLTV delta 40, 1-satoshi amount).
type Params struct {
	FinalCLTVDelta int32
	TimeoutSeconds int32
	FeeLimitSat    int64
	AmountSat      int64
}

// DefaultParams returns the values named directly in spec §5/§6.
func DefaultParams() Params {
	return Params{
		FinalCLTVDelta: 40,
		TimeoutSeconds: 200,
		FeeLimitSat:    10,
		AmountSat:      1,
	}
}

// New builds a Session. SetVariant must be called before ReceiveLoop
// starts (submarine.go/periscope.go do this as part of construction).
func New(c carrier.Client, fountain *crypt.Fountain, lt *latency.Tracker, log btclog.Logger, p Params) *Session {
	return &Session{
		log:            log,
		carrier:        c,
		fountain:       fountain,
		latency:        lt,
		tubes:          make(map[int64]*tube.Tube),
		finalCLTVDelta: p.FinalCLTVDelta,
		timeoutSeconds: p.TimeoutSeconds,
		feeLimitSat:    p.FeeLimitSat,
		amountSat:      p.AmountSat,
		clk:            clock.NewDefaultClock(),
	}
}

// SetVariant installs the Submarine/Periscope-specific handshake and
// tube-open behavior.
func (s *Session) SetVariant(v Variant) {
	s.variant = v
}

// SetClock overrides the wall clock used to timestamp dummy packets and
// measure latency samples, letting tests substitute a deterministic
// clock.Clock.
func (s *Session) SetClock(clk clock.Clock) {
	s.clk = clk
}

// DummyPayload returns a throttle.DummyPayload that stamps the current
// wall-clock time from clk (spec §4.5: a dummy packet's payload is the
// sender's wall-clock time, so the peer can sample one-way latency).
func DummyPayload(clk clock.Clock) func() []byte {
	return func() []byte {
		now := float64(clk.Now().UnixNano()) / 1e9
		return []byte(strconv.FormatFloat(now, 'f', -1, 64))
	}
}

// SetCloseHandler installs the endpoint's socket-close callback (spec
// §3's "Ownership": Session coordinates closing the local socket, it
// doesn't own the socket directly).
func (s *Session) SetCloseHandler(fn func(tubeID int64)) {
	s.onClose = fn
}

// DestPubKey returns the counterparty's hex-encoded public key, or "" if
// the handshake has not completed.
func (s *Session) DestPubKey() string {
	s.destMu.RLock()
	defer s.destMu.RUnlock()
	return s.destPub
}

// SetDestPubKey records the counterparty's public key, learned during the
// handshake (spec §4.4).
func (s *Session) SetDestPubKey(hexPubKey string) {
	s.destMu.Lock()
	s.destPub = hexPubKey
	s.destMu.Unlock()
}

// validatePubKeyHex parses a hex-encoded public key as a compressed
// secp256k1 point, the same curve and parser the carrier's own peer
// identities use. A handshake payload that fails this is not a peer key
// at all, and must be rejected rather than stored as the session's
// destination.
func validatePubKeyHex(hexKey string) error {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("not valid hex: %w", err)
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return fmt.Errorf("not a valid secp256k1 public key: %w", err)
	}
	return nil
}

// ErrTubeIDInUse is returned by AddTube when the id is already bound to a
// live tube (spec §9's client-chosen-id collision concern, addressed here
// instead of allowing a silent overwrite).
var ErrTubeIDInUse = errors.New("session: tube id already in use")

// AddTube registers a new tube under its id. The caller (the endpoint
// loop on accept, or a Periscope tube-open handler) has already chosen
// the id; spec §3 requires it be unique within the session, so a
// collision with a still-live tube is rejected rather than silently
// overwriting the older one.
func (s *Session) AddTube(t *tube.Tube) error {
	s.tubesMu.Lock()
	defer s.tubesMu.Unlock()
	if _, exists := s.tubes[t.ID()]; exists {
		return ErrTubeIDInUse
	}
	s.tubes[t.ID()] = t
	return nil
}

// Tube looks up a live tube by id.
func (s *Session) Tube(id int64) (*tube.Tube, bool) {
	s.tubesMu.RLock()
	defer s.tubesMu.RUnlock()
	t, ok := s.tubes[id]
	return t, ok
}

// removeTube deletes a tube from the map, returning it if it was present.
func (s *Session) removeTube(id int64) (*tube.Tube, bool) {
	s.tubesMu.Lock()
	defer s.tubesMu.Unlock()
	t, ok := s.tubes[id]
	if ok {
		delete(s.tubes, id)
	}
	return t, ok
}

// CostSummary returns a snapshot of cumulative payment accounting.
func (s *Session) CostSummary() CostSummary {
	s.costMu.Lock()
	defer s.costMu.Unlock()
	return s.costs
}

func (s *Session) recordSuccess(feeMsat int64) {
	s.costMu.Lock()
	s.costs.SentPayments++
	s.costs.TotalFeeMsat += feeMsat
	s.costs.TotalSatsSent += s.amountSat
	s.costMu.Unlock()
}

func (s *Session) recordFailure() {
	s.costMu.Lock()
	s.costs.FailedPayments++
	s.costMu.Unlock()
}

// Send builds a frame for (tubeID, packetIdx, payload), obtains a fresh
// preimage, and submits one payment via the carrier, consuming the
// update stream to completion for fee accounting (spec §4.4). Reserved
// tube ids (0, -1) are always allowed; any other id must name a live
// tube or the packet is dropped silently (spec §4.4/§7 item 3).
//
// Send's signature matches throttle.SendFunc so it can be passed directly
// as a pacer's send callback.
func (s *Session) Send(payload []byte, packetIdx uint64, tubeID int64) {
	if tubeID != packet.ControlTubeID && tubeID != packet.DummyTubeID {
		if _, ok := s.Tube(tubeID); !ok {
			if s.log != nil {
				s.log.Debugf("session: dropping send for unknown tube %d", tubeID)
			}
			return
		}
	}

	destPub := s.DestPubKey()
	if destPub == "" {
		if s.log != nil {
			s.log.Warnf("session: dropping send, no counterparty key yet (tube %d)", tubeID)
		}
		return
	}
	destBytes, err := hex.DecodeString(destPub)
	if err != nil {
		if s.log != nil {
			s.log.Errorf("session: counterparty key is not valid hex: %v", err)
		}
		return
	}

	frame := packet.Encode(tubeID, packetIdx, payload)
	pair := s.fountain.Next()

	req := carrier.SendPaymentRequest{
		PaymentHash:    pair.Hash,
		AmountSat:      s.amountSat,
		FinalCLTVDelta: s.finalCLTVDelta,
		DestPubKey:     destBytes,
		TimeoutSeconds: s.timeoutSeconds,
		FeeLimitSat:    s.feeLimitSat,
		CustomRecords: map[uint64][]byte{
			carrier.KeysendRecordKey: pair.Preimage[:],
			carrier.DataRecordKey:    frame,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.timeoutSeconds)*time.Second)
	defer cancel()

	updates, errc := s.carrier.SendPayment(ctx, req)

	for u := range updates {
		if !u.Terminal {
			continue
		}
		if u.FailureReason != "" {
			s.recordFailure()
			if s.log != nil {
				s.log.Warnf("session: payment failed for tube %d idx %d: %s", tubeID, packetIdx, u.FailureReason)
			}
		} else {
			s.recordSuccess(u.FeeMsat)
			if s.log != nil {
				s.log.Debugf("session: sent %d bytes on tube %d idx %d, fee %d msat, running cost %.6f EUR",
					len(payload), tubeID, packetIdx, u.FeeMsat, s.CostSummary().EUR())
			}
		}
	}

	select {
	case err, ok := <-errc:
		if ok && err != nil && s.log != nil {
			s.log.Errorf("session: payment stream error for tube %d idx %d: %v", tubeID, packetIdx, err)
		}
	default:
	}
}

// SendSessionMessage is the shortcut described in spec §4.4: a text
// service message sent on tube 0 at packet index 0, bypassing the
// throttle queue (control messages cannot wait behind a full user-data
// queue during handshake).
func (s *Session) SendSessionMessage(text string) {
	s.Send([]byte(text), 0, packet.ControlTubeID)
}

// ReceiveLoop subscribes to inbound settled payments and dispatches each
// one until ctx is canceled or the subscription drops (spec §4.4,
// §7 item 2: a subscription drop is fatal to the session, so ReceiveLoop
// returns an error in that case instead of silently exiting).
func (s *Session) ReceiveLoop(ctx context.Context) error {
	payments, errc := s.carrier.SubscribeInvoices(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case p, ok := <-payments:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return errors.Errorf("session: invoice subscription ended: %v", err)
					}
				default:
				}
				return errors.New("session: invoice subscription closed")
			}
			s.dispatch(p)
		}
	}
}

func (s *Session) dispatch(p carrier.SettledPayment) {
	raw, ok := p.CustomRecords[carrier.DataRecordKey]
	if !ok {
		return // not one of ours (spec §7 item 3)
	}

	pkt, err := packet.Decode(raw)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("session: dropping malformed frame: %v", err)
		}
		return
	}

	switch pkt.TubeID {
	case packet.ControlTubeID:
		s.handleService(string(pkt.Payload))

	case packet.DummyTubeID:
		if s.latency != nil {
			if sent, err := strconv.ParseFloat(string(pkt.Payload), 64); err == nil {
				now := float64(s.clk.Now().UnixNano()) / 1e9
				s.latency.Observe(now - sent)
			}
		}

	default:
		t, ok := s.Tube(pkt.TubeID)
		if !ok {
			if s.log != nil {
				s.log.Debugf("session: dropping packet for unknown tube %d", pkt.TubeID)
			}
			return
		}
		t.StoreReceived(pkt.PacketIdx, pkt.Payload)
		if s.log != nil {
			s.log.Debugf("session: received %d bytes on tube %d idx %d", len(pkt.Payload), pkt.TubeID, pkt.PacketIdx)
		}
	}
}

func (s *Session) handleService(payload string) {
	parts := strings.SplitN(payload, ":", 2)
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		if s.log != nil {
			s.log.Debugf("session: malformed service message %q", payload)
		}
		return
	}

	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch kind {
	case ServiceKindHandshake:
		if s.variant != nil {
			s.variant.HandleHandshake(rest)
		}

	case ServiceKindTubeOpen:
		tubeID, hostname, err := splitTubeOpen(rest)
		if err != nil {
			if s.log != nil {
				s.log.Debugf("session: malformed tube-open message %q: %v", rest, err)
			}
			return
		}
		if s.variant != nil {
			s.variant.HandleTubeOpen(tubeID, hostname)
		}

	case ServiceKindTubeClose:
		tubeID, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			if s.log != nil {
				s.log.Debugf("session: malformed tube-close message %q: %v", rest, err)
			}
			return
		}
		s.RemoteClose(tubeID)

	default:
		if s.log != nil {
			s.log.Debugf("session: unknown service kind %d", kind)
		}
	}
}

func splitTubeOpen(rest string) (int64, string, error) {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("expected <tube_id>:<hostname>, got %q", rest)
	}
	tubeID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return tubeID, parts[1], nil
}

// LocalClose tears down a tube in response to a local event (socket EOF
// or I/O error): it invokes the socket-close callback, removes the tube,
// and notifies the peer with a kind-2 service message. Idempotent: a tube
// already removed is a no-op (spec §4.4/§8).
func (s *Session) LocalClose(tubeID int64) {
	t, ok := s.removeTube(tubeID)
	if !ok {
		if s.log != nil {
			s.log.Debugf("session: local close of already-closed tube %d", tubeID)
		}
		return
	}
	t.Close()
	if s.onClose != nil {
		s.onClose(tubeID)
	}
	s.SendSessionMessage(fmt.Sprintf("%d:%d", ServiceKindTubeClose, tubeID))
}

// RemoteClose tears down a tube in response to a peer-initiated kind-2
// message: it invokes the socket-close callback and removes the tube, but
// does not notify the peer back (that would loop). Idempotent.
func (s *Session) RemoteClose(tubeID int64) {
	t, ok := s.removeTube(tubeID)
	if !ok {
		if s.log != nil {
			s.log.Debugf("session: remote close of already-closed tube %d", tubeID)
		}
		return
	}
	t.Close()
	if s.onClose != nil {
		s.onClose(tubeID)
	}
}
