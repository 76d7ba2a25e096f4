// Package carrier specifies the interface to the payment-network node
// daemon that every payment rides on. Per spec §1, the carrier's own RPC
// client library is an external collaborator — this package only defines
// the shape of that collaborator (spec §6) and, in lnd.go, a concrete
// implementation backed by a running lnd node.
package carrier

import "context"

// Reserved custom-record keys (spec §6).
const (
	// KeysendRecordKey carries the settlement preimage, making the
	// payment invoice-free.
	KeysendRecordKey uint64 = 5482373484

	// DataRecordKey carries the tunnel's own framed data (spec §4.1).
	DataRecordKey uint64 = 9780141036144
)

// SettledPayment is one inbound settled payment delivered by
// SubscribeInvoices. Only the custom records matter to this tunnel; the
// carrier may expose far more (amount, timestamps, preimage) but nothing
// else here cares.
type SettledPayment struct {
	CustomRecords map[uint64][]byte
}

// SendPaymentRequest is the outbound keysend payment request described in
// spec §6.
type SendPaymentRequest struct {
	PaymentHash    [32]byte
	AmountSat      int64
	FinalCLTVDelta int32
	DestPubKey     []byte
	TimeoutSeconds int32
	FeeLimitSat    int64
	CustomRecords  map[uint64][]byte
}

// PaymentUpdate is one item off the streaming response to a SendPayment
// call. A terminal update carries either a fee (success) or a failure
// reason; the caller must drain the stream to completion for fee
// accounting, per spec §4.4/§5.
type PaymentUpdate struct {
	FeeMsat       int64
	ValueMsat     int64
	Terminal      bool
	FailureReason string
}

// Client is the carrier RPC surface this tunnel depends on (spec §6).
// SubscribeInvoices delivers every inbound settled payment exactly once;
// SendPayment blocks the caller on the update stream until a terminal
// update arrives or ctx is canceled.
// Implementations must close both returned channels once the stream ends,
// whether that end was clean (ctx canceled) or not (a stream error was
// already sent on the error channel first). Callers should range over the
// data channel to completion and then drain the error channel without
// blocking.
type Client interface {
	// SubscribeInvoices streams every inbound settled payment until ctx
	// is canceled or the subscription drops (spec §7 kind 2: fatal to
	// the session).
	SubscribeInvoices(ctx context.Context) (<-chan SettledPayment, <-chan error)

	// SendPayment issues one outbound payment and streams its updates
	// until a terminal one arrives.
	SendPayment(ctx context.Context, req SendPaymentRequest) (<-chan PaymentUpdate, <-chan error)

	// Close releases the underlying RPC connection.
	Close() error
}
