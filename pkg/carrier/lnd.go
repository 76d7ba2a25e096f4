package carrier

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	macaroon "gopkg.in/macaroon.v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ErrStreamClosed is returned on the error channel when a subscription's
// underlying gRPC stream ends without the caller having canceled ctx.
var ErrStreamClosed = errors.New("carrier: stream closed by peer")

// LndClient is the Client implementation backed by a real lnd node, dialed
// exactly the way cmd/lncli/main.go's getClientConn reaches one: TLS
// transport credentials from the node's cert file, per-RPC macaroon
// credentials from a baked macaroon file.
type LndClient struct {
	conn      *grpc.ClientConn
	lightning lnrpc.LightningClient
	router    routerrpc.RouterClient
}

// DialLnd opens a connection to the lnd node at rpcAddr, authenticating
// with the TLS cert at tlsCertPath and the macaroon at macaroonPath.
func DialLnd(rpcAddr, tlsCertPath, macaroonPath string) (*LndClient, error) {
	if err := mustExist(tlsCertPath); err != nil {
		return nil, err
	}
	if err := mustExist(macaroonPath); err != nil {
		return nil, err
	}

	creds, err := credentials.NewClientTLSFromFile(tlsCertPath, "")
	if err != nil {
		return nil, errors.Errorf("carrier: loading TLS cert: %v", err)
	}

	macBytes, err := ioutil.ReadFile(macaroonPath)
	if err != nil {
		return nil, errors.Errorf("carrier: reading macaroon: %v", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, errors.Errorf("carrier: unmarshaling macaroon: %v", err)
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Errorf("carrier: building macaroon credential: %v", err)
	}

	conn, err := grpc.Dial(
		rpcAddr,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCred),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(1024*1024*50)),
	)
	if err != nil {
		return nil, errors.Errorf("carrier: dialing %s: %v", rpcAddr, err)
	}

	return &LndClient{
		conn:      conn,
		lightning: lnrpc.NewLightningClient(conn),
		router:    routerrpc.NewRouterClient(conn),
	}, nil
}

// MacaroonHex hex-encodes the macaroon at path for a startup diagnostic
// log line, the same hex-encode-a-binary-identifier-for-display habit
// `cmd/lncli/commands.go` uses for payment preimages and hashes.
func MacaroonHex(path string) (string, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SubscribeInvoices streams every settled invoice's custom records for the
// lifetime of ctx.
func (c *LndClient) SubscribeInvoices(ctx context.Context) (<-chan SettledPayment, <-chan error) {
	out := make(chan SettledPayment, 16)
	errc := make(chan error, 1)

	stream, err := c.lightning.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		errc <- errors.Errorf("carrier: subscribing to invoices: %v", err)
		close(errc)
		close(out)
		return out, errc
	}

	go func() {
		defer close(out)
		defer close(errc)

		for {
			inv, err := stream.Recv()
			if err != nil {
				if err == io.EOF || ctx.Err() != nil {
					return
				}
				errc <- errors.Errorf("carrier: invoice stream: %v", err)
				return
			}

			if inv.State != lnrpc.Invoice_SETTLED {
				continue
			}

			records := make(map[uint64][]byte)
			for _, htlc := range inv.Htlcs {
				for k, v := range htlc.CustomRecords {
					records[k] = v
				}
			}

			select {
			case out <- SettledPayment{CustomRecords: records}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errc
}

// SendPayment issues one keysend payment and streams its updates until a
// terminal one (success or failure) arrives. routerrpc.SendPaymentV2 is
// not exercised anywhere in the retrieved teacher tree (cmd/lncli's own
// pay command used the older bidirectional client.SendPayment stream) —
// this call is built from general lnd RPC-surface knowledge, not a
// retrieved file pattern.
func (c *LndClient) SendPayment(ctx context.Context, req SendPaymentRequest) (<-chan PaymentUpdate, <-chan error) {
	out := make(chan PaymentUpdate, 4)
	errc := make(chan error, 1)

	rpcReq := &routerrpc.SendPaymentRequest{
		Dest:              req.DestPubKey,
		Amt:               req.AmountSat,
		PaymentHash:       req.PaymentHash[:],
		FinalCltvDelta:    req.FinalCLTVDelta,
		TimeoutSeconds:    req.TimeoutSeconds,
		FeeLimitSat:       req.FeeLimitSat,
		DestCustomRecords: req.CustomRecords,
		NoInflightUpdates: false,
	}

	stream, err := c.router.SendPaymentV2(ctx, rpcReq)
	if err != nil {
		errc <- errors.Errorf("carrier: sending payment: %v", err)
		close(errc)
		close(out)
		return out, errc
	}

	go func() {
		defer close(out)
		defer close(errc)

		for {
			update, err := stream.Recv()
			if err != nil {
				if err == io.EOF || ctx.Err() != nil {
					return
				}
				errc <- errors.Errorf("carrier: payment stream: %v", err)
				return
			}

			switch update.Status {
			case lnrpc.Payment_SUCCEEDED:
				select {
				case out <- PaymentUpdate{
					FeeMsat:   update.FeeMsat,
					ValueMsat: update.ValueMsat,
					Terminal:  true,
				}:
				case <-ctx.Done():
				}
				return

			case lnrpc.Payment_FAILED:
				select {
				case out <- PaymentUpdate{
					Terminal:      true,
					FailureReason: update.FailureReason.String(),
				}:
				case <-ctx.Done():
				}
				return

			default:
				select {
				case out <- PaymentUpdate{
					FeeMsat:   update.FeeMsat,
					ValueMsat: update.ValueMsat,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errc
}

// Close releases the underlying gRPC connection.
func (c *LndClient) Close() error {
	return c.conn.Close()
}

var _ Client = (*LndClient)(nil)

// mustExist is a small startup guard DialLnd runs on the cert and macaroon
// paths before dialing, so a missing file fails with a clear message
// instead of an opaque TLS handshake error.
func mustExist(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("carrier: %s: %w", path, err)
	}
	return nil
}
