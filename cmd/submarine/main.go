// Command submarine is the client-side endpoint of the tunnel (spec §1):
// it listens for local HTTP CONNECT requests and smuggles each one's
// bytes through a Lightning Network node as a sequence of keysend
// payments to a Periscope endpoint.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/subperi/tunnel/internal/build"
	"github.com/subperi/tunnel/internal/config"
	"github.com/subperi/tunnel/pkg/carrier"
	"github.com/subperi/tunnel/pkg/crypt"
	"github.com/subperi/tunnel/pkg/endpoint"
	"github.com/subperi/tunnel/pkg/latency"
	"github.com/subperi/tunnel/pkg/session"
	"github.com/subperi/tunnel/pkg/throttle"
)

var log = build.NewSubLogger("SUBM")

const listenAddr = "localhost:8742"

func submarineMain() error {
	opts := config.Options{}
	if err := config.Parse(&opts); err != nil {
		return err
	}

	if err := build.UseRotatingLogFile(".", "submarine.log"); err != nil {
		return fmt.Errorf("setting up log file: %w", err)
	}
	defer build.Flush()

	log.Infof("starting submarine, target node %s", opts.Node)

	creds, err := config.LoadCredentials(opts.CredsPath)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	self, ok := creds["submarine"]
	if !ok {
		return fmt.Errorf("no 'submarine' record in %s", opts.CredsPath)
	}
	target, ok := creds[opts.Node]
	if !ok {
		return fmt.Errorf("no %q record in %s", opts.Node, opts.CredsPath)
	}

	if hexMac, err := carrier.MacaroonHex(self.MacaroonPath); err == nil {
		log.Debugf("using macaroon %s", hexMac)
	}

	client, err := carrier.DialLnd(net.JoinHostPort("localhost", self.Port), self.CertPath, self.MacaroonPath)
	if err != nil {
		return fmt.Errorf("dialing carrier node: %w", err)
	}
	defer client.Close()

	denyList := append(config.DefaultDenyList(), opts.DenyList...)

	lt := latency.NewTracker(opts.LatencyLog, log)

	sess := session.NewSubmarine(client, crypt.NewFountain(8), lt, log, session.DefaultParams(), self.PubKey)

	thr := throttle.New(opts.ThrottleInterval, sess.Send, opts.QueueDepth, opts.CoverTraffic, session.DummyPayload(clock.NewDefaultClock()))
	thr.Start()
	defer thr.Stop()

	ep := endpoint.NewSubmarineEndpoint(listenAddr, denyList, sess, thr, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recvErr := make(chan error, 1)
	go func() {
		if err := sess.ReceiveLoop(ctx); err != nil {
			log.Errorf("receive loop ended: %v", err)
			recvErr <- err
			cancel()
		}
	}()

	log.Infof("sending handshake request to %s", opts.Node)
	if err := sess.Register(ctx, target.PubKey); err != nil {
		cancel()
		return fmt.Errorf("handshake with %s: %w", opts.Node, err)
	}
	log.Infof("handshake complete, session active")

	errc := make(chan error, 1)
	go func() {
		log.Infof("listening for CONNECT requests on %s", listenAddr)
		errc <- ep.ListenAndServe(ctx)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigc:
		log.Infof("received interrupt, shutting down")
		cancel()
	case err := <-errc:
		if err != nil {
			return err
		}
		select {
		case err := <-recvErr:
			return fmt.Errorf("receive loop: %w", err)
		default:
		}
	}

	summary := sess.CostSummary()
	log.Infof("shutdown complete: %d payments sent, %d failed, %d msat total fees, %.6f EUR",
		summary.SentPayments, summary.FailedPayments, summary.TotalFeeMsat, summary.EUR())

	return nil
}

func main() {
	if err := submarineMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
