// Command periscope is the server-side endpoint of the tunnel (spec §1):
// it waits for a Submarine client's handshake over a Lightning Network
// node, then opens outbound TCP connections on the client's behalf as
// tube-open requests arrive.
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

var log = build.NewSubLogger("PERI")

func periscopeMain() error {
	opts := config.Options{}
	if err := config.Parse(&opts); err != nil {
		return err
	}

	if err := build.UseRotatingLogFile(".", "periscope.log"); err != nil {
		return fmt.Errorf("setting up log file: %w", err)
	}
	defer build.Flush()

	log.Infof("starting periscope")

	creds, err := config.LoadCredentials(opts.CredsPath)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	self, ok := creds["periscope"]
	if !ok {
		return fmt.Errorf("no 'periscope' record in %s", opts.CredsPath)
	}

	if hexMac, err := carrier.MacaroonHex(self.MacaroonPath); err == nil {
		log.Debugf("using macaroon %s", hexMac)
	}

	client, err := carrier.DialLnd(net.JoinHostPort("localhost", self.Port), self.CertPath, self.MacaroonPath)
	if err != nil {
		return fmt.Errorf("dialing carrier node: %w", err)
	}
	defer client.Close()

	lt := latency.NewTracker(opts.LatencyLog, log)

	sess := session.NewPeriscope(client, crypt.NewFountain(8), lt, log, session.DefaultParams())

	thr := throttle.New(opts.ThrottleInterval, sess.Send, opts.QueueDepth, opts.CoverTraffic, session.DummyPayload(clock.NewDefaultClock()))
	thr.Start()
	defer thr.Stop()

	// Installs the tube-open handler; there is no listening socket on
	// this side (spec §4.6).
	endpoint.NewPeriscopeEndpoint(sess, thr, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		log.Infof("waiting for a submarine handshake")
		errc <- sess.ReceiveLoop(ctx)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigc:
		log.Infof("received interrupt, shutting down")
		cancel()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("receive loop: %w", err)
		}
	}

	summary := sess.CostSummary()
	log.Infof("shutdown complete: %d payments sent, %d failed, %d msat total fees, %.6f EUR",
		summary.SentPayments, summary.FailedPayments, summary.TotalFeeMsat, summary.EUR())

	return nil
}

func main() {
	if err := periscopeMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
