package endpoint

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/subperi/tunnel/pkg/carrier"
	"github.com/subperi/tunnel/pkg/crypt"
	"github.com/subperi/tunnel/pkg/session"
	"github.com/subperi/tunnel/pkg/throttle"
)

// fakeCarrier is an in-memory stand-in for carrier.Client, identical in
// spirit to pkg/session's own test double: a payment sent on one side
// lands directly in the peer's inbound channel, with no real Lightning
// node involved.
type fakeCarrier struct {
	inbound chan carrier.SettledPayment
	sent    chan carrier.SendPaymentRequest
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{
		inbound: make(chan carrier.SettledPayment, 256),
		sent:    make(chan carrier.SendPaymentRequest, 256),
	}
}

func (f *fakeCarrier) SubscribeInvoices(ctx context.Context) (<-chan carrier.SettledPayment, <-chan error) {
	errc := make(chan error, 1)
	out := make(chan carrier.SettledPayment, 256)
	go func() {
		defer close(out)
		defer close(errc)
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-f.inbound:
				if !ok {
					return
				}
				out <- p
			}
		}
	}()
	return out, errc
}

func (f *fakeCarrier) SendPayment(ctx context.Context, req carrier.SendPaymentRequest) (<-chan carrier.PaymentUpdate, <-chan error) {
	out := make(chan carrier.PaymentUpdate, 1)
	errc := make(chan error, 1)

	f.sent <- req

	go func() {
		defer close(out)
		defer close(errc)
		out <- carrier.PaymentUpdate{Terminal: true, FeeMsat: 1}
	}()

	return out, errc
}

func (f *fakeCarrier) Close() error { return nil }

// bridge wires two fakeCarriers so whatever one sends settles as an
// inbound payment on the other, simulating the shared Lightning node both
// tunnel endpoints ride on.
func bridge(a, b *fakeCarrier) {
	go func() {
		for req := range a.sent {
			b.inbound <- carrier.SettledPayment{CustomRecords: req.CustomRecords}
		}
	}()
	go func() {
		for req := range b.sent {
			a.inbound <- carrier.SettledPayment{CustomRecords: req.CustomRecords}
		}
	}()
}

// testPubKeyG/testPubKey2G are well-known secp256k1 points (the generator
// and its double), used as stand-in node identities so the handshake's
// public-key validation accepts them.
const (
	testPubKeyG  = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	testPubKey2G = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
)

// originServer is a minimal fake origin: it accepts one connection, echoes
// back whatever it reads prefixed with a fixed tag, and keeps going until
// the connection closes. Used in place of a real hostname:443 server.
type originServer struct {
	ln net.Listener
}

func newOriginServer(t *testing.T, tag string) *originServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("newOriginServer: listen: %v", err)
	}
	o := &originServer{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write([]byte(fmt.Sprintf("%s:%s", tag, buf[:n])))
			}
			if err != nil {
				return
			}
		}
	}()

	return o
}

func (o *originServer) addr() string { return o.ln.Addr().String() }
func (o *originServer) close()       { o.ln.Close() }

// newHarness wires a fully connected Submarine<->Periscope pair over a
// bridged pair of fake carriers, with the Periscope side's outbound dial
// replaced by dial so tests can redirect tube-open requests at in-memory
// origin servers instead of a real hostname:443.
func newHarness(t *testing.T, dial dialOrigin) (addr net.Addr) {
	t.Helper()

	subCarrier := newFakeCarrier()
	perCarrier := newFakeCarrier()
	bridge(subCarrier, perCarrier)

	params := session.DefaultParams()
	subSess := session.NewSubmarine(subCarrier, crypt.NewFountain(4), nil, nil, params, testPubKeyG)
	perSess := session.NewPeriscope(perCarrier, crypt.NewFountain(4), nil, nil, params)

	dummy := session.DummyPayload(clock.NewDefaultClock())
	subThrottle := throttle.New(5*time.Millisecond, subSess.Send, 64, false, dummy)
	perThrottle := throttle.New(5*time.Millisecond, perSess.Send, 64, false, dummy)
	subThrottle.Start()
	perThrottle.Start()

	subEp := NewSubmarineEndpoint("127.0.0.1:0", nil, subSess, subThrottle, nil)
	perEp := NewPeriscopeEndpoint(perSess, perThrottle, nil)
	perEp.dial = dial

	ctx, cancel := context.WithCancel(context.Background())

	go subSess.ReceiveLoop(ctx)
	go perSess.ReceiveLoop(ctx)

	addr, err := subEp.Listen()
	if err != nil {
		cancel()
		t.Fatalf("Listen() error = %v", err)
	}
	go subEp.Serve(ctx)

	done := make(chan error, 1)
	go func() { done <- subSess.Register(ctx, testPubKey2G) }()
	select {
	case err := <-done:
		if err != nil {
			cancel()
			t.Fatalf("Register() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("timed out waiting for handshake")
	}

	t.Cleanup(func() {
		cancel()
		subThrottle.Stop()
		perThrottle.Stop()
	})

	return addr
}

// connectThrough dials the Submarine listener, issues a CONNECT for
// target, and returns the established local connection once the tunnel's
// 200 response has been read off it.
func connectThrough(t *testing.T, addr net.Addr, target string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial submarine listener: %v", err)
	}

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	r := bufio.NewReader(conn)
	const want = "HTTP/1.1 200 Connection established\r\n\r\n"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if string(buf) != want {
		t.Fatalf("CONNECT response = %q, want %q", buf, want)
	}

	return conn
}

// TestRoundTripThroughTunnelReturnsOriginBytes drives a full CONNECT
// handshake followed by one request/response round trip through the
// tunnel, and asserts the local client receives exactly the origin
// server's bytes back.
func TestRoundTripThroughTunnelReturnsOriginBytes(t *testing.T) {
	origin := newOriginServer(t, "origin")
	defer origin.close()

	addr := newHarness(t, func(hostname string) (net.Conn, error) {
		return net.Dial("tcp", origin.addr())
	})

	conn := connectThrough(t, addr, "example.com:443")
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	if got, want := string(buf[:n]), "origin:ping"; got != want {
		t.Fatalf("response = %q, want %q", got, want)
	}
}

// TestConcurrentTubesDoNotCrossTalk opens two tunnels to two distinct
// origins over the same session and asserts each local client gets back
// only its own origin's bytes, never the other tube's.
func TestConcurrentTubesDoNotCrossTalk(t *testing.T) {
	originA := newOriginServer(t, "A")
	originB := newOriginServer(t, "B")
	defer originA.close()
	defer originB.close()

	originByHost := map[string]string{
		"a.example.com:443": originA.addr(),
		"b.example.com:443": originB.addr(),
	}

	addr := newHarness(t, func(hostname string) (net.Conn, error) {
		return net.Dial("tcp", originByHost[hostname+":443"])
	})

	connA := connectThrough(t, addr, "a.example.com:443")
	defer connA.Close()
	connB := connectThrough(t, addr, "b.example.com:443")
	defer connB.Close()

	if _, err := connA.Write([]byte("req-a")); err != nil {
		t.Fatalf("write to tube A: %v", err)
	}
	if _, err := connB.Write([]byte("req-b")); err != nil {
		t.Fatalf("write to tube B: %v", err)
	}

	bufA := make([]byte, 64)
	connA.SetReadDeadline(time.Now().Add(3 * time.Second))
	nA, err := connA.Read(bufA)
	if err != nil {
		t.Fatalf("read tube A response: %v", err)
	}

	bufB := make([]byte, 64)
	connB.SetReadDeadline(time.Now().Add(3 * time.Second))
	nB, err := connB.Read(bufB)
	if err != nil {
		t.Fatalf("read tube B response: %v", err)
	}

	if got, want := string(bufA[:nA]), "A:req-a"; got != want {
		t.Fatalf("tube A response = %q, want %q", got, want)
	}
	if got, want := string(bufB[:nB]), "B:req-b"; got != want {
		t.Fatalf("tube B response = %q, want %q", got, want)
	}
}
