package endpoint

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/btcsuite/btclog"

	"github.com/subperi/tunnel/pkg/session"
	"github.com/subperi/tunnel/pkg/throttle"
	"github.com/subperi/tunnel/pkg/tube"
)

// SubmarineEndpoint is the client-side multiplexer (spec §4.6): it
// listens for local HTTP CONNECT requests, announces a new tube per
// accepted connection, and pumps bytes between the local socket and the
// tube in both directions.
type SubmarineEndpoint struct {
	listenAddr string
	denyList   []string

	sess     *session.SubmarineSession
	throttle *throttle.Throttle
	registry *Registry
	log      btclog.Logger

	ln net.Listener
}

// NewSubmarineEndpoint builds a SubmarineEndpoint listening on
// listenAddr (spec §6: "localhost:8742").
func NewSubmarineEndpoint(listenAddr string, denyList []string, sess *session.SubmarineSession, thr *throttle.Throttle, log btclog.Logger) *SubmarineEndpoint {
	return &SubmarineEndpoint{
		listenAddr: listenAddr,
		denyList:   denyList,
		sess:       sess,
		throttle:   thr,
		registry:   NewRegistry(),
		log:        log,
	}
}

// Listen opens the local listening socket without accepting connections
// yet, so a caller can learn the bound address (useful when listenAddr
// names an ephemeral port) before Serve starts handling clients.
func (e *SubmarineEndpoint) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", e.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen %s: %w", e.listenAddr, err)
	}
	e.sess.SetCloseHandler(e.registry.CloseAndRemove)
	e.ln = ln
	return ln.Addr(), nil
}

// Serve accepts connections on the listener opened by Listen, until ctx
// is canceled.
func (e *SubmarineEndpoint) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.ln.Close()
	}()

	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go e.handleAccept(conn)
	}
}

// ListenAndServe opens the listening socket and accepts connections until
// ctx is canceled.
func (e *SubmarineEndpoint) ListenAndServe(ctx context.Context) error {
	if _, err := e.Listen(); err != nil {
		return err
	}
	return e.Serve(ctx)
}

func (e *SubmarineEndpoint) handleAccept(conn net.Conn) {
	r := bufio.NewReader(conn)

	target, err := readConnectRequest(r)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("endpoint: rejecting connection, bad CONNECT request: %v", err)
		}
		conn.Close()
		return
	}

	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
	}

	if matchDenyList(host, e.denyList) {
		conn.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
		conn.Close()
		if e.log != nil {
			e.log.Infof("endpoint: %v", fmt.Errorf("%w: %s", ErrHostnameDenied, host))
		}
		return
	}

	remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	tubeID := int64(remoteAddr.Port)

	tb := tube.New(tubeID, host)
	if err := e.sess.AddTube(tb); err != nil {
		if e.log != nil {
			e.log.Warnf("endpoint: rejecting tube %d: %v", tubeID, err)
		}
		conn.Close()
		return
	}
	e.registry.Add(tubeID, conn)

	e.sess.SendSessionMessage(fmt.Sprintf("%d:%d:%s", session.ServiceKindTubeOpen, tubeID, host))

	go pumpWrites(conn, tb, e.sess.Session, e.log)
	pumpReads(conn, tubeID, tb, e.throttle, e.sess.Session, SubmarineChunkCap, e.log)
}
