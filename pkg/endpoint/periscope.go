package endpoint

import (
	"net"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/subperi/tunnel/pkg/session"
	"github.com/subperi/tunnel/pkg/throttle"
	"github.com/subperi/tunnel/pkg/tube"
)

// dialTimeout bounds the outbound connect described in spec §4.6; the
// spec names no explicit value, so this follows the teacher's own
// pattern of bounding every blocking external call (see peer.go's use of
// deadlines around its handshake).
const dialTimeout = 10 * time.Second

// dialOrigin opens the outbound connection a tube-open request names.
// Overridable per PeriscopeEndpoint so tests can redirect it at an
// in-memory origin instead of a real hostname:443.
type dialOrigin func(hostname string) (net.Conn, error)

func defaultDialOrigin(hostname string) (net.Conn, error) {
	return net.DialTimeout("tcp", hostname+":443", dialTimeout)
}

// PeriscopeEndpoint is the server-side multiplexer (spec §4.6): it has no
// listening socket of its own, and instead reacts to kind-1 tube-open
// requests by dialing out to the announced hostname.
type PeriscopeEndpoint struct {
	sess     *session.PeriscopeSession
	throttle *throttle.Throttle
	registry *Registry
	log      btclog.Logger
	dial     dialOrigin
}

// NewPeriscopeEndpoint builds a PeriscopeEndpoint and installs its
// tube-open handler on sess.
func NewPeriscopeEndpoint(sess *session.PeriscopeSession, thr *throttle.Throttle, log btclog.Logger) *PeriscopeEndpoint {
	e := &PeriscopeEndpoint{
		sess:     sess,
		throttle: thr,
		registry: NewRegistry(),
		log:      log,
		dial:     defaultDialOrigin,
	}
	sess.SetCloseHandler(e.registry.CloseAndRemove)
	sess.SetTubeOpenHandler(e.handleTubeOpen)
	return e
}

func (e *PeriscopeEndpoint) handleTubeOpen(tubeID int64, hostname string) {
	conn, err := e.dial(hostname)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("endpoint: dialing %s:443 for tube %d: %v", hostname, tubeID, err)
		}
		return
	}

	tb := tube.New(tubeID, hostname)
	if err := e.sess.AddTube(tb); err != nil {
		if e.log != nil {
			e.log.Warnf("endpoint: rejecting tube %d: %v", tubeID, err)
		}
		conn.Close()
		return
	}
	e.registry.Add(tubeID, conn)

	idx := tb.AssignSendIndex()
	e.throttle.Enqueue(throttle.Item{
		Payload:   []byte("HTTP/1.1 200 Connection established\r\n\r\n"),
		PacketIdx: idx,
		TubeID:    tubeID,
	})

	go pumpWrites(conn, tb, e.sess.Session, e.log)
	go pumpReads(conn, tubeID, tb, e.throttle, e.sess.Session, PeriscopeChunkCap, e.log)
}
