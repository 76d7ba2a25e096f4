package endpoint

import (
	"net"

	"github.com/btcsuite/btclog"

	"github.com/subperi/tunnel/pkg/session"
	"github.com/subperi/tunnel/pkg/throttle"
	"github.com/subperi/tunnel/pkg/tube"
)

// Chunk size caps from spec §4.1: each side reads local TCP in bounds
// derived from the carrier's per-payment record size and the worst-case
// framing overhead.
const (
	SubmarineChunkCap = 729
	PeriscopeChunkCap = 850
)

// pumpReads is the "Readable" half of the endpoint loop (spec §4.6): it
// reads conn in chunkSize increments, assigns each chunk a send index,
// and enqueues it into thr. A zero-byte read (EOF) or any I/O error ends
// the pump and tears the tube down through sess — covering spec §7 items
// 5 uniformly, since a graceful close and an error both need the same
// local-close/notify-peer handling.
func pumpReads(conn net.Conn, tubeID int64, tb *tube.Tube, thr *throttle.Throttle, sess *session.Session, chunkSize int, log btclog.Logger) {
	buf := make([]byte, chunkSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			idx := tb.AssignSendIndex()
			thr.Enqueue(throttle.Item{Payload: payload, PacketIdx: idx, TubeID: tubeID})
		}

		if err != nil {
			if log != nil {
				log.Debugf("endpoint: read on tube %d ended: %v", tubeID, err)
			}
			sess.LocalClose(tubeID)
			return
		}
	}
}

// pumpWrites is the "Writable" half: it wakes on tube.Ready(), drains
// every contiguous packet pop_next makes available, and writes it to
// conn, until the tube closes. A write error tears the tube down through
// sess exactly like a read error does (spec §7 item 5).
func pumpWrites(conn net.Conn, tb *tube.Tube, sess *session.Session, log btclog.Logger) {
	for {
		select {
		case <-tb.Done():
			return
		case <-tb.Ready():
		}

		for {
			payload, ok := tb.PopNext()
			if !ok {
				break
			}
			if _, err := conn.Write(payload); err != nil {
				if log != nil {
					log.Debugf("endpoint: write on tube %d failed: %v", tb.ID(), err)
				}
				sess.LocalClose(tb.ID())
				return
			}
		}
	}
}
