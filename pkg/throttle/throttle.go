// Package throttle implements the fixed-interval pacer described in spec
// §4.5: one send per tick, with dummy cover traffic injected when the
// outbound queue is idle, translating helpers/throttle.py's
// threading.Timer loop into a time.Ticker-driven goroutine in the idiom
// peer.go's pingHandler/writeHandler pair already use in the teacher.
package throttle

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/subperi/tunnel/pkg/packet"
)

// Item is one outbound frame waiting to be paced onto the wire.
type Item struct {
	Payload   []byte
	PacketIdx uint64
	TubeID    int64
}

// SendFunc ships one item via the carrier. It is expected to do its own
// blocking I/O (the carrier round trip); Throttle runs each call in its
// own goroutine so a slow payment never delays the next tick.
type SendFunc func(payload []byte, packetIdx uint64, tubeID int64)

// DummyPayload produces the payload for a cover-traffic packet (spec §4.5:
// the sender's wall-clock time, so the peer can sample one-way latency).
type DummyPayload func() []byte

// Throttle is the independent pacer: a periodic task pulling one item per
// tick from a bounded channel, inlining dummy generation when the channel
// is empty, so wire cadence stays constant regardless of queue depth.
type Throttle struct {
	interval time.Duration
	send     SendFunc
	cover    bool
	dummy    DummyPayload

	queue chan Item

	quit    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New constructs a Throttle. queueDepth bounds the outbound queue (spec
// §4.5's "bounded outbound queue Q"); Enqueue blocks once it fills, which
// back-pressures the endpoint loop's readers exactly like a full socket
// buffer would.
func New(interval time.Duration, send SendFunc, queueDepth int, cover bool, dummy DummyPayload) *Throttle {
	return &Throttle{
		interval: interval,
		send:     send,
		cover:    cover,
		dummy:    dummy,
		queue:    make(chan Item, queueDepth),
		quit:     make(chan struct{}),
	}
}

// Enqueue places an item on the outbound queue, blocking if it is full.
func (t *Throttle) Enqueue(item Item) {
	select {
	case t.queue <- item:
	case <-t.quit:
	}
}

// Start begins the pacer goroutine.
func (t *Throttle) Start() {
	t.wg.Add(1)
	go t.run()
}

func (t *Throttle) run() {
	defer t.wg.Done()

	tk := ticker.New(t.interval)
	tk.Resume()
	defer tk.Stop()

	for {
		select {
		case <-t.quit:
			return

		case <-tk.Ticks():
			item, ok := t.next()
			if !ok {
				return
			}
			go t.send(item.Payload, item.PacketIdx, item.TubeID)
		}
	}
}

// next releases exactly one item per tick: a queued item if one is ready,
// or — when cover traffic is enabled and the queue is empty — a freshly
// minted dummy packet.
func (t *Throttle) next() (Item, bool) {
	if t.cover {
		select {
		case item := <-t.queue:
			return item, true
		default:
			return Item{
				Payload:   t.dummy(),
				PacketIdx: 0,
				TubeID:    packet.DummyTubeID,
			}, true
		}
	}

	select {
	case item := <-t.queue:
		return item, true
	case <-t.quit:
		return Item{}, false
	}
}

// Stop signals the pacer to stop ticking and waits for any in-flight send
// goroutine's *launch* (not completion — in-flight calls to SendFunc are
// allowed to finish on their own, per spec §4.5).
func (t *Throttle) Stop() {
	t.stopped.Do(func() {
		close(t.quit)
	})
	t.wg.Wait()
}
