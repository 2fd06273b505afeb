package externalrouter

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Backend is what a Channel needs from the running agent: a point-in-time
// snapshot for resync/on-demand reports, command application, and
// operational query answers. cmd/bpagentd supplies the concrete
// implementation wired to core.Core, the Forwarding Engine's links and
// the StatsTracker.
type Backend interface {
	Snapshot() Snapshot
	ApplyCommand(cmd Command) error
	Query(q Query) QueryResult
}

// eventQueueDepth is the write-side high-water mark of spec.md §4.7's
// backpressure rule: once this many events are buffered awaiting
// transmission, further SendEvent calls are dropped (and logged) rather
// than blocking the dispatcher that produced them; on reconnect a full
// snapshot reconciles whatever was missed.
const eventQueueDepth = 4096

// Channel drives one external-router connection: handshake, an inbound
// loop dispatching Command/Query frames to Backend, and an outbound event
// queue drained to the wire by its own goroutine.
type Channel struct {
	conn    net.Conn
	backend Backend
	tracker *ResyncTracker
	log     logrus.FieldLogger

	events chan Event

	writeMu sync.Mutex
	paused  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewChannel wraps an already-connected conn. tracker may be shared across
// reconnects so stale-bundle detection survives a single dropped
// connection, per §4.7's resync discipline.
func NewChannel(conn net.Conn, backend Backend, tracker *ResyncTracker, log logrus.FieldLogger) *Channel {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if tracker == nil {
		tracker = NewResyncTracker()
	}
	return &Channel{
		conn:    conn,
		backend: backend,
		tracker: tracker,
		log:     log,
		events:  make(chan Event, eventQueueDepth),
		done:    make(chan struct{}),
	}
}

// Serve performs the handshake, sends the initial full report, and then
// runs the inbound dispatch loop until the connection closes. The
// outbound event-drain goroutine runs for Serve's whole lifetime.
func (c *Channel) Serve() error {
	defer c.conn.Close()

	peerVersion, ok, err := ReadHandshake(c.conn)
	if err != nil {
		return err
	}
	if !ok || peerVersion != ProtocolVersion {
		return errors.New("external router handshake version mismatch")
	}
	if err := WriteHandshake(c.conn); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.drainEvents()
	defer func() {
		close(c.done)
		c.wg.Wait()
	}()

	if err := c.sendFullReport(); err != nil {
		return err
	}

	for {
		f, err := readFrame(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.WithError(err).Debug("external router frame read failed")
			}
			return err
		}
		if err := c.handleInbound(f); err != nil {
			c.log.WithError(err).Warn("external router inbound message failed")
		}
	}
}

func (c *Channel) handleInbound(f frame) error {
	switch f.Kind {
	case KindCommand:
		var cmd Command
		if err := decode(f.Payload, &cmd); err != nil {
			return err
		}
		return c.backend.ApplyCommand(cmd)
	case KindQuery:
		var q Query
		if err := decode(f.Payload, &q); err != nil {
			return err
		}
		result := c.backend.Query(q)
		payload, err := encode(result)
		if err != nil {
			return err
		}
		return c.writeFrame(KindQueryResult, payload)
	default:
		return nil
	}
}

// sendFullReport builds a Snapshot from the backend, runs it through the
// resync tracker, and writes the snapshot frame. Bundles the tracker
// reports as stale are logged; a real agent would also drop their
// External-router-visibility constraint, wired from cmd/bpagentd.
func (c *Channel) sendFullReport() error {
	snap := c.backend.Snapshot()

	ids := make([]string, len(snap.Bundles))
	for i, b := range snap.Bundles {
		ids[i] = b.GBoF
	}
	stale := c.tracker.Sync(ids)
	if len(stale) > 0 {
		c.log.WithField("count", len(stale)).Debug("resync found bundles no longer present")
	}

	payload, err := encode(snap)
	if err != nil {
		return err
	}
	return c.writeFrame(KindSnapshot, payload)
}

// SendEvent enqueues an incremental event for transmission. It never
// blocks: once the queue is full the channel is considered paused and the
// event is dropped, relying on the next reconnect's full report to
// reconcile state (§4.7's write-side high-water mark).
func (c *Channel) SendEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
		if !c.paused {
			c.paused = true
			c.log.Warn("external router event queue full, pausing incremental events")
		}
	}
}

func (c *Channel) drainEvents() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.paused = false
			payload, err := encode(ev)
			if err != nil {
				c.log.WithError(err).Warn("failed to encode external router event")
				continue
			}
			if err := c.writeFrame(KindEvent, payload); err != nil {
				c.log.WithError(err).Debug("external router event write failed")
				return
			}
		}
	}
}

func (c *Channel) writeFrame(kind MessageKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, kind, payload)
}

// Close closes the underlying connection, ending Serve's loops.
func (c *Channel) Close() error {
	return c.conn.Close()
}
