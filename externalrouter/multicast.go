package externalrouter

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/sirupsen/logrus"
)

// MulticastBroadcaster periodically announces a snapshot frame on a
// multicast group, the alternative transport spec.md §4.7 names next to
// the default TCP channel ("An alternative multicast interface exists for
// discovery"). Unlike Discover (which only exchanges a node/port pair so
// peers can dial the TCP listener), this broadcasts the actual state
// snapshot, letting a router that only listens on multicast stay
// reconciled without ever dialing in.
type MulticastBroadcaster struct {
	pconn   *ipv4.PacketConn
	group   *net.UDPAddr
	backend Backend
	log     logrus.FieldLogger

	done chan struct{}
}

// NewMulticastBroadcaster joins multicastAddress on iface (nil picks the
// default multicast-capable interface) and prepares to send snapshot
// frames to it.
func NewMulticastBroadcaster(multicastAddress string, iface *net.Interface, backend Backend, log logrus.FieldLogger) (*MulticastBroadcaster, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	group, err := net.ResolveUDPAddr("udp4", multicastAddress)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, group); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pconn.SetMulticastTTL(2); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &MulticastBroadcaster{
		pconn:   pconn,
		group:   group,
		backend: backend,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// Run broadcasts a snapshot frame every interval until Close is called.
func (mb *MulticastBroadcaster) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := mb.broadcastSnapshot(); err != nil {
				mb.log.WithError(err).Debug("multicast snapshot broadcast failed")
			}
		case <-mb.done:
			return
		}
	}
}

func (mb *MulticastBroadcaster) broadcastSnapshot() error {
	snap := mb.backend.Snapshot()
	payload, err := encode(snap)
	if err != nil {
		return err
	}

	body := make([]byte, 1+len(payload))
	body[0] = byte(KindSnapshot)
	copy(body[1:], payload)

	_, err = mb.pconn.WriteTo(body, nil, mb.group)
	return err
}

// Close leaves the multicast group and closes the socket.
func (mb *MulticastBroadcaster) Close() error {
	close(mb.done)
	_ = mb.pconn.LeaveGroup(nil, mb.group)
	return mb.pconn.Close()
}
