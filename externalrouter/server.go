package externalrouter

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Server accepts external-router connections on a listener, typically a
// loopback TCP listener per spec.md §4.7's default transport, and runs
// one Channel per connection. Only one router is expected to connect at a
// time; accepting more than one simply gives each its own independent
// resync cycle, sharing the same StatsTracker.
type Server struct {
	ln      net.Listener
	backend Backend
	log     logrus.FieldLogger

	wg sync.WaitGroup
}

// NewServer wraps an already-bound listener.
func NewServer(ln net.Listener, backend Backend, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{ln: ln, backend: backend, log: log}
}

// Serve accepts connections until the listener closes.
func (srv *Server) Serve() error {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return err
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			ch := NewChannel(conn, srv.backend, NewResyncTracker(), srv.log)
			if err := ch.Serve(); err != nil {
				srv.log.WithError(err).Debug("external router channel closed")
			}
		}()
	}
}

// Close closes the listener and waits for in-flight channels to exit.
func (srv *Server) Close() error {
	err := srv.ln.Close()
	srv.wg.Wait()
	return err
}
