package ipc

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Server accepts IPC connections on a listener (a TCP listener in
// cmd/bpagentd; the tests drive sessions over a net.Pipe directly) and
// runs one session per connection.
type Server struct {
	ln      net.Listener
	backend Backend
	log     logrus.FieldLogger

	wg sync.WaitGroup
}

// NewServer wraps an already-bound listener. Callers choose the listener
// type (net.Listen("tcp", addr) is what cmd/bpagentd uses, matching the
// teacher's convention of binding convergence layers to an already-open
// net.Listener rather than owning the bind call itself).
func NewServer(ln net.Listener, backend Backend, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{ln: ln, backend: backend, log: log}
}

// Serve accepts connections until the listener is closed.
func (srv *Server) Serve() error {
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			return err
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			newSession(conn, srv.backend, srv.log).serve()
		}()
	}
}

// Close closes the listener and waits for in-flight sessions to exit.
func (srv *Server) Close() error {
	err := srv.ln.Close()
	srv.wg.Wait()
	return err
}
