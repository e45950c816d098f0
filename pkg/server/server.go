// Package server owns listener management for the gateway: plain and
// TLS HTTP listeners with sane timeouts, optional PROXY-protocol
// support, and tracked shutdown of everything it opened.
package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

var (
	ErrServerClosed   = errors.New("server closed")
	errMissingHandler = errors.New("missing http handler")
)

var nopLogger = zap.NewNop()

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 3 * time.Second

	defaultIdleTimeout = 30 * time.Second

	defaultMaxHeaderBytes = 16 << 10
)

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// Handler handles every accepted request. Cannot be nil.
	Handler http.Handler

	// Certificate files to start a TLS listener.
	Cert, Key string

	// IdleTimeout limits the maximum time period that a connection can idle.
	IdleTimeout time.Duration

	// ProxyProtocol accepts the PROXY protocol header on inbound
	// connections.
	ProxyProtocol bool
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
	} else {
		delete(s.closerTracker, c)
	}
	return true
}

// Close closes the Server and all its inner listeners.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true

	// Copy closers out so a closer calling back into the server cannot
	// deadlock on s.m.
	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.closerTracker = nil
	s.m.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
}

func (s *Server) wrapListener(l net.Listener) net.Listener {
	if s.opts.ProxyProtocol {
		return &proxyproto.Listener{Listener: l, ReadHeaderTimeout: defaultReadHeaderTimeout}
	}
	return l
}

func (s *Server) newHTTPServer() *http.Server {
	return &http.Server{
		Handler:           s.opts.Handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
}

// ServeHTTP serves plain HTTP on l. It blocks until the listener fails
// or the server is closed.
func (s *Server) ServeHTTP(l net.Listener) error {
	if s.opts.Handler == nil {
		return errMissingHandler
	}

	l = s.wrapListener(l)
	defer l.Close()
	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	err := s.newHTTPServer().Serve(l)
	if s.Closed() {
		return ErrServerClosed
	}
	return err
}

// ServeTLS serves HTTPS on l with a certificate that is reloaded from
// disk when the files change.
func (s *Server) ServeTLS(l net.Listener) error {
	if s.opts.Handler == nil {
		return errMissingHandler
	}

	tlsl, err := s.createTLSListener(s.wrapListener(l))
	if err != nil {
		return err
	}
	defer tlsl.Close()
	if ok := s.trackCloser(tlsl, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(tlsl, false)

	err = s.newHTTPServer().Serve(tlsl)
	if s.Closed() {
		return ErrServerClosed
	}
	return err
}
