// Package server exposes the DICOM listener: it accepts TCP or TLS
// connections, negotiates associations, and hands inbound requests to the
// registered services.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/assoc"
	"github.com/dicomtools/printnet/services"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		s.Logger = log
	}
}

// WithTLS serves associations over TLS.
func WithTLS(cfg *assoc.TLSConfig) Option {
	return func(s *Server) {
		s.TLS = cfg
	}
}

// WithNegotiationTimeout bounds how long a new connection may take to
// complete association negotiation.
func WithNegotiationTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.NegotiationTimeout = timeout
	}
}

// WithIdleTimeout aborts associations with no PDU traffic for the given
// duration.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.IdleTimeout = timeout
	}
}

// WithRequireCalledAE rejects associations addressed to any other AE title.
func WithRequireCalledAE() Option {
	return func(s *Server) {
		s.RequireCalledAE = true
	}
}

// Server accepts DICOM associations and serves the configured services.
type Server struct {
	AETitle  string
	Registry *services.Registry
	Logger   *logrus.Entry
	TLS      *assoc.TLSConfig

	NegotiationTimeout time.Duration
	IdleTimeout        time.Duration
	RequireCalledAE    bool
	MaxPDULength       uint32
}

// New builds a Server with the provided AE title and service registry.
func New(aeTitle string, registry *services.Registry, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Registry: registry}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.Logger == nil {
		srv.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return srv
}

// ListenAndServe listens on address and serves until ctx is done or an
// unrecoverable error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, registry *services.Registry, opts ...Option) error {
	srv := New(aeTitle, registry, opts...)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	if srv.TLS != nil {
		tlsConf, err := srv.TLS.Build()
		if err != nil {
			return err
		}
		listener = tls.NewListener(listener, tlsConf)
	}
	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("server: listener is required")
	}
	if s.Registry == nil {
		return errors.New("server: service registry is required")
	}
	if s.AETitle == "" {
		return errors.New("server: AE title is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.Logger.WithFields(logrus.Fields{
		"address": listener.Addr().String(),
		"aeTitle": s.AETitle,
	}).Info("DICOM server listening")

	var (
		wg       sync.WaitGroup
		serveErr error
	)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.Logger.WithError(err).Warn("Accept timeout")
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	log := s.Logger.WithField("remoteAddr", conn.RemoteAddr().String())
	log.Info("Accepted DICOM connection")

	a, err := assoc.Accept(conn, assoc.AcceptConfig{
		AETitle:            s.AETitle,
		Capabilities:       s.Registry.Capabilities(),
		RequireCalledAE:    s.RequireCalledAE,
		MaxPDULength:       s.MaxPDULength,
		NegotiationTimeout: s.NegotiationTimeout,
		IdleTimeout:        s.IdleTimeout,
		Handler:            s.Registry.HandlerFactory(),
		Logger:             log,
	})
	if err != nil {
		log.WithError(err).Warn("Association negotiation failed")
		return
	}

	select {
	case <-a.Done():
	case <-ctx.Done():
		a.Abort()
		<-a.Done()
	}
	log.Info("Association finished")
}
