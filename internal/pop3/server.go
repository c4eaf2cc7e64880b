// Package pop3 serves the INBOX of each user over POP3 (RFC 1939).
package pop3

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/auth"
	"petrel/internal/db"
	"petrel/internal/metrics"
)

// Config holds the POP3 service settings.
type Config struct {
	Hostname string
	// TLS enables STLS.
	TLS *tls.Config
	// AllowPlaintext permits USER/PASS and AUTH before TLS.
	AllowPlaintext     bool
	Timeout            time.Duration
	MaxFaultyResponses int
}

const (
	defaultTimeout   = 10 * time.Minute
	defaultMaxFaults = 5
)

// Server accepts POP3 connections.
type Server struct {
	store   *db.DBManager
	backend auth.AuthBackend
	cfg     Config
	log     *log.Entry

	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// NewServer creates a POP3 server over store.
func NewServer(store *db.DBManager, backend auth.AuthBackend, cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxFaultyResponses <= 0 {
		cfg.MaxFaultyResponses = defaultMaxFaults
	}
	return &Server{
		store:   store,
		backend: backend,
		cfg:     cfg,
		log:     log.WithField("service", "pop3"),
	}
}

// Serve accepts connections on ln until ctx is done. A non-nil tlsConfig
// makes it an implicit TLS listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept failed")
		}
		metrics.Connections.WithLabelValues("pop3").Inc()
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	entry := s.log.WithFields(log.Fields{"session": s.nextID.Add(1), "remote": conn.RemoteAddr().String()})
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := newSession(s, conn, entry).handle(ctx); err != nil && ctx.Err() == nil {
		entry.WithError(err).Debug("session ended")
	}
}
