// Package sieve stores Sieve scripts for users over ManageSieve (RFC 5804).
// Scripts are checked for structure only; they are never executed here.
package sieve

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

// Extensions is the SIEVE capability advertised to clients.
const Extensions = "fileinto reject envelope vacation imap4flags"

// Config holds the ManageSieve service settings.
type Config struct {
	Hostname string
	// TLS enables STARTTLS.
	TLS                *tls.Config
	AllowPlaintext     bool
	Timeout            time.Duration
	MaxFaultyResponses int
	// MaxScriptSize limits one script, Quota all scripts of a user. Zero
	// means unlimited.
	MaxScriptSize int64
	Quota         int64
	MaxScripts    int
}

const (
	defaultTimeout   = 10 * time.Minute
	defaultMaxFaults = 5
)

// Server accepts ManageSieve connections.
type Server struct {
	store   *db.DBManager
	backend auth.AuthBackend
	cfg     Config
	log     *log.Entry

	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// NewServer creates a ManageSieve server over store.
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
		log:     log.WithField("service", "sieve"),
	}
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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
		metrics.Connections.WithLabelValues("sieve").Inc()
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
