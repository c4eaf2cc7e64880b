// Package lmtp accepts local mail delivery over LMTP (RFC 2033).
package lmtp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"petrel/internal/delivery/config"
	"petrel/internal/delivery/storage"
	"petrel/internal/metrics"
)

// Server represents an LMTP server
type Server struct {
	config  config.LMTPConfig
	storage *storage.Storage
	log     *log.Entry

	wg     sync.WaitGroup
	nextID atomic.Uint64
}

// NewServer creates a new LMTP server
func NewServer(stor *storage.Storage, cfg config.LMTPConfig) *Server {
	return &Server{
		config:  cfg,
		storage: stor,
		log:     log.WithField("service", "lmtp"),
	}
}

// Listen opens the configured UNIX socket and TCP listeners. Binding is
// split from serving so the caller can drop privileges in between.
func Listen(cfg config.LMTPConfig) ([]net.Listener, error) {
	logger := log.WithField("service", "lmtp")
	var lns []net.Listener
	if path := cfg.UnixSocket; path != "" {
		ln, err := listenUnix(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to start UNIX listener")
		}
		logger.WithField("socket", path).Info("LMTP listening on UNIX socket")
		lns = append(lns, ln)
	}
	if addr := cfg.TCPAddress; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range lns {
				_ = l.Close()
			}
			return nil, errors.Wrap(err, "failed to start TCP listener")
		}
		logger.WithField("address", addr).Info("LMTP listening on TCP")
		lns = append(lns, ln)
	}
	return lns, nil
}

// ListenAndServe opens the configured listeners and serves them until ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lns, err := Listen(s.config)
	if err != nil {
		return err
	}
	return s.ServeAll(ctx, lns)
}

// ServeAll serves every listener in lns until ctx is done. Closing a UNIX
// listener removes its socket file.
func (s *Server) ServeAll(ctx context.Context, lns []net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ln := range lns {
		ln := ln
		g.Go(func() error { return s.Serve(ctx, ln) })
	}
	return g.Wait()
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	// a stale socket of a previous run blocks the bind
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0666); err != nil {
		log.WithError(err).Warn("failed to set socket permissions")
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is done, then waits for the
// open sessions to finish.
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
		metrics.Connections.WithLabelValues("lmtp").Inc()
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single LMTP connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	id := s.nextID.Add(1)
	entry := s.log.WithFields(log.Fields{"session": id, "remote": conn.RemoteAddr().String()})
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	session := NewSession(conn, s.storage, s.config, entry)
	if err := session.Handle(ctx); err != nil && ctx.Err() == nil {
		entry.WithError(err).Debug("session ended")
	}
}
