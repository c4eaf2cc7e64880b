package server

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"petrel/internal/auth"
	"petrel/internal/db"
	"petrel/internal/server/fetch"
	"petrel/internal/server/reactor"
	"petrel/internal/server/reconcile"
	"petrel/internal/server/transport"
)

// Config holds the IMAP service settings.
type Config struct {
	Hostname string
	// TLS enables STARTTLS. Listeners that speak TLS from the first byte
	// pass their own config to Serve.
	TLS *tls.Config
	// AllowPlaintext permits LOGIN and AUTHENTICATE before TLS.
	AllowPlaintext bool

	MaxMessageSize     int64
	Timeout            time.Duration
	LoginTimeout       time.Duration
	MaxFaultyResponses int
	Strategy           reconcile.Strategy
	Workers            int
	Tick               time.Duration
}

const (
	defaultTimeout      = 30 * time.Minute
	defaultLoginTimeout = 60 * time.Second
	defaultMaxFaults    = 5
)

type IMAPServer struct {
	store      *db.DBManager
	backend    auth.AuthBackend
	acl        *auth.ACL
	emitter    *fetch.Emitter
	reconciler *reconcile.Reconciler
	reactor    *reactor.Reactor
	commands   map[string]commandSpec
	cfg        Config
	log        *log.Entry
}

func NewIMAPServer(store *db.DBManager, backend auth.AuthBackend, cfg Config) *IMAPServer {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.MaxFaultyResponses <= 0 {
		cfg.MaxFaultyResponses = defaultMaxFaults
	}
	acl := auth.NewACL(store)
	s := &IMAPServer{
		store:      store,
		backend:    backend,
		acl:        acl,
		emitter:    fetch.NewEmitter(store, acl),
		reconciler: reconcile.New(store, cfg.Strategy),
		cfg:        cfg,
		log:        log.WithField("service", "imap"),
	}
	s.commands = commandTable()
	s.reactor = reactor.New(reactor.Config{Service: "imap", Workers: cfg.Workers, Tick: cfg.Tick}, s.newSession)
	return s
}

// Run drives all IMAP connections until ctx is done.
func (s *IMAPServer) Run(ctx context.Context) error {
	return s.reactor.Run(ctx)
}

// Serve accepts connections on ln. A non-nil tlsConfig makes it an
// implicit TLS listener.
func (s *IMAPServer) Serve(ctx context.Context, ln net.Listener, tlsConfig *tls.Config) error {
	return s.reactor.Serve(ctx, ln, tlsConfig)
}

// Attach hands one connection to the reactor.
func (s *IMAPServer) Attach(conn net.Conn) error {
	return s.reactor.Attach(conn, nil)
}

func (s *IMAPServer) newSession(r *reactor.Reactor, c *transport.Connection) reactor.Session {
	return newSession(s, r, c)
}

// capabilities lists what the session may use in its current state.
func (s *IMAPServer) capabilities(sess *Session) string {
	caps := []string{"IMAP4rev1", "LITERAL+", "ID", "ENABLE", "IDLE", "NAMESPACE", "UNSELECT",
		"UIDPLUS", "MOVE", "CHILDREN", "SORT", "CONDSTORE", "QRESYNC", "ACL", "RIGHTS=texk", "QUOTA"}
	if !sess.state.Authenticated() {
		if s.cfg.TLS != nil && !sess.conn.IsTLS() {
			caps = append(caps, "STARTTLS")
		}
		if sess.plaintextAllowed() {
			for _, m := range auth.Mechanisms(s.backend) {
				caps = append(caps, "AUTH="+m)
			}
		} else {
			caps = append(caps, "LOGINDISABLED")
		}
	}
	return strings.Join(caps, " ")
}
