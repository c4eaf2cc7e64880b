package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"petrel/internal/auth"
	"petrel/internal/blobstorage"
	"petrel/internal/conf"
	"petrel/internal/db"
	"petrel/internal/delivery/lmtp"
	"petrel/internal/delivery/storage"
	"petrel/internal/logging"
	"petrel/internal/metrics"
	"petrel/internal/pop3"
	"petrel/internal/server"
	"petrel/internal/server/reconcile"
	"petrel/internal/sieve"
)

var knownServices = []string{"imap", "pop3", "lmtp", "sieve"}

var services []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mail services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), services)
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&services, "services", knownServices, "services to run")
}

// listeners collects what serve binds before dropping privileges.
type listeners struct {
	all []net.Listener
}

func (l *listeners) listen(service, addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to listen on %s", service, addr)
	}
	log.WithFields(log.Fields{"service": service, "address": addr}).Info("listening")
	l.all = append(l.all, ln)
	return ln, nil
}

func (l *listeners) closeAll() {
	for _, ln := range l.all {
		_ = ln.Close()
	}
}

// bound holds the listeners of one TCP service. secure speaks TLS from the
// first byte.
type bound struct {
	plain, secure net.Listener
	tls           *tls.Config
}

func (l *listeners) bind(service string, sc conf.ServiceConfig) (bound, error) {
	var b bound
	tlsConfig, err := sc.TLSConfig()
	if err != nil {
		return b, errors.Wrap(err, service)
	}
	b.tls = tlsConfig
	if sc.Port != 0 {
		if b.plain, err = l.listen(service, sc.Addr(sc.Port)); err != nil {
			return b, err
		}
	}
	if sc.TLSPort != 0 {
		if tlsConfig == nil {
			log.WithField("service", service).Warn("tls_port ignored without tls_cert")
		} else if b.secure, err = l.listen(service, sc.Addr(sc.TLSPort)); err != nil {
			return b, err
		}
	}
	return b, nil
}

func selectServices(names []string) (map[string]bool, error) {
	enabled := make(map[string]bool)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		known := false
		for _, k := range knownServices {
			known = known || k == n
		}
		if !known {
			return nil, errors.Errorf("unknown service %q", n)
		}
		enabled[n] = true
	}
	if len(enabled) == 0 {
		return nil, errors.New("no service selected")
	}
	return enabled, nil
}

func serve(ctx context.Context, names []string) error {
	cfg, err := conf.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return err
	}
	enabled, err := selectServices(names)
	if err != nil {
		return err
	}
	strategy, err := reconcile.ParseStrategy(cfg.IMAP.MailboxUpdateStrategy)
	if err != nil {
		return err
	}

	var l listeners
	defer l.closeAll()
	var imapL, pop3L, sieveL bound
	var lmtpL []net.Listener
	if enabled["imap"] {
		if imapL, err = l.bind("imap", cfg.IMAP.ServiceConfig); err != nil {
			return err
		}
	}
	if enabled["pop3"] {
		if pop3L, err = l.bind("pop3", cfg.POP3); err != nil {
			return err
		}
	}
	if enabled["sieve"] {
		if sieveL, err = l.bind("sieve", cfg.Sieve.ServiceConfig); err != nil {
			return err
		}
	}
	if enabled["lmtp"] {
		if lmtpL, err = lmtp.Listen(cfg.LMTP); err != nil {
			return err
		}
		l.all = append(l.all, lmtpL...)
	}

	if err := dropPrivileges(cfg, enabled); err != nil {
		return err
	}

	opts := []db.Option{db.WithQuota(cfg.Delivery.Quota())}
	if cfg.BlobStorage.Enabled {
		blobs, err := blobstorage.NewS3Store(ctx, cfg.BlobStorage)
		if err != nil {
			return err
		}
		opts = append(opts, db.WithBlobStore(blobs))
	}
	store, err := db.NewDBManager(cfg.Database.Path, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("failed to close the store")
		}
	}()
	log.WithField("path", cfg.Database.Path).Info("store opened")

	backend, err := auth.NewBackend(cfg.Auth, store)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if enabled["imap"] {
		sc := cfg.IMAP
		srv := server.NewIMAPServer(store, backend, server.Config{
			Hostname:           cfg.Hostname,
			TLS:                imapL.tls,
			AllowPlaintext:     sc.AllowPlaintext,
			MaxMessageSize:     sc.MaxMessageSize,
			Timeout:            sc.TimeoutDuration(),
			LoginTimeout:       sc.LoginTimeoutDuration(),
			MaxFaultyResponses: sc.MaxFaultyResponses,
			Strategy:           strategy,
			Workers:            cfg.Database.MaxConnections,
		})
		g.Go(func() error { return srv.Run(ctx) })
		if imapL.plain != nil {
			g.Go(func() error { return srv.Serve(ctx, imapL.plain, nil) })
		}
		if imapL.secure != nil {
			g.Go(func() error { return srv.Serve(ctx, imapL.secure, imapL.tls) })
		}
	}
	if enabled["pop3"] {
		sc := cfg.POP3
		srv := pop3.NewServer(store, backend, pop3.Config{
			Hostname:           cfg.Hostname,
			TLS:                pop3L.tls,
			AllowPlaintext:     sc.AllowPlaintext,
			Timeout:            sc.TimeoutDuration(),
			MaxFaultyResponses: sc.MaxFaultyResponses,
		})
		if pop3L.plain != nil {
			g.Go(func() error { return srv.Serve(ctx, pop3L.plain, nil) })
		}
		if pop3L.secure != nil {
			g.Go(func() error { return srv.Serve(ctx, pop3L.secure, pop3L.tls) })
		}
	}
	if enabled["sieve"] {
		sc := cfg.Sieve
		srv := sieve.NewServer(store, backend, sieve.Config{
			Hostname:           cfg.Hostname,
			TLS:                sieveL.tls,
			AllowPlaintext:     sc.AllowPlaintext,
			Timeout:            sc.TimeoutDuration(),
			MaxFaultyResponses: sc.MaxFaultyResponses,
			MaxScriptSize:      sc.MaxScriptSize,
			Quota:              sc.Quota,
			MaxScripts:         sc.MaxScripts,
		})
		if sieveL.plain != nil {
			g.Go(func() error { return srv.Serve(ctx, sieveL.plain) })
		}
		if sieveL.secure != nil {
			secure := tls.NewListener(sieveL.secure, sieveL.tls)
			g.Go(func() error { return srv.Serve(ctx, secure) })
		}
	}
	if enabled["lmtp"] {
		srv := lmtp.NewServer(storage.NewStorage(store, cfg.Delivery), cfg.LMTP)
		g.Go(func() error { return srv.ServeAll(ctx, lmtpL) })
	}
	if addr := cfg.Metrics.Address; addr != "" {
		g.Go(func() error { return metrics.Serve(ctx, addr) })
	}

	log.WithFields(log.Fields{"version": version, "services": strings.Join(names, ",")}).Info("petrel started")
	err = g.Wait()
	log.Info("petrel stopped")
	return err
}

// dropPrivileges switches to the effective_user and effective_group of
// the first enabled service that names one. It only acts when running as
// root.
func dropPrivileges(cfg *conf.Config, enabled map[string]bool) error {
	var userName, groupName string
	for _, svc := range []struct {
		name string
		sc   conf.ServiceConfig
	}{
		{"imap", cfg.IMAP.ServiceConfig},
		{"pop3", cfg.POP3},
		{"sieve", cfg.Sieve.ServiceConfig},
	} {
		if !enabled[svc.name] || svc.sc.EffectiveUser == "" {
			continue
		}
		if userName == "" {
			userName, groupName = svc.sc.EffectiveUser, svc.sc.EffectiveGroup
		} else if userName != svc.sc.EffectiveUser {
			log.WithField("service", svc.name).Warn("effective_user differs between services, using the first")
		}
	}
	if userName == "" || os.Geteuid() != 0 {
		return nil
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return errors.Wrap(err, "effective_user")
	}
	gidStr := u.Gid
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return errors.Wrap(err, "effective_group")
		}
		gidStr = g.Gid
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return errors.Wrap(err, "effective_user")
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return errors.Wrap(err, "effective_group")
	}

	if err := syscall.Setgroups([]int{gid}); err != nil {
		return errors.Wrap(err, "setgroups")
	}
	if err := syscall.Setgid(gid); err != nil {
		return errors.Wrap(err, "setgid")
	}
	if err := syscall.Setuid(uid); err != nil {
		return errors.Wrap(err, "setuid")
	}
	log.WithFields(log.Fields{"uid": uid, "gid": gid}).Info("dropped privileges")
	return nil
}
