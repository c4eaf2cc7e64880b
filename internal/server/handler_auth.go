package server

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"

	"petrel/internal/auth"
	"petrel/internal/models"
)

func handleCapability(_ context.Context, cmd *command) {
	cmd.send("* CAPABILITY %s", cmd.sess.srv.capabilities(cmd.sess))
}

func handleNoop(context.Context, *command) {}

func handleLogout(_ context.Context, cmd *command) {
	cmd.send("* BYE IMAP4rev1 Server logging out")
	cmd.sess.state.Unselect()
	cmd.sess.state.State = models.StateLogout
}

func handleID(_ context.Context, cmd *command) {
	cmd.send(`* ID ("name" "petrel" "vendor" "petrel")`)
}

func handleStartTLS(_ context.Context, cmd *command) {
	s := cmd.sess
	switch {
	case s.conn.IsTLS():
		cmd.bad("TLS already active")
		return
	case s.srv.cfg.TLS == nil:
		cmd.bad("TLS not available")
		return
	}
	cmd.ok("Begin TLS negotiation now")
	cmd.after = func() {
		// pipelined plaintext must not survive the upgrade
		s.tok.Reset()
		s.cmd = nil
		s.conn.StartTLS(s.srv.cfg.TLS)
		s.log.Debug("starting TLS")
	}
}

func handleLogin(ctx context.Context, cmd *command) {
	s := cmd.sess
	if !s.plaintextAllowed() {
		cmd.no("[PRIVACYREQUIRED] LOGIN is disabled on insecure connection. Use STARTTLS first.")
		return
	}
	username, password := cmd.args[0], cmd.args[1]
	id, err := s.srv.backend.ValidateCredentials(ctx, username, password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.log.WithField("username", username).Info("login failed")
		cmd.no("[AUTHENTICATIONFAILED] Authentication failed")
		return
	case err != nil:
		s.log.WithError(err).Error("authentication backend failed")
		cmd.no("[UNAVAILABLE] Authentication service unavailable")
		return
	}
	s.login(username, id)
	cmd.ok("[CAPABILITY " + s.srv.capabilities(s) + "] Authenticated")
}

func handleAuthenticate(_ context.Context, cmd *command) {
	s := cmd.sess
	if !s.plaintextAllowed() {
		cmd.no("Plaintext authentication disallowed without TLS")
		return
	}
	ex := &exchange{cmd: cmd}
	server, err := auth.NewServer(context.Background(), cmd.args[0], s.srv.backend, s.srv.cfg.Hostname, &ex.result)
	if err != nil {
		cmd.no("Unsupported authentication mechanism")
		return
	}
	ex.server = server

	var initial []byte
	if len(cmd.args) > 1 {
		// SASL-IR: "=" stands for an empty initial response
		if cmd.args[1] != "=" {
			if initial, err = base64.StdEncoding.DecodeString(strings.TrimSpace(cmd.args[1])); err != nil {
				cmd.bad("Invalid base64 data")
				return
			}
		}
		if initial == nil {
			initial = []byte{}
		}
	}
	// deferred keeps apply from finishing the command before the first step
	cmd.deferred = true
	cmd.after = func() {
		cmd.deferred = false
		s.authStep(ex, initial)
	}
}
