package auth

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
)

// ErrUnsupportedMechanism is returned for SASL mechanisms not offered.
var ErrUnsupportedMechanism = errors.New("unsupported authentication mechanism")

var errUnexpectedResponse = errors.New("unexpected client response")

// Result receives the identity established by a finished exchange.
type Result struct {
	Username string
	UserID   int64
}

type unwrapper interface {
	Unwrap() AuthBackend
}

func innermost(b AuthBackend) AuthBackend {
	for {
		u, ok := b.(unwrapper)
		if !ok {
			return b
		}
		b = u.Unwrap()
	}
}

// Mechanisms lists the SASL mechanisms b can serve, in advertisement
// order.
func Mechanisms(b AuthBackend) []string {
	mechs := []string{sasl.Plain, sasl.Login}
	inner := innermost(b)
	if _, ok := inner.(CRAMVerifier); ok {
		mechs = append(mechs, "CRAM-MD5")
	}
	if _, ok := inner.(TokenVerifier); ok {
		mechs = append(mechs, sasl.OAuthBearer)
	}
	return mechs
}

// NewServer starts a server side exchange for mech. On success res holds
// the authenticated user. hostname is used in CRAM-MD5 challenges.
func NewServer(ctx context.Context, mech string, b AuthBackend, hostname string, res *Result) (sasl.Server, error) {
	mech = strings.ToUpper(mech)
	supported := false
	for _, m := range Mechanisms(b) {
		if m == mech {
			supported = true
		}
	}
	if !supported {
		return nil, errors.Wrap(ErrUnsupportedMechanism, mech)
	}

	check := func(username, password string) error {
		id, err := b.ValidateCredentials(ctx, username, password)
		if err != nil {
			return err
		}
		res.Username, res.UserID = username, id
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.Wrap(ErrInvalidCredentials, "authorization identity not supported")
			}
			return check(username, password)
		}), nil
	case sasl.Login:
		return &loginServer{authenticate: check}, nil
	case "CRAM-MD5":
		v := innermost(b).(CRAMVerifier)
		return newCRAMServer(hostname, func(username, digest, challenge string) error {
			secret, id, err := v.CRAMSecret(ctx, username)
			if err != nil {
				return err
			}
			mac := hmac.New(md5.New, []byte(secret))
			mac.Write([]byte(challenge))
			if !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(strings.ToLower(digest))) {
				return ErrInvalidCredentials
			}
			res.Username, res.UserID = username, id
			return nil
		}), nil
	default:
		v := innermost(b).(TokenVerifier)
		return sasl.NewOAuthBearerServer(func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
			username, id, err := v.VerifyToken(ctx, opts.Token)
			if err != nil || (opts.Username != "" && !strings.EqualFold(opts.Username, username)) {
				return &sasl.OAuthBearerError{Status: "invalid_token", Schemes: "bearer"}
			}
			res.Username, res.UserID = username, id
			return nil
		}), nil
	}
}

// loginServer implements the obsolete LOGIN mechanism: the username and
// the password are sent in two separate responses.
type loginServer struct {
	step         int
	username     string
	authenticate func(username, password string) error
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	switch s.step {
	case 0:
		s.step++
		if len(response) > 0 {
			s.username = string(response)
			s.step++
			return []byte("Password:"), false, nil
		}
		return []byte("Username:"), false, nil
	case 1:
		s.username = string(response)
		s.step++
		return []byte("Password:"), false, nil
	case 2:
		s.step++
		return nil, true, s.authenticate(s.username, string(response))
	}
	return nil, true, errUnexpectedResponse
}

// cramServer implements RFC 2195.
type cramServer struct {
	challenge string
	sent      bool
	verify    func(username, digest, challenge string) error
}

func newCRAMServer(hostname string, verify func(username, digest, challenge string) error) *cramServer {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		n = big.NewInt(time.Now().UnixNano())
	}
	return &cramServer{
		challenge: fmt.Sprintf("<%d.%d@%s>", n, time.Now().Unix(), hostname),
		verify:    verify,
	}
}

func (s *cramServer) Next(response []byte) ([]byte, bool, error) {
	if !s.sent {
		s.sent = true
		return []byte(s.challenge), false, nil
	}
	i := strings.LastIndexByte(string(response), ' ')
	if i <= 0 {
		return nil, true, errors.Wrap(ErrInvalidCredentials, "malformed CRAM-MD5 response")
	}
	resp := string(response)
	return nil, true, s.verify(resp[:i], resp[i+1:], s.challenge)
}
