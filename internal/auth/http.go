package auth

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"petrel/internal/db"
)

// HTTPBackend delegates password checks to an external service. A 200
// reply accepts the login; the account is provisioned locally on first
// success.
type HTTPBackend struct {
	url    string
	client *http.Client
	store  *db.DBManager
}

// NewHTTPBackend returns a backend posting to url.
func NewHTTPBackend(url string, skipVerify bool, store *db.DBManager) *HTTPBackend {
	transport := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: skipVerify}}
	return &HTTPBackend{
		url:    url,
		client: &http.Client{Transport: transport, Timeout: 10 * time.Second},
		store:  store,
	}
}

type httpAuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ValidateCredentials implements AuthBackend.
func (b *HTTPBackend) ValidateCredentials(ctx context.Context, username, password string) (int64, error) {
	email := username
	if !strings.Contains(email, "@") {
		email = username + "@" + db.DefaultDomain
	}
	body, err := json.Marshal(httpAuthRequest{Email: email, Password: password})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "build auth request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "auth server unavailable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"user": username, "status": resp.StatusCode}).Debug("auth server rejected login")
		return 0, ErrInvalidCredentials
	}
	return b.store.EnsureUser(ctx, username)
}
