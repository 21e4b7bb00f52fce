// Package auth keeps a valid Netatmo OAuth2 access token available. Netatmo
// rotates the refresh token on every refresh, so each new token is written
// back to the token file.
package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

var ErrNoToken = errors.New("no token available, run the authorization flow first")

// Scopes needed to read and drive Bubendorff shutters.
var Scopes = []string{"read_bubendorff", "write_bubendorff"}

func Endpoint(apiURL string) oauth2.Endpoint {
	apiURL = strings.TrimRight(apiURL, "/")

	return oauth2.Endpoint{
		AuthURL:   apiURL + "/oauth2/authorize",
		TokenURL:  apiURL + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// FileStore persists a token as JSON.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns nil, nil when the file does not exist.
func (s *FileStore) Load() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read token file %s", s.path)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, errors.Wrapf(err, "decode token file %s", s.path)
	}

	return &tok, nil
}

func (s *FileStore) Save(tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrapf(err, "create token directory for %s", s.path)
	}

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}

	return errors.Wrapf(os.WriteFile(s.path, data, 0o600), "write token file %s", s.path)
}

// Provider is an oauth2.TokenSource that refreshes on demand and persists
// every refreshed token.
type Provider struct {
	ctx   context.Context
	conf  *oauth2.Config
	store *FileStore

	mu        sync.Mutex
	token     *oauth2.Token
	onRefresh func(*oauth2.Token)
}

// NewProvider loads the stored token. ctx is used for refresh requests.
func NewProvider(ctx context.Context, conf *oauth2.Config, store *FileStore) (*Provider, error) {
	tok, err := store.Load()
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil, errors.Wrap(ErrNoToken, store.path)
	}

	return &Provider{ctx: ctx, conf: conf, store: store, token: tok}, nil
}

// OnRefresh registers a callback run after every successful refresh. The
// callback must not call back into the provider.
func (p *Provider) OnRefresh(f func(*oauth2.Token)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onRefresh = f
}

// Token implements oauth2.TokenSource.
func (p *Provider) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token.Valid() {
		return p.token, nil
	}

	return p.refresh()
}

// CurrentToken returns a valid bearer token, refreshing it if needed.
func (p *Provider) CurrentToken() (string, error) {
	tok, err := p.Token()
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// Refresh forces a refresh even if the current token is still valid.
func (p *Provider) Refresh() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.refresh()

	return err
}

// Expiry returns when the current access token expires.
func (p *Provider) Expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.token.Expiry
}

// Transport authorizes every request with the provider's token.
func (p *Provider) Transport() *oauth2.Transport {
	return &oauth2.Transport{Source: p}
}

func (p *Provider) refresh() (*oauth2.Token, error) {
	expired := &oauth2.Token{RefreshToken: p.token.RefreshToken}

	tok, err := p.conf.TokenSource(p.ctx, expired).Token()
	if err != nil {
		return nil, errors.Wrap(err, "refresh token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = p.token.RefreshToken
	}
	p.token = tok

	logrus.Infof("auth: access token refreshed, expires at %s", tok.Expiry.Format(time.RFC3339))

	if err := p.store.Save(tok); err != nil {
		logrus.Errorf("auth: token persist failed: %s", err)
	}
	if p.onRefresh != nil {
		p.onRefresh(tok)
	}

	return tok, nil
}
