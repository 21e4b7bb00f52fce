package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		n := atomic.AddInt32(calls, 1)
		if r.PostForm.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"access-`+string(rune('0'+n))+`","refresh_token":"refresh-`+string(rune('0'+n))+`","expires_in":10800,"token_type":"bearer"}`)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newProvider(t *testing.T, srv *httptest.Server, tok *oauth2.Token) (*Provider, *FileStore) {
	t.Helper()

	store := NewFileStore(filepath.Join(t.TempDir(), "tokens", "netatmo.json"))
	require.NoError(t, store.Save(tok))

	conf := &oauth2.Config{ClientID: "client", ClientSecret: "secret", Endpoint: Endpoint(srv.URL + "/"), Scopes: Scopes}
	p, err := NewProvider(context.Background(), conf, store)
	require.NoError(t, err)

	return p, store
}

func TestFileStore(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))

	tok, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, tok)

	expiry := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: expiry}))

	tok, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
	assert.Equal(t, "r", tok.RefreshToken)
	assert.True(t, expiry.Equal(tok.Expiry))
}

func TestNewProviderWithoutToken(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))

	_, err := NewProvider(context.Background(), &oauth2.Config{}, store)
	assert.True(t, errors.Is(err, ErrNoToken))
}

func TestProvider(t *testing.T) {
	t.Run("valid token is reused", func(t *testing.T) {
		var calls int32
		srv := newTokenServer(t, &calls)
		p, _ := newProvider(t, srv, &oauth2.Token{AccessToken: "fresh", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})

		tok, err := p.CurrentToken()
		require.NoError(t, err)
		assert.Equal(t, "fresh", tok)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("expired token is refreshed and persisted", func(t *testing.T) {
		var calls int32
		srv := newTokenServer(t, &calls)
		p, store := newProvider(t, srv, &oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)})

		var refreshed *oauth2.Token
		p.OnRefresh(func(tok *oauth2.Token) { refreshed = tok })

		tok, err := p.CurrentToken()
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
		require.NotNil(t, refreshed)
		assert.True(t, p.Expiry().After(time.Now().Add(2*time.Hour)))

		saved, err := store.Load()
		require.NoError(t, err)
		assert.Equal(t, "refresh-1", saved.RefreshToken)
	})

	t.Run("refresh is forced on demand", func(t *testing.T) {
		var calls int32
		srv := newTokenServer(t, &calls)
		p, _ := newProvider(t, srv, &oauth2.Token{AccessToken: "fresh", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})

		require.NoError(t, p.Refresh())
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

		tok, err := p.CurrentToken()
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
	})

	t.Run("revoked refresh token fails", func(t *testing.T) {
		var calls int32
		srv := newTokenServer(t, &calls)
		p, _ := newProvider(t, srv, &oauth2.Token{AccessToken: "old", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)})

		_, err := p.CurrentToken()
		assert.Error(t, err)
	})

	t.Run("transport authorizes requests", func(t *testing.T) {
		var calls int32
		srv := newTokenServer(t, &calls)
		p, _ := newProvider(t, srv, &oauth2.Token{AccessToken: "fresh", RefreshToken: "r", Expiry: time.Now().Add(time.Hour), TokenType: "Bearer"})

		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		}))
		defer api.Close()

		resp, err := (&http.Client{Transport: p.Transport()}).Get(api.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})
}
