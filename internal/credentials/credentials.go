// Package credentials loads a service account JSON key and turns it
// into a reusable OAuth2 token source for the debugger scope pair.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/znly/cloud-debug-proxy/internal/errors"
)

// tokenFetchTimeout bounds calls to the OAuth token endpoint when no
// custom HTTP client is provided. A hung issuer must not pin token
// requests indefinitely.
const tokenFetchTimeout = 30 * time.Second

// Scopes is the fixed scope pair every minted token is requested for:
// cloud-platform for general API access, cloud_debugger for the
// Stackdriver debugger agent. Ordered; the scopes endpoint serves them
// in exactly this order.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/cloud_debugger",
}

// Source mints OAuth2 access tokens from a parsed service account key.
// Construct once at startup via Load; safe for concurrent use (the
// underlying oauth2 source serializes refreshes internally).
type Source struct {
	ts oauth2.TokenSource

	// Identity fields pulled from the key for startup logging.
	Email     string
	ProjectID string
}

// Load reads the key file at path and builds a token source for Scopes.
// Any failure here is fatal to the caller: the proxy must never serve
// the token endpoint without a working credential.
//
// Token-minting calls go through httpClient; nil gets a client with a
// 30-second timeout.
func Load(ctx context.Context, path string, httpClient *http.Client) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrKeyFile, err)
	}

	cfg, err := google.JWTConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrKeyInvalid, err)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenFetchTimeout}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	return &Source{
		ts:        cfg.TokenSource(ctx),
		Email:     gjson.GetBytes(data, "client_email").Str,
		ProjectID: gjson.GetBytes(data, "project_id").Str,
	}, nil
}

// Token returns a valid access token, refreshing through the two-legged
// JWT flow when the cached one has expired.
func (s *Source) Token() (*oauth2.Token, error) {
	tok, err := s.ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrTokenFetch, err)
	}

	return tok, nil
}
