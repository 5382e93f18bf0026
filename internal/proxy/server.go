// Package proxy implements the metadata impersonation server: an HTTP
// surface mimicking the GCE instance metadata API closely enough for
// debugger-agent tooling to authenticate. The token and scopes routes
// are answered locally from a service account key; every other request
// is relayed to the real metadata service.
package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	proxyerrors "github.com/znly/cloud-debug-proxy/internal/errors"
)

const (
	tokenPath  = "/computeMetadata/v1/instance/service-accounts/default/token"
	scopesPath = "/computeMetadata/v1/instance/service-accounts/default/scopes"

	// upstreamHost is the well-known hostname of the real metadata
	// service. Not configurable in production; tests inject a double
	// through Config.UpstreamURL.
	upstreamHost = "metadata.google.internal"

	// defaultUpstreamTimeout bounds passthrough calls so a hung
	// upstream cannot pin handler goroutines indefinitely.
	defaultUpstreamTimeout = 30 * time.Second
)

// TokenSource mints OAuth2 access tokens. Satisfied by
// credentials.Source and by oauth2.TokenSource. Implementations must be
// safe for concurrent use.
type TokenSource interface {
	Token() (*oauth2.Token, error)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Config holds dependencies for building a Server.
type Config struct {
	// Tokens answers the token route. Required.
	Tokens TokenSource

	// Scopes is served verbatim, one per line, by the scopes route.
	// Required, immutable after construction.
	Scopes []string

	// UpstreamURL overrides the real metadata service origin. Empty
	// means http://metadata.google.internal. Tests use this to stand
	// in an httptest double.
	UpstreamURL string

	// UpstreamTimeout bounds each passthrough round trip. Zero means
	// defaultUpstreamTimeout.
	UpstreamTimeout time.Duration

	// Logger for per-request diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Server is the metadata impersonation proxy. All fields are read-only
// after New, so handlers share no mutable state and need no locking.
type Server struct {
	tokens   TokenSource
	scopes   []string
	upstream *url.URL
	client   *http.Client
	logger   *slog.Logger
}

// New builds a Server from cfg, applying upstream and timeout defaults.
func New(cfg Config) (*Server, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("proxy: token source is required")
	}

	if len(cfg.Scopes) == 0 {
		return nil, fmt.Errorf("proxy: scope list is required")
	}

	upstream := &url.URL{Scheme: "http", Host: upstreamHost}
	if cfg.UpstreamURL != "" {
		u, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("proxy: parsing upstream URL: %w", err)
		}
		upstream = u
	}

	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		tokens:   cfg.Tokens,
		scopes:   cfg.Scopes,
		upstream: upstream,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

// Handler builds the request mux. The two intercepted routes are
// registered for GET only; any other method on those paths falls
// through to the wildcard passthrough, matching the rule that every
// non-intercepted request reaches the real metadata service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+tokenPath, s.handleToken)
	mux.HandleFunc("GET "+scopesPath, s.handleScopes)
	mux.HandleFunc("/", s.handlePassthrough)

	return mux
}

// handleToken mints a fresh access token for the configured scopes.
// expires_in is the floor of the seconds remaining until expiry,
// computed at response time and never cached: it decays with
// wall-clock time. A stale token yields a negative value rather than a
// clamped zero.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("intercepting token call", slog.String("remote", r.RemoteAddr))

	tok, err := s.tokens.Token()
	if err != nil {
		// Never a zero-length 200: the agent would parse the empty
		// body as JSON and fail with a worse diagnostic.
		s.logger.Error("minting token",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		http.Error(w, "token fetch failed", http.StatusBadGateway)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	resp := tokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   int(math.Floor(tok.Expiry.Sub(time.Now().UTC()).Seconds())),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("writing token response", slog.String("error", err.Error()))
	}
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("intercepting scopes call", slog.String("remote", r.RemoteAddr))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, strings.Join(s.scopes, "\n"))
}

// handlePassthrough relays the request to the real metadata service:
// method, path, query, headers and body verbatim, only the origin
// replaced. The upstream status code is mirrored so upstream errors are
// never masked as success.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("forwarding to metadata service",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
	)

	target := *s.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		s.logger.Error("building upstream request", slog.String("error", err.Error()))
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}
	out.Header = r.Header.Clone()
	out.ContentLength = r.ContentLength

	resp, err := s.client.Do(out)
	if err != nil {
		err = fmt.Errorf("%w: %v", proxyerrors.ErrUpstream, err)
		s.logger.Error("reaching metadata service", slog.String("error", err.Error()))
		http.Error(w, "upstream metadata service unreachable", http.StatusBadGateway)

		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already out; all we can do is log.
		s.logger.Warn("relaying upstream body", slog.String("error", err.Error()))
	}
}

// hopByHopHeaders are connection-scoped per RFC 9110 §7.6.1 and must
// not be relayed to the caller.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyResponseHeaders relays upstream headers onto dst, dropping the
// hop-by-hop set plus anything the upstream nominated in Connection.
func copyResponseHeaders(dst, src http.Header) {
	drop := make(map[string]bool, len(hopByHopHeaders))
	for _, key := range hopByHopHeaders {
		drop[key] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[textproto.CanonicalMIMEHeaderKey(name)] = true
			}
		}
	}

	for key, values := range src {
		if drop[key] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
