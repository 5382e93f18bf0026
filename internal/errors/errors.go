package errors

import "errors"

// Startup errors. Any of these is fatal: the proxy must not serve
// requests without a working credential source.
var (
	ErrKeyFile    = errors.New("service account key file unreadable")
	ErrKeyInvalid = errors.New("invalid service account key")
)

// Per-request errors, contained to the failing request and surfaced to
// the caller as an HTTP error status.
var (
	ErrTokenFetch = errors.New("token fetch failed")
	ErrUpstream   = errors.New("upstream metadata request failed")
)
