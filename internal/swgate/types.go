package swgate

import (
	"errors"
	"net/http"
)

// CacheEntry is a captured response as held by a cache tier.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds

	// Compressed marks a body stored brotli-encoded at rest. It is always false
	// on entries handed out by CacheStorage.
	Compressed bool
}

// Clone returns a copy that shares nothing mutable with e.
func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Values reported in the X-Swgate header and in FetchResult.Source.
const (
	SourceHit         = "hit"
	SourceMiss        = "miss"
	SourceBypass      = "bypass"
	SourceFallback    = "fallback"
	SourcePlaceholder = "placeholder"
	SourceOffline     = "offline"
	SourceBadGateway  = "bad-gateway"
)

// FetchResult is what the interceptor answers a request with.
type FetchResult struct {
	Entry  CacheEntry
	Source string
}

var (
	// ErrNotIntercepted means the request must go straight to the network.
	ErrNotIntercepted = errors.New("swgate: request not intercepted")
	// ErrNoResponse means the network failed and no fallback applies.
	ErrNoResponse = errors.New("swgate: no response available")
)
