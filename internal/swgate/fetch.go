package swgate

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const offlineImageSVG = `<svg width="400" height="300" xmlns="http://www.w3.org/2000/svg"><rect width="100%" height="100%" fill="#f3f4f6"/><text x="50%" y="50%" text-anchor="middle" dy=".3em" fill="#9ca3af">Image unavailable offline</text></svg>`

// OnFetch answers a request from the cache tiers or the network.
//
// Non-GET and cross-origin requests return ErrNotIntercepted. Cache hits are
// served as stored, without revalidation. Misses go to the origin; plain 200
// same-origin responses are copied into the dynamic tier. When the origin is
// unreachable, navigations fall back to the cached root document and images
// to an SVG placeholder; everything else returns an error wrapping
// ErrNoResponse.
func (w *Worker) OnFetch(r *http.Request) (FetchResult, error) {
	if r.Method != http.MethodGet {
		return FetchResult{}, ErrNotIntercepted
	}
	if !sameOrigin(w.opts.Origin, r.URL) {
		return FetchResult{}, ErrNotIntercepted
	}

	key := requestKey(r.URL)
	if ent, ok := w.deps.Caches.Match(key); ok {
		return FetchResult{Entry: ent, Source: SourceHit}, nil
	}

	ent, final, err := w.fetchNetwork(r, key)
	if err != nil {
		w.observe(false)
		return w.fallback(r, err)
	}
	w.observe(true)

	if ent.Status != http.StatusOK || !sameOrigin(w.opts.Origin, final) {
		return FetchResult{Entry: ent, Source: SourceBypass}, nil
	}

	dyn, err := w.deps.Caches.Open(w.opts.DynamicCache)
	if err == nil {
		err = dyn.Put(key, ent.Clone())
	}
	if err != nil {
		w.failLog.Printf("worker %s: caching %s failed: %v", w.opts.Version, key, err)
	}
	return FetchResult{Entry: ent, Source: SourceMiss}, nil
}

func (w *Worker) fetchNetwork(r *http.Request, key string) (CacheEntry, *url.URL, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, w.opts.Origin.String()+key, nil)
	if err != nil {
		return CacheEntry{}, nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := w.deps.Client.Do(req)
	if err != nil {
		return CacheEntry{}, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, nil, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	fillContentType(&ent)

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return ent, final, nil
}

func (w *Worker) fallback(r *http.Request, netErr error) (FetchResult, error) {
	switch {
	case isNavigation(r):
		if ent, ok := w.deps.Caches.Match("/"); ok {
			return FetchResult{Entry: ent, Source: SourceFallback}, nil
		}
	case requestDestination(r) == "image":
		return FetchResult{Entry: offlineImage(), Source: SourcePlaceholder}, nil
	}
	log.Printf("worker %s: %s %s offline: %v", w.opts.Version, r.Method, r.URL.RequestURI(), netErr)
	return FetchResult{}, fmt.Errorf("%w: %v", ErrNoResponse, netErr)
}

func offlineImage() CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "image/svg+xml")
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   h,
		Body:     []byte(offlineImageSVG),
		StoredAt: time.Now().Unix(),
	}
}

// sameOrigin reports whether u belongs to origin. Relative URLs, as received
// by the server, are same-origin.
func sameOrigin(origin, u *url.URL) bool {
	if u == nil || u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// fillContentType sniffs a missing Content-Type before the entry is served or
// stored, so the online answer and any later cached copy carry the same type.
func fillContentType(ent *CacheEntry) {
	if ent.Header.Get("Content-Type") != "" || len(ent.Body) == 0 {
		return
	}
	ent.Header.Set("Content-Type", mimetype.Detect(ent.Body).String())
}

// requestKey is the cache identity of a GET request: path plus query.
func requestKey(u *url.URL) string {
	return u.RequestURI()
}

func isNavigation(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate")
}

func requestDestination(r *http.Request) string {
	return strings.ToLower(r.Header.Get("Sec-Fetch-Dest"))
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
