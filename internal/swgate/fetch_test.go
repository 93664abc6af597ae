package swgate

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnFetch_NotIntercepted(t *testing.T) {
	f := newWorkerFixture(t)

	t.Run("POST /api/contact is never intercepted", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/contact", strings.NewReader(`{}`))
		_, err := f.worker.OnFetch(r)
		assert.ErrorIs(t, err, ErrNotIntercepted)

		// even when a GET for the same URL is cached
		dyn, err := f.caches.Open(f.worker.opts.DynamicCache)
		require.NoError(t, err)
		require.NoError(t, dyn.Put("/api/contact", CacheEntry{Status: 200, Body: []byte("cached")}))
		_, err = f.worker.OnFetch(r)
		assert.ErrorIs(t, err, ErrNotIntercepted)
	})

	t.Run("cross-origin GET is not intercepted", func(t *testing.T) {
		r := getRequest("https://fonts.example.net/inter.woff2")
		_, err := f.worker.OnFetch(r)
		assert.ErrorIs(t, err, ErrNotIntercepted)
	})
}

func TestOnFetch_MissThenOfflineHit(t *testing.T) {
	f := newWorkerFixture(t)

	res, err := f.worker.OnFetch(getRequest("/services?tab=seo"))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, res.Source)
	assert.Equal(t, http.StatusOK, res.Entry.Status)

	f.transport.offline.Store(true)
	again, err := f.worker.OnFetch(getRequest("/services?tab=seo"))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, again.Source)
	assert.Equal(t, res.Entry.Status, again.Entry.Status)
	assert.Equal(t, res.Entry.Body, again.Entry.Body)
	assert.Equal(t, res.Entry.Header.Get("Content-Type"), again.Entry.Header.Get("Content-Type"))
	assert.Equal(t, 1, f.origin.Hits("GET /services"))

	// a different query is a different request
	_, err = f.worker.OnFetch(getRequest("/services?tab=ads"))
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestOnFetch_HitSkipsNetwork(t *testing.T) {
	f := newWorkerFixture(t)
	before := f.origin.Hits("GET /manifest.json")

	res, err := f.worker.OnFetch(getRequest("/manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, res.Source)
	assert.JSONEq(t, `{"name":"NextGen Solutions"}`, string(res.Entry.Body))
	assert.Equal(t, before, f.origin.Hits("GET /manifest.json"))
}

func TestOnFetch_NonCacheableResponses(t *testing.T) {
	f := newWorkerFixture(t)
	dyn, err := f.caches.Open(f.worker.opts.DynamicCache)
	require.NoError(t, err)

	t.Run("error status is returned but not stored", func(t *testing.T) {
		res, err := f.worker.OnFetch(getRequest("/broken"))
		require.NoError(t, err)
		assert.Equal(t, SourceBypass, res.Source)
		assert.Equal(t, http.StatusInternalServerError, res.Entry.Status)
		_, ok := dyn.Match("/broken")
		assert.False(t, ok)
	})

	t.Run("response from another origin is not stored", func(t *testing.T) {
		res, err := f.worker.OnFetch(getRequest("/away"))
		require.NoError(t, err)
		assert.Equal(t, SourceBypass, res.Source)
		assert.Equal(t, "elsewhere", string(res.Entry.Body))
		_, ok := dyn.Match("/away")
		assert.False(t, ok)
	})
}

func TestOnFetch_StoredCopyIsIndependent(t *testing.T) {
	f := newWorkerFixture(t)

	res, err := f.worker.OnFetch(getRequest("/services"))
	require.NoError(t, err)
	res.Entry.Body[0] = 'X'
	res.Entry.Header.Set("Content-Type", "text/plain")

	dyn, err := f.caches.Open(f.worker.opts.DynamicCache)
	require.NoError(t, err)
	stored, ok := dyn.Match("/services")
	require.True(t, ok)
	assert.Equal(t, byte('<'), stored.Body[0])
	assert.Equal(t, "text/html; charset=utf-8", stored.Header.Get("Content-Type"))
}

func TestOnFetch_OfflineFallbacks(t *testing.T) {
	t.Run("navigation gets the cached root document", func(t *testing.T) {
		f := newWorkerFixture(t)
		f.transport.offline.Store(true)

		res, err := f.worker.OnFetch(getRequest("/dashboard", "Sec-Fetch-Mode", "navigate", "Sec-Fetch-Dest", "document"))
		require.NoError(t, err)
		assert.Equal(t, SourceFallback, res.Source)
		assert.Contains(t, string(res.Entry.Body), "NextGen home")
	})

	t.Run("navigation fails when root is not cached", func(t *testing.T) {
		f := newWorkerFixture(t)
		_, err := f.caches.Delete(f.worker.opts.StaticCache)
		require.NoError(t, err)
		f.transport.offline.Store(true)

		_, err = f.worker.OnFetch(getRequest("/dashboard", "Sec-Fetch-Mode", "navigate"))
		assert.ErrorIs(t, err, ErrNoResponse)
	})

	t.Run("image gets the svg placeholder", func(t *testing.T) {
		f := newWorkerFixture(t)
		f.transport.offline.Store(true)

		res, err := f.worker.OnFetch(getRequest("/img/logo.png", "Sec-Fetch-Dest", "image", "Sec-Fetch-Mode", "no-cors"))
		require.NoError(t, err)
		assert.Equal(t, SourcePlaceholder, res.Source)
		assert.Equal(t, http.StatusOK, res.Entry.Status)
		assert.Equal(t, "image/svg+xml", res.Entry.Header.Get("Content-Type"))
		body := string(res.Entry.Body)
		assert.Contains(t, body, "Image unavailable offline")
		assert.Contains(t, body, `width="400" height="300"`)
		assert.Contains(t, body, `fill="#f3f4f6"`)
		assert.Contains(t, body, `fill="#9ca3af"`)
	})

	t.Run("other destinations fail", func(t *testing.T) {
		f := newWorkerFixture(t)
		f.transport.offline.Store(true)

		_, err := f.worker.OnFetch(getRequest("/_next/static/chunks/app.js", "Sec-Fetch-Dest", "script"))
		require.ErrorIs(t, err, ErrNoResponse)
		assert.False(t, errors.Is(err, ErrNotIntercepted))
	})
}

func TestOnFetch_ReportsConnectivity(t *testing.T) {
	f := newWorkerFixture(t)
	conn := NewConnectivity()
	f.worker.deps.Conn = conn

	f.transport.offline.Store(true)
	_, _ = f.worker.OnFetch(getRequest("/services"))
	assert.False(t, conn.Online())

	f.transport.offline.Store(false)
	_, err := f.worker.OnFetch(getRequest("/services"))
	require.NoError(t, err)
	assert.True(t, conn.Online())
}

func TestOnFetch_UntypedResponseKeepsOneType(t *testing.T) {
	f := newWorkerFixture(t)

	res, err := f.worker.OnFetch(getRequest("/untyped"))
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)
	ct := res.Entry.Header.Get("Content-Type")
	assert.True(t, strings.HasPrefix(ct, "text/html"), ct)

	f.transport.offline.Store(true)
	res, err = f.worker.OnFetch(getRequest("/untyped"))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, res.Source)
	assert.Equal(t, ct, res.Entry.Header.Get("Content-Type"))
}

func TestSameOrigin(t *testing.T) {
	origin, _ := url.Parse("https://nextgen.example")
	for raw, want := range map[string]bool{
		"/services":                      true,
		"https://nextgen.example/x":      true,
		"https://NEXTGEN.example/x":      true,
		"http://nextgen.example/x":       false,
		"https://nextgen.example:8443/x": false,
		"https://internal.example/admin": false,
		"https://cdn.example.net/app.js": false,
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, sameOrigin(origin, u), raw)
	}
	assert.True(t, sameOrigin(origin, nil))
}
