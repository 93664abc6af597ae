package swgate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("dial tcp: connect: network is unreachable")

// flakyTransport fails every round trip while offline is set.
type flakyTransport struct {
	offline atomic.Bool
	next    http.RoundTripper
}

func (t *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return nil, errOffline
	}
	return t.next.RoundTrip(r)
}

func newFlakyClient() (*http.Client, *flakyTransport) {
	tr := &flakyTransport{next: http.DefaultTransport}
	return &http.Client{Transport: tr}, tr
}

// testOrigin is a small stand-in for the NextGen site.
type testOrigin struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	contacts [][]byte
	// contactStatus is answered to POST /api/contact; 0 means 200.
	contactStatus atomic.Int32
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: map[string]int{}}
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("elsewhere"))
	}))
	t.Cleanup(other.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>NextGen home</body></html>"))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		w.Write([]byte(`{"name":"NextGen Solutions"}`))
	})
	mux.HandleFunc("/icons/icon-192x192.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	})
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>services " + r.URL.RawQuery + "</body></html>"))
	})
	mux.HandleFunc("/untyped", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte("<!DOCTYPE html><html><body>sniff me</body></html>"))
	})
	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte(`{"plan":"pro"}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/away", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/landing", http.StatusFound)
	})
	mux.HandleFunc("POST /api/contact", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.contacts = append(o.contacts, b)
		o.mu.Unlock()
		if st := o.contactStatus.Load(); st != 0 {
			w.WriteHeader(int(st))
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.Method+" "+r.URL.Path]++
		o.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(o.Server.Close)
	return o
}

func (o *testOrigin) Hits(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[key]
}

func (o *testOrigin) Contacts() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.contacts...)
}

func (o *testOrigin) OriginURL() *url.URL {
	u, _ := url.Parse(o.Server.URL)
	return u
}

func newTestStorage(t *testing.T) *CacheStorage {
	t.Helper()
	cs, err := OpenCacheStorage(filepath.Join(t.TempDir(), "caches"), 1<<20, 1<<10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

var testManifest = []string{"/", "/manifest.json", "/icons/icon-192x192.png"}

func testWorkerOptions(origin *url.URL, version string) WorkerOptions {
	return WorkerOptions{
		Version:      version,
		StaticCache:  "nextgen-static-" + version,
		DynamicCache: "nextgen-dynamic-" + version,
		Origin:       origin,
		Manifest:     append([]string(nil), testManifest...),
		SkipWaiting:  true,
		SyncTag:      defaultSyncTag,
		Push: PushOptions{
			Title:       "NextGen Solutions",
			DefaultBody: "New update available!",
			Icon:        "/icons/icon-192x192.png",
			Badge:       "/icons/icon-96x96.png",
		},
	}
}

type workerFixture struct {
	origin    *testOrigin
	transport *flakyTransport
	caches    *CacheStorage
	clients   *Clients
	reg       *Registration
	worker    *Worker
}

// newWorkerFixture builds an installed and activated v1 worker.
func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		origin:  newTestOrigin(t),
		caches:  newTestStorage(t),
		clients: NewClients(0),
		reg:     NewRegistration(),
	}
	client, tr := newFlakyClient()
	f.transport = tr
	f.worker = NewWorker(testWorkerOptions(f.origin.OriginURL(), "v1"), WorkerDeps{
		Client:  client,
		Caches:  f.caches,
		Clients: f.clients,
	})
	require.NoError(t, f.reg.Register(context.Background(), f.worker))
	return f
}

func getRequest(target string, headers ...string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	return r
}
