package swgate

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WorkerOptions describes one deployable worker version.
type WorkerOptions struct {
	Version      string
	StaticCache  string
	DynamicCache string
	Origin       *url.URL
	Manifest     []string
	SkipWaiting  bool
	SyncTag      string
	Push         PushOptions
}

// WorkerOptionsFromConfig builds the options of the configured version.
func WorkerOptionsFromConfig(cfg *Config) WorkerOptions {
	return WorkerOptions{
		Version:      cfg.Cache.Version,
		StaticCache:  cfg.StaticCacheName(),
		DynamicCache: cfg.DynamicCacheName(),
		Origin:       cfg.origin,
		Manifest:     append([]string(nil), cfg.Cache.Manifest...),
		SkipWaiting:  *cfg.Cache.SkipWaiting,
		SyncTag:      cfg.Sync.Tag,
		Push: PushOptions{
			Title:       cfg.Push.Title,
			DefaultBody: cfg.Push.DefaultBody,
			Icon:        cfg.Push.Icon,
			Badge:       cfg.Push.Badge,
		},
	}
}

// WorkerDeps are the collaborators a worker shares with the rest of the
// process. Conn and Notifier may be nil.
type WorkerDeps struct {
	Client   Doer
	Caches   *CacheStorage
	Clients  *Clients
	Replayer *Replayer
	Notifier Notifier
	Conn     *Connectivity
}

// Worker is one version of the offline engine. Its On* methods are the
// handlers for the lifecycle, fetch, sync and push events; the Registration
// decides when each one runs.
type Worker struct {
	opts WorkerOptions
	deps WorkerDeps

	mu    sync.Mutex
	state WorkerState

	failLog *rateLimitedLogger
}

func NewWorker(opts WorkerOptions, deps WorkerDeps) *Worker {
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	if deps.Clients == nil {
		deps.Clients = NewClients(0)
	}
	return &Worker{
		opts:    opts,
		deps:    deps,
		state:   StateParsed,
		failLog: newRateLimitedLogger(1 * time.Minute),
	}
}

func (w *Worker) Version() string { return w.opts.Version }

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		log.Printf("worker %s: %s -> %s", w.opts.Version, prev, s)
	}
}

// OnSync handles a deferred-execution signal. Only the configured form tag is
// acted on; any other tag is ignored.
func (w *Worker) OnSync(ctx context.Context, tag string) (ReplayReport, error) {
	log.Printf("worker %s: background sync %q", w.opts.Version, tag)
	if tag != w.opts.SyncTag || w.deps.Replayer == nil {
		return ReplayReport{}, nil
	}
	return w.deps.Replayer.Replay(ctx)
}

func (w *Worker) observe(online bool) {
	if w.deps.Conn != nil {
		w.deps.Conn.Observe(online)
	}
}
