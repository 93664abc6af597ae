package swgate

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// WorkerState is the lifecycle position of a worker version.
type WorkerState string

const (
	StateParsed     WorkerState = "parsed"
	StateInstalling WorkerState = "installing"
	StateWaiting    WorkerState = "waiting"
	StateActive     WorkerState = "active"
	StateRedundant  WorkerState = "redundant"
)

// manifestFetchers bounds concurrent manifest requests during install.
const manifestFetchers = 8

// InstallResult reports how static seeding went. A non-nil Err never fails the
// install itself.
type InstallResult struct {
	Seeded int
	Err    error
}

// OnInstall seeds the static tier from the manifest. The whole manifest is
// fetched before anything is written; one failure leaves the tier unseeded.
func (w *Worker) OnInstall(ctx context.Context) InstallResult {
	log.Printf("worker %s: installing, caching %d static assets", w.opts.Version, len(w.opts.Manifest))

	cache, err := w.deps.Caches.Open(w.opts.StaticCache)
	if err == nil {
		var items []CacheItem
		items, err = w.fetchManifest(ctx)
		if err == nil {
			err = cache.PutAll(items)
		}
		if err == nil {
			return InstallResult{Seeded: len(items)}
		}
	}
	log.Printf("worker %s: static cache failed: %v", w.opts.Version, err)
	return InstallResult{Err: err}
}

func (w *Worker) fetchManifest(ctx context.Context) ([]CacheItem, error) {
	items := make([]CacheItem, len(w.opts.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manifestFetchers)
	for i, p := range w.opts.Manifest {
		g.Go(func() error {
			ent, err := w.fetchAsset(gctx, p)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			items[i] = CacheItem{Key: p, Entry: ent}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// fetchAsset requests one manifest path. Only the gateway's own credentials
// apply, so no browser cookies are forwarded.
func (w *Worker) fetchAsset(ctx context.Context, path string) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.opts.Origin.String()+path, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := w.deps.Client.Do(req)
	if err != nil {
		w.observe(false)
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	w.observe(true)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CacheEntry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	fillContentType(&ent)
	return ent, nil
}

// OnActivate drops every cache that does not belong to this version, makes
// sure both tiers exist and claims all clients.
func (w *Worker) OnActivate(ctx context.Context) error {
	log.Printf("worker %s: activating", w.opts.Version)

	for _, name := range w.deps.Caches.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == w.opts.StaticCache || name == w.opts.DynamicCache {
			continue
		}
		log.Printf("worker %s: deleting old cache %s", w.opts.Version, name)
		if _, err := w.deps.Caches.Delete(name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
	}
	for _, name := range []string{w.opts.StaticCache, w.opts.DynamicCache} {
		if _, err := w.deps.Caches.Open(name); err != nil {
			return err
		}
	}

	n := w.deps.Clients.Claim(w.opts.Version)
	log.Printf("worker %s: claimed %d clients", w.opts.Version, n)
	return nil
}

// UpdateEvent is delivered to Registration listeners.
type UpdateEvent struct {
	Kind    string // "updatefound" | "installed" | "controllerchange" | "unregistered"
	Version string
	// UpdateAvailable is set on "installed" when another version already
	// controls the clients, i.e. the new one will be waiting.
	UpdateAvailable bool
}

// Message is posted to the registration by a page.
type Message struct {
	Type string `json:"type"`
}

const MessageSkipWaiting = "SKIP_WAITING"

// Registration owns the installing, waiting and active worker slots and the
// install prompt slot.
type Registration struct {
	updateMu sync.Mutex // serialises Register and SkipWaiting

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	listeners  []func(UpdateEvent)

	prompt InstallPrompt
}

func NewRegistration() *Registration { return &Registration{} }

// OnUpdate adds a listener for update events.
func (r *Registration) OnUpdate(fn func(UpdateEvent)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registration) emit(ev UpdateEvent) {
	r.mu.Lock()
	ls := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

func (r *Registration) Installing() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installing
}

// Prompt is the deferred install prompt slot.
func (r *Registration) Prompt() *InstallPrompt { return &r.prompt }

// Register installs w and, if it skips waiting or nothing is active yet,
// activates it. A cancelled ctx during install makes w redundant; seeding
// failures do not.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.emit(UpdateEvent{Kind: "updatefound", Version: w.Version()})

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()
	w.setState(StateInstalling)

	res := w.OnInstall(ctx)
	if err := ctx.Err(); err != nil {
		r.mu.Lock()
		r.installing = nil
		r.mu.Unlock()
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: %w", w.Version(), err)
	}
	if res.Err == nil {
		log.Printf("worker %s: installed, %d static assets cached", w.Version(), res.Seeded)
	}

	r.mu.Lock()
	r.installing = nil
	prev := r.waiting
	r.waiting = w
	hasController := r.active != nil
	r.mu.Unlock()
	if prev != nil {
		prev.setState(StateRedundant)
	}
	w.setState(StateWaiting)
	r.emit(UpdateEvent{Kind: "installed", Version: w.Version(), UpdateAvailable: hasController})

	if w.opts.SkipWaiting || !hasController {
		return r.activateWaiting(ctx)
	}
	return nil
}

// SkipWaiting activates the waiting worker, if any.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()
	return r.activateWaiting(ctx)
}

// Unregister retires the active and waiting workers so requests pass through
// untouched again. Caches are left in place. It reports whether anything was
// registered.
func (r *Registration) Unregister() bool {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.active, r.waiting = nil, nil
	r.mu.Unlock()

	if active == nil && waiting == nil {
		return false
	}
	version := ""
	for _, w := range []*Worker{waiting, active} {
		if w != nil {
			w.setState(StateRedundant)
			version = w.Version()
		}
	}
	log.Printf("worker %s: unregistered", version)
	r.emit(UpdateEvent{Kind: "unregistered", Version: version})
	return true
}

// PostMessage handles a page message. Unknown types are ignored.
func (r *Registration) PostMessage(ctx context.Context, m Message) error {
	if m.Type == MessageSkipWaiting {
		return r.SkipWaiting(ctx)
	}
	return nil
}

func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	r.waiting = nil
	old := r.active
	r.active = w
	r.mu.Unlock()

	if old != nil {
		old.setState(StateRedundant)
	}
	err := w.OnActivate(ctx)
	w.setState(StateActive)
	r.emit(UpdateEvent{Kind: "controllerchange", Version: w.Version()})
	if err != nil {
		return fmt.Errorf("activate %s: %w", w.Version(), err)
	}
	return nil
}

// PromptEvent is a captured "add to home screen" prompt.
type PromptEvent struct {
	Platforms  []string  `json:"platforms"`
	CapturedAt time.Time `json:"capturedAt"`
}

// InstallPrompt holds at most one deferred prompt. A captured prompt can be
// consumed once.
type InstallPrompt struct {
	mu sync.Mutex
	ev *PromptEvent
}

// Capture stores ev, replacing any earlier prompt.
func (p *InstallPrompt) Capture(ev PromptEvent) {
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now()
	}
	p.mu.Lock()
	p.ev = &ev
	p.mu.Unlock()
}

// ConsumeIfPresent returns the stored prompt and empties the slot.
func (p *InstallPrompt) ConsumeIfPresent() (PromptEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ev == nil {
		return PromptEvent{}, false
	}
	ev := *p.ev
	p.ev = nil
	return ev, true
}

// Clear empties the slot, e.g. once the app has been installed.
func (p *InstallPrompt) Clear() {
	p.mu.Lock()
	p.ev = nil
	p.mu.Unlock()
}
