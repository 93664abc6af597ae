package swgate

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swgate/internal/formqueue"
)

const (
	clientCookie = "swgate-client"
	maxFormBytes = 1 << 20
)

// ErrInvalidVersion is returned by Install for a version that cannot name a
// cache.
var ErrInvalidVersion = errors.New("invalid worker version")

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,31}$`)

// Service is the gateway process: storage, the worker registration, the
// background loops and the HTTP surface.
type Service struct {
	cfg Config

	// httpClient follows redirects like fetch does; passClient hands
	// redirects back to the browser untouched.
	httpClient *http.Client
	passClient *http.Client

	caches   *CacheStorage
	queue    *formqueue.Store
	clients  *Clients
	conn     *Connectivity
	reg      *Registration
	replayer *Replayer
	sync     *SyncManager
	notifier Notifier
	stats    *statsCollector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

// WithNotifier replaces the logging notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithHTTPClient replaces the client used for origin requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// NewService opens the cache and queue storage under cfg.Storage.Dir and
// starts the background loops. No worker is installed until Install runs.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.origin == nil {
		if err := cfg.compile(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	caches, err := OpenCacheStorage(filepath.Join(cfg.Storage.Dir, "caches"), cfg.ramMax, cfg.compressAbove)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}
	queue, err := formqueue.Open(cfg.Storage.Dir)
	if err != nil {
		_ = caches.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		caches:     caches,
		queue:      queue,
		clients:    NewClients(cfg.Server.MaxClients),
		conn:       NewConnectivity(),
		reg:        NewRegistration(),
		notifier:   LogNotifier{},
		stats:      newStatsCollector(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	s.passClient = &http.Client{
		Transport: s.httpClient.Transport,
		Timeout:   s.httpClient.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	s.replayer = NewReplayer(queue, s.httpClient, cfg.Server.Origin+cfg.Sync.Endpoint, cfg.ReplayPolicy())
	s.sync = NewSyncManager(ctx, s.conn, s.fireSync)

	s.reg.OnUpdate(func(ev UpdateEvent) {
		if ev.Kind == "installed" && ev.UpdateAvailable {
			log.Printf("update available: worker %s is waiting, post %s to activate it", ev.Version, MessageSkipWaiting)
		}
	})

	if cfg.logStatsEveryDur > 0 {
		s.loop(cfg.logStatsEveryDur, s.logStats)
	}
	if cfg.probeEveryDur > 0 {
		s.loop(cfg.probeEveryDur, s.probe)
	}
	if cfg.clientTTLDur > 0 {
		s.loop(min(cfg.clientTTLDur, time.Minute), s.expireClients)
	}
	return s, nil
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.sync.Close()
	_ = s.caches.Close()
	_ = s.queue.Close()
}

func (s *Service) Registration() *Registration { return s.reg }
func (s *Service) Caches() *CacheStorage       { return s.caches }
func (s *Service) Queue() *formqueue.Store     { return s.queue }
func (s *Service) Connectivity() *Connectivity { return s.conn }
func (s *Service) Clients() *Clients           { return s.clients }

// Install registers a worker for version (the configured one when empty). The
// precache sitemaps, if any, extend its manifest.
func (s *Service) Install(ctx context.Context, version string) error {
	if version != "" && !versionPattern.MatchString(version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	opts := WorkerOptionsFromConfig(&s.cfg)
	if version != "" && version != opts.Version {
		opts.Version = version
		opts.StaticCache = s.cfg.Cache.Prefix + "-static-" + version
		opts.DynamicCache = s.cfg.Cache.Prefix + "-dynamic-" + version
	}
	if len(s.cfg.Precache.Sitemaps) > 0 {
		extra, err := discoverPrecache(ctx, s.httpClient, s.cfg.origin, s.cfg.Precache.Sitemaps)
		if err != nil {
			log.Printf("precache discovery: %v", err)
		}
		opts.Manifest = mergeManifest(opts.Manifest, extra)
		log.Printf("precache discovery: %d paths added from sitemaps", len(opts.Manifest)-len(s.cfg.Cache.Manifest))
	}

	w := NewWorker(opts, WorkerDeps{
		Client:   s.httpClient,
		Caches:   s.caches,
		Clients:  s.clients,
		Replayer: s.replayer,
		Notifier: s.notifier,
		Conn:     s.conn,
	})
	return s.reg.Register(ctx, w)
}

func (s *Service) fireSync(ctx context.Context, tag string) error {
	w := s.reg.Active()
	if w == nil {
		return errors.New("no active worker")
	}
	_, err := w.OnSync(ctx, tag)
	return err
}

func (s *Service) loop(every time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

func (s *Service) probe() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.Server.Origin+"/", nil)
	if err != nil {
		return
	}
	resp, err := s.passClient.Do(req)
	if err != nil {
		if s.ctx.Err() == nil {
			s.conn.Observe(false)
		}
		return
	}
	resp.Body.Close()
	s.conn.Observe(true)
}

func (s *Service) expireClients() {
	if n := s.clients.Expire(time.Now().Add(-s.cfg.clientTTLDur)); n > 0 {
		log.Printf("clients: forgot %d idle clients", n)
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	pending, _ := s.queue.Len(s.ctx)
	rss := "n/a"
	if b, ok := processRSSBytes(); ok {
		rss = formatBytes(b)
	}
	log.Printf(
		"Caches: %d entries in %d tiers, RAM: %s, hit/miss/fallback/offline %d/%d/%d/%d, Resp min/avg/max %s/%s/%s, pending forms: %d, RSS: %s",
		s.caches.EntryCount(),
		len(s.caches.Keys()),
		formatBytes(uint64(s.caches.RAMSize())),
		ss.Hits, ss.Misses, ss.Fallbacks, ss.Offline,
		formatBytes(ss.MinBytes),
		formatBytes(ss.AvgBytes),
		formatBytes(ss.MaxBytes),
		pending,
		rss,
	)
}

// ---- HTTP ----

// Handler serves site traffic plus the page-facing endpoints under the admin
// prefix. Nothing else under the prefix reaches the origin.
func (s *Service) Handler() http.Handler {
	p := s.cfg.Server.AdminPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+p+"/forms", s.handleEnqueueForm)
	mux.HandleFunc("POST "+p+"/message", s.handleMessage)
	mux.HandleFunc(p+"/", http.NotFound)
	mux.HandleFunc("/", s.handle)
	return mux
}

// AdminHandler serves the operator endpoints. It belongs on the admin
// listener; with server.adminToken set every request needs that bearer token.
func (s *Service) AdminHandler() http.Handler {
	p := s.cfg.Server.AdminPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+p+"/status", s.handleStatus)
	mux.HandleFunc("POST "+p+"/sync", s.handleSync)
	mux.HandleFunc("POST "+p+"/update", s.handleUpdate)
	mux.HandleFunc("DELETE "+p+"/registration", s.handleUnregister)
	mux.HandleFunc("POST "+p+"/push", s.handlePush)
	mux.HandleFunc("POST "+p+"/notificationclick", s.handleNotificationClick)
	mux.HandleFunc("POST "+p+"/install-prompt", s.handleCapturePrompt)
	mux.HandleFunc("POST "+p+"/install-prompt/show", s.handleShowPrompt)
	mux.HandleFunc("DELETE "+p+"/install-prompt", s.handleClearPrompt)
	if s.cfg.Server.AdminToken == "" {
		return mux
	}
	return requireToken(s.cfg.Server.AdminToken, mux)
}

func requireToken(token string, next http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="swgate"`)
			writeJSONError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	worker := s.reg.Active()
	if worker == nil {
		s.proxyPass(w, r)
		return
	}
	if isNavigation(r) {
		s.trackClient(w, r, worker.Version())
	}

	res, err := worker.OnFetch(r)
	switch {
	case errors.Is(err, ErrNotIntercepted):
		s.proxyPass(w, r)
		return
	case err != nil:
		s.stats.Observe(SourceOffline, 0)
		setSwgateHeaders(w.Header(), SourceOffline)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	s.stats.Observe(res.Source, len(res.Entry.Body))
	writeEntry(w, res.Entry, res.Source)
}

func (s *Service) trackClient(w http.ResponseWriter, r *http.Request, controller string) {
	var id uuid.UUID
	if c, err := r.Cookie(clientCookie); err == nil {
		id, _ = uuid.Parse(c.Value)
	}
	if id == uuid.Nil {
		id = uuid.New()
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookie,
			Value:    id.String(),
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	cl := s.clients.Touch(id, r.URL.RequestURI(), controller)
	w.Header().Set("X-Swgate-Controller", cl.Controller)
}

// proxyPass forwards a request the worker does not intercept to the origin,
// streaming both ways. Absolute URLs naming another origin are refused; the
// gateway only ever dials its configured origin.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	if !sameOrigin(s.cfg.origin, r.URL) {
		http.Error(w, "cross-origin requests are not forwarded", http.StatusBadRequest)
		return
	}
	target := s.cfg.Server.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	resp, err := s.passClient.Do(req)
	if err != nil {
		s.conn.Observe(false)
		setSwgateHeaders(w.Header(), SourceBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	s.conn.Observe(true)

	copyHeaders(w.Header(), resp.Header)
	setSwgateHeaders(w.Header(), SourceBypass)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "X-Swgate") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwgateHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSwgateHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Swgate", source)
	}
	// Custom headers are unreadable from cross-origin JS unless exposed.
	ensureExposedHeader(h, "X-Swgate")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type CacheStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type StatusReport struct {
	Active       string        `json:"active,omitempty"`
	Waiting      string        `json:"waiting,omitempty"`
	Installing   string        `json:"installing,omitempty"`
	Caches       []CacheStatus `json:"caches"`
	Online       bool          `json:"online"`
	PendingForms int           `json:"pendingForms"`
	PendingSyncs []string      `json:"pendingSyncs"`
	Clients      []Client      `json:"clients"`
	Stats        statsSnapshot `json:"stats"`
}

func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	out := StatusReport{
		Online:       s.conn.Online(),
		PendingSyncs: s.sync.Pending(),
		Clients:      s.clients.MatchAll(),
		Stats:        s.stats.Snapshot(),
	}
	if w := s.reg.Active(); w != nil {
		out.Active = w.Version()
	}
	if w := s.reg.Waiting(); w != nil {
		out.Waiting = w.Version()
	}
	if w := s.reg.Installing(); w != nil {
		out.Installing = w.Version()
	}
	for _, name := range s.caches.Keys() {
		c, err := s.caches.Open(name)
		if err != nil {
			return out, err
		}
		out.Caches = append(out.Caches, CacheStatus{Name: name, Entries: len(c.Keys())})
	}
	n, err := s.queue.Len(ctx)
	if err != nil {
		return out, err
	}
	out.PendingForms = n
	return out, nil
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleEnqueueForm stores a submission that could not reach the origin and
// asks for a background sync. The page treats 202 as success.
func (s *Service) handleEnqueueForm(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxFormBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, errors.New("form too large"))
		return
	}
	if !json.Valid(body) {
		writeJSONError(w, http.StatusBadRequest, errors.New("body must be JSON"))
		return
	}
	id, err := s.queue.Enqueue(r.Context(), json.RawMessage(body))
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	log.Printf("form %d queued for offline submission", id)
	s.sync.Register(s.cfg.Sync.Tag)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "queued": true})
}

// handleSync runs a sync tag synchronously and reports the replay.
func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = s.cfg.Sync.Tag
	}
	worker := s.reg.Active()
	if worker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("no active worker"))
		return
	}
	rep, err := worker.OnSync(r.Context(), tag)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&m); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.reg.PostMessage(r.Context(), m); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	err := s.Install(r.Context(), r.URL.Query().Get("version"))
	switch {
	case errors.Is(err, ErrInvalidVersion):
		writeJSONError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	s.handleStatus(w, r)
}

// handleUnregister retires the workers; site traffic passes straight through
// afterwards and the caches stay until the next activation.
func (s *Service) handleUnregister(w http.ResponseWriter, _ *http.Request) {
	if !s.reg.Unregister() {
		writeJSONError(w, http.StatusNotFound, errors.New("no worker registered"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	worker := s.reg.Active()
	if worker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("no active worker"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	n, err := worker.OnPush(r.Context(), payload)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	worker := s.reg.Active()
	if worker == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("no active worker"))
		return
	}
	cl, opened := worker.OnNotificationClick(r.Context(), r.URL.Query().Get("action"))
	if !opened {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, cl)
}

func (s *Service) handleCapturePrompt(w http.ResponseWriter, r *http.Request) {
	var ev PromptEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&ev); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.reg.Prompt().Capture(ev)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleShowPrompt(w http.ResponseWriter, _ *http.Request) {
	ev, ok := s.reg.Prompt().ConsumeIfPresent()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"shown": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shown": true, "prompt": ev})
}

func (s *Service) handleClearPrompt(w http.ResponseWriter, _ *http.Request) {
	s.reg.Prompt().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
