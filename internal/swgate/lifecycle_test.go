package swgate

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnInstall_SeedsWholeManifest(t *testing.T) {
	f := newWorkerFixture(t)

	static, err := f.caches.Open("nextgen-static-v1")
	require.NoError(t, err)
	assert.ElementsMatch(t, testManifest, static.Keys())
	for _, p := range testManifest {
		ent, ok := static.Match(p)
		require.True(t, ok, p)
		assert.Equal(t, 200, ent.Status)
		assert.NotEmpty(t, ent.Body)
	}
	assert.Equal(t, StateActive, f.worker.State())
}

func TestOnInstall_FailureStoresNothing(t *testing.T) {
	origin := newTestOrigin(t)
	caches := newTestStorage(t)
	client, _ := newFlakyClient()

	opts := testWorkerOptions(origin.OriginURL(), "v1")
	opts.Manifest = append(opts.Manifest, "/broken")
	w := NewWorker(opts, WorkerDeps{Client: client, Caches: caches})

	res := w.OnInstall(context.Background())
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "/broken")
	assert.Zero(t, res.Seeded)

	static, err := caches.Open(opts.StaticCache)
	require.NoError(t, err)
	assert.Empty(t, static.Keys())
}

func TestRegister_SeedingFailureIsNotFatal(t *testing.T) {
	origin := newTestOrigin(t)
	caches := newTestStorage(t)
	client, tr := newFlakyClient()
	tr.offline.Store(true)

	w := NewWorker(testWorkerOptions(origin.OriginURL(), "v1"), WorkerDeps{Client: client, Caches: caches})
	reg := NewRegistration()
	require.NoError(t, reg.Register(context.Background(), w))

	assert.Equal(t, StateActive, w.State())
	assert.Same(t, w, reg.Active())
	_, ok := caches.Match("/")
	assert.False(t, ok)
}

func TestRegister_CancelledInstallIsRedundant(t *testing.T) {
	origin := newTestOrigin(t)
	caches := newTestStorage(t)
	client, _ := newFlakyClient()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(testWorkerOptions(origin.OriginURL(), "v1"), WorkerDeps{Client: client, Caches: caches})
	reg := NewRegistration()
	err := reg.Register(ctx, w)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateRedundant, w.State())
	assert.Nil(t, reg.Active())
	assert.Nil(t, reg.Installing())
	assert.Nil(t, reg.Waiting())
}

func TestOnActivate_DropsOtherVersions(t *testing.T) {
	f := newWorkerFixture(t)

	for _, name := range []string{"nextgen-static-v0", "nextgen-dynamic-v0", "unrelated"} {
		c, err := f.caches.Open(name)
		require.NoError(t, err)
		require.NoError(t, c.Put("/old", CacheEntry{Status: 200, Body: []byte("old")}))
	}

	require.NoError(t, f.worker.OnActivate(context.Background()))
	assert.ElementsMatch(t, []string{"nextgen-static-v1", "nextgen-dynamic-v1"}, f.caches.Keys())
	_, ok := f.caches.Match("/old")
	assert.False(t, ok)
}

func TestRegister_UpdateWithSkipWaiting(t *testing.T) {
	f := newWorkerFixture(t)
	reg := f.reg

	tab := f.clients.Touch(uuid.New(), "/", "v1")
	require.Equal(t, "v1", tab.Controller)

	client, _ := newFlakyClient()
	v2 := NewWorker(testWorkerOptions(f.origin.OriginURL(), "v2"), WorkerDeps{
		Client:  client,
		Caches:  f.caches,
		Clients: f.clients,
	})

	var mu sync.Mutex
	var events []UpdateEvent
	reg.OnUpdate(func(ev UpdateEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, reg.Register(context.Background(), v2))

	assert.Equal(t, StateActive, v2.State())
	assert.Equal(t, StateRedundant, f.worker.State())
	assert.Same(t, v2, reg.Active())
	assert.ElementsMatch(t, []string{"nextgen-static-v2", "nextgen-dynamic-v2"}, f.caches.Keys())

	got, ok := f.clients.Get(tab.ID)
	require.True(t, ok)
	assert.Equal(t, "v2", got.Controller)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "updatefound", events[0].Kind)
	assert.Equal(t, "installed", events[1].Kind)
	assert.True(t, events[1].UpdateAvailable)
	assert.Equal(t, "controllerchange", events[2].Kind)
	assert.Equal(t, "v2", events[2].Version)
}

func TestRegister_WaitsUntilSkipWaitingMessage(t *testing.T) {
	f := newWorkerFixture(t)
	reg := f.reg

	client, _ := newFlakyClient()
	opts := testWorkerOptions(f.origin.OriginURL(), "v2")
	opts.SkipWaiting = false
	v2 := NewWorker(opts, WorkerDeps{Client: client, Caches: f.caches, Clients: f.clients})

	require.NoError(t, reg.Register(context.Background(), v2))
	assert.Equal(t, StateWaiting, v2.State())
	assert.Same(t, v2, reg.Waiting())
	assert.Same(t, f.worker, reg.Active())
	// v1 still serves, and both versions' static tiers exist until activation
	assert.True(t, f.caches.Has("nextgen-static-v1"))
	assert.True(t, f.caches.Has("nextgen-static-v2"))

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: "PING"}))
	assert.Equal(t, StateWaiting, v2.State())

	require.NoError(t, reg.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}))
	assert.Equal(t, StateActive, v2.State())
	assert.Equal(t, StateRedundant, f.worker.State())
	assert.Nil(t, reg.Waiting())
	assert.False(t, f.caches.Has("nextgen-static-v1"))

	// nothing waiting: no-op
	require.NoError(t, reg.SkipWaiting(context.Background()))
	assert.Same(t, v2, reg.Active())
}

func TestRegister_NewerWaitingReplacesOlder(t *testing.T) {
	f := newWorkerFixture(t)
	reg := f.reg

	client, _ := newFlakyClient()
	mk := func(version string) *Worker {
		opts := testWorkerOptions(f.origin.OriginURL(), version)
		opts.SkipWaiting = false
		return NewWorker(opts, WorkerDeps{Client: client, Caches: f.caches, Clients: f.clients})
	}
	v2, v3 := mk("v2"), mk("v3")
	require.NoError(t, reg.Register(context.Background(), v2))
	require.NoError(t, reg.Register(context.Background(), v3))

	assert.Equal(t, StateRedundant, v2.State())
	assert.Equal(t, StateWaiting, v3.State())
	assert.Same(t, v3, reg.Waiting())
}

func TestRegistration_Unregister(t *testing.T) {
	f := newWorkerFixture(t)
	reg := f.reg

	var events []UpdateEvent
	reg.OnUpdate(func(ev UpdateEvent) { events = append(events, ev) })

	assert.True(t, reg.Unregister())
	assert.Nil(t, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateRedundant, f.worker.State())
	assert.ElementsMatch(t, []string{"nextgen-static-v1", "nextgen-dynamic-v1"}, f.caches.Keys())
	require.Len(t, events, 1)
	assert.Equal(t, UpdateEvent{Kind: "unregistered", Version: "v1"}, events[0])

	assert.False(t, reg.Unregister(), "nothing left to retire")

	// a later registration starts over as the first one
	client, _ := newFlakyClient()
	v2 := NewWorker(testWorkerOptions(f.origin.OriginURL(), "v2"), WorkerDeps{Client: client, Caches: f.caches, Clients: f.clients})
	require.NoError(t, reg.Register(context.Background(), v2))
	assert.Same(t, v2, reg.Active())
}

func TestInstallPrompt(t *testing.T) {
	var p InstallPrompt

	_, ok := p.ConsumeIfPresent()
	assert.False(t, ok)

	p.Capture(PromptEvent{Platforms: []string{"web"}})
	p.Capture(PromptEvent{Platforms: []string{"android"}})

	ev, ok := p.ConsumeIfPresent()
	require.True(t, ok)
	assert.Equal(t, []string{"android"}, ev.Platforms)
	assert.False(t, ev.CapturedAt.IsZero())

	_, ok = p.ConsumeIfPresent()
	assert.False(t, ok, "a prompt is shown at most once")

	p.Capture(PromptEvent{})
	p.Clear()
	_, ok = p.ConsumeIfPresent()
	assert.False(t, ok)
}
