package swgate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	shown []Notification
	err   error
}

func (c *captureNotifier) ShowNotification(_ context.Context, n Notification) error {
	c.shown = append(c.shown, n)
	return c.err
}

func TestOnPush(t *testing.T) {
	origin := newTestOrigin(t)
	notifier := &captureNotifier{}
	w := NewWorker(testWorkerOptions(origin.OriginURL(), "v1"), WorkerDeps{
		Client:   origin.Client(),
		Caches:   newTestStorage(t),
		Notifier: notifier,
	})

	n, err := w.OnPush(context.Background(), []byte("Your audit is ready"))
	require.NoError(t, err)
	assert.Equal(t, "NextGen Solutions", n.Title)
	assert.Equal(t, "Your audit is ready", n.Body)
	assert.Equal(t, "/icons/icon-192x192.png", n.Icon)
	assert.Equal(t, "/icons/icon-96x96.png", n.Badge)
	assert.Equal(t, []int{100, 50, 100}, n.Vibrate)
	assert.Equal(t, 1, n.Data.PrimaryKey)
	assert.Positive(t, n.Data.DateOfArrival)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, ActionExplore, n.Actions[0].Action)
	assert.Equal(t, "View Details", n.Actions[0].Title)
	assert.Equal(t, ActionClose, n.Actions[1].Action)

	empty, err := w.OnPush(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "New update available!", empty.Body)
	assert.Len(t, notifier.shown, 2)

	notifier.err = errors.New("permission denied")
	_, err = w.OnPush(context.Background(), []byte("x"))
	assert.ErrorContains(t, err, "permission denied")
}

func TestOnNotificationClick(t *testing.T) {
	f := newWorkerFixture(t)

	cl, opened := f.worker.OnNotificationClick(context.Background(), ActionExplore)
	require.True(t, opened)
	assert.Equal(t, "/", cl.URL)
	assert.Equal(t, "v1", cl.Controller)
	_, ok := f.clients.Get(cl.ID)
	assert.True(t, ok)

	for _, action := range []string{ActionClose, ""} {
		_, opened := f.worker.OnNotificationClick(context.Background(), action)
		assert.False(t, opened, action)
	}
	assert.Len(t, f.clients.MatchAll(), 1)
}
