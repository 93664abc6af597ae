package swgate

import (
	"context"
	"log"
	"time"
)

type PushOptions struct {
	Title       string
	DefaultBody string
	Icon        string
	Badge       string
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"` // unix milliseconds
	PrimaryKey    int   `json:"primaryKey"`
}

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

// Notifier displays notifications to the user.
type Notifier interface {
	ShowNotification(ctx context.Context, n Notification) error
}

// LogNotifier only logs.
type LogNotifier struct{}

func (LogNotifier) ShowNotification(_ context.Context, n Notification) error {
	log.Printf("notification: %s: %s", n.Title, n.Body)
	return nil
}

// OnPush builds the notification for a push message and shows it. An empty
// payload gets the default body.
func (w *Worker) OnPush(ctx context.Context, payload []byte) (Notification, error) {
	body := w.opts.Push.DefaultBody
	if len(payload) > 0 {
		body = string(payload)
	}
	n := Notification{
		Title:   w.opts.Push.Title,
		Body:    body,
		Icon:    w.opts.Push.Icon,
		Badge:   w.opts.Push.Badge,
		Vibrate: []int{100, 50, 100},
		Data: NotificationData{
			DateOfArrival: time.Now().UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "View Details", Icon: "/icons/checkmark.png"},
			{Action: ActionClose, Title: "Close", Icon: "/icons/xmark.png"},
		},
	}
	if err := w.deps.Notifier.ShowNotification(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// OnNotificationClick closes the notification; "explore" also opens the home
// page in a new client, which is returned.
func (w *Worker) OnNotificationClick(_ context.Context, action string) (Client, bool) {
	if action != ActionExplore {
		return Client{}, false
	}
	return w.deps.Clients.OpenWindow("/", w.opts.Version), true
}
