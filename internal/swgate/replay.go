package swgate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"swgate/internal/formqueue"
)

// Queue is the part of the form queue the replayer needs.
type Queue interface {
	Drain(ctx context.Context) ([]formqueue.Submission, error)
	Remove(ctx context.Context, id int64) error
}

const (
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

// ReplayPolicy controls retries of one record within a single replay. The zero
// value makes one immediate attempt per replay and never gives up on a record
// across replays.
type ReplayPolicy struct {
	MaxRetries uint64
	Backoff    string // BackoffConstant or BackoffExponential
	Base       time.Duration
}

func (p ReplayPolicy) backoff() retry.Backoff {
	var b retry.Backoff
	if p.Backoff == BackoffExponential && p.Base > 0 {
		b = retry.NewExponential(p.Base)
	} else {
		base := p.Base
		b = retry.BackoffFunc(func() (time.Duration, bool) { return base, false })
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// ReplayReport summarises one replay.
type ReplayReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Replayer delivers queued form submissions to the origin.
type Replayer struct {
	queue    Queue
	client   Doer
	endpoint string
	policy   ReplayPolicy

	failLog *rateLimitedLogger
}

// NewReplayer posts to endpoint, an absolute URL.
func NewReplayer(queue Queue, client Doer, endpoint string, policy ReplayPolicy) *Replayer {
	return &Replayer{
		queue:    queue,
		client:   client,
		endpoint: endpoint,
		policy:   policy,
		failLog:  newRateLimitedLogger(30 * time.Second),
	}
}

// Replay drains the queue and posts every record in order. Delivered records
// are removed; undelivered ones stay queued for the next trigger. Only a
// failure to read the queue, or ctx ending, stops the loop early.
func (r *Replayer) Replay(ctx context.Context) (ReplayReport, error) {
	var rep ReplayReport
	forms, err := r.queue.Drain(ctx)
	if err != nil {
		return rep, fmt.Errorf("drain pending forms: %w", err)
	}

	for _, f := range forms {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++

		err := retry.Do(ctx, r.policy.backoff(), func(ctx context.Context) error {
			return r.deliver(ctx, f)
		})
		if err != nil {
			rep.Failed++
			r.failLog.Printf("sync: form %d not delivered: %v", f.ID, err)
			continue
		}
		if err := r.queue.Remove(ctx, f.ID); err != nil {
			rep.Failed++
			log.Printf("sync: form %d delivered but not removed: %v", f.ID, err)
			continue
		}
		rep.Delivered++
		log.Printf("sync: form %d delivered", f.ID)
	}
	return rep, nil
}

func (r *Replayer) deliver(ctx context.Context, f formqueue.Submission) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(f.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.RetryableError(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}
