package workers

import (
	"chat-relay/contract"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/observability"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var _ contract.Worker = (*PersistenceWorker)(nil)

// RetryPolicy bounds how hard a failing persistence call is retried.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
}

// PersistenceWorker drains the registry's job queue into the gateway.
// Jobs are fire-and-forget for the registry: failures end up in logs and metrics only.
type PersistenceWorker struct {
	gateway contract.IPersistenceGateway
	jobs    <-chan event.DomainEvent
	retry   RetryPolicy
	log     *slog.Logger
}

func NewPersistenceWorker(
	gateway contract.IPersistenceGateway,
	jobs <-chan event.DomainEvent,
	retry RetryPolicy,
	log *slog.Logger) *PersistenceWorker {
	return &PersistenceWorker{
		gateway: gateway,
		jobs:    jobs,
		retry:   retry,
		log:     log,
	}
}

func (w *PersistenceWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain(ctx)
			return ctx.Err()
		case job, ok := <-w.jobs:
			if !ok {
				w.log.Debug("Job queue is closed")
				return nil
			}
			_ = w.Apply(ctx, job)
		}
	}
}

// Apply runs one job with retries. Once ctx is done a single attempt is made.
func (w *PersistenceWorker) Apply(ctx context.Context, job event.DomainEvent) error {
	kind := jobKind(job)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retry.InitialInterval

	err := backoff.RetryNotify(
		func() error { return w.apply(job) },
		backoff.WithContext(backoff.WithMaxRetries(policy, w.retry.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			w.log.Debug("Persistence attempt failed", "kind", kind, "retry_in", wait, "error", err)
		},
	)
	observability.RecordPersistence(kind, err)
	if err != nil {
		w.log.Error("Persistence failed", "kind", kind, "owner", job.Owner(), "error", err)
	}
	return err
}

func (w *PersistenceWorker) apply(job event.DomainEvent) error {
	switch e := job.(type) {
	case event.MessageRouted:
		return w.gateway.InsertMessage(e.Message.Sender, e.Message.Recipient, e.Message.Body, e.Message.Time)
	case event.MessagesRead:
		return w.gateway.MarkRead(e.Reader, e.Writer)
	case event.PresenceChanged:
		return w.gateway.SetLastSeen(e.Identity, e.LastSeen)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %T", errors.ErrUnknownJob, job))
	}
}

// drain flushes what is already queued so a shutdown does not cancel dispatched writes.
func (w *PersistenceWorker) drain(ctx context.Context) {
	for {
		select {
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			_ = w.Apply(ctx, job)
		default:
			return
		}
	}
}

func jobKind(job event.DomainEvent) string {
	switch job.(type) {
	case event.MessageRouted:
		return "insert_message"
	case event.MessagesRead:
		return "mark_read"
	case event.PresenceChanged:
		return "set_last_seen"
	default:
		return "unknown"
	}
}
