// Package runtime owns the live session registry and wires the workers that carry its side effects.
// It routes frames between connections without containing transport or storage logic.
package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/observability"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Ensure *Registry is both the router handed to connections and a supervised worker.
var (
	_ contract.IRegistry = (*Registry)(nil)
	_ contract.Worker    = (*Registry)(nil)
)

type connectCommand struct {
	identity string
	sink     contract.EventSink
}

type disconnectCommand struct {
	identity string
}

type routeMessageCommand struct {
	message domain.Message
}

type routeReceiptCommand struct {
	receipt domain.ReadReceipt
}

type onlineQuery struct {
	identity string
	reply    chan bool
}

type countQuery struct {
	reply chan int
}

// RegistryConfig sizes the registry queues.
type RegistryConfig struct {
	// CommandBuffer is the number of routing commands waiting for the loop.
	CommandBuffer int
	// Shards is the number of persistence queues, one per worker.
	Shards int
	// JobBuffer and MaxBacklog bound each shard. Routing waits once both are full.
	JobBuffer  int
	MaxBacklog int
}

// Registry is the single writer of the identity -> sink mapping.
// Every operation is queued on commands and applied one at a time by Run,
// so submissions from one connection keep their order.
// Persistence is never awaited: side effects are pushed on sharded job queues.
// Jobs sharing a key (one conversation, one identity) always go to the same shard.
type Registry struct {
	log       *slog.Logger
	sessions  map[string]contract.EventSink // owned by the Run goroutine
	commands  chan any
	queues    []*jobQueue
	quit      chan struct{}
	quitOnce  sync.Once
	closeOnce sync.Once
	now       func() time.Time
}

func NewRegistry(log *slog.Logger, config RegistryConfig) *Registry {
	queues := make([]*jobQueue, max(config.Shards, 1))
	for i := range queues {
		queues[i] = newJobQueue(i, config.JobBuffer, config.MaxBacklog)
	}
	return &Registry{
		log:      log.With("component", "registry"),
		sessions: make(map[string]contract.EventSink),
		commands: make(chan any, max(config.CommandBuffer, 0)),
		queues:   queues,
		quit:     make(chan struct{}),
		now:      time.Now,
	}
}

// Queues are drained by the persistence workers, one worker per queue.
// They are closed once the loop has stopped for good and every job was handed over.
func (r *Registry) Queues() []<-chan event.DomainEvent {
	queues := make([]<-chan event.DomainEvent, len(r.queues))
	for i, q := range r.queues {
		queues[i] = q.out
	}
	return queues
}

// Connect installs or replaces the session of identity.
// A superseded sink is neither notified nor closed.
func (r *Registry) Connect(identity string, sink contract.EventSink) {
	r.submit(connectCommand{identity: identity, sink: sink})
}

// Disconnect removes the session of identity if any and stamps its last-seen time.
// Safe to call several times.
func (r *Registry) Disconnect(identity string) {
	r.submit(disconnectCommand{identity: identity})
}

// RouteMessage pushes m to its recipient when connected. The message is persisted either way.
func (r *Registry) RouteMessage(m domain.Message) {
	r.submit(routeMessageCommand{message: m})
}

// RouteReadReceipt notifies the writer when connected. The read flag is persisted either way.
func (r *Registry) RouteReadReceipt(receipt domain.ReadReceipt) {
	r.submit(routeReceiptCommand{receipt: receipt})
}

// Online reports whether identity currently holds a session.
func (r *Registry) Online(identity string) bool {
	reply := make(chan bool, 1)
	if !r.submit(onlineQuery{identity: identity, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.quit:
		return false
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	reply := make(chan int, 1)
	if !r.submit(countQuery{reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.quit:
		return 0
	}
}

// Close stops the loop for good once the commands already queued are applied.
// Later submissions are dropped.
func (r *Registry) Close() {
	r.quitOnce.Do(func() { close(r.quit) })
}

func (r *Registry) submit(cmd any) bool {
	select {
	case r.commands <- cmd:
		return true
	case <-r.quit:
		r.log.Debug("Registry stopped, dropping command", "command", fmt.Sprintf("%T", cmd))
		return false
	}
}

// Run applies queued commands until ctx is canceled or the registry is closed.
// Either way the pending commands are applied before the job queues are closed.
// The mapping lives in the struct, so a restart after a panic keeps every session.
func (r *Registry) Run(ctx context.Context) error {
	r.log.Info("Starting registry loop")
	for {
		select {
		case <-ctx.Done():
			r.stop(ctx)
			return ctx.Err()
		case <-r.quit:
			r.stop(ctx)
			return nil
		case cmd := <-r.commands:
			r.handle(ctx, cmd)
		}
	}
}

func (r *Registry) stop(ctx context.Context) {
	for drained := 0; ; drained++ {
		select {
		case cmd := <-r.commands:
			r.handle(ctx, cmd)
		default:
			r.log.Info("Registry loop stopped", "drained_commands", drained)
			r.closeOnce.Do(func() {
				for _, q := range r.queues {
					close(q.in)
				}
			})
			return
		}
	}
}

func (r *Registry) handle(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case connectCommand:
		r.connect(ctx, c.identity, c.sink)
	case disconnectCommand:
		r.disconnect(ctx, c.identity)
	case routeMessageCommand:
		r.routeMessage(ctx, c.message)
	case routeReceiptCommand:
		r.routeReadReceipt(ctx, c.receipt)
	case onlineQuery:
		_, ok := r.sessions[c.identity]
		c.reply <- ok
	case countQuery:
		c.reply <- len(r.sessions)
	default:
		r.log.Warn(fmt.Sprintf("Unknown registry command %T", cmd))
	}
}

func (r *Registry) connect(ctx context.Context, identity string, sink contract.EventSink) {
	_, replaced := r.sessions[identity]
	r.sessions[identity] = sink
	observability.SetSessionsOnline(len(r.sessions))
	r.log.Info("Identity connected", "identity", identity, "replaced", replaced)

	r.enqueue(ctx, event.PresenceChanged{Identity: identity})
}

func (r *Registry) disconnect(ctx context.Context, identity string) {
	if _, ok := r.sessions[identity]; ok {
		delete(r.sessions, identity)
		observability.SetSessionsOnline(len(r.sessions))
		r.log.Info("Identity disconnected", "identity", identity)
	} else {
		r.log.Debug("Disconnect without session", "identity", identity)
	}

	lastSeen := uint64(r.now().UnixMilli())
	r.enqueue(ctx, event.PresenceChanged{Identity: identity, LastSeen: &lastSeen})
}

func (r *Registry) routeMessage(ctx context.Context, m domain.Message) {
	if sink, ok := r.sessions[m.Recipient]; ok {
		r.push(ctx, "message", sink, m)
	} else {
		observability.RecordRouted("message", observability.OutcomeOffline)
		r.log.Debug("Message not propagated, recipient offline", "sender", m.Sender, "recipient", m.Recipient)
	}

	stored := m
	stored.Read = false
	r.enqueue(ctx, event.MessageRouted{Message: stored})
}

func (r *Registry) routeReadReceipt(ctx context.Context, receipt domain.ReadReceipt) {
	if sink, ok := r.sessions[receipt.Writer]; ok {
		r.push(ctx, "read", sink, receipt.ReadNotification())
	} else {
		observability.RecordRouted("read", observability.OutcomeOffline)
		r.log.Debug("Read not propagated, writer offline", "reader", receipt.Reader, "writer", receipt.Writer)
	}

	r.enqueue(ctx, event.MessagesRead{Reader: receipt.Reader, Writer: receipt.Writer})
}

func (r *Registry) push(ctx context.Context, kind string, sink contract.EventSink, m domain.Message) {
	if err := sink.Consume(ctx, m); err != nil {
		observability.RecordRouted(kind, observability.OutcomeDropped)
		r.log.Warn("Live delivery dropped", "kind", kind, "sender", m.Sender, "recipient", m.Recipient, "error", err)
		return
	}
	observability.RecordRouted(kind, observability.OutcomeDelivered)
}

// enqueue hands job to the queue of its shard.
// It only waits when that shard's backlog is full, which slows routing down instead of growing memory.
func (r *Registry) enqueue(ctx context.Context, job event.DomainEvent) {
	q := r.queues[r.shard(job.Key())]
	select {
	case q.in <- job:
		return
	default:
	}

	observability.RecordPersistenceBackpressure(q.shard)
	r.log.Warn("Persistence backlog full, routing waits", "shard", q.shard, "owner", job.Owner())
	select {
	case q.in <- job:
	case <-ctx.Done():
		r.log.Error("Persistence job lost on shutdown", "owner", job.Owner(), "job", fmt.Sprintf("%T", job))
	}
}

func (r *Registry) shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(r.queues)))
}
