package runtime

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	received []domain.Message
	err      error
}

func (s *recordingSink) Consume(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, m)
	return nil
}

func (s *recordingSink) messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.received...)
}

func newTestRegistry() *Registry {
	r := NewRegistry(slog.Default(), RegistryConfig{CommandBuffer: 16, Shards: 1, JobBuffer: 16, MaxBacklog: 64})
	r.now = func() time.Time { return time.UnixMilli(5000) }
	return r
}

// drainJobs collects the jobs of a single-shard registry until none arrives for a short while.
func drainJobs(r *Registry) []event.DomainEvent {
	var jobs []event.DomainEvent
	for {
		select {
		case job := <-r.queues[0].out:
			jobs = append(jobs, job)
		case <-time.After(30 * time.Millisecond):
			return jobs
		}
	}
}

func TestRegistry_Route_To_Online_Recipient(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	bob := &recordingSink{}

	// Given bob is connected
	registry.handle(ctx, connectCommand{identity: "bob", sink: bob})
	drainJobs(registry)

	// When alice sends him a message
	message := domain.Message{Body: "hi", Sender: "alice", Recipient: "bob", Time: 1000}
	registry.handle(ctx, routeMessageCommand{message: message})

	// Then bob receives it live
	req.Equal([]domain.Message{message}, bob.messages())
	// And exactly one insert is queued, unread
	jobs := drainJobs(registry)
	req.Len(jobs, 1)
	req.Equal(event.MessageRouted{Message: message}, jobs[0])
}

func TestRegistry_Route_To_Offline_Recipient_Is_Still_Persisted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()

	// Given nobody is connected
	// When alice writes to bob
	message := domain.Message{Body: "hi", Sender: "alice", Recipient: "bob", Time: 1000}
	registry.handle(ctx, routeMessageCommand{message: message})

	// Then nothing is delivered but the insert is queued
	jobs := drainJobs(registry)
	req.Len(jobs, 1)
	req.Equal(event.MessageRouted{Message: message}, jobs[0])
}

func TestRegistry_Routed_Message_Is_Stored_Unread(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()

	// When a message arrives already flagged read
	registry.handle(ctx, routeMessageCommand{message: domain.Message{Sender: "alice", Recipient: "bob", Read: true}})

	// Then the persisted copy is unread
	jobs := drainJobs(registry)
	req.Len(jobs, 1)
	req.False(jobs[0].(event.MessageRouted).Message.Read)
}

func TestRegistry_Read_Receipt_Notifies_Writer(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	alice := &recordingSink{}

	// Given alice is connected
	registry.handle(ctx, connectCommand{identity: "alice", sink: alice})
	drainJobs(registry)

	// When bob reads her messages
	registry.handle(ctx, routeReceiptCommand{receipt: domain.ReadReceipt{Reader: "bob", Writer: "alice"}})

	// Then alice is told bob has read them
	req.Equal([]domain.Message{{Sender: "bob", Read: true}}, alice.messages())
	// And the read flag is queued for persistence
	req.Equal([]event.DomainEvent{event.MessagesRead{Reader: "bob", Writer: "alice"}}, drainJobs(registry))
}

func TestRegistry_Read_Receipt_With_Offline_Writer(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()

	// When bob reads the messages of an offline alice
	registry.handle(ctx, routeReceiptCommand{receipt: domain.ReadReceipt{Reader: "bob", Writer: "alice"}})

	// Then only the persistence job is produced
	req.Equal([]event.DomainEvent{event.MessagesRead{Reader: "bob", Writer: "alice"}}, drainJobs(registry))
}

func TestRegistry_Connect_Clears_Last_Seen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()

	// When alice connects
	registry.handle(ctx, connectCommand{identity: "alice", sink: &recordingSink{}})

	// Then her last-seen time is cleared
	req.Equal([]event.DomainEvent{event.PresenceChanged{Identity: "alice"}}, drainJobs(registry))
	req.Len(registry.sessions, 1)
}

func TestRegistry_Second_Connect_Replaces_First(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	first, second := &recordingSink{}, &recordingSink{}

	// Given bob connected twice
	registry.handle(ctx, connectCommand{identity: "bob", sink: first})
	registry.handle(ctx, connectCommand{identity: "bob", sink: second})

	// When alice writes to him
	registry.handle(ctx, routeMessageCommand{message: domain.Message{Sender: "alice", Recipient: "bob", Time: 1}})

	// Then only the last sink receives the message
	req.Empty(first.messages())
	req.Len(second.messages(), 1)
	req.Len(registry.sessions, 1)
}

func TestRegistry_Disconnect_Stamps_Last_Seen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	bob := &recordingSink{}

	// Given bob is connected
	registry.handle(ctx, connectCommand{identity: "bob", sink: bob})
	drainJobs(registry)

	// When he disconnects
	registry.handle(ctx, disconnectCommand{identity: "bob"})

	// Then his session is gone and his last-seen time is the current time
	req.Empty(registry.sessions)
	lastSeen := uint64(5000)
	req.Equal([]event.DomainEvent{event.PresenceChanged{Identity: "bob", LastSeen: &lastSeen}}, drainJobs(registry))

	// And a later message is not delivered
	registry.handle(ctx, routeMessageCommand{message: domain.Message{Sender: "alice", Recipient: "bob"}})
	req.Empty(bob.messages())
}

func TestRegistry_Disconnect_Twice_Is_Harmless(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()

	// Given bob connected then disconnected
	registry.handle(ctx, connectCommand{identity: "bob", sink: &recordingSink{}})
	registry.handle(ctx, disconnectCommand{identity: "bob"})

	// When he disconnects again
	registry.handle(ctx, disconnectCommand{identity: "bob"})

	// Then the registry stays empty and each disconnect stamped a last-seen time
	req.Empty(registry.sessions)
	req.Len(drainJobs(registry), 3)
}

func TestRegistry_Failing_Sink_Does_Not_Stop_Persistence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()

	// Given bob's connection cannot take more frames
	registry.handle(ctx, connectCommand{identity: "bob", sink: &recordingSink{err: errors.ErrSinkFull}})
	drainJobs(registry)

	// When alice writes to him
	registry.handle(ctx, routeMessageCommand{message: domain.Message{Sender: "alice", Recipient: "bob"}})

	// Then the message is still persisted
	req.Len(drainJobs(registry), 1)
}

func TestRegistry_Full_Backlog_Applies_Backpressure_In_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := NewRegistry(slog.Default(), RegistryConfig{CommandBuffer: 16, Shards: 1, JobBuffer: 1, MaxBacklog: 2})
	route := func(i int) {
		registry.handle(ctx, routeMessageCommand{message: domain.Message{Sender: "alice", Recipient: "bob", Time: uint64(i)}})
	}

	// Given a shard holding one buffered job and a backlog of two, with no worker draining
	// When three messages are routed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 3; i++ {
			route(i)
		}
	}()

	// Then routing returns right away
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("routing blocked before the backlog was full")
	}

	// When a fourth message is routed
	fourth := make(chan struct{})
	go func() {
		defer close(fourth)
		route(4)
	}()

	// Then it waits for the worker instead of growing the backlog
	select {
	case <-fourth:
		req.Fail("routing did not wait on a full backlog")
	case <-time.After(50 * time.Millisecond):
	}

	// And once the worker reads, every job comes out in routing order
	for i := 1; i <= 4; i++ {
		select {
		case job := <-registry.Queues()[0]:
			req.Equal(uint64(i), job.(event.MessageRouted).Message.Time)
		case <-time.After(time.Second):
			req.Fail("persistence job lost", "job %d", i)
			return
		}
	}
	<-fourth
}

func TestRegistry_Conversation_Jobs_Share_A_Shard(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), RegistryConfig{CommandBuffer: 1, Shards: 4, JobBuffer: 1, MaxBacklog: 1})

	// Given a message and the receipt that answers it
	routed := event.MessageRouted{Message: domain.Message{Sender: "alice", Recipient: "bob"}}
	read := event.MessagesRead{Reader: "bob", Writer: "alice"}
	lastSeen := uint64(1)

	// Then both go to the same worker, as do the presence changes of one identity
	req.Equal(registry.shard(routed.Key()), registry.shard(read.Key()))
	req.Equal(registry.shard(event.PresenceChanged{Identity: "bob"}.Key()),
		registry.shard(event.PresenceChanged{Identity: "bob", LastSeen: &lastSeen}.Key()))
	req.Len(registry.Queues(), 4)
}

func TestRegistry_Late_Close_Of_Superseded_Connection_Removes_Replacement(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry()
	stale, fresh := &recordingSink{}, &recordingSink{}

	// Given bob reconnected before his first connection noticed it was dead
	registry.handle(ctx, connectCommand{identity: "bob", sink: stale})
	registry.handle(ctx, connectCommand{identity: "bob", sink: fresh})

	// When the stale connection finally closes
	registry.handle(ctx, disconnectCommand{identity: "bob"})

	// Then sessions are keyed by identity only: bob is offline until he connects again
	req.Empty(registry.sessions)
	registry.handle(ctx, routeMessageCommand{message: domain.Message{Sender: "alice", Recipient: "bob"}})
	req.Empty(fresh.messages())
	req.Empty(stale.messages())
}

func TestRegistry_Run_Serves_Concurrent_Callers(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry := NewRegistry(slog.Default(), RegistryConfig{CommandBuffer: 64, Shards: 4, JobBuffer: 1024, MaxBacklog: 1024})
	go func() { _ = registry.Run(ctx) }()

	// Given a sink per identity
	identities := []string{"alice", "bob", "clara", "dave"}
	sinks := make(map[string]*recordingSink)
	for _, id := range identities {
		sinks[id] = &recordingSink{}
		registry.Connect(id, sinks[id])
	}
	req.Equal(len(identities), registry.Count())

	// When every identity writes to bob concurrently
	var wg sync.WaitGroup
	for _, id := range identities {
		if id == "bob" {
			continue
		}
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 1; i <= 10; i++ {
				registry.RouteMessage(domain.Message{Sender: sender, Recipient: "bob", Time: uint64(i)})
			}
		}(id)
	}
	wg.Wait()

	// Then a query answered after the writes sees all of them
	req.True(registry.Online("bob"))
	received := sinks["bob"].messages()
	req.Len(received, 30)

	// And per-sender order is preserved
	last := map[string]uint64{}
	for _, m := range received {
		req.Greater(m.Time, last[m.Sender])
		last[m.Sender] = m.Time
	}
}

func TestRegistry_Closed_Drops_Submissions(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), RegistryConfig{Shards: 1})

	// Given a closed registry with no loop
	registry.Close()
	registry.Close()

	// Then submissions return and queries report nothing
	registry.Connect("alice", &recordingSink{})
	req.False(registry.Online("alice"))
	req.Zero(registry.Count())
}

func TestRegistry_Run_Returns_On_Close(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), RegistryConfig{CommandBuffer: 1, Shards: 1})

	done := make(chan error, 1)
	go func() { done <- registry.Run(context.Background()) }()

	// When the registry is closed
	registry.Close()

	// Then the loop ends without error, so the supervisor does not restart it
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(time.Second):
		req.Fail("registry loop did not stop")
	}
}

func TestRegistry_Close_Applies_Pending_Commands_Then_Closes_Queues(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(slog.Default(), RegistryConfig{CommandBuffer: 8, Shards: 2, JobBuffer: 8, MaxBacklog: 8})

	// Given a connect and a disconnect queued before the loop runs
	registry.Connect("bob", &recordingSink{})
	registry.Disconnect("bob")

	// When the registry is closed, then run
	registry.Close()
	req.NoError(registry.Run(context.Background()))

	// Then both presence changes reach the workers, in order, and every queue is closed
	var jobs []event.DomainEvent
	for _, queue := range registry.Queues() {
		for job := range queue {
			jobs = append(jobs, job)
		}
	}
	req.Len(jobs, 2)
	req.Nil(jobs[0].(event.PresenceChanged).LastSeen)
	req.NotNil(jobs[1].(event.PresenceChanged).LastSeen)
}
