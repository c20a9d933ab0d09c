package runtime

import (
	"chat-relay/domain/event"
	"chat-relay/observability"
)

// jobQueue is the persistence backlog of one shard.
// Jobs leave in the order they entered. Up to limit jobs wait without blocking the sender;
// past that, sends block until the worker catches up.
type jobQueue struct {
	shard int
	in    chan event.DomainEvent
	out   chan event.DomainEvent
	limit int
}

func newJobQueue(shard, buffer, limit int) *jobQueue {
	q := &jobQueue{
		shard: shard,
		in:    make(chan event.DomainEvent, max(buffer, 0)),
		out:   make(chan event.DomainEvent),
		limit: max(limit, 1),
	}
	go q.run()
	return q
}

// run moves jobs from in to out through an ordered backlog.
// out is closed once in is closed and the backlog is empty.
func (q *jobQueue) run() {
	defer close(q.out)

	var backlog []event.DomainEvent
	in := q.in
	for in != nil || len(backlog) > 0 {
		var (
			out  chan<- event.DomainEvent
			next event.DomainEvent
		)
		if len(backlog) > 0 {
			out, next = q.out, backlog[0]
		}
		recv := in
		if len(backlog) >= q.limit {
			recv = nil
		}

		select {
		case job, ok := <-recv:
			if !ok {
				in = nil
				continue
			}
			backlog = append(backlog, job)
		case out <- next:
			backlog[0] = nil
			backlog = backlog[1:]
		}
		observability.SetPersistenceBacklog(q.shard, len(backlog))
	}
}
