package runtime

import (
	"chat-relay/contract"
	"chat-relay/runtime/workers"
	"context"
	"log/slog"
)

// Orchestrator owns the lifetime of the registry loop and of the persistence workers.
// One instance per process; the same registry is injected into every connection handler.
type Orchestrator struct {
	log        *slog.Logger
	supervisor contract.ISupervisor
	registry   *Registry
	gateway    contract.IPersistenceGateway
	retry      workers.RetryPolicy
	done       chan struct{}
}

func NewOrchestrator(log *slog.Logger, supervisor contract.ISupervisor,
	registry *Registry, gateway contract.IPersistenceGateway,
	retry workers.RetryPolicy) *Orchestrator {
	return &Orchestrator{
		log:        log,
		supervisor: supervisor,
		registry:   registry,
		gateway:    gateway,
		retry:      retry,
		done:       make(chan struct{}),
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Start registers the registry loop and one persistence worker per registry queue,
// then blocks until they all stopped. It must be called once.
func (o *Orchestrator) Start(ctx context.Context) error {
	defer close(o.done)
	o.supervisor.Add(o.registry)
	queues := o.registry.Queues()
	for i, jobs := range queues {
		o.supervisor.Add(workers.NewPersistenceWorker(o.gateway, jobs, o.retry, o.log.With("worker", i)))
	}

	o.log.Info("Starting orchestrator and all supervised workers", "persistence_workers", len(queues))
	o.supervisor.Run(ctx)
	return nil
}

// Stop closes the registry, which applies the commands still queued and closes the job queues.
// Workers then finish their queue and return. Once ctx is done the remaining workers are canceled.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.log.Info("Requesting orchestrator shutdown")
	o.registry.Close()
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		o.log.Warn("Persistence did not drain in time, canceling workers")
		o.supervisor.Stop()
		return ctx.Err()
	}
}
