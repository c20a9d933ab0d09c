//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"context"
	"net/http"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink pushes a frame to one live connection.
// Consume must not block: a sink that cannot take the frame right away reports an error.
type EventSink interface {
	Consume(ctx context.Context, m domain.Message) error
}

// IRegistry is the router every connection handler talks to.
// None of the routing operations fail observably.
type IRegistry interface {
	Connect(identity string, sink EventSink)
	Disconnect(identity string)
	RouteMessage(m domain.Message)
	RouteReadReceipt(r domain.ReadReceipt)
	Online(identity string) bool
}

// IPersistenceGateway is the durable side of routing.
// Calls are made off the routing path and may fail independently.
type IPersistenceGateway interface {
	InsertMessage(sender, recipient, body string, timestamp uint64) error
	MarkRead(reader, writer string) error
	SetLastSeen(identity string, lastSeen *uint64) error
}

// IdentityResolver turns an incoming request into a stable identity, or rejects it.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}
