package ws

import (
	"chat-relay/contract"
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Handler upgrades authenticated requests and serves one Connection per socket.
type Handler struct {
	resolver contract.IdentityResolver
	registry contract.IRegistry
	log      *slog.Logger
	upgrader websocket.Upgrader
	opts     Options
	live     sync.WaitGroup
}

func NewHandler(resolver contract.IdentityResolver, registry contract.IRegistry,
	log *slog.Logger, allowedOrigins []string, opts Options) *Handler {
	return &Handler{
		resolver: resolver,
		registry: registry,
		log:      log.With("component", "ws"),
		upgrader: makeUpgrader(allowedOrigins),
		opts:     opts,
	}
}

// makeUpgrader creates a websocket upgrader with origin checking.
// No origins, or a single "*", allows everything.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.resolver.Resolve(r)
	if err != nil {
		h.log.Debug("Rejected websocket handshake", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "identity", identity, "error", err)
		return
	}

	h.live.Add(1)
	defer h.live.Done()
	NewConnection(identity, conn, h.registry, h.log, h.opts).Serve(r.Context())
}

// Wait blocks until every connection served so far has sent its Disconnect, or ctx is done.
// Connections are closed by canceling the context their requests derive from.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
