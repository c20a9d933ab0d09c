package main

import (
	"chat-relay/api"
	"chat-relay/auth"
	"chat-relay/internal"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/ws"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and centralizes error reporting.
// Every defer (database close, orchestrator stop) runs before the exit code reaches main.
func run() (int, error) {
	// 1. Configuration & Logger
	// A missing .env is fine: the environment may already be set.
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	messageRepository := repositories.NewMessageRepository(db, log)
	userRepository := repositories.NewUserRepository(db)
	gateway := repositories.NewGateway(messageRepository, userRepository)

	// 3. Registry, supervision & persistence workers
	sup := workers.NewSupervisor(log, config.RestartInterval)
	registry := runtime.NewRegistry(log, runtime.RegistryConfig{
		CommandBuffer: config.RegistryBufferSize,
		Shards:        config.NumberOfWorkers,
		JobBuffer:     config.PersistBufferSize,
		MaxBacklog:    config.PersistMaxBacklog,
	})
	orchestrator := runtime.NewOrchestrator(log, sup, registry, gateway, workers.RetryPolicy{
		MaxRetries:      uint64(max(config.PersistMaxRetries, 0)),
		InitialInterval: config.PersistRetryInterval,
	})

	// 4. Context & Signals
	// Signals end the live connections only. The orchestrator keeps its own context
	// so their Disconnects are still applied and persisted during shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestratorCtx, cancelOrchestrator := context.WithCancel(context.Background())
	orchestratorDone := make(chan struct{})
	go func() {
		defer close(orchestratorDone)
		_ = orchestrator.Start(orchestratorCtx)
	}()
	defer func() {
		cancelOrchestrator()
		<-orchestratorDone
	}()

	// 5. HTTP & websocket
	resolver := auth.NewResolver([]byte(config.TokenSecret))
	live := ws.NewHandler(resolver, registry, log, config.Origins(), ws.Options{
		HeartbeatInterval: config.HeartbeatInterval,
		ClientTimeout:     config.ClientTimeout,
		WriteWait:         config.WriteTimeout,
		MaxFrameBytes:     config.MaxFrameBytes,
		SendBufferSize:    config.ConnectionBufferSize,
		FrameRate:         config.FrameRateLimit,
		FrameBurst:        config.FrameRateBurst,
	})
	server := api.NewServer(log, registry, resolver, messageRepository, userRepository,
		live, config.PageSize, config.Origins())

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: server.Handler(),
		// Live connections derive from ctx so a shutdown closes them too.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", address)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 6. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 7. Final Cleanup: connections first, then the registry, then persistence.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := live.Wait(shutdownCtx); err != nil {
		log.Warn("Live connections still open at shutdown", "error", err)
	}
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		log.Warn("Persistence shutdown incomplete", "error", err)
	}
	log.Info("Program stopped cleanly")
	return exitOK, nil
}
