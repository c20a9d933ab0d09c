package internal

import (
	"strings"
	"time"
)

type Config struct {
	Host            string        `env:"HOST,default=0.0.0.0"`
	Port            int           `env:"PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	BadgerFilepath  string        `env:"BADGER_FILEPATH,required=true"`
	TokenSecret     string        `env:"TOKEN_SECRET,required=true"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS,default=*"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// Connection handler
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL,default=5s"`
	ClientTimeout        time.Duration `env:"CLIENT_TIMEOUT,default=10s"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT,default=5s"`
	MaxFrameBytes        int64         `env:"MAX_FRAME_BYTES,default=65536"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64"`
	FrameRateLimit       float64       `env:"FRAME_RATE_LIMIT,default=0"`
	FrameRateBurst       int           `env:"FRAME_RATE_BURST,default=20"`

	// Registry and persistence
	RegistryBufferSize   int           `env:"REGISTRY_BUFFER_SIZE,default=1024"`
	PersistBufferSize    int           `env:"PERSIST_BUFFER_SIZE,default=1024"`
	PersistMaxBacklog    int           `env:"PERSIST_MAX_BACKLOG,default=10000"`
	NumberOfWorkers      int           `env:"NUMBER_OF_WORKERS,default=4"`
	PersistMaxRetries    int           `env:"PERSIST_MAX_RETRIES,default=3"`
	PersistRetryInterval time.Duration `env:"PERSIST_RETRY_INTERVAL,default=100ms"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`

	PageSize int `env:"PAGE_SIZE,default=10"`
}

// Origins splits ALLOWED_ORIGINS on commas. An empty list or "*" allows every origin.
func (c Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
