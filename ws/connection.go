// Package ws holds the connection handler: one per live websocket.
// It owns the socket, runs the heartbeat, translates frames and delegates all routing to the registry.
package ws

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/observability"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Reasons a connection reaches Closing.
const (
	ReasonClosed    = "closed"
	ReasonTimeout   = "timeout"
	ReasonProtocol  = "protocol"
	ReasonTransport = "transport"
	ReasonShutdown  = "shutdown"
)

type Options struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	WriteWait         time.Duration
	MaxFrameBytes     int64
	SendBufferSize    int
	// FrameRate <= 0 disables inbound rate limiting.
	FrameRate  float64
	FrameBurst int
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Second,
		ClientTimeout:     10 * time.Second,
		WriteWait:         5 * time.Second,
		MaxFrameBytes:     64 * 1024,
		SendBufferSize:    64,
	}
}

// Connection is the state machine of one live connection: Starting, Active, Closing.
type Connection struct {
	identity  string
	conn      *websocket.Conn
	registry  contract.IRegistry
	sink      *Sink
	log       *slog.Logger
	opts      Options
	limiter   *rate.Limiter
	lastHeard atomic.Int64 // unix nanos of the last inbound frame, ping or pong

	reasonOnce sync.Once
	reason     atomic.Value // string, set once
	closeOnce  sync.Once
}

func NewConnection(identity string, conn *websocket.Conn, registry contract.IRegistry,
	log *slog.Logger, opts Options) *Connection {
	c := &Connection{
		identity: identity,
		conn:     conn,
		registry: registry,
		sink:     NewSink(opts.SendBufferSize),
		log:      log.With("identity", identity),
		opts:     opts,
	}
	if opts.FrameRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.FrameRate), max(opts.FrameBurst, 1))
	}
	return c
}

// Serve registers the connection and blocks until it is closed.
// Disconnect is sent to the registry exactly once, after the last routed frame of this connection.
func (c *Connection) Serve(ctx context.Context) {
	// Starting
	c.touch()
	c.conn.SetReadLimit(c.opts.MaxFrameBytes)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	c.conn.SetPingHandler(func(data string) error {
		c.touch()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	c.registry.Connect(c.identity, c.sink)
	c.log.Debug("Connection active")

	// Active
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	c.readLoop()
	cancel()
	wg.Wait()

	// Closing
	c.close()
}

// Reason reports why the connection closed. Empty while active.
func (c *Connection) Reason() string {
	reason, _ := c.reason.Load().(string)
	return reason
}

func (c *Connection) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.fail(ReasonClosed, nil)
			} else {
				c.fail(ReasonTransport, err)
			}
			return
		}
		c.touch()

		if kind != websocket.TextMessage {
			c.fail(ReasonProtocol, fmt.Errorf("%w: unexpected frame type %d", errors.ErrInvalidFrame, kind))
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn("Inbound frame rate exceeded, dropping frame")
			continue
		}
		if err = c.dispatch(data); err != nil {
			c.fail(ReasonProtocol, err)
			return
		}
	}
}

// dispatch turns one text frame into a registry operation.
// A frame flagged read is a receipt: this identity has read what recv sent.
func (c *Connection) dispatch(data []byte) error {
	m, err := domain.DecodeFrame(data)
	if err != nil {
		return err
	}

	if m.Read {
		receipt := domain.ReadReceipt{Reader: c.identity, Writer: m.Recipient}
		if err = receipt.Validate(); err != nil {
			return err
		}
		c.registry.RouteReadReceipt(receipt)
		return nil
	}

	switch m.Sender {
	case "":
		m.Sender = c.identity
	case c.identity:
	default:
		return fmt.Errorf("%w: %q", errors.ErrSpoofedSender, m.Sender)
	}
	if m.Time == 0 {
		m.Time = uint64(time.Now().UnixMilli())
	}
	if err = m.Validate(); err != nil {
		return err
	}
	c.registry.RouteMessage(m)
	return nil
}

// writeLoop owns every data write on the socket and runs the heartbeat.
// It closes the socket on exit, which unblocks the read loop.
func (c *Connection) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			c.fail(ReasonShutdown, nil)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait))
			return
		case m := <-c.sink.Events():
			data, err := domain.EncodeFrame(m)
			if err != nil {
				c.log.Error("Failed to encode frame", "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err = c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(ReasonTransport, err)
				return
			}
		case now := <-ticker.C:
			if now.Sub(c.lastHeardAt()) > c.opts.ClientTimeout {
				c.fail(ReasonTimeout, nil)
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, now.Add(c.opts.WriteWait)); err != nil {
				c.fail(ReasonTransport, err)
				return
			}
		}
	}
}

// fail records the first reason the connection is going down.
func (c *Connection) fail(reason string, err error) {
	c.reasonOnce.Do(func() {
		c.reason.Store(reason)
		switch reason {
		case ReasonProtocol, ReasonTransport:
			c.log.Warn("Connection failed", "reason", reason, "error", err)
		default:
			c.log.Debug("Connection closing", "reason", reason)
		}
	})
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.sink.Close()
		c.registry.Disconnect(c.identity)
		observability.RecordConnectionClosed(c.Reason())
		c.log.Info("Connection closed", "reason", c.Reason())
	})
}

func (c *Connection) touch() {
	c.lastHeard.Store(time.Now().UnixNano())
}

func (c *Connection) lastHeardAt() time.Time {
	return time.Unix(0, c.lastHeard.Load())
}
