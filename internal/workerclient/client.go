// Package workerclient implements the long-lived worker-side connection
// described in spec.md §4.3: a worker advertises a (bot_id, shard_id)
// identity and a fixed endpoint catalog, receives dispatched requests over
// its persistent connection, and emits responses on the same connection.
package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"iprpc/internal/wire"
)

// ErrNotConnected is returned by Disconnect when the client does not
// currently hold a live connection: it was never connected, or it is
// between a dropped connection and a successful reconnect.
var ErrNotConnected = errors.New("workerclient: not connected")

// ErrorHandler receives handler panics/errors for host-side observability
// (spec.md §4.3: "any exception dispatched to the host's error event").
type ErrorHandler func(endpoint string, err error)

// Config configures a Client.
type Config struct {
	BrokerURL     string
	SecretKey     string
	BotID         string
	ShardID       string
	ReconnectWait time.Duration
	HandshakeWait time.Duration
	OnError       ErrorHandler
}

// Client maintains one connection to the broker advertising a single
// identity and dispatches inbound requests to a fixed handler registry.
type Client struct {
	cfg      Config
	handlers Registry

	writeMu sync.Mutex
	ws      *websocket.Conn

	connected atomic.Bool
	stop      chan struct{}
}

// New creates a Client bound to the given handler registry.
func New(cfg Config, handlers Registry) *Client {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 3 * time.Second
	}
	if cfg.HandshakeWait == 0 {
		cfg.HandshakeWait = 10 * time.Second
	}
	return &Client{cfg: cfg, handlers: handlers, stop: make(chan struct{})}
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect opens a connection with the authentication and identity headers,
// sends initialize_shard with the local endpoint catalog, awaits the
// broker's 200 reply, then starts the receive loop. On handshake failure it
// logs a critical error and returns without error, matching the reference
// worker's fire-and-log behavior on a failed initial connect.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dialAndInitialize(ctx, c.handlers.Names()); err != nil {
		log.Printf("[WORKER] critical: failed to connect to the cluster: %v", err)
		return nil
	}
	go c.receiveLoop()
	return nil
}

func (c *Client) dialAndInitialize(ctx context.Context, endpoints []string) error {
	headers := http.Header{}
	headers.Set(wire.HeaderSecretKey, c.cfg.SecretKey)
	headers.Set(wire.HeaderBotID, c.cfg.BotID)
	headers.Set(wire.HeaderIdentifier, c.cfg.ShardID)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeWait}
	ws, _, err := dialer.DialContext(ctx, c.cfg.BrokerURL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	frame := wire.InitializeShardFrame{
		EndpointChoosen: wire.EndpointInitializeShard,
		Response:        wire.InitializeShardPayload{Endpoints: endpoints},
	}
	data, _ := json.Marshal(frame)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return fmt.Errorf("failed to send initialize_shard: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeWait))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return fmt.Errorf("no handshake reply: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	var reply wire.ControlReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		ws.Close()
		return fmt.Errorf("malformed handshake reply: %w", err)
	}
	if reply.Code != wire.CodeOK {
		ws.Close()
		return errors.New(reply.Message)
	}

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()
	c.connected.Store(true)
	log.Printf("[WORKER] successfully connected to the cluster as %s/%s", c.cfg.BotID, c.cfg.ShardID)
	return nil
}

// Disconnect closes the connection, sending disconnect_shard first so the
// broker deregisters cleanly and deletes the persisted catalog snapshot.
func (c *Client) Disconnect() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	close(c.stop)
	c.sendFrame(wire.DisconnectShardFrame{EndpointChoosen: wire.EndpointDisconnectShard})

	c.writeMu.Lock()
	ws := c.ws
	c.writeMu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// receiveLoop reads dispatched requests until the connection drops, then
// hands off to reconnectLoop (spec.md §4.3).
func (c *Client) receiveLoop() {
	for {
		c.writeMu.Lock()
		ws := c.ws
		c.writeMu.Unlock()
		if ws == nil {
			return
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			select {
			case <-c.stop:
				return
			default:
			}
			go c.reconnectLoop()
			return
		}

		var frame wire.DispatchFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("[WORKER] malformed dispatch frame: %v", err)
			continue
		}
		go c.handleDispatch(frame)
	}
}

// reconnectLoop retries the connection with a fixed backoff, re-sending
// initialize_shard with an empty endpoint list so the broker recovers the
// previously persisted catalog (spec.md §4.3, §8 scenario 6).
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		// A non-nil empty slice: nil would encode as null, which the broker
		// rejects as a malformed initialize_shard frame.
		if err := c.dialAndInitialize(context.Background(), []string{}); err == nil {
			go c.receiveLoop()
			return
		}
		time.Sleep(c.cfg.ReconnectWait)
	}
}

// handleDispatch invokes the local handler for frame.Endpoint and emits a
// return_response frame, in its own goroutine so a slow handler never
// blocks the receive loop (spec.md §4.3, §5).
func (c *Client) handleDispatch(frame wire.DispatchFrame) {
	response := c.invoke(frame)
	c.sendFrame(wire.ReturnResponseFrame{
		EndpointChoosen: wire.EndpointReturnResponse,
		UUID:            frame.UUID,
		Response:        response,
		Identifier:      frame.Identifier,
	})
}

func (c *Client) invoke(frame wire.DispatchFrame) map[string]any {
	handler, ok := c.handlers[frame.Endpoint]
	if !ok {
		return map[string]any{"error": "Something went wrong while calling the route!", "code": wire.CodeInternalError}
	}

	data, _ := json.Marshal(frame.Data)
	result, err := handler(context.Background(), data)
	if err != nil {
		if c.cfg.OnError != nil {
			c.cfg.OnError(frame.Endpoint, err)
		}
		log.Printf("[WORKER] error while executing %q: %v", frame.Endpoint, err)
		return map[string]any{"error": "Something went wrong while calling the route!", "code": wire.CodeInternalError}
	}

	// A nil result is treated as an empty object rather than a type error,
	// matching the reference worker's "response = response or {}".
	if result == nil {
		return map[string]any{"code": wire.CodeOK}
	}

	response, ok := result.(map[string]any)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("Expected type Dict as response, got %T!", result), "code": wire.CodeInternalError}
	}
	if _, hasCode := response["code"]; !hasCode {
		response["code"] = wire.CodeOK
	}
	return response
}

func (c *Client) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[WORKER] failed to marshal outgoing frame: %v", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[WORKER] failed to send frame: %v", err)
	}
}
