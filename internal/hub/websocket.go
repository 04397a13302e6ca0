package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/pkg/events"
)

// TransportConfig contains WebSocket transport configuration
type TransportConfig struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeat frames
	HeartbeatInterval time.Duration
}

// DefaultTransportConfig returns a default configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleTime:       5 * time.Minute,
		HeartbeatInterval: 5 * time.Second,
	}
}

// wsSink adapts a WebSocket connection to the hub's Sink interface. Writes
// are serialized; concurrent writers would corrupt the frame stream.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) Send(env *events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.writeRaw(data)
}

func (s *wsSink) writeRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

type wsClient struct {
	sink       *wsSink
	connection *Connection
}

// Transport serves the WebSocket endpoint and drives the hub from inbound
// connection events.
type Transport struct {
	config  TransportConfig
	hub     *Hub
	clients map[string]*wsClient
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewTransport creates the WebSocket transport for a hub
func NewTransport(config TransportConfig, h *Hub) *Transport {
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = DefaultTransportConfig().MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = DefaultTransportConfig().HeartbeatInterval
	}

	return &Transport{
		config:  config,
		hub:     h,
		clients: make(map[string]*wsClient),
		logger:  logging.Component("ws"),
	}
}

// Start begins the heartbeat and idle cleanup loops
func (t *Transport) Start(ctx context.Context) error {
	t.logger.Info().Msg("Starting WebSocket transport")

	go t.sendHeartbeats(ctx)
	go t.cleanupIdleClients(ctx)

	return nil
}

// RegisterRoutes registers the WebSocket handler with a Fiber app
func (t *Transport) RegisterRoutes(app *fiber.App) {
	// Middleware to upgrade connections to WebSocket
	app.Use("/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/stream", websocket.New(t.handleClient))
}

// handleClient runs for the lifetime of one WebSocket connection
func (t *Transport) handleClient(conn *websocket.Conn) {
	sink := &wsSink{conn: conn}
	connection := t.hub.Register(sink)
	client := &wsClient{sink: sink, connection: connection}

	t.mu.Lock()
	t.clients[connection.ID] = client
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.clients, connection.ID)
		t.mu.Unlock()

		t.hub.Unregister(connection)
		conn.Close()
	}()

	// A subject may be named up front in the query string; further subjects
	// arrive as subscription messages.
	if userDID := conn.Query("userDID"); userDID != "" {
		if err := t.hub.Subscribe(connection, userDID); err != nil {
			t.logger.Debug().
				Err(err).
				Str("connection_id", connection.ID).
				Msg("Query subscription rejected")
		}
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			t.logger.Debug().Err(err).Str("connection_id", connection.ID).Msg("WebSocket read error")
			return
		}

		connection.Touch()

		if messageType != websocket.TextMessage {
			continue
		}

		req, err := events.DecodeClientMessage(message)
		if err != nil {
			t.logger.Debug().
				Err(err).
				Str("connection_id", connection.ID).
				Msg("Malformed client message")
			if sendErr := sink.Send(events.Error("Invalid message format")); sendErr != nil {
				return
			}
			continue
		}

		if err := t.hub.Subscribe(connection, req.UserDID); err != nil {
			t.logger.Debug().
				Err(err).
				Str("connection_id", connection.ID).
				Str("user_did", req.UserDID).
				Msg("Subscription rejected")
		}
	}
}

// sendHeartbeats periodically sends heartbeat frames to all clients
func (t *Transport) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			heartbeat := []byte(`{"type":"heartbeat","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`)

			t.mu.RLock()
			clients := make([]*wsClient, 0, len(t.clients))
			for _, client := range t.clients {
				clients = append(clients, client)
			}
			t.mu.RUnlock()

			for _, client := range clients {
				if err := client.sink.writeRaw(heartbeat); err != nil {
					t.logger.Debug().
						Err(err).
						Str("connection_id", client.connection.ID).
						Msg("Heartbeat write failed")
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// cleanupIdleClients periodically closes connections idle past the limit
func (t *Transport) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(t.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()

			t.mu.RLock()
			var idle []*wsClient
			for _, client := range t.clients {
				if now.Sub(client.connection.LastActive()) > t.config.MaxIdleTime {
					idle = append(idle, client)
				}
			}
			t.mu.RUnlock()

			// Closing the socket wakes the read loop, which unregisters.
			for _, client := range idle {
				t.logger.Debug().
					Str("connection_id", client.connection.ID).
					Msg("Closing idle connection")
				client.sink.conn.Close()
			}

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes all client connections
func (t *Transport) Shutdown(ctx context.Context) error {
	t.logger.Info().Msg("Shutting down WebSocket transport")

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, client := range t.clients {
		client.sink.conn.Close()
		delete(t.clients, id)
	}

	return nil
}
