// Package hub tracks live client connections and their subject interests,
// and fans out typed events to every connection subscribed to a subject.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/expungio/expunge/internal/identity"
	"github.com/expungio/expunge/internal/logging"
	"github.com/expungio/expunge/internal/metrics"
	"github.com/expungio/expunge/pkg/events"
)

// Sink delivers a single event to one client. Implementations wrap the
// underlying transport; a returned error means the transport is gone.
type Sink interface {
	Send(env *events.Envelope) error
}

// Connection is a live bidirectional channel to one client, owned
// exclusively by the hub.
type Connection struct {
	ID        string
	CreatedAt time.Time

	sink       Sink
	lastActive time.Time
	subjects   map[string]struct{}
	mu         sync.Mutex
}

// Touch records client activity on the connection
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive returns the time of the most recent client activity
func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Subjects returns a copy of the connection's subscription set
func (c *Connection) Subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subjects := make([]string, 0, len(c.subjects))
	for s := range c.subjects {
		subjects = append(subjects, s)
	}
	return subjects
}

func (c *Connection) send(env *events.Envelope) error {
	return c.sink.Send(env)
}

// Stats is a point-in-time read of the subscription index
type Stats struct {
	TotalSubscriptions  int            `json:"totalSubscriptions"`
	UniqueUsers         int            `json:"uniqueUsers"`
	SubscriptionsByUser map[string]int `json:"subscriptionsByUser"`
}

// Hub owns the connection set and the subject subscription index
type Hub struct {
	connections map[string]*Connection
	subscribers map[string]map[string]struct{} // userDID -> set of connection IDs
	mu          sync.RWMutex
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// NewHub creates a new subscription hub
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		subscribers: make(map[string]map[string]struct{}),
		logger:      logging.Component("hub"),
		metrics:     metrics.GetMetrics(),
	}
}

// Register creates a Connection record for the sink and immediately sends the
// welcome event carrying a freshly generated subscription id.
func (h *Hub) Register(sink Sink) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		sink:       sink,
		lastActive: now,
		subjects:   make(map[string]struct{}),
	}

	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()

	h.metrics.HubConnectionsActive.Inc()

	if err := conn.send(events.Welcome(uuid.NewString())); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Welcome send failed")
	}

	h.logger.Debug().Str("connection_id", conn.ID).Msg("Connection registered")
	return conn
}

// Subscribe validates the subject identifier and adds the connection to its
// entry in the subscription index. An invalid identifier is reported to the
// offending connection only and leaves the index unchanged.
func (h *Hub) Subscribe(conn *Connection, userDID string) error {
	if err := identity.Validate(userDID); err != nil {
		if sendErr := conn.send(events.Error("Invalid userDID format")); sendErr != nil {
			h.logger.Debug().Err(sendErr).Str("connection_id", conn.ID).Msg("Error send failed")
		}
		return err
	}

	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		// Transport already closed; nothing to record.
		h.mu.Unlock()
		return nil
	}
	if _, ok := h.subscribers[userDID]; !ok {
		h.subscribers[userDID] = make(map[string]struct{})
	}
	if _, dup := h.subscribers[userDID][conn.ID]; !dup {
		h.subscribers[userDID][conn.ID] = struct{}{}
		h.metrics.HubSubscriptionsActive.Inc()
	}
	h.mu.Unlock()

	conn.mu.Lock()
	conn.subjects[userDID] = struct{}{}
	conn.lastActive = time.Now()
	conn.mu.Unlock()

	if err := conn.send(events.Subscribed(userDID)); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("Confirmation send failed")
	}

	h.logger.Debug().
		Str("connection_id", conn.ID).
		Str("user_did", userDID).
		Msg("Subscription added")
	return nil
}

// Unregister removes the connection from every subject entry and discards its
// record. Safe to call more than once.
func (h *Hub) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)

	for subject, conns := range h.subscribers {
		if _, ok := conns[conn.ID]; ok {
			delete(conns, conn.ID)
			h.metrics.HubSubscriptionsActive.Dec()
			if len(conns) == 0 {
				delete(h.subscribers, subject)
			}
		}
	}
	h.mu.Unlock()

	h.metrics.HubConnectionsActive.Dec()
	h.logger.Debug().Str("connection_id", conn.ID).Msg("Connection unregistered")
}

// Publish fans an event out to every connection subscribed to the subject.
// Delivery is fire-and-forget: a connection whose transport is already gone
// is skipped, and its eventual unregister cleans it up. Publishing to a
// subject with no subscribers is a silent no-op.
func (h *Hub) Publish(userDID string, env *events.Envelope) {
	h.mu.RLock()
	ids, ok := h.subscribers[userDID]
	if !ok || len(ids) == 0 {
		h.mu.RUnlock()
		return
	}

	// Point-in-time snapshot of recipients so dispatch happens outside the
	// lock and never races a concurrent unregister.
	targets := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := h.connections[id]; ok {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.send(env); err != nil {
			h.metrics.HubSendFailures.Inc()
			h.logger.Debug().
				Err(err).
				Str("connection_id", conn.ID).
				Str("user_did", userDID).
				Msg("Send failed, skipping connection")
		}
	}

	h.metrics.HubEventsPublished.WithLabelValues(string(env.Type)).Inc()
}

// Stats returns aggregate subscription counts
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{SubscriptionsByUser: make(map[string]int, len(h.subscribers))}
	for subject, conns := range h.subscribers {
		stats.SubscriptionsByUser[subject] = len(conns)
		stats.TotalSubscriptions += len(conns)
	}
	stats.UniqueUsers = len(h.subscribers)
	return stats
}

// Connections returns a snapshot of all live connections
func (h *Hub) Connections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	return conns
}
