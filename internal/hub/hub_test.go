package hub

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expungio/expunge/internal/identity"
	"github.com/expungio/expunge/pkg/events"
)

// memorySink collects everything sent through it
type memorySink struct {
	mu        sync.Mutex
	envelopes []*events.Envelope
	failWith  error
}

func (s *memorySink) Send(env *events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.envelopes = append(s.envelopes, env)
	return nil
}

func (s *memorySink) received() []*events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*events.Envelope, len(s.envelopes))
	copy(out, s.envelopes)
	return out
}

func (s *memorySink) ofType(t events.Type) []*events.Envelope {
	var out []*events.Envelope
	for _, env := range s.received() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestRegisterSendsWelcome(t *testing.T) {
	h := NewHub()
	sink := &memorySink{}

	conn := h.Register(sink)
	require.NotNil(t, conn)
	assert.NotEmpty(t, conn.ID)

	welcomes := sink.ofType(events.TypeSubscription)
	require.Len(t, welcomes, 1)

	data, ok := welcomes[0].Data.(*events.SubscriptionData)
	require.True(t, ok)
	assert.NotEmpty(t, data.SubscriptionID)
	assert.Equal(t, "Connected to Expunge WebSocket", data.Message)
}

func TestSubscribeValidSubject(t *testing.T) {
	h := NewHub()
	sink := &memorySink{}
	conn := h.Register(sink)

	require.NoError(t, h.Subscribe(conn, "did:midnight:test123"))

	var subscribed *events.SubscriptionData
	for _, env := range sink.ofType(events.TypeSubscription) {
		data := env.Data.(*events.SubscriptionData)
		if data.Status == "subscribed" {
			subscribed = data
		}
	}
	require.NotNil(t, subscribed)

	stats := h.Stats()
	assert.Equal(t, 1, stats.TotalSubscriptions)
	assert.Equal(t, 1, stats.UniqueUsers)
	assert.Equal(t, 1, stats.SubscriptionsByUser["did:midnight:test123"])
}

func TestSubscribeInvalidSubject(t *testing.T) {
	h := NewHub()
	sink := &memorySink{}
	conn := h.Register(sink)

	err := h.Subscribe(conn, "invalid-did-format")
	require.ErrorIs(t, err, identity.ErrInvalidDID)

	errs := sink.ofType(events.TypeError)
	require.Len(t, errs, 1)
	data := errs[0].Data.(*events.ErrorData)
	assert.Contains(t, data.Error, "Invalid userDID format")

	// Rejection leaves the subject index untouched.
	stats := h.Stats()
	assert.Zero(t, stats.TotalSubscriptions)
	assert.Zero(t, stats.UniqueUsers)

	// The connection itself stays usable.
	require.NoError(t, h.Subscribe(conn, "did:midnight:test123"))
}

func TestSubscribeDuplicateIsIdempotent(t *testing.T) {
	h := NewHub()
	conn := h.Register(&memorySink{})

	require.NoError(t, h.Subscribe(conn, "did:midnight:test123"))
	require.NoError(t, h.Subscribe(conn, "did:midnight:test123"))

	assert.Equal(t, 1, h.Stats().TotalSubscriptions)
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	h := NewHub()

	alice1 := &memorySink{}
	alice2 := &memorySink{}
	bob := &memorySink{}

	h.Subscribe(h.Register(alice1), "did:midnight:alice")
	h.Subscribe(h.Register(alice2), "did:midnight:alice")
	h.Subscribe(h.Register(bob), "did:midnight:bob")

	h.Publish("did:midnight:alice", events.DeletionProgress("did:midnight:alice", &events.DeletionProgressData{
		Progress: 50,
		Status:   "deleting",
	}))

	assert.Len(t, alice1.ofType(events.TypeDeletionProgress), 1)
	assert.Len(t, alice2.ofType(events.TypeDeletionProgress), 1)
	assert.Empty(t, bob.ofType(events.TypeDeletionProgress))
}

func TestPublishNoSubscribersIsNoOp(t *testing.T) {
	h := NewHub()

	// Must not panic or block.
	h.Publish("did:midnight:ghost", events.Error("nobody home"))
}

func TestPublishSkipsFailingSink(t *testing.T) {
	h := NewHub()

	broken := &memorySink{failWith: errors.New("peer gone")}
	healthy := &memorySink{}

	// Register the broken sink first so its welcome failure is absorbed too.
	h.Subscribe(h.Register(broken), "did:midnight:alice")
	h.Subscribe(h.Register(healthy), "did:midnight:alice")

	h.Publish("did:midnight:alice", events.DeletionProgress("did:midnight:alice", &events.DeletionProgressData{
		Progress: 100,
		Status:   "complete",
	}))

	// The healthy peer still got the event despite the sibling failure.
	assert.Len(t, healthy.ofType(events.TypeDeletionProgress), 1)
}

func TestUnregisterRemovesAllSubscriptions(t *testing.T) {
	h := NewHub()
	sink := &memorySink{}
	conn := h.Register(sink)

	require.NoError(t, h.Subscribe(conn, "did:midnight:alice"))
	require.NoError(t, h.Subscribe(conn, "did:midnight:bob"))
	require.Equal(t, 2, h.Stats().TotalSubscriptions)

	h.Unregister(conn)

	stats := h.Stats()
	assert.Zero(t, stats.TotalSubscriptions)
	assert.Zero(t, stats.UniqueUsers)
	assert.Empty(t, h.Connections())

	before := len(sink.received())
	h.Publish("did:midnight:alice", events.Error("late"))
	assert.Equal(t, before, len(sink.received()))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := NewHub()
	conn := h.Register(&memorySink{})
	require.NoError(t, h.Subscribe(conn, "did:midnight:alice"))

	h.Unregister(conn)
	h.Unregister(conn)
	h.Unregister(nil)

	assert.Zero(t, h.Stats().TotalSubscriptions)
}

func TestSubscribeAfterUnregisterIsNoOp(t *testing.T) {
	h := NewHub()
	conn := h.Register(&memorySink{})
	h.Unregister(conn)

	require.NoError(t, h.Subscribe(conn, "did:midnight:alice"))
	assert.Zero(t, h.Stats().TotalSubscriptions)
}

func TestConcurrentSubscribePublish(t *testing.T) {
	h := NewHub()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		sink := &memorySink{}
		conn := h.Register(sink)

		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.Subscribe(conn, "did:midnight:shared")
		}()
		go func() {
			defer wg.Done()
			h.Publish("did:midnight:shared", events.Error("stress"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, h.Stats().TotalSubscriptions)
}
