package chathub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigmarket/internal/domain"
	"gigmarket/internal/pubsub"
)

type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func next(t *testing.T, c *Client) rawFrame {
	t.Helper()
	select {
	case b, ok := <-c.Outbound():
		require.True(t, ok, "client closed")
		var f rawFrame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return rawFrame{}
}

// nextEvent skips frames until one named event arrives.
func nextEvent(t *testing.T, c *Client, event string) rawFrame {
	t.Helper()
	for {
		f := next(t, c)
		if f.Event == event {
			return f
		}
	}
}

func quiet(t *testing.T, c *Client, d time.Duration) {
	t.Helper()
	select {
	case b := <-c.Outbound():
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(d):
	}
}

func newHub(t *testing.T, broker pubsub.Broker) *Hub {
	logger, _ := test.NewNullLogger()
	h := New(broker, logger)
	t.Cleanup(h.Close)
	return h
}

func TestRoomBroadcastReachesMembersOnly(t *testing.T) {
	ctx := context.Background()
	h := newHub(t, pubsub.NewLocal())
	owner, err := h.Register(ctx, "owner-1")
	require.NoError(t, err)
	free, err := h.Register(ctx, "free-1")
	require.NoError(t, err)
	outsider, err := h.Register(ctx, "free-2")
	require.NoError(t, err)

	require.NoError(t, h.Join(ctx, owner, "p1", domain.RoomNegotiation))
	require.NoError(t, h.Join(ctx, free, "p1", domain.RoomNegotiation))
	require.NoError(t, h.BroadcastRoom(ctx, "p1", domain.RoomNegotiation, Frame{Event: EventNewMessage, Data: map[string]string{"content": "hi"}}))

	for _, c := range []*Client{owner, free} {
		f := nextEvent(t, c, EventNewMessage)
		assert.JSONEq(t, `{"content":"hi"}`, string(f.Data))
	}
	for {
		select {
		case b := <-outsider.Outbound():
			var f rawFrame
			require.NoError(t, json.Unmarshal(b, &f))
			require.Equal(t, EventPresenceUpdate, f.Event)
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}

	left := h.LeaveProject(free, "p1")
	assert.Equal(t, []domain.RoomType{domain.RoomNegotiation}, left)
	assert.False(t, h.InRoom(free, "p1", domain.RoomNegotiation))
	assert.True(t, h.InRoom(owner, "p1", domain.RoomNegotiation))
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	h := newHub(t, pubsub.NewLocal())
	watcher, err := h.Register(ctx, "owner-1")
	require.NoError(t, err)
	nextEvent(t, watcher, EventPresenceUpdate)

	c1, err := h.Register(ctx, "free-1")
	require.NoError(t, err)
	f := nextEvent(t, watcher, EventPresenceUpdate)
	assert.JSONEq(t, `{"user_id":"free-1","online":true}`, string(f.Data))

	// A second connection of the same user is not announced.
	c2, err := h.Register(ctx, "free-1")
	require.NoError(t, err)
	quiet(t, watcher, 50*time.Millisecond)

	h.Unregister(ctx, c1)
	assert.True(t, h.Online("free-1"))
	h.Unregister(ctx, c2)
	assert.False(t, h.Online("free-1"))
	f = nextEvent(t, watcher, EventPresenceUpdate)
	assert.JSONEq(t, `{"user_id":"free-1","online":false}`, string(f.Data))

	_, open := <-c2.Outbound()
	assert.False(t, open)
	h.Unregister(ctx, c2)
}

func TestSendUserReachesEveryConnection(t *testing.T) {
	ctx := context.Background()
	h := newHub(t, pubsub.NewLocal())
	a, err := h.Register(ctx, "owner-1")
	require.NoError(t, err)
	b, err := h.Register(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, h.SendUser(ctx, "owner-1", Frame{Event: EventMessageRead, Data: map[string]string{"message_id": "m1"}}))
	nextEvent(t, a, EventMessageRead)
	nextEvent(t, b, EventMessageRead)
}

func TestTypingExpires(t *testing.T) {
	ctx := context.Background()
	h := newHub(t, pubsub.NewLocal())
	h.TypingDebounce = 200 * time.Millisecond
	c, err := h.Register(ctx, "owner-1")
	require.NoError(t, err)
	require.NoError(t, h.Join(ctx, c, "p1", domain.RoomIntroduction))

	require.NoError(t, h.Typing(ctx, "free-1", "p1", domain.RoomIntroduction, true))
	var on Typing
	require.NoError(t, json.Unmarshal(nextEvent(t, c, EventTyping).Data, &on))
	assert.True(t, on.IsTyping)

	// Typing again restarts the debounce; only one stop frame follows.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.Typing(ctx, "free-1", "p1", domain.RoomIntroduction, true))
	nextEvent(t, c, EventTyping)

	var off Typing
	require.NoError(t, json.Unmarshal(nextEvent(t, c, EventTyping).Data, &off))
	assert.False(t, off.IsTyping)
	assert.Equal(t, "free-1", off.UserID)
	quiet(t, c, 300*time.Millisecond)
}

func TestHubOverRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	// Two hubs sharing one Redis behave like two server instances.
	h1 := newHub(t, pubsub.Redis{Client: client, Prefix: "gm:"})
	h2 := newHub(t, pubsub.Redis{Client: client, Prefix: "gm:"})
	c, err := h2.Register(ctx, "free-1")
	require.NoError(t, err)
	require.NoError(t, h2.Join(ctx, c, "p1", domain.RoomIntroduction))

	require.NoError(t, h1.BroadcastRoom(ctx, "p1", domain.RoomIntroduction, Frame{Event: EventNewMessage, Data: map[string]string{"content": "from h1"}}))
	f := nextEvent(t, c, EventNewMessage)
	assert.JSONEq(t, `{"content":"from h1"}`, string(f.Data))
}
