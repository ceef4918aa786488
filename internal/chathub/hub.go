// Package chathub tracks connected chat clients and fans realtime frames out
// to them through a pubsub.Broker, so every server instance sharing the
// broker sees the same rooms.
package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gigmarket/internal/domain"
	"gigmarket/internal/pubsub"
)

// Server event names.
const (
	EventJoinedRoom      = "joined_room"
	EventNewMessage      = "new_message"
	EventMessageRead     = "message_read"
	EventMessageUpdated  = "message_updated"
	EventMessageDeleted  = "message_deleted"
	EventMessageReaction = "message_reaction"
	EventTyping          = "typing"
	EventUserLeft        = "user_left"
	EventChatHistory     = "chat_history"
	EventAvailableRooms  = "available_rooms"
	EventPresenceUpdate  = "presence_update"
	EventError           = "error"
)

const (
	DefaultTypingDebounce = 2 * time.Second
	sendBuffer            = 64
	presenceChannel       = "presence"
)

type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func RoomChannel(projectID string, typ domain.RoomType) string {
	return "room:" + projectID + ":" + string(typ)
}

func userChannel(userID string) string {
	return "user:" + userID
}

type Typing struct {
	UserID    string          `json:"user_id"`
	ProjectID string          `json:"project_id"`
	RoomType  domain.RoomType `json:"room_type"`
	IsTyping  bool            `json:"is_typing"`
}

type Presence struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Client is one connection. Frames for it are read from Outbound until the
// client is unregistered.
type Client struct {
	UserID string
	send   chan []byte
	closed bool
}

func (c *Client) Outbound() <-chan []byte { return c.send }

type channelState struct {
	sub     pubsub.Subscription
	members map[*Client]struct{}
}

type typingKey struct{ user, project string }

type Hub struct {
	Broker         pubsub.Broker
	Log            logrus.FieldLogger
	TypingDebounce time.Duration

	mu       sync.Mutex
	channels map[string]*channelState
	users    map[string]int
	typing   map[typingKey]*time.Timer
}

func New(broker pubsub.Broker, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		Broker:         broker,
		Log:            log,
		TypingDebounce: DefaultTypingDebounce,
		channels:       map[string]*channelState{},
		users:          map[string]int{},
		typing:         map[typingKey]*time.Timer{},
	}
}

// subscribe adds c to channel, opening the broker subscription for the
// first local member. Callers hold h.mu.
func (h *Hub) subscribe(ctx context.Context, channel string, c *Client) error {
	st, ok := h.channels[channel]
	if !ok {
		sub, err := h.Broker.Subscribe(ctx, channel)
		if err != nil {
			return err
		}
		st = &channelState{sub: sub, members: map[*Client]struct{}{}}
		h.channels[channel] = st
		go h.pump(channel, sub)
	}
	st.members[c] = struct{}{}
	return nil
}

// unsubscribe removes c. Callers hold h.mu.
func (h *Hub) unsubscribe(channel string, c *Client) {
	st, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(st.members, c)
	if len(st.members) == 0 {
		delete(h.channels, channel)
		_ = st.sub.Close()
	}
}

func (h *Hub) pump(channel string, sub pubsub.Subscription) {
	for m := range sub.C() {
		h.deliver(channel, m.Payload)
	}
}

func (h *Hub) deliver(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.channels[channel]
	if !ok {
		return
	}
	for c := range st.members {
		if c.closed {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.Log.WithFields(logrus.Fields{"user_id": c.UserID, "channel": channel}).Warn("chat client too slow, frame dropped")
		}
	}
}

func (h *Hub) publish(ctx context.Context, channel string, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return h.Broker.Publish(ctx, channel, data)
}

// Register adds a connection for userID. The first connection of a user
// announces them as online.
func (h *Hub) Register(ctx context.Context, userID string) (*Client, error) {
	c := &Client{UserID: userID, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if err := h.subscribe(ctx, userChannel(userID), c); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	if err := h.subscribe(ctx, presenceChannel, c); err != nil {
		h.unsubscribe(userChannel(userID), c)
		h.mu.Unlock()
		return nil, err
	}
	h.users[userID]++
	first := h.users[userID] == 1
	h.mu.Unlock()
	if first {
		h.announce(ctx, userID, true)
	}
	return c, nil
}

// Unregister drops c from every channel and closes its outbound queue.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	for channel, st := range h.channels {
		if _, ok := st.members[c]; ok {
			h.unsubscribe(channel, c)
		}
	}
	c.closed = true
	close(c.send)
	h.users[c.UserID]--
	last := h.users[c.UserID] <= 0
	if last {
		delete(h.users, c.UserID)
	}
	h.mu.Unlock()
	if last {
		h.announce(ctx, c.UserID, false)
	}
}

func (h *Hub) announce(ctx context.Context, userID string, online bool) {
	if err := h.publish(ctx, presenceChannel, Frame{Event: EventPresenceUpdate, Data: Presence{UserID: userID, Online: online}}); err != nil {
		h.Log.WithError(err).WithField("user_id", userID).Warn("presence broadcast failed")
	}
}

// Online reports whether userID has a connection on this instance.
func (h *Hub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.users[userID] > 0
}

func (h *Hub) Join(ctx context.Context, c *Client, projectID string, typ domain.RoomType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return pubsub.ErrClosed
	}
	return h.subscribe(ctx, RoomChannel(projectID, typ), c)
}

// LeaveProject removes c from all rooms of projectID and returns the room
// types it left.
func (h *Hub) LeaveProject(c *Client, projectID string) []domain.RoomType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []domain.RoomType
	for _, typ := range domain.RoomTypes {
		channel := RoomChannel(projectID, typ)
		if st, ok := h.channels[channel]; ok {
			if _, member := st.members[c]; member {
				h.unsubscribe(channel, c)
				left = append(left, typ)
			}
		}
	}
	return left
}

func (h *Hub) InRoom(c *Client, projectID string, typ domain.RoomType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.channels[RoomChannel(projectID, typ)]
	if !ok {
		return false
	}
	_, member := st.members[c]
	return member
}

func (h *Hub) BroadcastRoom(ctx context.Context, projectID string, typ domain.RoomType, f Frame) error {
	return h.publish(ctx, RoomChannel(projectID, typ), f)
}

// SendUser delivers f to every connection of userID.
func (h *Hub) SendUser(ctx context.Context, userID string, f Frame) error {
	return h.publish(ctx, userChannel(userID), f)
}

// Typing broadcasts a typing indicator to the room. A true indicator is
// cleared automatically once TypingDebounce passes without another one
// from the same user on the same project.
func (h *Hub) Typing(ctx context.Context, userID, projectID string, typ domain.RoomType, isTyping bool) error {
	key := typingKey{userID, projectID}
	h.mu.Lock()
	if t, ok := h.typing[key]; ok {
		t.Stop()
		delete(h.typing, key)
	}
	if isTyping {
		debounce := h.TypingDebounce
		if debounce <= 0 {
			debounce = DefaultTypingDebounce
		}
		var timer *time.Timer
		timer = time.AfterFunc(debounce, func() {
			h.mu.Lock()
			if h.typing[key] != timer {
				h.mu.Unlock()
				return
			}
			delete(h.typing, key)
			h.mu.Unlock()
			stop := Frame{Event: EventTyping, Data: Typing{UserID: userID, ProjectID: projectID, RoomType: typ}}
			if err := h.publish(context.Background(), RoomChannel(projectID, typ), stop); err != nil {
				h.Log.WithError(err).WithField("project_id", projectID).Warn("typing expiry broadcast failed")
			}
		})
		h.typing[key] = timer
	}
	h.mu.Unlock()
	return h.BroadcastRoom(ctx, projectID, typ, Frame{Event: EventTyping, Data: Typing{
		UserID: userID, ProjectID: projectID, RoomType: typ, IsTyping: isTyping,
	}})
}

// Close stops pending typing timers and every broker subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, t := range h.typing {
		t.Stop()
		delete(h.typing, k)
	}
	for channel, st := range h.channels {
		_ = st.sub.Close()
		delete(h.channels, channel)
	}
}
