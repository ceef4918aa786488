package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"gigmarket/internal/chathub"
	"gigmarket/internal/domain"
	"gigmarket/internal/engine"
	"gigmarket/internal/engine/auth"
)

// Client event names.
const (
	wsJoinIntroduction = "join_introduction_chat"
	wsJoinNegotiation  = "join_negotiation_chat"
	wsJoinContract     = "join_contract_chat"
	wsJoinExecution    = "join_execution_chat"
	wsLeave            = "leave_project_chat"
	wsSendMessage      = "send_message"
	wsMarkAsRead       = "mark_as_read"
	wsUpdateMessage    = "update_message"
	wsDeleteMessage    = "delete_message"
	wsSendFile         = "send_file"
	wsReactMessage     = "react_message"
	wsUserTyping       = "user_typing"
	wsChatHistory      = "get_chat_history"
	wsAvailableRooms   = "get_available_rooms"
)

var joinEvents = map[string]domain.RoomType{
	wsJoinIntroduction: domain.RoomIntroduction,
	wsJoinNegotiation:  domain.RoomNegotiation,
	wsJoinContract:     domain.RoomContract,
	wsJoinExecution:    domain.RoomExecution,
}

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 64 << 10
)

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type projectPayload struct {
	ProjectID string `json:"project_id" validate:"required"`
}

type roomPayload struct {
	ProjectID string `json:"project_id" validate:"required"`
	RoomType  string `json:"room_type" validate:"required,oneof=introduction negotiation contract execution"`
}

type sendMessagePayload struct {
	ProjectID  string `json:"project_id" validate:"required"`
	RoomType   string `json:"room_type" validate:"required,oneof=introduction negotiation contract execution"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content" validate:"required,max=10000"`
	Kind       string `json:"kind" validate:"omitempty,oneof=text offer contract payment"`
}

type sendFilePayload struct {
	ProjectID string `json:"project_id" validate:"required"`
	RoomType  string `json:"room_type" validate:"required,oneof=introduction negotiation contract execution"`
	FileURL   string `json:"file_url" validate:"required,url"`
	FileType  string `json:"file_type" validate:"max=100"`
}

type messagePayload struct {
	MessageID string `json:"message_id" validate:"required"`
}

type updateMessagePayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Content   string `json:"content" validate:"required,max=10000"`
}

type reactPayload struct {
	MessageID string `json:"message_id" validate:"required"`
	Reaction  string `json:"reaction" validate:"required,max=32"`
}

type typingPayload struct {
	ProjectID string `json:"project_id" validate:"required"`
	RoomType  string `json:"room_type" validate:"required,oneof=introduction negotiation contract execution"`
	IsTyping  bool   `json:"is_typing"`
}

type historyPayload struct {
	ProjectID string `json:"project_id" validate:"required"`
	RoomType  string `json:"room_type" validate:"required,oneof=introduction negotiation contract execution"`
	Limit     int    `json:"limit" validate:"min=0,max=200"`
	Offset    int    `json:"offset" validate:"min=0"`
}

type wsError struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsHandler struct {
	engine    engine.Engine
	hub       *chathub.Hub
	log       logrus.FieldLogger
	validator *validator.Validate
	upgrader  websocket.Upgrader
}

func newWSHandler(e engine.Engine, hub *chathub.Hub, log logrus.FieldLogger) *wsHandler {
	return &wsHandler{
		engine:    e,
		hub:       hub,
		log:       log,
		validator: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// wsSession is one authenticated connection. Writes are serialised by mu.
type wsSession struct {
	h      *wsHandler
	actor  auth.Principal
	conn   *websocket.Conn
	client *chathub.Client
	mu     sync.Mutex
	log    logrus.FieldLogger
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, authErr := principalFromRequest(r.Context())
	if authErr != nil {
		respondStatusError(w, authErr)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := h.hub.Register(ctx, actor.ID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", actor.ID).Error("chat hub register failed")
		conn.Close()
		return
	}
	s := &wsSession{h: h, actor: actor, conn: conn, client: client, log: h.log.WithField("user_id", actor.ID)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop()
	}()
	s.readLoop(ctx)
	h.hub.Unregister(context.Background(), client)
	<-done
	conn.Close()
}

func (s *wsSession) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsSession) reply(event string, data any) {
	payload, err := json.Marshal(chathub.Frame{Event: event, Data: data})
	if err != nil {
		s.log.WithError(err).Error("encode frame")
		return
	}
	if err := s.write(websocket.TextMessage, payload); err != nil {
		s.log.WithError(err).Debug("websocket write failed")
	}
}

func (s *wsSession) fail(event string, err error) {
	_, code := classify(err)
	msg := err.Error()
	if code == "internal_error" {
		s.log.WithError(err).WithField("event", event).Error("chat operation failed")
		msg = "internal error"
	}
	s.reply(chathub.EventError, wsError{Event: event, Code: code, Message: msg})
}

// writeLoop forwards hub frames and keeps the connection alive until the
// hub closes the client's queue.
func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-s.client.Outbound():
			if !ok {
				return
			}
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.log.WithError(err).Debug("websocket write failed")
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(wsMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("websocket closed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			s.reply(chathub.EventError, wsError{Code: "bad_request", Message: "frames must be {\"event\":...,\"data\":{...}}"})
			continue
		}
		if err := s.dispatch(ctx, in); err != nil {
			s.fail(in.Event, err)
		}
	}
}

func (s *wsSession) decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	}
	if err := s.h.validator.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrInvalidInput, err)
	}
	return nil
}

func (s *wsSession) dispatch(ctx context.Context, in inboundFrame) error {
	if typ, ok := joinEvents[in.Event]; ok {
		var p projectPayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		return s.join(ctx, p.ProjectID, typ)
	}
	switch in.Event {
	case wsLeave:
		var p projectPayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		for _, typ := range s.h.hub.LeaveProject(s.client, p.ProjectID) {
			_ = s.h.hub.BroadcastRoom(ctx, p.ProjectID, typ, chathub.Frame{Event: chathub.EventUserLeft, Data: map[string]string{
				"user_id": s.actor.ID, "project_id": p.ProjectID, "room_type": string(typ),
			}})
		}
		return nil
	case wsSendMessage:
		var p sendMessagePayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		m, err := s.h.engine.SendMessage(ctx, s.actor, engine.MessageOptions{
			ProjectID:  p.ProjectID,
			RoomType:   domain.RoomType(p.RoomType),
			ReceiverID: p.ReceiverID,
			Content:    p.Content,
			Kind:       domain.MessageKind(p.Kind),
		})
		if err != nil {
			return err
		}
		return s.deliver(ctx, domain.RoomType(p.RoomType), m)
	case wsSendFile:
		var p sendFilePayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		m, err := s.h.engine.SendFile(ctx, s.actor, p.ProjectID, domain.RoomType(p.RoomType), p.FileURL, p.FileType)
		if err != nil {
			return err
		}
		return s.deliver(ctx, domain.RoomType(p.RoomType), m)
	case wsMarkAsRead:
		var p messagePayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		m, err := s.h.engine.MarkAsRead(ctx, s.actor, p.MessageID)
		if err != nil {
			return err
		}
		return s.h.hub.SendUser(ctx, m.SenderID, chathub.Frame{Event: chathub.EventMessageRead, Data: map[string]string{
			"message_id": m.ID, "reader_id": s.actor.ID, "project_id": m.ProjectID,
		}})
	case wsUpdateMessage:
		var p updateMessagePayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		m, err := s.h.engine.UpdateMessage(ctx, s.actor, p.MessageID, p.Content)
		if err != nil {
			return err
		}
		return s.broadcastFor(ctx, m, chathub.EventMessageUpdated, m)
	case wsDeleteMessage:
		var p messagePayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		m, err := s.h.engine.DeleteMessage(ctx, s.actor, p.MessageID)
		if err != nil {
			return err
		}
		return s.broadcastFor(ctx, m, chathub.EventMessageDeleted, map[string]string{"message_id": m.ID, "project_id": m.ProjectID})
	case wsReactMessage:
		var p reactPayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		m, err := s.h.engine.ReactMessage(ctx, s.actor, p.MessageID, p.Reaction)
		if err != nil {
			return err
		}
		return s.broadcastFor(ctx, m, chathub.EventMessageReaction, map[string]any{
			"message_id": m.ID, "user_id": s.actor.ID, "reaction": p.Reaction, "reactions": m.Reactions,
		})
	case wsUserTyping:
		var p typingPayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		typ := domain.RoomType(p.RoomType)
		if err := s.ensureAccess(ctx, p.ProjectID, typ); err != nil {
			return err
		}
		return s.h.hub.Typing(ctx, s.actor.ID, p.ProjectID, typ, p.IsTyping)
	case wsChatHistory:
		var p historyPayload
		if err := s.decode(in.Data, &p); err != nil {
			return err
		}
		msgs, err := s.h.engine.ChatHistory(ctx, s.actor, p.ProjectID, domain.RoomType(p.RoomType), p.Limit, p.Offset)
		if err != nil {
			return err
		}
		s.reply(chathub.EventChatHistory, ChatHistoryResponse{ProjectID: p.ProjectID, RoomType: p.RoomType, Messages: nonNilSlice(msgs)})
		return nil
	case wsAvailableRooms:
		rooms, err := s.h.engine.AvailableRooms(ctx, s.actor)
		if err != nil {
			return err
		}
		s.reply(chathub.EventAvailableRooms, map[string]any{"rooms": nonNilSlice(rooms)})
		return nil
	default:
		return fmt.Errorf("%w: unknown event %q", engine.ErrInvalidInput, in.Event)
	}
}

// join opens the introduction rooms on first use, records membership and
// subscribes the connection.
func (s *wsSession) join(ctx context.Context, projectID string, typ domain.RoomType) error {
	if typ == domain.RoomIntroduction {
		if _, err := s.h.engine.OpenIntroductionRoom(ctx, s.actor, projectID); err != nil {
			return err
		}
	}
	room, err := s.h.engine.JoinRoom(ctx, s.actor, projectID, typ)
	if err != nil {
		return err
	}
	if err := s.h.hub.Join(ctx, s.client, projectID, typ); err != nil {
		return err
	}
	s.reply(chathub.EventJoinedRoom, room)
	return nil
}

func (s *wsSession) ensureAccess(ctx context.Context, projectID string, typ domain.RoomType) error {
	p, err := s.h.engine.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	return s.h.engine.EnsureCanPost(ctx, p, s.actor.ID, typ)
}

// deliver broadcasts a new message to its room, then marks it delivered.
func (s *wsSession) deliver(ctx context.Context, typ domain.RoomType, m domain.Message) error {
	if err := s.h.hub.BroadcastRoom(ctx, m.ProjectID, typ, chathub.Frame{Event: chathub.EventNewMessage, Data: m}); err != nil {
		return err
	}
	if err := s.h.engine.MarkDelivered(ctx, m.ID); err != nil {
		s.log.WithError(err).WithField("message_id", m.ID).Warn("mark delivered failed")
	}
	return nil
}

// broadcastFor sends a frame to the room m belongs to.
func (s *wsSession) broadcastFor(ctx context.Context, m domain.Message, event string, data any) error {
	rooms, err := s.h.engine.ListRooms(ctx, m.ProjectID)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(rooms, func(r domain.ChatRoom) bool { return r.ID == m.RoomID })
	if idx < 0 {
		return nil
	}
	return s.h.hub.BroadcastRoom(ctx, m.ProjectID, rooms[idx].Type, chathub.Frame{Event: event, Data: data})
}
