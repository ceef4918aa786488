package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine/auth"
	"gigmarket/internal/events"
	"gigmarket/internal/repo"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ensureRooms creates the project's four rooms if they are missing. Only
// the introduction room starts active.
func (e Engine) ensureRooms(ctx context.Context, s *scope, p domain.Project) (map[domain.RoomType]domain.ChatRoom, error) {
	existing, err := e.Repo.ListProjectRoomsTx(ctx, s.tx, p.ID)
	if err != nil {
		return nil, err
	}
	rooms := make(map[domain.RoomType]domain.ChatRoom, len(domain.RoomTypes))
	for _, r := range existing {
		rooms[r.Type] = r
	}
	now := e.stamp()
	for _, typ := range domain.RoomTypes {
		if _, ok := rooms[typ]; ok {
			continue
		}
		room := domain.ChatRoom{
			ID:           uuid.NewString(),
			ProjectID:    p.ID,
			Type:         typ,
			Status:       domain.RoomLocked,
			AllowedUsers: []string{},
			CreatedAt:    now,
		}
		if typ == domain.RoomIntroduction {
			room.Status = domain.RoomActive
			room.AllowedUsers = []string{p.OwnerID}
		}
		if err := e.Repo.InsertRoom(ctx, s.tx, room); err != nil {
			return nil, fmt.Errorf("insert %s room: %w", typ, err)
		}
		if err := e.appendEvent(ctx, s, events.Record{
			Type:       events.RoomOpened,
			ProjectID:  p.ID,
			EntityKind: "chat_room",
			EntityID:   room.ID,
			Payload:    events.EventPayload{"type": string(typ), "status": string(room.Status)},
		}); err != nil {
			return nil, err
		}
		rooms[typ] = room
	}
	return rooms, nil
}

func (e Engine) setRoomStatus(ctx context.Context, s *scope, room *domain.ChatRoom, status domain.RoomStatus) error {
	if room.Status == status {
		return nil
	}
	now := e.stamp()
	if err := e.Repo.UpdateRoomStatus(ctx, s.tx, room.ID, status, now); err != nil {
		return err
	}
	from := room.Status
	room.Status = status
	room.ClosedAt = nil
	if status == domain.RoomClosed {
		room.ClosedAt = &now
	}
	return e.appendEvent(ctx, s, events.Record{
		Type:       events.RoomStatus,
		ProjectID:  room.ProjectID,
		EntityKind: "chat_room",
		EntityID:   room.ID,
		Payload:    events.EventPayload{"type": string(room.Type), "from": string(from), "to": string(status)},
	})
}

// activateRoom makes typ the project's live room: earlier active rooms close
// and members are added to typ.
func (e Engine) activateRoom(ctx context.Context, s *scope, p domain.Project, typ domain.RoomType, members ...string) error {
	rooms, err := e.ensureRooms(ctx, s, p)
	if err != nil {
		return err
	}
	for _, rt := range domain.RoomTypes {
		room := rooms[rt]
		if rt == typ || room.Status != domain.RoomActive {
			continue
		}
		if err := e.setRoomStatus(ctx, s, &room, domain.RoomClosed); err != nil {
			return err
		}
	}
	target := rooms[typ]
	if err := e.setRoomStatus(ctx, s, &target, domain.RoomActive); err != nil {
		return err
	}
	now := e.stamp()
	for _, m := range members {
		if err := e.Repo.AddRoomMember(ctx, s.tx, target.ID, m, now); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) closeRooms(ctx context.Context, s *scope, projectID string) error {
	rooms, err := e.Repo.ListProjectRoomsTx(ctx, s.tx, projectID)
	if err != nil {
		return err
	}
	for i := range rooms {
		if rooms[i].Status == domain.RoomClosed {
			continue
		}
		if err := e.setRoomStatus(ctx, s, &rooms[i], domain.RoomClosed); err != nil {
			return err
		}
	}
	return nil
}

// syncRooms brings existing rooms in line with the project's status after a
// forced change. Projects whose rooms were never opened are left alone.
func (e Engine) syncRooms(ctx context.Context, s *scope, p domain.Project) error {
	rooms, err := e.Repo.ListProjectRoomsTx(ctx, s.tx, p.ID)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		return nil
	}
	switch p.Status {
	case domain.ProjectCompleted, domain.ProjectRejected, domain.ProjectCancelled:
		return e.closeRooms(ctx, s, p.ID)
	}
	stage, err := e.stageTx(ctx, s, p)
	if err != nil {
		return err
	}
	members := []string{p.OwnerID}
	if stage != domain.RoomIntroduction && p.SelectedBidID != nil {
		bid, err := e.selectedBid(ctx, s, p)
		if err != nil {
			return err
		}
		members = append(members, bid.FreelancerID)
	}
	return e.activateRoom(ctx, s, p, stage, members...)
}

// CanAccessRoom reports whether userID may use rooms of type typ given the
// project's current state.
func (e Engine) CanAccessRoom(ctx context.Context, p domain.Project, userID string, typ domain.RoomType) (bool, error) {
	if userID == p.OwnerID {
		return true, nil
	}
	switch typ {
	case domain.RoomIntroduction:
		return true, nil
	case domain.RoomNegotiation:
		bid, err := e.Repo.FindBid(ctx, p.ID, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return bid.Status == domain.BidAccepted, nil
	case domain.RoomContract, domain.RoomExecution:
		contract, err := e.Repo.GetContract(ctx, p.ID)
		if errors.Is(err, repo.ErrNotFound) {
			if typ == domain.RoomExecution && executing(p.Status) {
				return e.isSelectedFreelancer(ctx, p, userID)
			}
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if contract.FreelancerSignedAt == nil && !(typ == domain.RoomExecution && executing(p.Status)) {
			return false, nil
		}
		return e.isSelectedFreelancer(ctx, p, userID)
	}
	return false, fmt.Errorf("%w: unknown room type %q", ErrInvalidInput, typ)
}

// executing reports whether work moved past the contract stage, so the
// hired freelancer keeps execution access without a signed contract.
func executing(s domain.ProjectStatus) bool {
	return s == domain.ProjectTesting || s == domain.ProjectCompleted
}

func (e Engine) isSelectedFreelancer(ctx context.Context, p domain.Project, userID string) (bool, error) {
	if p.SelectedBidID == nil {
		return false, nil
	}
	bid, err := e.Repo.GetBid(ctx, *p.SelectedBidID)
	if err != nil {
		return false, err
	}
	return bid.FreelancerID == userID, nil
}

func (e Engine) ensureRoomAccess(ctx context.Context, p domain.Project, userID string, typ domain.RoomType) error {
	ok, err := e.CanAccessRoom(ctx, p, userID, typ)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: "chat." + string(typ)}
	}
	return nil
}

// CurrentStage returns the chat stage the project is in.
func (e Engine) CurrentStage(ctx context.Context, projectID string) (domain.RoomType, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	return e.stage(ctx, p)
}

func (e Engine) stage(ctx context.Context, p domain.Project) (domain.RoomType, error) {
	var contract *domain.Contract
	c, err := e.Repo.GetContract(ctx, p.ID)
	switch {
	case err == nil:
		contract = &c
	case !errors.Is(err, repo.ErrNotFound):
		return "", err
	}
	return ChatStage(p, contract), nil
}

// EnsureCanPost checks that typ is the project's current stage and that
// userID may take part in it.
func (e Engine) EnsureCanPost(ctx context.Context, p domain.Project, userID string, typ domain.RoomType) error {
	stage, err := e.stage(ctx, p)
	if err != nil {
		return err
	}
	if typ != stage {
		return fmt.Errorf("%w: project is in the %s stage", ErrInvalidState, stage)
	}
	return e.ensureRoomAccess(ctx, p, userID, stage)
}

// OpenIntroductionRoom creates the project's rooms on first access by the
// owner and returns the introduction room.
func (e Engine) OpenIntroductionRoom(ctx context.Context, actor auth.Principal, projectID string) (domain.ChatRoom, error) {
	if err := e.require(actor, auth.PermChatUse); err != nil {
		return domain.ChatRoom{}, err
	}
	var room domain.ChatRoom
	err := e.inTx(ctx, func(s *scope) error {
		p, err := e.Repo.GetProjectTx(ctx, s.tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if actor.ID != p.OwnerID {
			existing, err := e.Repo.GetProjectRoomTx(ctx, s.tx, p.ID, domain.RoomIntroduction)
			if err != nil {
				return fmt.Errorf("introduction room: %w", err)
			}
			room = existing
			return nil
		}
		if _, err := e.ensureRooms(ctx, s, p); err != nil {
			return err
		}
		room, err = e.Repo.GetProjectRoomTx(ctx, s.tx, p.ID, domain.RoomIntroduction)
		return err
	})
	return room, err
}

// JoinRoom adds the caller to a room's members after checking eligibility.
func (e Engine) JoinRoom(ctx context.Context, actor auth.Principal, projectID string, typ domain.RoomType) (domain.ChatRoom, error) {
	if err := e.require(actor, auth.PermChatUse); err != nil {
		return domain.ChatRoom{}, err
	}
	if !typ.Valid() {
		return domain.ChatRoom{}, fmt.Errorf("%w: unknown room type %q", ErrInvalidInput, typ)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.ChatRoom{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	var room domain.ChatRoom
	err = e.inTx(ctx, func(s *scope) error {
		var err error
		room, err = e.Repo.GetProjectRoomTx(ctx, s.tx, p.ID, typ)
		if err != nil {
			return fmt.Errorf("%s room: %w", typ, err)
		}
		if room.Status == domain.RoomLocked {
			return fmt.Errorf("%w: %s room is locked", ErrInvalidState, typ)
		}
		if err := e.ensureRoomAccess(ctx, p, actor.ID, typ); err != nil {
			return err
		}
		if slices.Contains(room.AllowedUsers, actor.ID) {
			return nil
		}
		if err := e.Repo.AddRoomMember(ctx, s.tx, room.ID, actor.ID, e.stamp()); err != nil {
			return err
		}
		room.AllowedUsers = append(room.AllowedUsers, actor.ID)
		return nil
	})
	if err != nil {
		return domain.ChatRoom{}, err
	}
	return room, nil
}

type MessageOptions struct {
	ProjectID     string
	RoomType      domain.RoomType
	ReceiverID    string
	Content       string
	Kind          domain.MessageKind
	AttachmentURL string
	FileType      string
}

// SendMessage stores a message in the room of the project's current stage.
// The room must be active and the caller eligible for that stage.
func (e Engine) SendMessage(ctx context.Context, actor auth.Principal, opts MessageOptions) (domain.Message, error) {
	if err := e.require(actor, auth.PermChatUse); err != nil {
		return domain.Message{}, err
	}
	if opts.Kind == "" {
		opts.Kind = domain.MessageText
	}
	if !opts.Kind.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown message kind %q", ErrInvalidInput, opts.Kind)
	}
	if opts.Kind == domain.MessageFile {
		if strings.TrimSpace(opts.AttachmentURL) == "" {
			return domain.Message{}, fmt.Errorf("%w: file url is required", ErrInvalidInput)
		}
		if opts.Content == "" {
			opts.Content = opts.AttachmentURL
		}
	}
	if strings.TrimSpace(opts.Content) == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if !opts.RoomType.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown room type %q", ErrInvalidInput, opts.RoomType)
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("project %s: %w", opts.ProjectID, err)
	}
	if err := e.EnsureCanPost(ctx, p, actor.ID, opts.RoomType); err != nil {
		return domain.Message{}, err
	}
	now := e.stamp()
	msg := domain.Message{
		ID:            uuid.NewString(),
		ProjectID:     p.ID,
		SenderID:      actor.ID,
		ReceiverID:    optional(opts.ReceiverID),
		Content:       opts.Content,
		Kind:          opts.Kind,
		AttachmentURL: optional(opts.AttachmentURL),
		FileType:      optional(opts.FileType),
		Status:        domain.MessageSent,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = e.inTx(ctx, func(s *scope) error {
		room, err := e.Repo.GetProjectRoomTx(ctx, s.tx, p.ID, opts.RoomType)
		if err != nil {
			return fmt.Errorf("%s room: %w", opts.RoomType, err)
		}
		if room.Status != domain.RoomActive {
			return fmt.Errorf("%w: %s room is %s", ErrInvalidState, room.Type, room.Status)
		}
		msg.RoomID = room.ID
		if err := e.Repo.InsertMessage(ctx, s.tx, msg); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return e.appendEvent(ctx, s, events.Record{
			Type:       events.MessageCreated,
			ProjectID:  p.ID,
			EntityKind: "message",
			EntityID:   msg.ID,
			ActorID:    actor.ID,
			Payload:    events.EventPayload{"room_id": room.ID, "kind": string(msg.Kind)},
		})
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// SendFile posts a file message.
func (e Engine) SendFile(ctx context.Context, actor auth.Principal, projectID string, typ domain.RoomType, fileURL, fileType string) (domain.Message, error) {
	return e.SendMessage(ctx, actor, MessageOptions{
		ProjectID:     projectID,
		RoomType:      typ,
		Kind:          domain.MessageFile,
		AttachmentURL: fileURL,
		FileType:      fileType,
	})
}

// MarkDelivered moves a sent message to delivered. Read messages stay read.
func (e Engine) MarkDelivered(ctx context.Context, messageID string) error {
	return e.inTx(ctx, func(s *scope) error {
		m, err := e.Repo.GetMessageTx(ctx, s.tx, messageID)
		if err != nil {
			return err
		}
		if m.Status != domain.MessageSent {
			return nil
		}
		return e.Repo.UpdateMessageStatus(ctx, s.tx, m.ID, domain.MessageDelivered, e.stamp())
	})
}

// MarkAsRead records a read receipt by the receiver, or by any room member
// other than the sender when the message has no receiver.
func (e Engine) MarkAsRead(ctx context.Context, actor auth.Principal, messageID string) (domain.Message, error) {
	var m domain.Message
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		m, err = e.Repo.GetMessageTx(ctx, s.tx, messageID)
		if err != nil {
			return fmt.Errorf("message %s: %w", messageID, err)
		}
		if m.ReceiverID != nil {
			if *m.ReceiverID != actor.ID {
				return auth.ForbiddenError{Permission: "chat.read"}
			}
		} else {
			room, err := e.Repo.GetRoomTx(ctx, s.tx, m.RoomID)
			if err != nil {
				return err
			}
			if m.SenderID == actor.ID || !slices.Contains(room.AllowedUsers, actor.ID) {
				return auth.ForbiddenError{Permission: "chat.read"}
			}
		}
		if m.Status == domain.MessageRead {
			return nil
		}
		m.Status = domain.MessageRead
		m.UpdatedAt = e.stamp()
		return e.Repo.UpdateMessageStatus(ctx, s.tx, m.ID, m.Status, m.UpdatedAt)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func (e Engine) senderMessage(ctx context.Context, s *scope, actor auth.Principal, messageID string) (domain.Message, error) {
	m, err := e.Repo.GetMessageTx(ctx, s.tx, messageID)
	if err != nil {
		return m, fmt.Errorf("message %s: %w", messageID, err)
	}
	if m.SenderID != actor.ID {
		return m, auth.ForbiddenError{Permission: "chat.message.own"}
	}
	return m, nil
}

// UpdateMessage edits a message's content. Only its sender may edit it.
func (e Engine) UpdateMessage(ctx context.Context, actor auth.Principal, messageID, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	var m domain.Message
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		m, err = e.senderMessage(ctx, s, actor, messageID)
		if err != nil {
			return err
		}
		m.Content = content
		m.UpdatedAt = e.stamp()
		return e.Repo.UpdateMessageContent(ctx, s.tx, m.ID, m.Content, m.UpdatedAt)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// DeleteMessage removes a message and its reactions. It returns the removed
// message so callers can notify the room.
func (e Engine) DeleteMessage(ctx context.Context, actor auth.Principal, messageID string) (domain.Message, error) {
	var m domain.Message
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		m, err = e.senderMessage(ctx, s, actor, messageID)
		if err != nil {
			return err
		}
		return e.Repo.DeleteMessage(ctx, s.tx, m.ID)
	})
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ReactMessage appends a reaction. The same user may react repeatedly.
func (e Engine) ReactMessage(ctx context.Context, actor auth.Principal, messageID, reaction string) (domain.Message, error) {
	if strings.TrimSpace(reaction) == "" {
		return domain.Message{}, fmt.Errorf("%w: reaction is required", ErrInvalidInput)
	}
	var m domain.Message
	err := e.inTx(ctx, func(s *scope) error {
		var err error
		m, err = e.Repo.GetMessageTx(ctx, s.tx, messageID)
		if err != nil {
			return fmt.Errorf("message %s: %w", messageID, err)
		}
		room, err := e.Repo.GetRoomTx(ctx, s.tx, m.RoomID)
		if err != nil {
			return err
		}
		if !slices.Contains(room.AllowedUsers, actor.ID) {
			return auth.ForbiddenError{Permission: "chat." + string(room.Type)}
		}
		rc := domain.Reaction{UserID: actor.ID, Reaction: reaction, CreatedAt: e.stamp()}
		if err := e.Repo.AddReaction(ctx, s.tx, m.ID, rc); err != nil {
			return err
		}
		m.Reactions = append(m.Reactions, rc)
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ChatHistory pages a room's messages newest first.
func (e Engine) ChatHistory(ctx context.Context, actor auth.Principal, projectID string, typ domain.RoomType, limit, offset int) ([]domain.Message, error) {
	if err := e.require(actor, auth.PermChatUse); err != nil {
		return nil, err
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown room type %q", ErrInvalidInput, typ)
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	if err := e.ensureRoomAccess(ctx, p, actor.ID, typ); err != nil {
		return nil, err
	}
	rooms, err := e.Repo.ListProjectRooms(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(rooms, func(r domain.ChatRoom) bool { return r.Type == typ })
	if idx < 0 {
		return nil, fmt.Errorf("%s room: %w", typ, repo.ErrNotFound)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return e.Repo.ListMessages(ctx, rooms[idx].ID, limit, offset)
}

// AvailableRooms lists the unlocked rooms the caller belongs to.
func (e Engine) AvailableRooms(ctx context.Context, actor auth.Principal) ([]domain.ChatRoom, error) {
	return e.Repo.ListUserRooms(ctx, actor.ID)
}

func (e Engine) ListRooms(ctx context.Context, projectID string) ([]domain.ChatRoom, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	return e.Repo.ListProjectRooms(ctx, projectID)
}

func (e Engine) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return e.Repo.GetMessage(ctx, id)
}

func optional(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

// MarkRoomRead marks every message in a room not sent by the caller as read
// and returns how many changed.
func (e Engine) MarkRoomRead(ctx context.Context, actor auth.Principal, projectID string, typ domain.RoomType) (int, error) {
	var n int
	err := e.inTx(ctx, func(s *scope) error {
		room, err := e.Repo.GetProjectRoomTx(ctx, s.tx, projectID, typ)
		if err != nil {
			return fmt.Errorf("%s room: %w", typ, err)
		}
		if !slices.Contains(room.AllowedUsers, actor.ID) {
			return auth.ForbiddenError{Permission: "chat." + string(typ)}
		}
		n, err = e.Repo.MarkRoomRead(ctx, s.tx, room.ID, actor.ID, e.stamp())
		return err
	})
	return n, err
}
