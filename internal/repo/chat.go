package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"gigmarket/internal/domain"
)

const roomColumns = `id,project_id,type,status,created_at,closed_at`

func scanRoom(scan func(dest ...any) error) (domain.ChatRoom, error) {
	var c domain.ChatRoom
	var closed sql.NullString
	if err := scan(&c.ID, &c.ProjectID, &c.Type, &c.Status, &c.CreatedAt, &closed); err != nil {
		return c, notFound(err)
	}
	c.ClosedAt = stringPtr(closed)
	return c, nil
}

func (r Repo) InsertRoom(ctx context.Context, tx *sql.Tx, room domain.ChatRoom) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chat_rooms(`+roomColumns+`) VALUES (?,?,?,?,?,?)`,
		room.ID, room.ProjectID, room.Type, room.Status, room.CreatedAt, nullableStringPtr(room.ClosedAt))
	if err != nil {
		return err
	}
	for _, u := range room.AllowedUsers {
		if err := r.AddRoomMember(ctx, tx, room.ID, u, room.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetRoom(ctx context.Context, id string) (domain.ChatRoom, error) {
	return r.getRoom(ctx, r.DB, `SELECT `+roomColumns+` FROM chat_rooms WHERE id=?`, id)
}

func (r Repo) GetRoomTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChatRoom, error) {
	return r.getRoom(ctx, tx, `SELECT `+roomColumns+` FROM chat_rooms WHERE id=?`, id)
}

func (r Repo) GetProjectRoomTx(ctx context.Context, tx *sql.Tx, projectID string, typ domain.RoomType) (domain.ChatRoom, error) {
	return r.getRoom(ctx, tx, `SELECT `+roomColumns+` FROM chat_rooms WHERE project_id=? AND type=?`, projectID, typ)
}

func (r Repo) getRoom(ctx context.Context, q queryer, query string, args ...any) (domain.ChatRoom, error) {
	room, err := scanRoom(q.QueryRowContext(ctx, query, args...).Scan)
	if err != nil {
		return room, err
	}
	room.AllowedUsers, err = roomMembers(ctx, q, room.ID)
	return room, err
}

// ListProjectRooms returns the project's rooms in stage order.
func (r Repo) ListProjectRooms(ctx context.Context, projectID string) ([]domain.ChatRoom, error) {
	return r.listRooms(ctx, r.DB, `SELECT `+roomColumns+` FROM chat_rooms WHERE project_id=?`, projectID)
}

func (r Repo) ListProjectRoomsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.ChatRoom, error) {
	return r.listRooms(ctx, tx, `SELECT `+roomColumns+` FROM chat_rooms WHERE project_id=?`, projectID)
}

// ListUserRooms returns the non-locked rooms userID belongs to.
func (r Repo) ListUserRooms(ctx context.Context, userID string) ([]domain.ChatRoom, error) {
	return r.listRooms(ctx, r.DB, `SELECT `+prefixed("c.", roomColumns)+` FROM chat_rooms c
JOIN chat_room_members m ON m.room_id=c.id
WHERE m.user_id=? AND c.status<>'locked'`, userID)
}

func (r Repo) listRooms(ctx context.Context, q queryer, query string, args ...any) ([]domain.ChatRoom, error) {
	query += ` ORDER BY CASE type WHEN 'introduction' THEN 0 WHEN 'negotiation' THEN 1 WHEN 'contract' THEN 2 ELSE 3 END, created_at`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.ChatRoom
	for rows.Next() {
		room, err := scanRoom(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, room)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		members, err := roomMembers(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].AllowedUsers = members
	}
	return res, nil
}

func (r Repo) UpdateRoomStatus(ctx context.Context, tx *sql.Tx, id string, status domain.RoomStatus, at string) error {
	var closed any
	if status == domain.RoomClosed {
		closed = at
	}
	res, err := tx.ExecContext(ctx, `UPDATE chat_rooms SET status=?, closed_at=? WHERE id=?`, status, closed, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddRoomMember is idempotent.
func (r Repo) AddRoomMember(ctx context.Context, tx *sql.Tx, roomID, userID, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO chat_room_members(room_id,user_id,added_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`, roomID, userID, at)
	return err
}

func roomMembers(ctx context.Context, q queryer, roomID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM chat_room_members WHERE room_id=? ORDER BY added_at, user_id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- messages ---

const messageColumns = `m.id,m.room_id,c.project_id,m.sender_id,m.receiver_id,m.content,m.kind,m.attachment_url,m.file_type,m.status,m.is_system,m.created_at,m.updated_at`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var receiver, attachment, fileType sql.NullString
	var system int
	err := scan(&m.ID, &m.RoomID, &m.ProjectID, &m.SenderID, &receiver, &m.Content, &m.Kind, &attachment, &fileType, &m.Status, &system, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, notFound(err)
	}
	m.ReceiverID = stringPtr(receiver)
	m.AttachmentURL = stringPtr(attachment)
	m.FileType = stringPtr(fileType)
	m.System = system != 0
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	system := 0
	if m.System {
		system = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,room_id,sender_id,receiver_id,content,kind,attachment_url,file_type,status,is_system,created_at,updated_at,seq)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM messages))`,
		m.ID, m.RoomID, m.SenderID, nullableStringPtr(m.ReceiverID), m.Content, m.Kind,
		nullableStringPtr(m.AttachmentURL), nullableStringPtr(m.FileType), m.Status, system, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return r.getMessage(ctx, r.DB, id)
}

func (r Repo) GetMessageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Message, error) {
	return r.getMessage(ctx, tx, id)
}

func (r Repo) getMessage(ctx context.Context, q queryer, id string) (domain.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m JOIN chat_rooms c ON c.id=m.room_id WHERE m.id=?`, id).Scan)
	if err != nil {
		return m, err
	}
	reactions, err := messageReactions(ctx, q, []string{m.ID})
	m.Reactions = reactions[m.ID]
	return m, err
}

func (r Repo) UpdateMessageContent(ctx context.Context, tx *sql.Tx, id, content, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET content=?, updated_at=? WHERE id=?`, content, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMessageStatus(ctx context.Context, tx *sql.Tx, id string, status domain.MessageStatus, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET status=?, updated_at=? WHERE id=?`, status, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMessage(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRoomRead flips every message in roomID not sent by readerID to read.
func (r Repo) MarkRoomRead(ctx context.Context, tx *sql.Tx, roomID, readerID, at string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET status='read', updated_at=? WHERE room_id=? AND sender_id<>? AND status<>'read'`, at, roomID, readerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListMessages returns one page of history, newest first.
func (r Repo) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages m JOIN chat_rooms c ON c.id=m.room_id
WHERE m.room_id=? ORDER BY m.seq DESC LIMIT ? OFFSET ?`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return res, nil
	}
	ids := make([]string, len(res))
	for i, m := range res {
		ids[i] = m.ID
	}
	reactions, err := messageReactions(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Reactions = reactions[res[i].ID]
	}
	return res, nil
}

func (r Repo) CountMessages(ctx context.Context, roomID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE room_id=?`, roomID).Scan(&n)
	return n, err
}

func (r Repo) AddReaction(ctx context.Context, tx *sql.Tx, messageID string, rc domain.Reaction) error {
	if rc.CreatedAt == "" {
		rc.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO message_reactions(message_id,user_id,reaction,created_at) VALUES (?,?,?,?)`,
		messageID, rc.UserID, rc.Reaction, rc.CreatedAt)
	return err
}

func messageReactions(ctx context.Context, q queryer, ids []string) (map[string][]domain.Reaction, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT message_id,user_id,reaction,created_at FROM message_reactions WHERE message_id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.Reaction{}
	for rows.Next() {
		var id string
		var rc domain.Reaction
		if err := rows.Scan(&id, &rc.UserID, &rc.Reaction, &rc.CreatedAt); err != nil {
			return nil, err
		}
		res[id] = append(res[id], rc)
	}
	return res, rows.Err()
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ",")
}
