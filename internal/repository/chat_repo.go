package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"realtime_chat/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ChatRepository is the Postgres persistence store. Membership is read from
// the database on every call; nothing is cached here.
type ChatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var u domain.User
	var email, avatar sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, username, email, avatar_url, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&u.ID, &u.Name, &u.Username, &email, &avatar, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	u.Email = email.String
	u.AvatarURL = avatar.String
	return &u, nil
}

// GetChatMembers returns the current member ids of a chat, or ErrNotFound
// when the chat does not exist.
func (r *ChatRepository) GetChatMembers(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cm.user_id
		FROM chats c
		LEFT JOIN chat_members cm ON cm.chat_id = c.id
		WHERE c.id = $1
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat members: %w", err)
	}
	defer rows.Close()

	found := false
	members := []uuid.UUID{}
	for rows.Next() {
		found = true
		var userID uuid.NullUUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan chat member: %w", err)
		}
		if userID.Valid {
			members = append(members, userID.UUID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch chat members: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	return members, nil
}

func (r *ChatRepository) GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	var c domain.Chat
	var creator uuid.NullUUID
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, group_chat, creator_id, created_at
		FROM chats WHERE id = $1
	`, chatID).Scan(&c.ID, &c.Name, &c.GroupChat, &creator, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat: %w", err)
	}
	c.CreatorID = creator.UUID

	members, err := r.GetChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}
	c.Members = members
	return &c, nil
}

// CreateChat inserts the chat and its members in one transaction.
func (r *ChatRepository) CreateChat(ctx context.Context, chat *domain.Chat) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var creator uuid.NullUUID
	if chat.CreatorID != uuid.Nil {
		creator = uuid.NullUUID{UUID: chat.CreatorID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, group_chat, creator_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, chat.ID, chat.Name, chat.GroupChat, creator, chat.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chat: %w", err)
	}

	if err := insertMembers(ctx, tx, chat.ID, chat.Members); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *ChatRepository) AddChatMembers(ctx context.Context, chatID uuid.UUID, userIDs []uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMembers(ctx, tx, chatID, userIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMembers(ctx context.Context, tx *sql.Tx, chatID uuid.UUID, userIDs []uuid.UUID) error {
	for _, userID := range userIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)
			ON CONFLICT (chat_id, user_id) DO NOTHING
		`, chatID, userID)
		if err != nil {
			return fmt.Errorf("failed to insert chat member: %w", err)
		}
	}
	return nil
}

func (r *ChatRepository) RemoveChatMember(ctx context.Context, chatID, userID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove chat member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove chat member: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("member %s of chat %s: %w", userID, chatID, domain.ErrNotFound)
	}
	return nil
}

// ListChats returns the chats userID belongs to, newest first, with their
// full member lists.
func (r *ChatRepository) ListChats(ctx context.Context, userID uuid.UUID) ([]*domain.Chat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.group_chat, c.creator_id, c.created_at, array_agg(all_m.user_id::text)
		FROM chats c
		JOIN chat_members mine ON mine.chat_id = c.id AND mine.user_id = $1
		JOIN chat_members all_m ON all_m.chat_id = c.id
		GROUP BY c.id
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return scanChats(rows)
}

// ListGroups returns the group chats creatorID created, newest first.
func (r *ChatRepository) ListGroups(ctx context.Context, creatorID uuid.UUID) ([]*domain.Chat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.group_chat, c.creator_id, c.created_at, array_agg(m.user_id::text)
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE c.group_chat AND c.creator_id = $1
		GROUP BY c.id
		ORDER BY c.created_at DESC
	`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return scanChats(rows)
}

func scanChats(rows *sql.Rows) ([]*domain.Chat, error) {
	defer rows.Close()

	chats := []*domain.Chat{}
	for rows.Next() {
		var c domain.Chat
		var creator uuid.NullUUID
		var members pq.StringArray
		if err := rows.Scan(&c.ID, &c.Name, &c.GroupChat, &creator, &c.CreatedAt, &members); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.CreatorID = creator.UUID
		for _, m := range members {
			id, err := uuid.Parse(m)
			if err != nil {
				return nil, fmt.Errorf("invalid member id %q: %w", m, err)
			}
			c.Members = append(c.Members, id)
		}
		chats = append(chats, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chats: %w", err)
	}
	return chats, nil
}

func (r *ChatRepository) RenameChat(ctx context.Context, chatID uuid.UUID, name string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE chats SET name = $2 WHERE id = $1`, chatID, name); err != nil {
		return fmt.Errorf("failed to rename chat: %w", err)
	}
	return nil
}

// DeleteChat removes the chat with its members and messages and returns the
// public ids of every attachment the messages referenced.
func (r *ChatRepository) DeleteChat(ctx context.Context, chatID uuid.UUID) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT attachments FROM messages
		WHERE chat_id = $1 AND attachments <> '[]'::jsonb
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attachments: %w", err)
	}
	var publicIDs []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan attachments: %w", err)
		}
		var attachments []domain.Attachment
		if err := json.Unmarshal(raw, &attachments); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
		for _, a := range attachments {
			publicIDs = append(publicIDs, a.PublicID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch attachments: %w", err)
	}

	// members and messages go with the chat via ON DELETE CASCADE
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, chatID); err != nil {
		return nil, fmt.Errorf("failed to delete chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chat deletion: %w", err)
	}
	return publicIDs, nil
}

func (r *ChatRepository) SetCreator(ctx context.Context, chatID, userID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE chats SET creator_id = $2 WHERE id = $1`, chatID, userID); err != nil {
		return fmt.Errorf("failed to update chat creator: %w", err)
	}
	return nil
}

// CreateMessage stores a message. Writing the same id twice is a no-op so a
// redelivered stream entry does not fail.
func (r *ChatRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.ChatID, msg.Sender.ID, msg.Content, raw, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Persist satisfies the ingestion path's persister.
func (r *ChatRepository) Persist(ctx context.Context, msg *domain.Message) error {
	return r.CreateMessage(ctx, msg)
}

// GetMessages returns one page of a chat's history, newest first, and the
// total number of pages (at least 1). Page numbers start at 1.
func (r *ChatRepository) GetMessages(ctx context.Context, chatID uuid.UUID, page, pageSize int) ([]*domain.Message, int, error) {
	if page < 1 {
		page = 1
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = $1`, chatID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, COALESCE(u.name, ''), m.content, m.attachments, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2 OFFSET $3
	`, chatID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []*domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var raw []byte
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Sender.ID, &msg.Sender.Name, &msg.Content, &raw, &msg.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &msg.Attachments); err != nil {
				return nil, 0, fmt.Errorf("failed to decode attachments: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, totalPages, nil
}

func (r *ChatRepository) CreateRequest(ctx context.Context, req *domain.FriendRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO requests (id, sender_id, receiver_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.SenderID, req.ReceiverID, string(req.Status), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// FindRequest returns a request between the two users in either direction.
func (r *ChatRepository) FindRequest(ctx context.Context, a, b uuid.UUID) (*domain.FriendRequest, error) {
	return r.scanRequest(r.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, status, created_at
		FROM requests
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC
		LIMIT 1
	`, a, b))
}

func (r *ChatRepository) GetRequest(ctx context.Context, requestID uuid.UUID) (*domain.FriendRequest, error) {
	return r.scanRequest(r.db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, status, created_at
		FROM requests WHERE id = $1
	`, requestID))
}

func (r *ChatRepository) scanRequest(row *sql.Row) (*domain.FriendRequest, error) {
	var req domain.FriendRequest
	var status string
	err := row.Scan(&req.ID, &req.SenderID, &req.ReceiverID, &status, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch request: %w", err)
	}
	req.Status = domain.RequestStatus(status)
	return &req, nil
}

func (r *ChatRepository) UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.RequestStatus) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE requests SET status = $2 WHERE id = $1`, requestID, string(status)); err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	return nil
}

// FilterExistingUsers returns the subset of ids that belong to known users.
func (r *ChatRepository) FilterExistingUsers(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users WHERE id = ANY($1::uuid[])`, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("failed to check users: %w", err)
	}
	defer rows.Close()

	var found []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		found = append(found, id)
	}
	return found, rows.Err()
}

// PingWithTimeout is used at startup where an unreachable store is fatal.
func (r *ChatRepository) PingWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Ping(ctx)
}
