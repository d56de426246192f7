package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/npezzotti/boardchat/internal/types"
)

// appendLockKey serializes appends across connections and processes so id
// and created_at are assigned in the same order.
const appendLockKey = 0x6263_6174

const appendQuery = `
WITH inserted AS (
	INSERT INTO messages (sender_id, content, attachment_uri, file_name, mime_type, project_id, recipient_id, client_key, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		GREATEST(clock_timestamp(), COALESCE((SELECT max(created_at) FROM messages), '-infinity'::timestamptz)))
	RETURNING id, sender_id, created_at
)
SELECT i.id, i.created_at, u.name, u.avatar
FROM inserted i
JOIN users u ON u.id = i.sender_id`

const selectMessageColumns = `
SELECT m.id, m.sender_id, u.name, u.avatar, m.content, m.attachment_uri, m.file_name,
	m.mime_type, m.project_id, m.recipient_id, m.client_key, m.created_at
FROM messages m
JOIN users u ON u.id = m.sender_id`

const existingByKeyCondition = " WHERE m.sender_id = $1 AND m.client_key = $2"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.SenderId,
		&m.SenderName,
		&m.SenderAvatar,
		&m.Content,
		&m.AttachmentURI,
		&m.FileName,
		&m.MimeType,
		&m.ProjectId,
		&m.RecipientId,
		&m.ClientKey,
		&m.CreatedAt,
	)
	return m, err
}

// Append stores draft. A draft whose client key the sender already used
// returns the stored message instead of a second copy.
func (db *PgChatRepository) Append(ctx context.Context, draft types.Draft) (types.ChatMessage, error) {
	if err := draft.Validate(); err != nil {
		return types.ChatMessage{}, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return types.ChatMessage{}, fmt.Errorf("acquire append lock: %w", err)
	}

	if draft.ClientKey != "" {
		var existing Message
		existing, err = scanMessage(tx.QueryRowContext(
			ctx, selectMessageColumns+existingByKeyCondition, draft.SenderId, draft.ClientKey))
		switch {
		case err == nil:
			if err = tx.Commit(); err != nil {
				return types.ChatMessage{}, fmt.Errorf("commit: %w", err)
			}
			return existing.ChatMessage(), nil
		case errors.Is(err, sql.ErrNoRows):
			err = nil
		default:
			return types.ChatMessage{}, fmt.Errorf("lookup client key: %w", err)
		}
	}

	msg := Message{
		SenderId:      draft.SenderId,
		Content:       draft.Content,
		AttachmentURI: nullString(draft.AttachmentURI),
		FileName:      nullString(draft.FileName),
		MimeType:      nullString(draft.MimeType),
		ProjectId:     nullInt(draft.ProjectId),
		RecipientId:   nullInt(draft.RecipientId),
		ClientKey:     nullString(draft.ClientKey),
	}

	err = tx.QueryRowContext(
		ctx,
		appendQuery,
		msg.SenderId,
		msg.Content,
		msg.AttachmentURI,
		msg.FileName,
		msg.MimeType,
		msg.ProjectId,
		msg.RecipientId,
		msg.ClientKey,
	).Scan(
		&msg.Id,
		&msg.CreatedAt,
		&msg.SenderName,
		&msg.SenderAvatar,
	)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return types.ChatMessage{}, fmt.Errorf("commit: %w", err)
	}

	return msg.ChatMessage(), nil
}

func (db *PgChatRepository) Query(ctx context.Context, filter Filter) ([]types.ChatMessage, error) {
	var (
		conds []string
		args  []any
	)

	conv := filter.Conversation
	switch conv.Kind {
	case types.AddressGlobal:
		conds = append(conds, "m.project_id IS NULL AND m.recipient_id IS NULL")
	case types.AddressProject:
		args = append(args, conv.ProjectId)
		conds = append(conds, "m.project_id = $1")
	case types.AddressDirect:
		args = append(args, conv.UserA, conv.UserB)
		conds = append(conds, "m.recipient_id IS NOT NULL AND "+
			"((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1))")
	default:
		return nil, fmt.Errorf("unknown conversation kind %s", conv.Kind)
	}

	if filter.Before > 0 {
		args = append(args, filter.Before)
		conds = append(conds, fmt.Sprintf(
			"(m.created_at, m.id) < (SELECT created_at, id FROM messages WHERE id = $%d)", len(args)))
	}

	args = append(args, filter.limit())
	query := fmt.Sprintf(
		"%s WHERE %s ORDER BY m.created_at DESC, m.id DESC LIMIT $%d",
		selectMessageColumns,
		strings.Join(conds, " AND "),
		len(args),
	)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]types.ChatMessage, 0, filter.limit())
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, m.ChatMessage())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	// newest-first from the LIMIT, oldest-first for callers
	slices.Reverse(messages)
	return messages, nil
}

func (db *PgChatRepository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, name, avatar FROM users ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Name, &u.Avatar); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, name, email, avatar, created_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Name,
		&user.EmailAddress,
		&user.Avatar,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(
		ctx,
		"SELECT id, name, email, avatar, password_hash, created_at FROM users "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Name,
		&user.EmailAddress,
		&user.Avatar,
		&user.PasswordHash,
		&user.CreatedAt,
	)

	return user, err
}

func (db *PgChatRepository) ListProjects(ctx context.Context, userId int) ([]Project, error) {
	rows, err := db.conn.QueryContext(
		ctx,
		"SELECT p.id, p.title, p.owner_id, p.created_at FROM projects p "+
			"WHERE p.owner_id = $1 OR EXISTS "+
			"(SELECT 1 FROM project_members pm WHERE pm.project_id = p.id AND pm.user_id = $1) "+
			"ORDER BY p.title, p.id",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.Id, &p.Title, &p.OwnerId, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

func (db *PgChatRepository) IsProjectMember(ctx context.Context, userId, projectId int) (bool, error) {
	var member bool
	err := db.conn.QueryRowContext(
		ctx,
		"SELECT EXISTS (SELECT 1 FROM projects p WHERE p.id = $2 AND (p.owner_id = $1 OR EXISTS "+
			"(SELECT 1 FROM project_members pm WHERE pm.project_id = p.id AND pm.user_id = $1)))",
		userId,
		projectId,
	).Scan(&member)

	return member, err
}
