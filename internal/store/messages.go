package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/convo/internal/chat"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	ConversationID string
	AuthorID       string
	Content        string
	Type           chat.MessageType
	ReplyToID      string
}

// ListOptions pages through a conversation's history. Before, when set,
// restricts results to messages created strictly earlier.
type ListOptions struct {
	Limit  int
	Offset int
	Before time.Time
}

const messageColumns = `
	m.id, m.conversation_id, m.author_id, u.username, m.content, m.type,
	m.reply_to_id, m.created_at, m.edited_at, m.deleted_at`

const messageFrom = `
	FROM messages m
	JOIN users u ON u.id = m.author_id`

// CreateMessage persists a message and returns the authoritative record.
// The author must be an active participant, and a reply target must be a
// live message in the same conversation. Timestamps never go backwards
// within a conversation.
func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (*chat.Message, error) {
	if err := chat.ValidateContent(in.Content); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = chat.TypeText
	}
	if _, err := chat.ParseMessageType(string(in.Type)); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM participants WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL`,
			in.ConversationID, in.AuthorID).Scan(&active); err != nil {
			return fmt.Errorf("store: create message: %w", err)
		}
		if active == 0 {
			return chat.NewError(chat.CodeNotParticipant, "author is not a participant of this conversation", nil)
		}

		if in.ReplyToID != "" {
			var target int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM messages WHERE id = ? AND conversation_id = ? AND deleted_at IS NULL`,
				in.ReplyToID, in.ConversationID).Scan(&target); err != nil {
				return fmt.Errorf("store: create message: %w", err)
			}
			if target == 0 {
				return chat.NewError(chat.CodeInvalidReplyTarget, "reply target does not exist in this conversation", nil)
			}
		}

		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`,
			in.ConversationID).Scan(&last); err != nil {
			return fmt.Errorf("store: create message: %w", err)
		}
		created := toUnix(s.now())
		if last.Valid && last.Int64 > created {
			created = last.Int64
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages(id, conversation_id, author_id, content, type, reply_to_id, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)
		`, id, in.ConversationID, in.AuthorID, in.Content, string(in.Type), nullString(in.ReplyToID), created)
		if err != nil {
			return fmt.Errorf("store: insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// GetMessage fetches a message by id, including soft-deleted ones.
func (s *Store) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+messageFrom+` WHERE m.id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.NewError(chat.CodeNotFound, "message not found", nil)
		}
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

// ListMessages returns a page of live messages in ascending creation order.
// Pages are cut from the newest end, so offset 0 is the most recent page.
func (s *Store) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]chat.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(opts.Offset, 0)

	query := `SELECT ` + messageColumns + messageFrom + `
		WHERE m.conversation_id = ? AND m.deleted_at IS NULL`
	args := []any{conversationID}
	if !opts.Before.IsZero() {
		query += ` AND m.created_at < ?`
		args = append(args, toUnix(opts.Before))
	}
	query += ` ORDER BY m.created_at DESC, m.rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list messages: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// UpdateMessage replaces the content of a live message. Only the author may
// edit.
func (s *Store) UpdateMessage(ctx context.Context, id, authorID, content string) (*chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOwner(ctx, tx, id, authorID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`,
			content, toUnix(s.now()), id)
		if err != nil {
			return fmt.Errorf("store: update message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// SoftDeleteMessage marks a live message as deleted. Only the author may
// delete.
func (s *Store) SoftDeleteMessage(ctx context.Context, id, authorID string) (*chat.Message, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkOwner(ctx, tx, id, authorID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE messages SET deleted_at = ? WHERE id = ?`,
			toUnix(s.now()), id)
		if err != nil {
			return fmt.Errorf("store: delete message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// checkOwner fails not_found for missing or deleted messages and not_owner
// when authorID did not write the message.
func checkOwner(ctx context.Context, tx *sql.Tx, id, authorID string) error {
	var (
		owner   string
		deleted sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `SELECT author_id, deleted_at FROM messages WHERE id = ?`, id).Scan(&owner, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.NewError(chat.CodeNotFound, "message not found", nil)
		}
		return fmt.Errorf("store: load message: %w", err)
	}
	if deleted.Valid {
		return chat.NewError(chat.CodeNotFound, "message not found", nil)
	}
	if owner != authorID {
		return chat.NewError(chat.CodeNotOwner, "only the author may change this message", nil)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*chat.Message, error) {
	var (
		m                 chat.Message
		typ               string
		replyTo           sql.NullString
		created           int64
		edited, deletedAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Author.Username, &m.Content, &typ,
		&replyTo, &created, &edited, &deletedAt); err != nil {
		return nil, err
	}
	m.Author.ID = m.AuthorID
	m.Type = chat.MessageType(typ)
	m.ReplyToID = replyTo.String
	m.CreatedAt = fromUnix(created)
	m.EditedAt = fromNullUnix(edited)
	m.DeletedAt = fromNullUnix(deletedAt)
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
