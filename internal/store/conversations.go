package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/whisper/convo/internal/chat"
)

// CreateUser inserts a new user. A taken username is invalid_input.
func (s *Store) CreateUser(ctx context.Context, username string) (*chat.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, chat.NewError(chat.CodeInvalidInput, "username is required", nil)
	}
	u := chat.User{ID: uuid.NewString(), Username: username, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, created_at) VALUES(?, ?, ?)`,
		u.ID, u.Username, toUnix(u.CreatedAt))
	if err != nil {
		if isConstraintError(err) {
			return nil, chat.NewError(chat.CodeInvalidInput, "username already taken", err)
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	u.CreatedAt = fromUnix(toUnix(u.CreatedAt))
	return &u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*chat.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, created_at FROM users WHERE id = ?`, id)
	var (
		u       chat.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Username, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.NewError(chat.CodeNotFound, "user not found", nil)
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

// CreateConversation creates a conversation with the given initial
// participants in a single transaction.
func (s *Store) CreateConversation(ctx context.Context, title string, participantIDs ...string) (*chat.Conversation, error) {
	now := s.now().UTC()
	c := chat.Conversation{ID: uuid.NewString(), Title: title, CreatedAt: fromUnix(toUnix(now))}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations(id, title, created_at) VALUES(?, ?, ?)`,
			c.ID, c.Title, toUnix(now)); err != nil {
			return fmt.Errorf("store: create conversation: %w", err)
		}
		for _, userID := range participantIDs {
			if err := upsertParticipant(ctx, tx, c.ID, userID, toUnix(now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, created_at FROM conversations WHERE id = ?`, id)
	var (
		c       chat.Conversation
		created int64
	)
	if err := row.Scan(&c.ID, &c.Title, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.NewError(chat.CodeNotFound, "conversation not found", nil)
		}
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

// AddParticipant makes userID an active participant. Re-adding a user who
// left reactivates the membership.
func (s *Store) AddParticipant(ctx context.Context, conversationID, userID string) (*chat.Participant, error) {
	now := toUnix(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
			return fmt.Errorf("store: add participant: %w", err)
		}
		if exists == 0 {
			return chat.NewError(chat.CodeNotFound, "conversation not found", nil)
		}
		return upsertParticipant(ctx, tx, conversationID, userID, now)
	})
	if err != nil {
		return nil, err
	}
	return &chat.Participant{ConversationID: conversationID, UserID: userID, JoinedAt: fromUnix(now)}, nil
}

func upsertParticipant(ctx context.Context, tx *sql.Tx, conversationID, userID string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO participants(conversation_id, user_id, joined_at, left_at)
		VALUES(?, ?, ?, NULL)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			joined_at = CASE WHEN left_at IS NULL THEN joined_at ELSE excluded.joined_at END,
			left_at = NULL
	`, conversationID, userID, now)
	if err != nil {
		if isConstraintError(err) {
			return chat.NewError(chat.CodeNotFound, "user not found", err)
		}
		return fmt.Errorf("store: upsert participant: %w", err)
	}
	return nil
}

// RemoveParticipant marks an active membership as left.
func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET left_at = ? WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL`,
		toUnix(s.now()), conversationID, userID)
	if err != nil {
		return fmt.Errorf("store: remove participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: remove participant: %w", err)
	}
	if n == 0 {
		return chat.NewError(chat.CodeNotFound, "participant not found", nil)
	}
	return nil
}

// IsActiveParticipant reports whether userID currently belongs to the
// conversation.
func (s *Store) IsActiveParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM participants WHERE conversation_id = ? AND user_id = ? AND left_at IS NULL`,
		conversationID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: participant check: %w", err)
	}
	return count > 0, nil
}

// ListParticipants returns the active participants ordered by join time.
func (s *Store) ListParticipants(ctx context.Context, conversationID string) ([]chat.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, joined_at
		FROM participants
		WHERE conversation_id = ? AND left_at IS NULL
		ORDER BY joined_at ASC, user_id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	defer rows.Close()

	var out []chat.Participant
	for rows.Next() {
		var (
			p      chat.Participant
			joined int64
		)
		if err := rows.Scan(&p.ConversationID, &p.UserID, &joined); err != nil {
			return nil, fmt.Errorf("store: list participants: %w", err)
		}
		p.JoinedAt = fromUnix(joined)
		out = append(out, p)
	}
	return out, rows.Err()
}
