// Package postgres is the self-hosted backend: the row store speaks SQL
// directly and the change feed rides LISTEN/NOTIFY triggers (see
// migrations/001_init.sql).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) SelectMessages(ctx context.Context, key model.ConversationKey, before time.Time, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("pg.SelectMessages", time.Now())()
	sql := `SELECT m.id, m.topic, m.sender_id, m.content, m.media_url, m.reply_to_id, m.created_at,
	               (d.message_id IS NOT NULL)
	        FROM messages m
	        LEFT JOIN message_deletions d ON d.message_id = m.id
	        WHERE m.topic = $1`
	args := []any{key.Topic()}
	if !before.IsZero() {
		// Inclusive cutoff: created_at ties at the page boundary must not be
		// skipped, the caller dedups the overlap.
		sql += ` AND m.created_at <= $2`
		args = append(args, before)
	}
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY m.created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgStore.SelectMessages query: %w", err)
	}
	defer rows.Close()

	page := make([]model.Message, 0, limit)
	for rows.Next() {
		var r backend.MessageRow
		var mediaURL *string
		if err := rows.Scan(&r.ID, &r.Topic, &r.SenderID, &r.Content, &mediaURL, &r.ReplyToID, &r.CreatedAt, &r.Deleted); err != nil {
			return nil, fmt.Errorf("pgStore.SelectMessages scan: %w", err)
		}
		if mediaURL != nil {
			r.MediaURL = *mediaURL
		}
		page = append(page, r.ToModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgStore.SelectMessages rows: %w", err)
	}
	// Query is newest-first for the LIMIT; callers get ascending order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *Store) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	defer logger.DeferLogDuration("pg.InsertMessage", time.Now())()
	row := backend.RowFromModel(m)
	var mediaURL *string
	if row.MediaURL != "" {
		mediaURL = &row.MediaURL
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, topic, sender_id, content, media_url, reply_to_id, created_at)
		 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())
		 RETURNING id, created_at`,
		row.Topic, row.SenderID, row.Content, mediaURL, row.ReplyToID,
	).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("pgStore.InsertMessage: %w", err)
	}
	return row.ToModel(), nil
}

func (s *Store) SelectDeletions(ctx context.Context, messageIDs []string) ([]model.Deletion, error) {
	defer logger.DeferLogDuration("pg.SelectDeletions", time.Now())()
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, deleted_by, role, deleted_at
		 FROM message_deletions
		 WHERE message_id = ANY($1)`, messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("pgStore.SelectDeletions query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Deletion, 0, 8)
	for rows.Next() {
		var d model.Deletion
		if err := rows.Scan(&d.MessageID, &d.DeletedBy, &d.Role, &d.DeletedAt); err != nil {
			return nil, fmt.Errorf("pgStore.SelectDeletions scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgStore.SelectDeletions rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertDeletion(ctx context.Context, d model.Deletion) (model.Deletion, error) {
	defer logger.DeferLogDuration("pg.InsertDeletion", time.Now())()
	// Append-only: a second deletion of the same message keeps the first row.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO message_deletions (message_id, deleted_by, role, deleted_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (message_id) DO UPDATE SET message_id = EXCLUDED.message_id
		 RETURNING message_id, deleted_by, role, deleted_at`,
		d.MessageID, d.DeletedBy, d.Role,
	).Scan(&d.MessageID, &d.DeletedBy, &d.Role, &d.DeletedAt)
	if isForeignKeyViolation(err) {
		return model.Deletion{}, backend.ErrNotFound
	}
	if err != nil {
		return model.Deletion{}, fmt.Errorf("pgStore.InsertDeletion: %w", err)
	}
	return d, nil
}

func (s *Store) SelectReactions(ctx context.Context, messageIDs []string) ([]model.Reaction, error) {
	defer logger.DeferLogDuration("pg.SelectReactions", time.Now())()
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, user_id, emoji, created_at
		 FROM message_reactions
		 WHERE message_id = ANY($1)
		 ORDER BY created_at`, messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("pgStore.SelectReactions query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Reaction, 0, 8)
	for rows.Next() {
		var rc model.Reaction
		if err := rows.Scan(&rc.MessageID, &rc.UserID, &rc.Emoji, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgStore.SelectReactions scan: %w", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgStore.SelectReactions rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertReaction(ctx context.Context, rc model.Reaction) (model.Reaction, error) {
	defer logger.DeferLogDuration("pg.InsertReaction", time.Now())()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (message_id, user_id, emoji) DO UPDATE SET emoji = EXCLUDED.emoji
		 RETURNING message_id, user_id, emoji, created_at`,
		rc.MessageID, rc.UserID, rc.Emoji,
	).Scan(&rc.MessageID, &rc.UserID, &rc.Emoji, &rc.CreatedAt)
	if isForeignKeyViolation(err) {
		return model.Reaction{}, backend.ErrNotFound
	}
	if err != nil {
		return model.Reaction{}, fmt.Errorf("pgStore.InsertReaction: %w", err)
	}
	return rc, nil
}

// isForeignKeyViolation reports whether err is a foreign key violation
// (SQLSTATE 23503) — here: a log row referencing a message that does not
// exist.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *Store) MemberRole(ctx context.Context, tribeID, userID string) (model.TribeRole, error) {
	defer logger.DeferLogDuration("pg.MemberRole", time.Now())()
	var role model.TribeRole
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM tribe_members WHERE tribe_id = $1 AND user_id = $2`,
		tribeID, userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", backend.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pgStore.MemberRole: %w", err)
	}
	return role, nil
}
