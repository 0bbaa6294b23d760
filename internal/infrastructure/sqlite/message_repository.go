package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/store"
)

const messageColumns = `id, sender_id, recipient_id, message_type, subject, body,
	priority, status, workflow_id, task_id, reply_to_id, thread_id,
	created_at, read_at, expires_at`

// MessageRepo persists the inter-agent message log.
type MessageRepo struct {
	store *store.Store
	clock ids.Clock
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(s *store.Store, clock ids.Clock) *MessageRepo {
	return &MessageRepo{store: s, clock: clock}
}

func scanMessage(sc scanner) (*domain.Message, error) {
	var m domain.Message
	err := sc.Scan(
		&m.ID, &m.SenderID, &m.RecipientID, &m.Type, &m.Subject, &m.Body,
		&m.Priority, &m.Status, &m.WorkflowID, &m.TaskID, &m.ReplyToID, &m.ThreadID,
		&m.CreatedAt, &m.ReadAt, &m.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertIn writes a message. The caller is responsible for thread
// assignment; an empty ThreadID is replaced with the message's own id so
// every message roots a thread.
func (r *MessageRepo) InsertIn(q DBTX, m *domain.Message) error {
	if m.ID == "" {
		m.ID = ids.New(ids.PrefixMessage)
	}
	if m.Priority == "" {
		m.Priority = domain.PriorityNormal
	}
	if m.Status == "" {
		m.Status = domain.MessageUnread
	}
	if m.ThreadID == "" {
		m.ThreadID = m.ID
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = r.clock.NowMillis()
	}

	_, err := q.Exec(
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.RecipientID, m.Type, m.Subject, m.Body,
		m.Priority, m.Status, m.WorkflowID, m.TaskID, m.ReplyToID, m.ThreadID,
		m.CreatedAt, m.ReadAt, m.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetIn retrieves a message over an arbitrary handle.
func (r *MessageRepo) GetIn(q DBTX, id string) (*domain.Message, error) {
	row := q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Get retrieves a message by id.
func (r *MessageRepo) Get(id string) (*domain.Message, error) {
	return r.GetIn(r.store.DB(), id)
}

// MessageFilter narrows inbox queries. Zero values match everything.
type MessageFilter struct {
	RecipientID string
	Status      domain.MessageStatus
	Type        domain.MessageType
	Priority    domain.MessagePriority
	WorkflowID  string
	Limit       int
}

// List returns messages matching the filter, newest first, excluding
// expired ones. Default limit is 50.
func (r *MessageRepo) List(filter MessageFilter) ([]*domain.Message, error) {
	now := r.clock.NowMillis()
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE (expires_at IS NULL OR expires_at > ?)`
	args := []any{now}
	if filter.RecipientID != "" {
		query += ` AND recipient_id = ?`
		args = append(args, filter.RecipientID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND message_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	return r.queryMessages(r.store.DB(), query, args...)
}

// ListThread returns every live message in a thread, oldest first.
func (r *MessageRepo) ListThread(threadID string) ([]*domain.Message, error) {
	return r.queryMessages(r.store.DB(),
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at`,
		threadID, r.clock.NowMillis(),
	)
}

// MarkRead flips unread messages to read, stamping read_at. Returns the
// number of rows changed; already-read ids are not an error.
func (r *MessageRepo) MarkRead(msgIDs []string) (int, error) {
	return r.setStatus(msgIDs, domain.MessageRead, true)
}

// Archive moves messages to the archived state. Returns rows changed.
func (r *MessageRepo) Archive(msgIDs []string) (int, error) {
	return r.setStatus(msgIDs, domain.MessageArchived, false)
}

func (r *MessageRepo) setStatus(msgIDs []string, status domain.MessageStatus, stampRead bool) (int, error) {
	if len(msgIDs) == 0 {
		return 0, nil
	}
	now := r.clock.NowMillis()
	query := `UPDATE messages SET status = ?`
	args := []any{status}
	if stampRead {
		query += `, read_at = ?`
		args = append(args, now)
		query += ` WHERE status = ? AND id IN (` + placeholders(len(msgIDs)) + `)`
		args = append(args, domain.MessageUnread)
	} else {
		query += ` WHERE status != ? AND id IN (` + placeholders(len(msgIDs)) + `)`
		args = append(args, domain.MessageArchived)
	}
	for _, id := range msgIDs {
		args = append(args, id)
	}
	res, err := r.store.DB().Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("update message status: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountUnread returns the recipient's live unread count broken down by
// priority.
func (r *MessageRepo) CountUnread(recipientID string) (map[domain.MessagePriority]int, error) {
	rows, err := r.store.DB().Query(
		`SELECT priority, COUNT(*) FROM messages
		 WHERE recipient_id = ? AND status = ? AND (expires_at IS NULL OR expires_at > ?)
		 GROUP BY priority`,
		recipientID, domain.MessageUnread, r.clock.NowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[domain.MessagePriority]int)
	for rows.Next() {
		var p domain.MessagePriority
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, rows.Err()
}

// CountAllUnread returns the live unread count across every recipient.
func (r *MessageRepo) CountAllUnread() (int, error) {
	var n int
	err := r.store.DB().QueryRow(
		`SELECT COUNT(*) FROM messages
		 WHERE status = ? AND (expires_at IS NULL OR expires_at > ?)`,
		domain.MessageUnread, r.clock.NowMillis(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count all unread: %w", err)
	}
	return n, nil
}

// DeleteExpired removes messages past their expiry. Returns rows deleted.
func (r *MessageRepo) DeleteExpired() (int, error) {
	res, err := r.store.DB().Exec(
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		r.clock.NowMillis(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepo) queryMessages(q DBTX, query string, args ...any) ([]*domain.Message, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
