// Package bus implements the inter-agent message bus: directed sends
// with thread inheritance, broadcast-by-filter in a single transaction,
// read/archive transitions, and unread accounting.
package bus

import (
	"context"
	"database/sql"

	"github.com/cawdev/caw/internal/domain"
	"github.com/cawdev/caw/internal/ids"
	"github.com/cawdev/caw/internal/infrastructure/sqlite"
	"github.com/cawdev/caw/internal/log"
	"github.com/cawdev/caw/internal/store"
)

// Bus sends and queries messages.
type Bus struct {
	store    *store.Store
	clock    ids.Clock
	messages *sqlite.MessageRepo
	agents   *sqlite.AgentRepo
}

// New creates a Bus.
func New(s *store.Store, clock ids.Clock) *Bus {
	return &Bus{
		store:    s,
		clock:    clock,
		messages: sqlite.NewMessageRepo(s, clock),
		agents:   sqlite.NewAgentRepo(s, clock),
	}
}

// SendParams are the inputs for Send. A nil SenderID marks a system
// message.
type SendParams struct {
	SenderID    *string
	RecipientID string
	Type        domain.MessageType
	Subject     *string
	Body        string
	Priority    domain.MessagePriority
	WorkflowID  *string
	TaskID      *string
	ReplyToID   *string
	ExpiresAt   *int64
}

// SendResult identifies the created message and its thread.
type SendResult struct {
	ID       string
	ThreadID string
}

// Send writes one message. A reply inherits its parent's thread; a
// fresh message mints a new thread id.
func (b *Bus) Send(ctx context.Context, p SendParams) (*SendResult, error) {
	if p.RecipientID == "" {
		return nil, domain.Preconditionf("message recipient is required")
	}
	if p.Body == "" {
		return nil, domain.Preconditionf("message body is required")
	}
	if p.Type == "" {
		return nil, domain.Preconditionf("message type is required")
	}

	m := &domain.Message{
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Type:        p.Type,
		Subject:     p.Subject,
		Body:        p.Body,
		Priority:    p.Priority,
		WorkflowID:  p.WorkflowID,
		TaskID:      p.TaskID,
		ReplyToID:   p.ReplyToID,
		ExpiresAt:   p.ExpiresAt,
	}

	err := b.store.Tx(ctx, func(tx *sql.Tx) error {
		if p.ReplyToID != nil {
			parent, err := b.messages.GetIn(tx, *p.ReplyToID)
			if err != nil {
				return err
			}
			m.ThreadID = parent.ThreadID
		} else {
			m.ThreadID = ids.New(ids.PrefixThread)
		}
		return b.messages.InsertIn(tx, m)
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatBus, "message sent", "id", m.ID, "recipient", m.RecipientID, "thread", m.ThreadID)
	return &SendResult{ID: m.ID, ThreadID: m.ThreadID}, nil
}

// BroadcastParams are the inputs for Broadcast. The filter selects
// recipient agents; the sender is always excluded.
type BroadcastParams struct {
	SenderID   string
	Filter     sqlite.AgentFilter
	Type       domain.MessageType
	Subject    *string
	Body       string
	Priority   domain.MessagePriority
	WorkflowID *string
	TaskID     *string
	ExpiresAt  *int64
}

// BroadcastResult reports what Broadcast delivered.
type BroadcastResult struct {
	SentCount  int
	MessageIDs []string
	ThreadID   string
}

// Broadcast sends one message per matching agent in a single
// transaction, all sharing one thread id. An empty match set sends
// nothing.
func (b *Bus) Broadcast(ctx context.Context, p BroadcastParams) (*BroadcastResult, error) {
	if p.Body == "" {
		return nil, domain.Preconditionf("message body is required")
	}
	if p.Type == "" {
		p.Type = domain.MsgBroadcast
	}

	result := &BroadcastResult{ThreadID: ids.New(ids.PrefixThread)}
	err := b.store.Tx(ctx, func(tx *sql.Tx) error {
		// Resolve recipients inside the write transaction so an agent
		// registered or retired concurrently cannot skew the fan-out.
		recipients, err := b.agents.ListIn(tx, p.Filter)
		if err != nil {
			return err
		}
		for _, agent := range recipients {
			if agent.ID == p.SenderID {
				continue
			}
			m := &domain.Message{
				SenderID:    &p.SenderID,
				RecipientID: agent.ID,
				Type:        p.Type,
				Subject:     p.Subject,
				Body:        p.Body,
				Priority:    p.Priority,
				WorkflowID:  p.WorkflowID,
				TaskID:      p.TaskID,
				ThreadID:    result.ThreadID,
				ExpiresAt:   p.ExpiresAt,
			}
			if err := b.messages.InsertIn(tx, m); err != nil {
				return err
			}
			result.MessageIDs = append(result.MessageIDs, m.ID)
		}
		result.SentCount = len(result.MessageIDs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatBus, "broadcast sent", "sender", p.SenderID, "count", result.SentCount)
	return result, nil
}

// List returns an agent's inbox, newest first. Default limit 20.
func (b *Bus) List(agentID string, filter sqlite.MessageFilter) ([]*domain.Message, error) {
	filter.RecipientID = agentID
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	return b.messages.List(filter)
}

// ListAll returns messages across all recipients, newest first. Default
// limit 50.
func (b *Bus) ListAll(filter sqlite.MessageFilter) ([]*domain.Message, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return b.messages.List(filter)
}

// Get returns a message, optionally marking it read in the same call.
func (b *Bus) Get(ctx context.Context, msgID string, markRead bool) (*domain.Message, error) {
	m, err := b.messages.Get(msgID)
	if err != nil {
		return nil, err
	}
	if markRead && m.Status == domain.MessageUnread {
		if _, err := b.messages.MarkRead([]string{msgID}); err != nil {
			return nil, err
		}
		return b.messages.Get(msgID)
	}
	return m, nil
}

// MarkRead flips unread messages to read. Returns the count changed.
func (b *Bus) MarkRead(msgIDs []string) (int, error) {
	return b.messages.MarkRead(msgIDs)
}

// Archive moves messages to archived, legal from both unread and read.
// Returns the count changed.
func (b *Bus) Archive(msgIDs []string) (int, error) {
	return b.messages.Archive(msgIDs)
}

// UnreadCount breaks down an agent's unread messages.
type UnreadCount struct {
	Count      int
	ByPriority map[domain.MessagePriority]int
}

// CountUnread returns the agent's unread totals, optionally filtered to
// one priority.
func (b *Bus) CountUnread(agentID string, priority domain.MessagePriority) (*UnreadCount, error) {
	byPriority, err := b.messages.CountUnread(agentID)
	if err != nil {
		return nil, err
	}
	out := &UnreadCount{ByPriority: byPriority}
	if priority != "" {
		out.Count = byPriority[priority]
		return out, nil
	}
	for _, n := range byPriority {
		out.Count += n
	}
	return out, nil
}

// CountAllUnread returns the unread total across every recipient.
func (b *Bus) CountAllUnread() (int, error) {
	return b.messages.CountAllUnread()
}

// GetThread returns a thread's live messages in chronological order.
func (b *Bus) GetThread(threadID string) ([]*domain.Message, error) {
	return b.messages.ListThread(threadID)
}
