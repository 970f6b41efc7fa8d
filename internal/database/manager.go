package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.Store = (*Manager)(nil)

// ErrClosed is returned for writes submitted after Close.
var ErrClosed = errors.New("database manager is closed")

// Manager implements interfaces.Store on SQLite. Reads run concurrently on
// the pool; every write is funneled through a single writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pending migrations and starts the
// writer goroutine.
func NewManager(config *dbconfig.Config, log *slog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db)
	applied, err := migrations.ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		log.Info("Applied database migrations", "versions", applied)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          log,
		writeChannel: make(chan writeOperation, config.WriteQueueSize),
		shutdown:     make(chan struct{}),
		entropy:      ulid.Monotonic(rand.Reader, 0),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop runs every write in submission order. Failed writes are
// reported to the caller as they are; retrying is the client's decision.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			err := op.operation(op.ctx, m.db)
			if err != nil {
				m.log.Warn("Database write failed", "error", err)
			}
			op.result <- err

		case <-m.shutdown:
			// Drain what was queued before Close so no caller waits forever.
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- ErrClosed
				default:
					m.log.Debug("Database write loop shutting down")
					return
				}
			}
		}
	}
}

// executeWrite queues a write operation and waits for it to complete.
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	result := make(chan error, 1)

	// The read lock is held while enqueueing so that Close cannot slip in
	// between the closed check and the send.
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) newID(at time.Time) string {
	m.entropyMu.Lock()
	defer m.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), m.entropy).String()
}

// IdentityExists reports whether a user row exists for identity.
func (m *Manager) IdentityExists(ctx context.Context, identity string) (bool, error) {
	var exists int
	err := m.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", identity).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query identity: %w", err)
	}
	return exists == 1, nil
}

// CreateUser inserts a user. CreatedAt is set when zero.
func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)",
			user.ID, user.DisplayName, user.CreatedAt,
		)
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: user %s already exists", types.ErrValidation, user.ID)
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// GetUser loads a user by identity.
func (m *Manager) GetUser(ctx context.Context, identity string) (*types.User, error) {
	var user types.User
	err := m.db.QueryRowContext(ctx,
		"SELECT id, display_name, created_at FROM users WHERE id = ?", identity,
	).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", types.ErrNotFound, identity)
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// ConversationMembers returns the member identities of a conversation.
func (m *Manager) ConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	var exists int
	err := m.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)", conversationID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: conversation %s", types.ErrNotFound, conversationID)
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member rows: %w", err)
	}
	return members, nil
}

// CreateConversation inserts a conversation and its members. Every member
// must be a known user.
func (m *Manager) CreateConversation(ctx context.Context, conversation *types.Conversation) error {
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now().UTC()
	}
	members := lo.Uniq(conversation.MemberIDs)

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, created_at) VALUES (?, ?)",
			conversation.ID, conversation.CreatedAt,
		); err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: conversation %s already exists", types.ErrValidation, conversation.ID)
			}
			return fmt.Errorf("failed to insert conversation: %w", err)
		}

		for _, member := range members {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO conversation_members (conversation_id, user_id) VALUES (?, ?)",
				conversation.ID, member,
			); err != nil {
				if isConstraintError(err) {
					return fmt.Errorf("%w: unknown member %s", types.ErrNotFound, member)
				}
				return fmt.Errorf("failed to insert member: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit conversation: %w", err)
		}
		conversation.MemberIDs = members
		return nil
	})
}

// InsertMessage commits a message and one receipt per non-sender member in
// a single transaction.
func (m *Manager) InsertMessage(ctx context.Context, conversationID, senderID, body string) (*types.Message, error) {
	now := time.Now().UTC()
	message := &types.Message{
		ID:             m.newID(now),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      now,
	}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, body, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			message.ID, message.ConversationID, message.SenderID, message.Body, message.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_receipts (message_id, recipient_id)
			 SELECT ?, user_id FROM conversation_members
			 WHERE conversation_id = ? AND user_id != ?`,
			message.ID, conversationID, senderID,
		); err != nil {
			return fmt.Errorf("failed to insert receipts: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return message, nil
}

// MarkDelivered claims undelivered receipts with a conditional update and
// returns the message ids that this call moved to delivered.
func (m *Manager) MarkDelivered(ctx context.Context, recipientID string, messageIDs []string, at time.Time) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var claimed []string
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		args := make([]any, 0, len(messageIDs)+2)
		args = append(args, at.UTC(), recipientID)
		for _, id := range messageIDs {
			args = append(args, id)
		}

		query := fmt.Sprintf(`
			UPDATE message_receipts SET delivered_at = ?
			WHERE recipient_id = ? AND delivered_at IS NULL AND message_id IN (%s)
			RETURNING message_id`, placeholders(len(messageIDs)))

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to mark delivered: %w", err)
		}
		defer func() { _ = rows.Close() }()

		claimed = claimed[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan delivered id: %w", err)
			}
			claimed = append(claimed, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return claimed, nil
}

// ReleaseDelivered resets receipts that were claimed at exactly at.
func (m *Manager) ReleaseDelivered(ctx context.Context, recipientID string, messageIDs []string, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		args := make([]any, 0, len(messageIDs)+2)
		args = append(args, recipientID, at.UTC())
		for _, id := range messageIDs {
			args = append(args, id)
		}
		query := fmt.Sprintf(`
			UPDATE message_receipts SET delivered_at = NULL
			WHERE recipient_id = ? AND delivered_at = ? AND message_id IN (%s)`,
			placeholders(len(messageIDs)))
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to release delivered: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return nil
}

// MarkRead sets read_at on every unread receipt of readerID in the
// conversation, skipping the reader's own messages, and returns the rows it
// changed together with their senders.
func (m *Manager) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]types.ReadReceipt, error) {
	var receipts []types.ReadReceipt
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT r.message_id, m.sender_id
			FROM message_receipts r
			JOIN messages m ON m.id = r.message_id
			WHERE m.conversation_id = ? AND r.recipient_id = ?
			  AND r.read_at IS NULL AND m.sender_id != ?
			ORDER BY m.seq`,
			conversationID, readerID, readerID,
		)
		if err != nil {
			return fmt.Errorf("failed to query unread: %w", err)
		}

		receipts = receipts[:0]
		for rows.Next() {
			var receipt types.ReadReceipt
			if err := rows.Scan(&receipt.MessageID, &receipt.SenderID); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan unread row: %w", err)
			}
			receipts = append(receipts, receipt)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("error iterating unread rows: %w", err)
		}
		_ = rows.Close()

		if len(receipts) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE message_receipts SET read_at = ?
			WHERE recipient_id = ? AND read_at IS NULL AND message_id IN (
				SELECT id FROM messages WHERE conversation_id = ? AND sender_id != ?
			)`,
			at.UTC(), readerID, conversationID, readerID,
		); err != nil {
			return fmt.Errorf("failed to mark read: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit read receipts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
	return receipts, nil
}

// PendingUndelivered lists the undelivered messages addressed to identity
// in commit order.
func (m *Manager) PendingUndelivered(ctx context.Context, identity string) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.body, m.created_at, r.read_at
		FROM message_receipts r
		JOIN messages m ON m.id = r.message_id
		WHERE r.recipient_id = ? AND r.delivered_at IS NULL
		ORDER BY m.seq ASC`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query pending messages: %w", types.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var message types.Message
		var readAt sql.NullTime
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.Body,
			&message.CreatedAt,
			&readAt,
		); err != nil {
			return nil, fmt.Errorf("%w: failed to scan message row: %w", types.ErrPersistence, err)
		}
		if readAt.Valid {
			message.ReadAt = &readAt.Time
		}
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating message rows: %w", types.ErrPersistence, err)
	}
	return messages, nil
}

// HealthCheck validates connectivity and a basic read.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. It is safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}
