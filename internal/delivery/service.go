// Package delivery hands committed messages to recipients, either live as
// they are sent or in one catch-up pass when the recipient reconnects.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// DefaultBatchThreshold is the pending count above which catch-up uses a
// single batch event.
const DefaultBatchThreshold = 5

const lockStripes = 64

// ErrHandOffFailed means the connection refused the catch-up events.
var ErrHandOffFailed = errors.New("connection refused pending messages")

// Service delivers each receipt at most once per process. Both paths take
// the recipient's stripe lock and claim receipts with MarkDelivered, which
// only moves receipts that are still undelivered.
type Service struct {
	store     interfaces.MessageStore
	directory interfaces.SessionDirectory
	threshold int
	log       *slog.Logger
	now       func() time.Time
	locks     [lockStripes]sync.Mutex
}

func NewService(store interfaces.MessageStore, directory interfaces.SessionDirectory, threshold int, log *slog.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		threshold: threshold,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) lock(identity string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Admit runs register and then the catch-up of conn while holding the
// recipient's lock. It returns the number of pending messages handed off. Live deliveries to identity wait until the backlog has
// been handed off, so a newer message never overtakes an older one.
func (s *Service) Admit(ctx context.Context, identity string, conn interfaces.Connection, register func() error) (int, error) {
	unlock := s.lock(identity)
	defer unlock()

	if err := register(); err != nil {
		return 0, err
	}
	return s.deliverPending(ctx, identity, conn)
}

// deliverPending pushes every undelivered message addressed to identity to
// conn, oldest first, then marks them delivered in one update. It returns
// the number of messages handed off. The caller holds the recipient's lock.
func (s *Service) deliverPending(ctx context.Context, identity string, conn interfaces.Connection) (int, error) {
	pending, err := s.store.PendingUndelivered(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending messages: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	handedOff := s.handOff(conn, pending)
	if len(handedOff) == 0 {
		return 0, ErrHandOffFailed
	}

	ids := lo.Map(handedOff, func(m *types.Message, _ int) string { return m.ID })
	claimed, err := s.store.MarkDelivered(ctx, identity, ids, s.now())
	if err != nil {
		// The messages stay pending and are offered again on the next
		// connect; clients drop repeats by message id.
		s.log.Error("Failed to mark catch-up delivered",
			"identity", types.ShortID(identity),
			"count", len(ids),
			"error", err)
		return len(handedOff), err
	}
	if len(claimed) != len(ids) {
		s.log.Warn("Some catch-up messages were already delivered",
			"identity", types.ShortID(identity),
			"handed_off", len(ids),
			"claimed", len(claimed))
	}

	s.log.Info("Delivered pending messages",
		"identity", types.ShortID(identity),
		"count", len(handedOff),
		"batched", len(pending) > s.threshold)
	return len(handedOff), nil
}

// handOff writes the catch-up events and returns the messages that were
// accepted by the connection.
func (s *Service) handOff(conn interfaces.Connection, pending []*types.Message) []*types.Message {
	if len(pending) > s.threshold {
		payload := types.OfflineBatchPayload{
			Messages: lo.Map(pending, func(m *types.Message, _ int) types.MessagePayload { return m.ToPayload() }),
		}
		if err := conn.WriteJSON(types.NewEvent(types.EventOfflineMessagesBatch, payload)); err != nil {
			return nil
		}
		return pending
	}

	for i, message := range pending {
		if err := conn.WriteJSON(types.NewEvent(types.EventOfflineMessage, message.ToPayload())); err != nil {
			return pending[:i]
		}
	}
	return pending
}

// DeliverLive hands a freshly committed message to recipient if they are
// online. It reports false without error when the recipient is offline or
// the message was already delivered. The session is looked up under the
// recipient's lock, where no takeover can interleave.
func (s *Service) DeliverLive(ctx context.Context, recipient string, message *types.Message) (bool, error) {
	unlock := s.lock(recipient)
	defer unlock()

	conn, ok := s.directory.Lookup(recipient)
	if !ok {
		return false, nil
	}

	at := s.now()
	claimed, err := s.store.MarkDelivered(ctx, recipient, []string{message.ID}, at)
	if err != nil {
		return false, err
	}
	if len(claimed) == 0 {
		return false, nil
	}

	if err := conn.WriteJSON(types.NewEvent(types.EventMessageDelivered, message.ToPayload())); err != nil {
		if releaseErr := s.store.ReleaseDelivered(ctx, recipient, claimed, at); releaseErr != nil {
			s.log.Error("Failed to release delivery claim",
				"recipient", types.ShortID(recipient),
				"message_id", message.ID,
				"error", releaseErr)
		}
		return false, fmt.Errorf("failed to write to recipient: %w", err)
	}
	return true, nil
}
