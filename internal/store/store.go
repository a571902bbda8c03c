// Package store is the durable conversation store: atomic get-or-create,
// append-only messages, version-guarded conversation updates, operator
// listings and the admin audit trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned when a conditional update lost a race.
	ErrVersionConflict = errors.New("store: version conflict")
)

// DefaultMaxAttempts bounds re-read/reapply cycles on version conflicts.
const DefaultMaxAttempts = 5

// Store persists conversations and messages through GORM.
type Store struct {
	db          *gorm.DB
	locks       *Locker
	metrics     *metrics.Metrics
	log         zerolog.Logger
	maxAttempts int
	now         func() time.Time
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB          *gorm.DB
	Metrics     *metrics.Metrics // optional
	Logger      zerolog.Logger   // optional
	MaxAttempts int              // defaults to DefaultMaxAttempts
	Now         func() time.Time // defaults to time.Now
}

// New creates a Store.
func New(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:          opts.DB,
		locks:       NewLocker(),
		metrics:     opts.Metrics,
		log:         opts.Logger.With().Str("component", "store").Logger(),
		maxAttempts: attempts,
		now:         now,
	}, nil
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// Change is the set of writes committed together with a conversation update.
type Change struct {
	Messages []models.Message
	Actions  []models.AdminAction
	// ResolveOutstanding marks every unanswered requires_human message of
	// the conversation as human_replied.
	ResolveOutstanding bool
	// RepliedMessageIDs marks specific messages as human_replied.
	RepliedMessageIDs []string
}

// GetOrCreate returns the conversation for (userID, platform), creating it if
// absent. Concurrent callers for the same pair observe the same row.
func (s *Store) GetOrCreate(ctx context.Context, userID, platform string) (models.Conversation, bool, error) {
	conv := models.NewConversation(userID, platform, s.now())
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "platform"}},
		DoNothing: true,
	}).Create(&conv)
	if result.Error != nil {
		return models.Conversation{}, false, fmt.Errorf("store: get or create %s/%s: %w", platform, userID, result.Error)
	}
	created := result.RowsAffected == 1

	var got models.Conversation
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, platform).
		First(&got).Error; err != nil {
		return models.Conversation{}, false, fmt.Errorf("store: get or create %s/%s: %w", platform, userID, err)
	}
	return got, created, nil
}

// Get loads a conversation by ID.
func (s *Store) Get(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conv, fmt.Errorf("store: conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return conv, fmt.Errorf("store: get conversation %s: %w", id, err)
	}
	return conv, nil
}

// AppendMessage inserts a message without touching the conversation row.
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) error {
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// Lock acquires the per-conversation serialization token.
func (s *Store) Lock(ctx context.Context, conversationID string) (func(), error) {
	return s.locks.Lock(ctx, conversationID)
}

// Commit writes change and next as one transaction. The conversation update
// only applies if the stored version still equals expectedVersion; otherwise
// nothing is written and ErrVersionConflict is returned. On success next
// carries the new version.
func (s *Store) Commit(ctx context.Context, expectedVersion int64, next *models.Conversation, change Change) error {
	if err := next.CheckInvariants(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range change.Messages {
			if err := tx.Create(&change.Messages[i]).Error; err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		for i := range change.Actions {
			if err := tx.Create(&change.Actions[i]).Error; err != nil {
				return fmt.Errorf("insert admin action: %w", err)
			}
		}
		if change.ResolveOutstanding {
			if err := tx.Model(&models.Message{}).
				Where("conversation_id = ? AND requires_human = ? AND human_replied = ?", next.ID, true, false).
				Update("human_replied", true).Error; err != nil {
				return fmt.Errorf("resolve outstanding: %w", err)
			}
		}
		if len(change.RepliedMessageIDs) > 0 {
			if err := tx.Model(&models.Message{}).
				Where("conversation_id = ? AND id IN ?", next.ID, change.RepliedMessageIDs).
				Update("human_replied", true).Error; err != nil {
				return fmt.Errorf("mark replied: %w", err)
			}
		}

		result := tx.Model(&models.Conversation{}).
			Where("id = ? AND version = ?", next.ID, expectedVersion).
			Updates(map[string]interface{}{
				"status":               next.Status,
				"priority":             next.Priority,
				"assigned_admin_id":    nullable(next.AssignedAdminID),
				"human_handling":       next.HumanHandling,
				"rag_enabled":          next.RAGEnabled,
				"escalation_reason":    nullable(next.EscalationReason),
				"escalation_timestamp": nullable(next.EscalationTimestamp),
				"last_message_at":      next.LastMessageAt,
				"metadata":             next.Metadata,
				"version":              expectedVersion + 1,
				"updated_at":           now,
			})
		if result.Error != nil {
			return fmt.Errorf("update conversation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.Conversation{}).Where("id = ?", next.ID).Count(&count).Error; err != nil {
				return fmt.Errorf("check conversation: %w", err)
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: commit %s: %w", next.ID, err)
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = now
	return nil
}

// Mutate applies fn to the latest stored conversation and commits the result
// with a version check. On conflict it re-reads, re-applies fn and retries.
// Callers that need in-process serialization hold Lock around Mutate.
func (s *Store) Mutate(ctx context.Context, id string, fn func(c *models.Conversation) (Change, error)) (models.Conversation, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return models.Conversation{}, err
		}
		next := cur
		change, err := fn(&next)
		if err != nil {
			return cur, err
		}
		err = s.Commit(ctx, cur.Version, &next, change)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return cur, err
		}
		lastErr = err
		s.metrics.StoreConflict()
		s.log.Debug().Str("conversation_id", id).Int("attempt", attempt).Msg("version_conflict_retry")
	}
	return models.Conversation{}, fmt.Errorf("store: mutate %s: gave up after %d attempts: %w", id, s.maxAttempts, lastErr)
}

func nullable[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
