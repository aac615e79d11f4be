package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KeyModel persists one client-supplied idempotency key. The row is the lock:
// a live row with no terminal status means a request is in flight; the
// terminal status and body are the cached response for replays; expires_at
// bounds how long the key stays live.
type KeyModel struct {
	Key          string            `gorm:"primaryKey;column:key"`
	Source       string            `gorm:"column:source;not null"`
	RequestHash  string            `gorm:"column:request_hash;not null"`
	StatusCode   *int              `gorm:"column:status_code"`
	ResponseBody datatypes.JSONMap `gorm:"column:response_body"`
	LockedAt     *time.Time        `gorm:"column:locked_at"`
	CreatedAt    time.Time         `gorm:"column:created_at;not null"`
	ExpiresAt    time.Time         `gorm:"column:expires_at;not null;index:idx_idempotency_keys_expires"`
}

func (KeyModel) TableName() string {
	return "idempotency_keys"
}

type ClaimStatus string

const (
	StatusClaimed   ClaimStatus = "claimed"
	StatusCompleted ClaimStatus = "completed"
	StatusInFlight  ClaimStatus = "in_flight"
	StatusConflict  ClaimStatus = "conflict"
)

type Claim struct {
	Status       ClaimStatus
	StatusCode   int
	ResponseBody map[string]interface{}
}

// Manager owns the atomic claim/complete protocol. All coordination between
// concurrent requests happens through the key table's primary-key constraint;
// there are no in-process locks.
type Manager struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewManager(db *gorm.DB, ttl time.Duration) *Manager {
	return &Manager{db: db, ttl: ttl}
}

func (m *Manager) AutoMigrate() error {
	return m.db.AutoMigrate(&KeyModel{})
}

// Claim atomically claims key for processing or reports its current state:
//
//   - claimed: the caller won the row and must run the pipeline exactly once,
//     then call Complete.
//   - completed: the key already carries a terminal response; the caller must
//     replay it verbatim instead of re-running the pipeline.
//   - in_flight: another request with the identical key and body is being
//     processed right now.
//   - conflict: the key exists with a different request-body hash.
//
// Expired rows are purged first so an elapsed key never blocks reuse.
func (m *Manager) Claim(ctx context.Context, key, source, requestHash string) (Claim, error) {
	if err := m.db.WithContext(ctx).
		Where("key = ? AND expires_at <= now()", key).
		Delete(&KeyModel{}).Error; err != nil {
		return Claim{}, err
	}

	claimed, err := m.tryInsert(ctx, key, source, requestHash)
	if err != nil {
		return Claim{}, err
	}
	if claimed {
		return Claim{Status: StatusClaimed}, nil
	}

	// A live row exists; read it and classify.
	var existing KeyModel
	err = m.db.WithContext(ctx).
		Where("key = ? AND expires_at > now()", key).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The row vanished between insert and read (concurrent purge);
		// retry the insert once.
		claimed, err := m.tryInsert(ctx, key, source, requestHash)
		if err != nil {
			return Claim{}, err
		}
		if claimed {
			return Claim{Status: StatusClaimed}, nil
		}
		return Claim{Status: StatusInFlight}, nil
	}
	if err != nil {
		return Claim{}, err
	}

	if existing.RequestHash != requestHash {
		return Claim{Status: StatusConflict}, nil
	}

	if existing.StatusCode != nil {
		return Claim{
			Status:       StatusCompleted,
			StatusCode:   *existing.StatusCode,
			ResponseBody: existing.ResponseBody,
		}, nil
	}

	return Claim{Status: StatusInFlight}, nil
}

func (m *Manager) tryInsert(ctx context.Context, key, source, requestHash string) (bool, error) {
	now := time.Now().UTC()
	row := KeyModel{
		Key:         key,
		Source:      source,
		RequestHash: requestHash,
		LockedAt:    &now,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}

	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Complete stores the terminal status and response body for key and clears
// the lock marker. Redundant calls are harmless no-ops over the same values.
func (m *Manager) Complete(ctx context.Context, key string, statusCode int, responseBody map[string]interface{}) error {
	return m.db.WithContext(ctx).Model(&KeyModel{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"status_code":   statusCode,
			"response_body": datatypes.JSONMap(responseBody),
			"locked_at":     nil,
		}).Error
}
