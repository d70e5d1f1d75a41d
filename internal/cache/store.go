package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew   = "cache.store.new"
	opSet        = "cache.set"
	opGet        = "cache.get"
	opDelete     = "cache.delete"
	opExists     = "cache.exists"
	opTouch      = "cache.touch"
	opSweep      = "cache.sweep"
	opRateLimit  = "cache.rate_limit"
	fieldKey     = "key"
	queryKey     = "cache_key = ?"
	queryLive    = "cache_key = ? AND (expires_at_ms = 0 OR expires_at_ms > ?)"
	queryExpired = "expires_at_ms > 0 AND expires_at_ms <= ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingKey      = errors.New("key is required")
)

// ServiceError reports a failed cache operation with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Notifier *Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is a key-value store with per-key TTL backed by a relational table.
// Writes and deletes are announced on the configured Notifier.
type Store struct {
	db       *gorm.DB
	notifier *Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Store{
		db:       cfg.Database,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Notifier exposes the change feed for this store.
func (s *Store) Notifier() *Notifier {
	return s.notifier
}

// Set writes value under key. Strings and byte slices are stored verbatim,
// anything else is JSON encoded. A ttl of zero keeps the key until deleted.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return newServiceError(opSet, "missing_key", errMissingKey)
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return newServiceError(opSet, "encode_failed", err)
	}
	now := s.clock()
	entry := Entry{Key: key, Value: encoded, ExpiresAtMs: s.expiry(now, ttl)}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"cache_value", "expires_at_ms"}),
	}).Create(&entry).Error
	if err != nil {
		s.logError(opSet, "write_failed", err, zap.String(fieldKey, key))
		return newServiceError(opSet, "write_failed", err)
	}
	s.notifier.Publish(Change{Key: key, Op: OpSet, Timestamp: now})
	return nil
}

// Get reads key. The boolean is false when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (Value, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryKey, key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		s.logError(opGet, "read_failed", err, zap.String(fieldKey, key))
		return Value{}, false, newServiceError(opGet, "read_failed", err)
	}
	now := s.clock()
	if entry.ExpiresAtMs > 0 && entry.ExpiresAtMs <= now.UnixMilli() {
		if err := s.db.WithContext(ctx).Where(queryExpired+" AND "+queryKey, now.UnixMilli(), key).Delete(&Entry{}).Error; err != nil {
			s.logger.Debug("expired entry cleanup failed", zap.String(fieldKey, key), zap.Error(err))
		}
		return Value{}, false, nil
	}
	return classifyValue(entry.Value), true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Where(queryKey, key).Delete(&Entry{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String(fieldKey, key))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.notifier.Publish(Change{Key: key, Op: OpDelete, Timestamp: s.clock()})
	}
	return nil
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Entry{}).Where(queryLive, key, s.clock().UnixMilli()).Count(&count).Error
	if err != nil {
		s.logError(opExists, "count_failed", err, zap.String(fieldKey, key))
		return false, newServiceError(opExists, "count_failed", err)
	}
	return count > 0, nil
}

// Touch resets the expiry of a live key to now+ttl and reports whether the key existed.
func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock()
	result := s.db.WithContext(ctx).Model(&Entry{}).
		Where(queryLive, key, now.UnixMilli()).
		Update("expires_at_ms", s.expiry(now, ttl))
	if result.Error != nil {
		s.logError(opTouch, "update_failed", result.Error, zap.String(fieldKey, key))
		return false, newServiceError(opTouch, "update_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where(queryExpired, s.clock().UnixMilli()).Delete(&Entry{})
	if result.Error != nil {
		s.logError(opSweep, "delete_failed", result.Error)
		return 0, newServiceError(opSweep, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err == nil && removed > 0 {
				s.logger.Debug("expired cache entries purged", zap.Int64("removed", removed))
			}
		}
	}
}

func (s *Store) expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("cache operation failed", logFields...)
}
