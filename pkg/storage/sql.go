package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/raykavin/coinalert/pkg/core"
	"github.com/raykavin/coinalert/pkg/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStorage implements core.SubscriptionStore using a SQL database via GORM
type SQLStorage struct {
	db      *gorm.DB
	maxSubs int
	log     logger.Logger
	now     func() time.Time
}

// Option configures a SQLStorage
type Option func(*SQLStorage)

// WithClock replaces time.Now for subscription and activity timestamps
func WithClock(now func() time.Time) Option {
	return func(s *SQLStorage) {
		s.now = now
	}
}

// FromSQLite opens (or creates) the subscription database stored at file
func FromSQLite(file string, maxSubs int, log logger.Logger, options ...Option) (*SQLStorage, error) {
	return FromSQL(sqlite.Open(file), maxSubs, log, options...)
}

// FromSQL creates a new SQL storage instance and migrates its schema
func FromSQL(dialect gorm.Dialector, maxSubs int, log logger.Logger, options ...Option) (*SQLStorage, error) {
	db, err := gorm.Open(dialect, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// SQLite serializes writers anyway; one connection avoids "database is locked"
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(&core.Subscription{}, &core.ActivityLogEntry{})
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	storage := &SQLStorage{
		db:      db,
		maxSubs: maxSubs,
		log:     log.WithField("component", "storage"),
		now:     time.Now,
	}

	for _, option := range options {
		option(storage)
	}

	return storage, nil
}

// AddSubscription upserts the pair. A chat already holding the maximum number
// of distinct tokens cannot add a new one, but can refresh an existing one.
func (s *SQLStorage) AddSubscription(ctx context.Context, chatID, token, userName, login string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&core.Subscription{}).
			Where("chat_id = ? AND token = ?", chatID, token).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("failed to look up subscription: %w", err)
		}

		if existing == 0 {
			var count int64
			err = tx.Model(&core.Subscription{}).Where("chat_id = ?", chatID).Count(&count).Error
			if err != nil {
				return fmt.Errorf("failed to count subscriptions: %w", err)
			}

			if count >= int64(s.maxSubs) {
				return core.ErrSubscriptionLimit
			}
		}

		subscription := core.Subscription{
			ChatID:       chatID,
			Token:        token,
			UserName:     userName,
			SubscribedAt: s.now().UTC(),
			Login:        login,
		}

		// On conflict the original subscribed_at and alert state are preserved
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_name", "login"}),
		}).Create(&subscription).Error
		if err != nil {
			return fmt.Errorf("failed to store subscription: %w", err)
		}

		return nil
	})
}

// RemoveSubscription deletes the pair if present
func (s *SQLStorage) RemoveSubscription(ctx context.Context, chatID, token string) error {
	result := s.db.WithContext(ctx).
		Where("chat_id = ? AND token = ?", chatID, token).
		Delete(&core.Subscription{})
	if result.Error != nil {
		return fmt.Errorf("failed to remove subscription: %w", result.Error)
	}

	return nil
}

// ListSubscriptions returns the chat's subscriptions newest first. An empty
// chatID lists every subscription.
func (s *SQLStorage) ListSubscriptions(ctx context.Context, chatID string) ([]core.Subscription, error) {
	subscriptions := make([]core.Subscription, 0)

	query := s.db.WithContext(ctx)
	if chatID != "" {
		query = query.Where("chat_id = ?", chatID)
	}

	result := query.Order("subscribed_at DESC").Order("token").Find(&subscriptions)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", result.Error)
	}

	return subscriptions, nil
}

// MarkNotified stores the price and time of the last alert sent for the pair
func (s *SQLStorage) MarkNotified(ctx context.Context, chatID, token string, price float64, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Subscription{}).
		Where("chat_id = ? AND token = ?", chatID, token).
		Updates(map[string]any{
			"last_update": at.UTC(),
			"last_price":  price,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark subscription notified: %w", result.Error)
	}

	return nil
}

// CountSubscriptions returns how many tokens the chat is subscribed to
func (s *SQLStorage) CountSubscriptions(ctx context.Context, chatID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&core.Subscription{}).Where("chat_id = ?", chatID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	return int(count), nil
}

// LogActivity appends an audit row. A failed write is logged and dropped.
func (s *SQLStorage) LogActivity(ctx context.Context, userID, login, action, details string) {
	entry := core.ActivityLogEntry{
		UserID:    userID,
		Login:     login,
		Action:    action,
		Timestamp: s.now().UTC(),
		Details:   details,
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.WithError(err).
			WithFields(map[string]any{"user_id": userID, "action": action}).
			Error("failed to log activity")
	}
}

// Activity returns the most recent audit rows for a user, newest first
func (s *SQLStorage) Activity(ctx context.Context, userID string, limit int) ([]core.ActivityLogEntry, error) {
	entries := make([]core.ActivityLogEntry, 0)

	query := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to read activity: %w", err)
	}

	return entries, nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	return sqlDB.Close()
}
