package core

import (
	"fmt"
	"strings"
	"time"
)

// Subscription binds a chat to a token it wants alerts for
type Subscription struct {
	ChatID       string     `json:"chat_id" gorm:"column:chat_id;primaryKey"`
	Token        string     `json:"token" gorm:"column:token;primaryKey"`
	UserName     string     `json:"user_name" gorm:"column:user_name"`
	SubscribedAt time.Time  `json:"subscribed_at" gorm:"column:subscribed_at;index"`
	LastUpdate   *time.Time `json:"last_update" gorm:"column:last_update"`
	LastPrice    *float64   `json:"last_price" gorm:"column:last_price"`
	Login        string     `json:"login" gorm:"column:login"`
}

// TableName overrides the gorm default
func (Subscription) TableName() string {
	return "subscriptions"
}

// Notified reports whether an alert was ever sent for this subscription
func (s Subscription) Notified() bool {
	return s.LastUpdate != nil && s.LastPrice != nil
}

// ActivityLogEntry is an append-only audit row of something a user did
type ActivityLogEntry struct {
	UserID    string    `json:"user_id" gorm:"column:user_id;index"`
	Login     string    `json:"login" gorm:"column:login"`
	Action    string    `json:"action" gorm:"column:action"`
	Timestamp time.Time `json:"timestamp" gorm:"column:timestamp"`
	Details   string    `json:"details" gorm:"column:details"`
}

// TableName overrides the gorm default
func (ActivityLogEntry) TableName() string {
	return "user_activity"
}

const maxTokenLength = 32

// ValidateToken normalizes a user supplied ticker and rejects obviously bad input
func ValidateToken(token string) (string, error) {
	token = NormalizeSymbol(token)
	if token == "" || len(token) > maxTokenLength || strings.ContainsAny(token, " \t\n/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return token, nil
}
