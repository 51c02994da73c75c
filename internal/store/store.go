// Package store defines the durable collaborators the messaging core consumes
// (message persistence, notifications, identity lookup) and provides SQLite
// and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface consumed by the messaging core. Lookups
// that miss return (nil, nil); absence is a normal outcome for callers.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	Conversation(ctx context.Context, userA, userB int64) ([]Message, error)

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID int64, limit int) ([]Notification, error)
	PurgeOldNotifications(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a marketplace account, consumed here only for identity lookup and
// builtin login.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Message is the persisted form of a chat message. ID is assigned by the
// store on save; CreatedAt is the server-assigned timestamp.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification is a durable notification record created as a fire-and-forget
// side effect of message delivery.
type Notification struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"` // e.g. "new_message"
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	RelatedID int64     `json:"related_id,omitempty"` // message id for "new_message"
	CreatedAt time.Time `json:"created_at"`
}
