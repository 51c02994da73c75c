// Package notify creates durable notifications as a side effect of message
// delivery. It is a fire-and-forget channel: failures are logged and never
// propagate to the operation that triggered them.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vendora-market/vendora-chat/internal/store"
)

// KindNewMessage tags notifications created for incoming chat messages.
const KindNewMessage = "new_message"

const createTimeout = 5 * time.Second

// Notifier creates notifications for message receivers.
type Notifier struct {
	store      store.Store
	logger     *slog.Logger
	previewLen int
}

// New creates a Notifier. previewLen bounds the content preview in runes.
func New(s store.Store, logger *slog.Logger, previewLen int) *Notifier {
	if previewLen <= 0 {
		previewLen = 30
	}
	return &Notifier{
		store:      s,
		logger:     logger.With("component", "notify"),
		previewLen: previewLen,
	}
}

// MessageSaved asynchronously records a notification for the receiver of a
// just-persisted chat message. It returns immediately; the enclosing send
// must never fail or roll back because of notification problems.
func (n *Notifier) MessageSaved(msg *store.Message) {
	m := *msg
	go n.createMessageNotification(&m)
}

func (n *Notifier) createMessageNotification(msg *store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	title := "New message"
	sender, err := n.store.GetUser(ctx, msg.SenderID)
	if err != nil {
		n.logger.Warn("sender lookup for notification failed", "sender_id", msg.SenderID, "error", err)
	} else if sender != nil && sender.DisplayName != "" {
		title = "New message from " + sender.DisplayName
	}

	err = n.store.CreateNotification(ctx, &store.Notification{
		ID:        uuid.New().String(),
		UserID:    msg.ReceiverID,
		Kind:      KindNewMessage,
		Title:     title,
		Content:   Preview(msg.Content, n.previewLen),
		RelatedID: msg.ID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		n.logger.Warn("failed to create message notification",
			"receiver_id", msg.ReceiverID, "message_id", msg.ID, "error", err)
	}
}

// Preview truncates content to at most limit runes, appending an ellipsis
// when anything was cut.
func Preview(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "…"
}
