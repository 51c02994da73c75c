package notify

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/vendora-market/vendora-chat/internal/store"
)

func newTestNotifier(t *testing.T) (*Notifier, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, slog.Default(), 10), s
}

// waitForNotifications polls until the receiver has n notifications or the
// deadline passes. Notification creation is asynchronous.
func waitForNotifications(t *testing.T, s store.Store, userID int64, n int) []store.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ns, err := s.ListNotifications(context.Background(), userID, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(ns) >= n {
			return ns
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications for user %d", n, userID)
	return nil
}

func TestMessageSaved_CreatesNotification(t *testing.T) {
	notifier, s := newTestNotifier(t)
	ctx := context.Background()

	sender := &store.User{Username: "hana", DisplayName: "Hana", CreatedAt: time.Now()}
	if err := s.CreateUser(ctx, sender); err != nil {
		t.Fatal(err)
	}

	msg := &store.Message{ID: 77, SenderID: sender.ID, ReceiverID: 5, Content: "short"}
	notifier.MessageSaved(msg)

	ns := waitForNotifications(t, s, 5, 1)
	n := ns[0]
	if n.Kind != KindNewMessage {
		t.Errorf("Kind = %q, want %q", n.Kind, KindNewMessage)
	}
	if n.Title != "New message from Hana" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.Content != "short" {
		t.Errorf("Content = %q, want untruncated original", n.Content)
	}
	if n.RelatedID != 77 {
		t.Errorf("RelatedID = %d, want 77", n.RelatedID)
	}
}

func TestMessageSaved_UnknownSenderFallsBack(t *testing.T) {
	notifier, s := newTestNotifier(t)

	notifier.MessageSaved(&store.Message{ID: 1, SenderID: 999, ReceiverID: 6, Content: "hello"})

	ns := waitForNotifications(t, s, 6, 1)
	if ns[0].Title != "New message" {
		t.Errorf("Title = %q, want generic fallback", ns[0].Title)
	}
}

func TestMessageSaved_LongContentTruncated(t *testing.T) {
	notifier, s := newTestNotifier(t)

	notifier.MessageSaved(&store.Message{ID: 2, SenderID: 999, ReceiverID: 7, Content: "0123456789ABCDEF"})

	ns := waitForNotifications(t, s, 7, 1)
	if ns[0].Content != "0123456789…" {
		t.Errorf("Content = %q, want 10-rune preview with ellipsis", ns[0].Content)
	}
}

func TestMessageSaved_StoreFailureDoesNotPanic(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	notifier := New(s, slog.Default(), 10)
	_ = s.Close()

	notifier.MessageSaved(&store.Message{ID: 3, SenderID: 1, ReceiverID: 2, Content: "x"})
	time.Sleep(50 * time.Millisecond)
}

func TestPreview(t *testing.T) {
	cases := []struct {
		name    string
		content string
		limit   int
		want    string
	}{
		{"shorter than limit", "hi", 5, "hi"},
		{"exactly at limit", "12345", 5, "12345"},
		{"over limit", "123456", 5, "12345…"},
		{"multibyte runes counted not bytes", "привет мир", 6, "привет…"},
		{"empty", "", 5, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Preview(tc.content, tc.limit); got != tc.want {
				t.Errorf("Preview(%q, %d) = %q, want %q", tc.content, tc.limit, got, tc.want)
			}
		})
	}
}
