package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wusul/settlement-engine/ledger"
)

// DefaultInboxSize is how many notifications an account keeps.
const DefaultInboxSize = 20

// Message is a stored notification.
type Message struct {
	Title     string                      `json:"title"`
	Message   string                      `json:"message"`
	Category  ledger.NotificationCategory `json:"category"`
	Timestamp time.Time                   `json:"timestamp"`
}

// Inbox keeps the newest notifications per account in memory.
type Inbox struct {
	mu    sync.RWMutex
	size  int
	boxes map[ledger.AccountID][]Message
	now   func() time.Time
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		size:  size,
		boxes: make(map[ledger.AccountID][]Message),
		now:   time.Now,
	}
}

func (i *Inbox) Notify(_ context.Context, n ledger.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	box := append([]Message{{
		Title:     n.Title,
		Message:   n.Message,
		Category:  n.Category,
		Timestamp: i.now(),
	}}, i.boxes[n.AccountID]...)
	if len(box) > i.size {
		box = box[:i.size]
	}
	i.boxes[n.AccountID] = box
	return nil
}

// Messages returns the account's notifications, newest first.
func (i *Inbox) Messages(id ledger.AccountID) []Message {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Message{}, i.boxes[id]...)
}

// Clear empties the account's inbox.
func (i *Inbox) Clear(id ledger.AccountID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.boxes, id)
}

// Log writes every notification to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n ledger.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"account_id", n.AccountID,
		"title", n.Title,
		"category", n.Category,
	)
	return nil
}
