package dispatch

import (
	"context"
	"fmt"

	"github.com/wusul/settlement-engine/ledger"
)

// Notifier delivers through Next on a Queue worker.
type Notifier struct {
	Next  ledger.Notifier
	Queue *Queue
}

func (n Notifier) Notify(_ context.Context, msg ledger.Notification) error {
	return n.Queue.Submit(Job{
		Name: fmt.Sprintf("notify %s", msg.AccountID),
		Run:  func(ctx context.Context) error { return n.Next.Notify(ctx, msg) },
	})
}

// Syncer pushes through Next on a Queue worker.
type Syncer struct {
	Next  ledger.Syncer
	Queue *Queue
}

func (s Syncer) Push(_ context.Context, e ledger.Entity) error {
	return s.Queue.Submit(Job{
		Name: fmt.Sprintf("push %s/%s", e.EntityType(), e.EntityKey()),
		Run:  func(ctx context.Context) error { return s.Next.Push(ctx, e) },
	})
}

// MultiNotifier fans a notification out to every notifier in order.
// All are tried; the first error is returned.
type MultiNotifier []ledger.Notifier

func (m MultiNotifier) Notify(ctx context.Context, n ledger.Notification) error {
	var first error
	for _, next := range m {
		if err := next.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
