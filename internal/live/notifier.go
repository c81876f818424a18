// ABOUTME: Subscription registry and fan-out of committed change records
// ABOUTME: Non-blocking delivery in commit order, gated by each frozen snapshot

package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Notification is one change observed through a subscription. Kind is
// OpCreated, OpUpdated or OpDeleted; Prev is set for updates when the
// writer had the previous value in hand.
type Notification = store.ChangeRecord

// FilterSpec selects which change records a subscription receives, before
// the snapshot gate is applied. The zero value matches everything.
type FilterSpec struct {
	// Entities restricts the watched entity kinds; empty means all.
	Entities []store.EntityKind
	// RoomID restricts to one room; empty means all rooms.
	RoomID id.RoomID
	// Predicate, when set, is an additional match over the full record.
	Predicate func(Notification) bool
}

func (f FilterSpec) matches(rec store.ChangeRecord) bool {
	if len(f.Entities) > 0 {
		ok := false
		for _, e := range f.Entities {
			if e == rec.Entity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RoomID != "" && rec.RoomID != f.RoomID {
		return false
	}
	if f.Predicate != nil && !f.Predicate(rec) {
		return false
	}
	return true
}

// Subscription is a standing query over future changes. Its snapshot is
// immutable; cancel the subscription and create a new one to observe with
// fresh permissions.
type Subscription struct {
	ID       string
	Snapshot AuthSnapshot

	filter FilterSpec
	ch     chan Notification

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Events returns the notification channel. It is closed when the
// subscription is cancelled.
func (sub *Subscription) Events() <-chan Notification {
	return sub.ch
}

// Dropped reports how many notifications were discarded because the
// subscriber was not keeping up.
func (sub *Subscription) Dropped() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// deliver attempts a non-blocking send. Sends and the channel close are
// both serialized by mu, so a concurrent Unsubscribe can never close the
// channel mid-send. Returns true when the record was discarded because
// the buffer was full.
func (sub *Subscription) deliver(rec Notification) (dropped bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- rec:
		return false
	default:
		sub.dropped++
		return true
	}
}

// Notifier is the in-memory registry of live subscriptions. It is fed
// commit-ordered change records by the replica layer and fans them out to
// every matching, authorized subscription.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for the default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "live"),
	}
}

// Subscribe registers a subscription with the given filter and frozen
// snapshot. The snapshot is captured by value here and never refreshed.
// The subscription is cleaned up when ctx is cancelled or Unsubscribe is
// called.
func (n *Notifier) Subscribe(ctx context.Context, filter FilterSpec, snap AuthSnapshot) *Subscription {
	sub := &Subscription{
		ID:       uuid.New().String(),
		Snapshot: cloneSnapshot(snap),
		filter:   filter,
		ch:       make(chan Notification, subscriberBufferSize),
	}

	n.mu.Lock()
	n.subs[sub.ID] = sub
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "sub_id", sub.ID, "user_id", snap.UserID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(sub.ID)
	}()

	return sub
}

// cloneSnapshot copies the tier map so later mutation by the caller cannot
// leak into the frozen snapshot.
func cloneSnapshot(snap AuthSnapshot) AuthSnapshot {
	out := AuthSnapshot{UserID: snap.UserID}
	if snap.Tiers != nil {
		out.Tiers = make(map[id.RoomID]Tier, len(snap.Tiers))
		for k, v := range snap.Tiers {
			out.Tiers[k] = v
		}
	}
	return out
}

// Publish fans a slice of commit-ordered records out to every matching
// subscription. For each subscription the records are delivered in the
// given order; a full channel drops the record for that subscriber only.
func (n *Notifier) Publish(records []store.ChangeRecord) {
	if len(records) == 0 {
		return
	}

	n.mu.RLock()
	targets := make([]*Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		targets = append(targets, sub)
	}
	n.mu.RUnlock()

	for _, sub := range targets {
		for _, rec := range records {
			if !sub.filter.matches(rec) {
				continue
			}
			if !visible(sub.Snapshot, rec) {
				continue
			}
			if sub.deliver(rec) {
				n.logger.Debug("dropped notification for slow subscriber",
					"sub_id", sub.ID, "entity", rec.Entity)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. Unknown IDs
// are ignored.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	sub, ok := n.subs[subID]
	if ok {
		delete(n.subs, subID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()

	n.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the notifier and closes every subscriber channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[string]*Subscription)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}

	n.logger.Debug("notifier closed")
}
