package link

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/gadgetlink/internal/protocol"
)

// PendingAck tracks one sent transaction awaiting the peer's control frame.
type PendingAck struct {
	Channel       protocol.Channel `json:"channel"`
	TransactionID uint8            `json:"transaction_id"`
	Bytes         int              `json:"bytes"`
	Fragments     int              `json:"fragments"`
	QueuedAt      time.Time        `json:"queued_at"`
	AckDeadlineAt time.Time        `json:"ack_deadline_at,omitempty"`
}

type ackKey struct {
	ch   protocol.Channel
	txID uint8
}

// AckTracker stores pending acks keyed by (channel, transaction id). A newer
// send that reuses a wrapped transaction id replaces the older entry.
type AckTracker struct {
	mu    sync.RWMutex
	items map[ackKey]PendingAck
}

func NewAckTracker() *AckTracker {
	return &AckTracker{
		items: make(map[ackKey]PendingAck),
	}
}

func (t *AckTracker) Upsert(item PendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[ackKey{item.Channel, item.TransactionID}] = item
}

// Resolve removes and returns the entry for (ch, txID).
func (t *AckTracker) Resolve(ch protocol.Channel, txID uint8) (PendingAck, bool) {
	key := ackKey{ch, txID}
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[key]
	if ok {
		delete(t.items, key)
	}
	return item, ok
}

// Expire removes and returns every entry whose deadline is before now.
func (t *AckTracker) Expire(now time.Time) []PendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PendingAck
	for key, item := range t.items {
		if item.AckDeadlineAt.IsZero() || !now.After(item.AckDeadlineAt) {
			continue
		}
		out = append(out, item)
		delete(t.items, key)
	}
	sortPending(out)
	return out
}

func (t *AckTracker) Get(ch protocol.Channel, txID uint8) (PendingAck, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[ackKey{ch, txID}]
	return item, ok
}

func (t *AckTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func (t *AckTracker) List() []PendingAck {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PendingAck, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func sortPending(items []PendingAck) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Channel != items[j].Channel {
			return items[i].Channel < items[j].Channel
		}
		return items[i].TransactionID < items[j].TransactionID
	})
}
