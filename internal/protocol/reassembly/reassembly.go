// Package reassembly rebuilds transactions from inbound fragments.
//
// A Table holds one slot per channel. Each slot is Idle or Assembling; a
// channel has at most one transaction in flight. Fragments must be fed in
// arrival order and one at a time; the Table itself does no locking.
package reassembly

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
)

type State uint8

const (
	StateIdle State = iota
	StateAssembling
)

func (s State) String() string {
	if s == StateAssembling {
		return "assembling"
	}
	return "idle"
}

type EventKind uint8

const (
	EventNone EventKind = iota
	// EventProgress: a fragment was accepted and the transaction is still open.
	EventProgress
	// EventComplete: the transaction is whole; Payload holds it.
	EventComplete
	// EventControl: a control frame arrived; Result holds its code.
	EventControl
	// EventFailure: a fragment was rejected; Err says why.
	EventFailure
	// EventExpired: an in-flight transaction passed its deadline.
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventControl:
		return "control"
	case EventFailure:
		return "failure"
	case EventExpired:
		return "expired"
	default:
		return "none"
	}
}

// Event is the outcome of processing one fragment.
type Event struct {
	Kind          EventKind
	Channel       protocol.Channel
	TransactionID uint8
	Sequence      uint8
	// Ack is the ack bit of the fragment that produced the event.
	Ack      bool
	Received int
	Declared int
	Payload  []byte
	Result   protocol.Result
	Err      error
	// Reply is a Failure control frame, set only when the rejected fragment
	// requested an acknowledgment.
	Reply protocol.Fragment
}

type Config struct {
	MaxTransactionSize int
	// MaxBufferedBytes caps the sum of declared lengths across all slots.
	// Zero means NumChannels * MaxTransactionSize.
	MaxBufferedBytes int
	// Timeout is how long a slot may sit without an accepted fragment before
	// Expire releases it. Zero disables expiry.
	Timeout time.Duration
	// Lifetime caps how long a transaction may stay in flight after its
	// Initial fragment, however often fragments arrive. Zero means
	// DefaultLifetimeFactor * Timeout.
	Lifetime time.Duration
}

// DefaultLifetimeFactor scales Timeout into the default Lifetime.
const DefaultLifetimeFactor = 4

type slot struct {
	state       State
	txID        uint8
	expectedSeq uint8
	declared    int
	buf         []byte
	startedAt   time.Time
	deadline    time.Time
}

func (s *slot) received() int { return len(s.buf) }

// SlotInfo is a read-only view of one slot.
type SlotInfo struct {
	Channel          protocol.Channel `json:"channel"`
	State            State            `json:"-"`
	StateName        string           `json:"state"`
	TransactionID    uint8            `json:"transaction_id"`
	ExpectedSequence uint8            `json:"expected_sequence"`
	Declared         int              `json:"declared"`
	Received         int              `json:"received"`
	StartedAt        time.Time        `json:"started_at,omitempty"`
	Deadline         time.Time        `json:"deadline,omitempty"`
}

type Table struct {
	cfg      Config
	slots    [protocol.NumChannels]slot
	buffered int
}

func New(cfg Config) (*Table, error) {
	if cfg.MaxTransactionSize < 1 || cfg.MaxTransactionSize > protocol.MaxTransactionLength {
		return nil, fmt.Errorf("%w: max transaction size %d", protocol.ErrInvalidArgument, cfg.MaxTransactionSize)
	}
	if cfg.MaxBufferedBytes < 0 || cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative limit", protocol.ErrInvalidArgument)
	}
	if cfg.Lifetime < 0 {
		return nil, fmt.Errorf("%w: negative lifetime", protocol.ErrInvalidArgument)
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = DefaultLifetimeFactor * cfg.Timeout
	}
	if cfg.Lifetime < cfg.Timeout {
		cfg.Lifetime = cfg.Timeout
	}
	if cfg.MaxBufferedBytes == 0 {
		cfg.MaxBufferedBytes = protocol.NumChannels * cfg.MaxTransactionSize
	}
	return &Table{cfg: cfg}, nil
}

// Feed processes every fragment in one transport delivery. Expired slots are
// swept first. Processing stops at the first truncated fragment; the events
// produced up to that point are returned together with the error.
func (t *Table) Feed(delivery []byte, now time.Time) ([]Event, error) {
	events := t.Expire(now)
	for off := 0; off < len(delivery); {
		ev, n, err := t.Process(delivery[off:], now)
		if ev.Kind != EventNone {
			events = append(events, ev)
		}
		if err != nil {
			return events, err
		}
		off += n
	}
	return events, nil
}

// Process consumes the fragment at the head of b. The returned error is
// non-nil only for truncated input, in which case n is 0.
func (t *Table) Process(b []byte, now time.Time) (Event, int, error) {
	p, n, err := frame.ReadFragment(b)
	h := p.Header
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrInsufficientLength):
		if len(b) < frame.PrefixLen || !h.Channel.Valid() {
			return Event{}, 0, err
		}
		discard := h.Role == protocol.FragmentContinuation || h.Role == protocol.FragmentFinal
		return t.reject(h, err, discard), 0, err
	default:
		// Unknown channel or malformed control frame: the fragment is sized, skip it.
		return Event{Kind: EventFailure, Channel: h.Channel, TransactionID: h.TransactionID, Ack: h.Ack, Err: err}, n, nil
	}

	if p.IsControl() {
		return Event{
			Kind:          EventControl,
			Channel:       h.Channel,
			TransactionID: h.TransactionID,
			Ack:           h.Ack,
			Result:        p.Control.Result,
		}, n, nil
	}
	return t.apply(h, p.Payload, now), n, nil
}

func (t *Table) apply(h frame.Header, payload []byte, now time.Time) Event {
	idx, _ := h.Channel.Index()
	s := &t.slots[idx]

	if h.Role == protocol.FragmentInitial {
		if s.state == StateAssembling {
			return t.reject(h, fmt.Errorf("%w: transaction %d in flight on %s", protocol.ErrDuplicateTransaction, s.txID, h.Channel), false)
		}
		total := int(h.TotalLength)
		if total > t.cfg.MaxTransactionSize {
			return t.reject(h, fmt.Errorf("%w: declared total %d exceeds max %d", protocol.ErrBufferOverflow, total, t.cfg.MaxTransactionSize), false)
		}
		if t.buffered+total > t.cfg.MaxBufferedBytes {
			return t.reject(h, fmt.Errorf("%w: %d buffered, %d requested, budget %d", protocol.ErrAllocationFailure, t.buffered, total, t.cfg.MaxBufferedBytes), false)
		}
		*s = slot{
			state:     StateAssembling,
			txID:      h.TransactionID,
			declared:  total,
			buf:       make([]byte, 0, total),
			startedAt: now,
		}
		t.buffered += total
	} else {
		if s.state != StateAssembling {
			return t.reject(h, fmt.Errorf("%w: no transaction in flight on %s", protocol.ErrTransactionIDMismatch, h.Channel), true)
		}
		if s.txID != h.TransactionID {
			return t.reject(h, fmt.Errorf("%w: got %d expected %d", protocol.ErrTransactionIDMismatch, h.TransactionID, s.txID), true)
		}
	}

	if h.Sequence != s.expectedSeq {
		return t.reject(h, fmt.Errorf("%w: got %d expected %d", protocol.ErrSequenceMismatch, h.Sequence, s.expectedSeq), true)
	}
	if s.received()+len(payload) > s.declared {
		return t.reject(h, fmt.Errorf("%w: received %d + %d exceeds %d", protocol.ErrBufferOverflow, s.received(), len(payload), s.declared), true)
	}

	s.buf = append(s.buf, payload...)
	s.expectedSeq = (s.expectedSeq + 1) & protocol.SequenceMask
	if t.cfg.Timeout > 0 {
		s.deadline = now.Add(t.cfg.Timeout)
		if limit := s.startedAt.Add(t.cfg.Lifetime); s.deadline.After(limit) {
			s.deadline = limit
		}
	}

	ev := Event{
		Kind:          EventProgress,
		Channel:       h.Channel,
		TransactionID: h.TransactionID,
		Sequence:      h.Sequence,
		Ack:           h.Ack,
		Received:      s.received(),
		Declared:      s.declared,
	}
	if s.received() == s.declared {
		ev.Kind = EventComplete
		ev.Payload = s.buf
		t.release(idx)
	}
	return ev
}

// reject builds a failure event for h, releasing the channel's slot when
// discard is set.
func (t *Table) reject(h frame.Header, err error, discard bool) Event {
	ev := Event{
		Kind:          EventFailure,
		Channel:       h.Channel,
		TransactionID: h.TransactionID,
		Sequence:      h.Sequence,
		Ack:           h.Ack,
		Err:           err,
	}
	if idx, ok := h.Channel.Index(); ok && discard {
		t.release(idx)
	}
	if h.Ack {
		ev.Reply = frame.EncodeControl(frame.ControlFrame{
			Channel:       h.Channel,
			TransactionID: h.TransactionID,
			Result:        protocol.ResultFailure,
		})
	}
	return ev
}

func (t *Table) release(idx int) {
	if t.slots[idx].state == StateAssembling {
		t.buffered -= t.slots[idx].declared
	}
	t.slots[idx] = slot{}
}

// Expire releases every slot whose deadline is before now. A slot's deadline
// is the earlier of its last accepted fragment plus Timeout and its Initial
// plus Lifetime.
func (t *Table) Expire(now time.Time) []Event {
	if t.cfg.Timeout <= 0 {
		return nil
	}
	var events []Event
	for idx := range t.slots {
		s := &t.slots[idx]
		if s.state != StateAssembling || !now.After(s.deadline) {
			continue
		}
		ch := protocol.Channels[idx]
		events = append(events, Event{
			Kind:          EventExpired,
			Channel:       ch,
			TransactionID: s.txID,
			Received:      s.received(),
			Declared:      s.declared,
			Err:           fmt.Errorf("%w: %s transaction %d at %d/%d bytes", protocol.ErrTransactionExpired, ch, s.txID, s.received(), s.declared),
		})
		t.release(idx)
	}
	return events
}

// Reset forces every slot Idle and returns how many were in flight.
func (t *Table) Reset() int {
	n := 0
	for idx := range t.slots {
		if t.slots[idx].state == StateAssembling {
			n++
		}
		t.release(idx)
	}
	t.buffered = 0
	return n
}

// Buffered returns the bytes currently reserved by in-flight transactions.
func (t *Table) Buffered() int { return t.buffered }

func (t *Table) Snapshot() [protocol.NumChannels]SlotInfo {
	var out [protocol.NumChannels]SlotInfo
	for idx, s := range t.slots {
		out[idx] = SlotInfo{
			Channel:          protocol.Channels[idx],
			State:            s.state,
			StateName:        s.state.String(),
			TransactionID:    s.txID,
			ExpectedSequence: s.expectedSeq,
			Declared:         s.declared,
			Received:         s.received(),
			StartedAt:        s.startedAt,
			Deadline:         s.deadline,
		}
	}
	return out
}
