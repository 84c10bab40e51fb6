// Package link ties the encoder, reassembly table and dispatcher of one
// connection together behind a single lock.
package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/gadgetlink/internal/observability"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/dispatch"
	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
	"github.com/danmuck/gadgetlink/internal/protocol/reassembly"
	"github.com/danmuck/gadgetlink/internal/protocol/segment"
)

var ErrClosed = errors.New("link: connection closed")

type Option func(*Conn)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// WithClock replaces time.Now for deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

func WithCodec(codec dispatch.ControlCodec) Option {
	return func(c *Conn) { c.codec = codec }
}

type Stats struct {
	Role                 string                                    `json:"role"`
	MTU                  int                                       `json:"mtu"`
	MaxTransactionSize   int                                       `json:"max_transaction_size"`
	Closed               bool                                      `json:"closed"`
	FragmentsSent        uint64                                    `json:"fragments_sent"`
	FragmentsReceived    uint64                                    `json:"fragments_received"`
	TransactionsSent     uint64                                    `json:"transactions_sent"`
	TransactionsReceived uint64                                    `json:"transactions_received"`
	AcksSent             uint64                                    `json:"acks_sent"`
	AcksReceived         uint64                                    `json:"acks_received"`
	AcksSuperseded       uint64                                    `json:"acks_superseded"`
	Failures             uint64                                    `json:"failures"`
	Expired              uint64                                    `json:"expired"`
	BufferedBytes        int                                       `json:"buffered_bytes"`
	PendingAcks          int                                       `json:"pending_acks"`
	Slots                [protocol.NumChannels]reassembly.SlotInfo `json:"slots"`
}

// Conn is one side of a link. Every state transition happens under mu, so a
// Conn may be shared between a transport reader and application senders.
type Conn struct {
	mu     sync.Mutex
	cfg    Config
	codec  dispatch.ControlCodec
	enc    *segment.Encoder
	table  *reassembly.Table
	disp   *dispatch.Dispatcher
	acks   *AckTracker
	onAck  dispatch.AckHandler
	logger zerolog.Logger
	now    func() time.Time
	closed bool
	stats  Stats
}

func New(cfg Config, handlers dispatch.Handlers, opts ...Option) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Conn{
		cfg:    cfg,
		acks:   NewAckTracker(),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	enc, err := segment.NewEncoder(cfg.MTU, cfg.MaxTransactionSize)
	if err != nil {
		return nil, err
	}
	table, err := reassembly.New(tableConfig(cfg))
	if err != nil {
		return nil, err
	}
	c.enc = enc
	c.table = table
	c.onAck = handlers.OnAck
	handlers.OnAck = c.handleAck
	c.disp = dispatch.New(cfg.Role, c.codec, handlers, c.logger)
	return c, nil
}

func tableConfig(cfg Config) reassembly.Config {
	return reassembly.Config{
		MaxTransactionSize: cfg.MaxTransactionSize,
		MaxBufferedBytes:   cfg.MaxBufferedBytes,
		Timeout:            cfg.TransactionTimeout,
	}
}

func (c *Conn) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Register adds a control command handler.
func (c *Conn) Register(cmd envelope.Command, h dispatch.CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disp.Register(cmd, h)
}

// Send fragments payload for ch. When ack is set and the peer acknowledges
// ch, the transaction is tracked until its control frame arrives.
func (c *Conn) Send(ch protocol.Channel, ack bool, payload []byte) (protocol.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.sendLocked(ch, ack, payload)
}

func (c *Conn) sendLocked(ch protocol.Channel, ack bool, payload []byte) (protocol.Batch, error) {
	batch, err := c.enc.Encode(ch, ack, payload)
	if err != nil {
		return nil, err
	}
	h, _ := frame.DecodePrefix(batch[0])
	c.stats.TransactionsSent++
	c.stats.FragmentsSent += uint64(len(batch))
	observability.RecordFragmentsEncoded(c.cfg.Role.String(), ch.String(), len(batch))

	if ack && peerAcks(c.cfg.Role, ch) {
		now := c.now()
		item := PendingAck{
			Channel:       ch,
			TransactionID: h.TransactionID,
			Bytes:         len(payload),
			Fragments:     len(batch),
			QueuedAt:      now,
		}
		if c.cfg.AckTimeout > 0 {
			item.AckDeadlineAt = now.Add(c.cfg.AckTimeout)
		}
		if prev, ok := c.acks.Get(ch, h.TransactionID); ok {
			c.stats.AcksSuperseded++
			c.logger.Warn().
				Str("channel", ch.String()).
				Uint8("txid", h.TransactionID).
				Time("queued_at", prev.QueuedAt).
				Msg("pending ack superseded by wrapped transaction id")
		}
		c.acks.Upsert(item)
	}

	c.logger.Debug().
		Str("channel", ch.String()).
		Uint8("txid", h.TransactionID).
		Int("bytes", len(payload)).
		Int("fragments", len(batch)).
		Bool("ack", ack).
		Msg("transaction encoded")
	c.trace("out", batch)
	return batch, nil
}

// Receive processes one transport delivery and returns the fragments to send
// back: a Success ack precedes the consumer's responses, and Failure acks
// follow the fragment that caused them. On a truncated delivery the output
// produced so far is returned with the error.
func (c *Conn) Receive(delivery []byte) (protocol.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.receiveLocked(delivery)
}

// ReceiveBatch treats every fragment of batch as its own delivery.
func (c *Conn) ReceiveBatch(batch protocol.Batch) (protocol.Batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	var out protocol.Batch
	var errs []error
	for _, f := range batch {
		o, err := c.receiveLocked(f)
		out = append(out, o...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (c *Conn) receiveLocked(delivery []byte) (protocol.Batch, error) {
	c.logger.Debug().Int("bytes", len(delivery)).Hex("delivery", delivery).Msg("delivery received")
	events, ferr := c.table.Feed(delivery, c.now())
	role := c.cfg.Role.String()

	var out protocol.Batch
	for _, ev := range events {
		ch := ev.Channel.String()
		switch ev.Kind {
		case reassembly.EventProgress:
			c.stats.FragmentsReceived++
			observability.RecordFragmentDecoded(role, ch)
		case reassembly.EventComplete:
			c.stats.FragmentsReceived++
			c.stats.TransactionsReceived++
			observability.RecordFragmentDecoded(role, ch)
			observability.RecordTransactionCompleted(role, ch, len(ev.Payload))
			out = append(out, c.complete(ev)...)
		case reassembly.EventControl:
			c.stats.FragmentsReceived++
			observability.RecordFragmentDecoded(role, ch)
			c.disp.HandleControlFrame(frame.ControlFrame{
				Channel:       ev.Channel,
				TransactionID: ev.TransactionID,
				Result:        ev.Result,
			})
		case reassembly.EventExpired:
			c.expired(ev)
		case reassembly.EventFailure:
			c.stats.Failures++
			observability.RecordReassemblyFailure(role, ch, protocol.Reason(ev.Err))
			c.logger.Warn().
				Str("channel", ch).
				Uint8("txid", ev.TransactionID).
				Uint8("seq", ev.Sequence).
				Bool("ack", ev.Ack).
				Err(ev.Err).
				Msg("fragment rejected")
			// Failure replies go out on every route; only Success acks are role gated.
			if ev.Reply != nil {
				out = append(out, ev.Reply)
				c.stats.AcksSent++
				observability.RecordAckEmitted(role, ch, protocol.ResultFailure.String())
			}
		}
	}
	if ferr != nil {
		c.logger.Warn().Int("bytes", len(delivery)).Err(ferr).Msg("delivery truncated")
	}
	return out, ferr
}

func (c *Conn) complete(ev reassembly.Event) protocol.Batch {
	res, err := c.disp.Dispatch(dispatch.Completion{
		Channel:       ev.Channel,
		TransactionID: ev.TransactionID,
		Ack:           ev.Ack,
		Payload:       ev.Payload,
	})
	if err != nil {
		c.logger.Error().Str("channel", ev.Channel.String()).Err(err).Msg("dispatch failed")
		return nil
	}
	c.logger.Debug().
		Str("route", res.Route.String()).
		Uint8("txid", ev.TransactionID).
		Int("bytes", len(ev.Payload)).
		Int("responses", len(res.Outbound)).
		Msg("transaction complete")

	var out protocol.Batch
	if res.AckSuccess {
		out = append(out, frame.EncodeControl(frame.ControlFrame{
			Channel:       ev.Channel,
			TransactionID: ev.TransactionID,
			Result:        protocol.ResultSuccess,
		}))
		c.stats.AcksSent++
		observability.RecordAckEmitted(c.cfg.Role.String(), ev.Channel.String(), protocol.ResultSuccess.String())
	}
	for _, o := range res.Outbound {
		batch, err := c.sendLocked(o.Channel, o.Ack, o.Payload)
		if err != nil {
			c.logger.Error().Str("channel", o.Channel.String()).Int("bytes", len(o.Payload)).Err(err).Msg("response encode failed")
			continue
		}
		out = append(out, batch...)
	}
	return out
}

func (c *Conn) handleAck(cf frame.ControlFrame) {
	c.stats.AcksReceived++
	item, ok := c.acks.Resolve(cf.Channel, cf.TransactionID)
	level := zerolog.DebugLevel
	if cf.Result != protocol.ResultSuccess {
		level = zerolog.WarnLevel
	}
	c.logger.WithLevel(level).
		Str("channel", cf.Channel.String()).
		Uint8("txid", cf.TransactionID).
		Str("result", cf.Result.String()).
		Bool("tracked", ok).
		Int("bytes", item.Bytes).
		Msg("ack received")
	if c.onAck != nil {
		c.onAck(cf)
	}
}

func (c *Conn) expired(ev reassembly.Event) {
	c.stats.Expired++
	observability.RecordReassemblyFailure(c.cfg.Role.String(), ev.Channel.String(), protocol.Reason(ev.Err))
	c.logger.Warn().
		Str("channel", ev.Channel.String()).
		Uint8("txid", ev.TransactionID).
		Int("received", ev.Received).
		Int("declared", ev.Declared).
		Msg("transaction expired")
}

// Expire releases stale reassembly slots and returns how many were dropped,
// along with sent transactions whose ack never arrived.
func (c *Conn) Expire(now time.Time) (int, []PendingAck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil
	}
	events := c.table.Expire(now)
	for _, ev := range events {
		c.expired(ev)
	}
	lost := c.acks.Expire(now)
	for _, item := range lost {
		c.logger.Warn().
			Str("channel", item.Channel.String()).
			Uint8("txid", item.TransactionID).
			Time("queued_at", item.QueuedAt).
			Msg("ack timed out")
	}
	return len(events), lost
}

// Close drops all in-flight transactions. Later calls on c return ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	n := c.table.Reset()
	c.logger.Info().Int("dropped", n).Int("pending_acks", c.acks.Len()).Msg("link closed")
	return nil
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Role = c.cfg.Role.String()
	s.MTU = c.cfg.MTU
	s.MaxTransactionSize = c.cfg.MaxTransactionSize
	s.Closed = c.closed
	s.BufferedBytes = c.table.Buffered()
	s.PendingAcks = c.acks.Len()
	s.Slots = c.table.Snapshot()
	return s
}

func (c *Conn) PendingAcks() []PendingAck {
	return c.acks.List()
}

// VersionPacket returns the handshake packet advertising this side's limits.
func (c *Conn) VersionPacket() frame.VersionPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return frame.NewVersionPacket(uint16(c.cfg.MTU), uint16(c.cfg.MaxTransactionSize))
}

// Negotiate adopts the smaller of the local and peer limits. Transaction id
// counters carry over; it fails while a transaction is being reassembled.
func (c *Conn) Negotiate(peer frame.VersionPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if peer.Major != frame.VersionMajor {
		return fmt.Errorf("%w: major %d", protocol.ErrUnsupportedVersion, peer.Major)
	}
	if c.table.Buffered() > 0 {
		return fmt.Errorf("%w: transactions in flight", protocol.ErrInvalidArgument)
	}
	cfg := c.cfg
	cfg.MTU = min(cfg.MTU, int(peer.MTU))
	cfg.MaxTransactionSize = min(cfg.MaxTransactionSize, int(peer.MaxTransactionSize))
	if err := cfg.Validate(); err != nil {
		return err
	}
	enc, err := segment.NewEncoder(cfg.MTU, cfg.MaxTransactionSize)
	if err != nil {
		return err
	}
	table, err := reassembly.New(tableConfig(cfg))
	if err != nil {
		return err
	}
	*enc.Counters() = *c.enc.Counters()
	c.enc = enc
	c.table = table
	c.cfg = cfg
	c.logger.Info().
		Int("mtu", cfg.MTU).
		Int("max_transaction_size", cfg.MaxTransactionSize).
		Uint8("peer_minor", peer.Minor).
		Msg("link limits negotiated")
	return nil
}

func (c *Conn) trace(dir string, batch protocol.Batch) {
	for i, f := range batch {
		c.logger.Debug().Str("dir", dir).Int("index", i).Hex("fragment", f).Msg("fragment")
	}
}

// peerAcks reports whether the other side sends Success acks for ch.
func peerAcks(local protocol.Role, ch protocol.Channel) bool {
	peer := protocol.RolePeripheral
	if local == protocol.RolePeripheral {
		peer = protocol.RoleHost
	}
	route, err := dispatch.RouteFor(peer, ch)
	return err == nil && route.Acks()
}
