// Package segment splits outbound messages into MTU-sized fragments.
package segment

import (
	"fmt"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
)

const (
	MinMTU = frame.InitialHeaderLen + 1
	MaxMTU = 0xFFFF
)

// Counters issues transaction ids, one independent 4-bit counter per channel.
// The zero value starts every channel at id 0.
type Counters struct {
	next [protocol.NumChannels]uint8
}

// Next returns the id for a new transaction on ch and advances its counter.
func (c *Counters) Next(ch protocol.Channel) (uint8, error) {
	idx, ok := ch.Index()
	if !ok {
		return 0, fmt.Errorf("%w: %d", protocol.ErrUnknownChannel, ch)
	}
	id := c.next[idx]
	c.next[idx] = (id + 1) & protocol.TransactionIDMask
	return id, nil
}

// Peek returns the id the next transaction on ch will use.
func (c *Counters) Peek(ch protocol.Channel) uint8 {
	idx, ok := ch.Index()
	if !ok {
		return 0
	}
	return c.next[idx]
}

// Encoder fragments messages for one connection.
type Encoder struct {
	mtu            int
	maxTransaction int
	counters       Counters
}

func NewEncoder(mtu, maxTransaction int) (*Encoder, error) {
	if mtu < MinMTU || mtu > MaxMTU {
		return nil, fmt.Errorf("%w: mtu %d outside [%d, %d]", protocol.ErrInvalidArgument, mtu, MinMTU, MaxMTU)
	}
	if maxTransaction < 1 || maxTransaction > protocol.MaxTransactionLength {
		return nil, fmt.Errorf("%w: max transaction size %d outside [1, %d]", protocol.ErrInvalidArgument, maxTransaction, protocol.MaxTransactionLength)
	}
	return &Encoder{mtu: mtu, maxTransaction: maxTransaction}, nil
}

func (e *Encoder) MTU() int            { return e.mtu }
func (e *Encoder) MaxTransaction() int { return e.maxTransaction }

// Counters exposes the per-channel transaction id state.
func (e *Encoder) Counters() *Counters { return &e.counters }

// Encode splits payload into an ordered batch of fragments for ch. A payload
// that fits one fragment is emitted with the Initial role, never Final.
func (e *Encoder) Encode(ch protocol.Channel, ack bool, payload []byte) (protocol.Batch, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: channel %d", protocol.ErrInvalidArgument, ch)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", protocol.ErrInvalidArgument)
	}
	if len(payload) > e.maxTransaction {
		return nil, fmt.Errorf("%w: payload %d exceeds max transaction size %d", protocol.ErrInvalidArgument, len(payload), e.maxTransaction)
	}

	txID, err := e.counters.Next(ch)
	if err != nil {
		return nil, err
	}

	out := make(protocol.Batch, 0, e.estimateFragments(len(payload)))
	var seq uint8
	for off := 0; off < len(payload); {
		remaining := len(payload) - off
		h := fragmentHeader(ch, txID, seq, ack, off == 0)
		h.TotalLength = uint16(len(payload))

		chunk := min(e.mtu-h.Len(), remaining)
		if chunk > frame.MaxShortPayload {
			h.Extended = true
			if chunk > e.mtu-h.Len() {
				chunk--
			}
			if chunk <= frame.MaxShortPayload {
				h.Extended = false
			}
		}
		if h.Role == protocol.FragmentContinuation && chunk == remaining {
			h.Role = protocol.FragmentFinal
		}
		h.PayloadLength = uint16(chunk)

		frag := make(protocol.Fragment, 0, h.Len()+chunk)
		frag = frame.AppendHeader(frag, h)
		frag = append(frag, payload[off:off+chunk]...)
		out = append(out, frag)

		off += chunk
		seq = (seq + 1) & protocol.SequenceMask
	}
	return out, nil
}

// fragmentHeader returns the starting header for one fragment of a transaction.
func fragmentHeader(ch protocol.Channel, txID, seq uint8, ack, first bool) frame.Header {
	role := protocol.FragmentContinuation
	if first {
		role = protocol.FragmentInitial
	}
	return frame.Header{
		Channel:       ch,
		TransactionID: txID,
		Sequence:      seq,
		Role:          role,
		Ack:           ack,
	}
}

func (e *Encoder) estimateFragments(n int) int {
	per := e.mtu - frame.ContinuationHeaderLen
	if per <= 0 {
		return 1
	}
	return n/per + 2
}
