package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/gadgetlink/internal/protocol"
)

const (
	PrefixLen             = 2
	InitialExtraLen       = 3
	ContinuationHeaderLen = PrefixLen + 1
	InitialHeaderLen      = PrefixLen + InitialExtraLen + 1
	ControlFrameLen       = 6
	MaxShortPayload       = 0xFF
)

// Bit layout of byte0 and byte1.
const (
	channelShift  = 4
	channelMask   = 0x0F
	txIDMask      = 0x0F
	seqShift      = 4
	seqMask       = 0x0F
	roleShift     = 2
	roleMask      = 0x03
	ackBit        = 1 << 1
	extendedBit   = 1 << 0
	lengthHighPos = 8
)

// Header is the decoded form of one fragment header.
type Header struct {
	Channel       protocol.Channel
	TransactionID uint8
	Sequence      uint8
	Role          protocol.FragmentRole
	Ack           bool
	Extended      bool
	// TotalLength is only carried by Initial fragments.
	TotalLength uint16
	// PayloadLength is absent on control frames.
	PayloadLength uint16
}

// Len returns the encoded header size in bytes.
func (h Header) Len() int {
	if h.Role == protocol.FragmentControl {
		return ControlFrameLen
	}
	n := ContinuationHeaderLen
	if h.Role == protocol.FragmentInitial {
		n += InitialExtraLen
	}
	if h.Extended {
		n++
	}
	return n
}

// Parsed is one fragment read from a transport delivery. Payload aliases the
// delivery buffer.
type Parsed struct {
	Header  Header
	Payload []byte
	Control ControlFrame
}

// IsControl reports whether the fragment is a standalone control frame.
func (p Parsed) IsControl() bool {
	return p.Header.Role == protocol.FragmentControl
}

// AppendHeader appends the wire encoding of h to dst. Control headers are
// written by AppendControl.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, encodePrefix(h)...)
	if h.Role == protocol.FragmentInitial {
		dst = append(dst, 0x00)
		dst = binary.BigEndian.AppendUint16(dst, h.TotalLength)
	}
	if h.Extended {
		dst = append(dst, byte(h.PayloadLength>>lengthHighPos))
	}
	return append(dst, byte(h.PayloadLength))
}

func EncodeHeader(h Header) []byte {
	return AppendHeader(make([]byte, 0, h.Len()), h)
}

func encodePrefix(h Header) []byte {
	b0 := (byte(h.Channel)&channelMask)<<channelShift | h.TransactionID&txIDMask
	b1 := (h.Sequence&seqMask)<<seqShift | (byte(h.Role)&roleMask)<<roleShift
	if h.Ack {
		b1 |= ackBit
	}
	if h.Extended {
		b1 |= extendedBit
	}
	return []byte{b0, b1}
}

// DecodePrefix decodes the two fixed leading bytes shared by every fragment.
func DecodePrefix(b []byte) (Header, error) {
	if len(b) < PrefixLen {
		return Header{}, fmt.Errorf("%w: prefix [%d/%d]", protocol.ErrInsufficientLength, len(b), PrefixLen)
	}
	return Header{
		Channel:       protocol.Channel((b[0] >> channelShift) & channelMask),
		TransactionID: b[0] & txIDMask,
		Sequence:      (b[1] >> seqShift) & seqMask,
		Role:          protocol.FragmentRole((b[1] >> roleShift) & roleMask),
		Ack:           b[1]&ackBit != 0,
		Extended:      b[1]&extendedBit != 0,
	}, nil
}

// ReadFragment parses the fragment at the head of b and returns it with the
// number of bytes it occupies.
//
// On ErrInsufficientLength the returned Parsed still carries whatever prefix
// fields were decoded, so the caller can address a failure ack. On
// ErrUnknownChannel or ErrMalformedControlFrame the fragment was fully sized
// and n is valid.
func ReadFragment(b []byte) (Parsed, int, error) {
	h, err := DecodePrefix(b)
	if err != nil {
		return Parsed{}, 0, err
	}
	if h.Role == protocol.FragmentControl {
		cf, err := decodeControlBody(h, b)
		if errors.Is(err, protocol.ErrMalformedControlFrame) {
			return Parsed{Header: h}, ControlFrameLen, err
		}
		if err != nil {
			return Parsed{Header: h}, 0, err
		}
		if !h.Channel.Valid() {
			return Parsed{Header: h, Control: cf}, ControlFrameLen, fmt.Errorf("%w: %d", protocol.ErrUnknownChannel, h.Channel)
		}
		return Parsed{Header: h, Control: cf}, ControlFrameLen, nil
	}

	off := PrefixLen
	if h.Role == protocol.FragmentInitial {
		if len(b)-off < InitialExtraLen {
			return Parsed{Header: h}, 0, fmt.Errorf("%w: initial header [%d/%d]", protocol.ErrInsufficientLength, len(b)-off, InitialExtraLen)
		}
		off++ // reserved
		h.TotalLength = binary.BigEndian.Uint16(b[off : off+2])
		off += 2
	}

	lenBytes := 1
	if h.Extended {
		lenBytes = 2
	}
	if len(b)-off < lenBytes {
		return Parsed{Header: h}, 0, fmt.Errorf("%w: payload length [%d/%d]", protocol.ErrInsufficientLength, len(b)-off, lenBytes)
	}
	if h.Extended {
		h.PayloadLength = binary.BigEndian.Uint16(b[off : off+2])
	} else {
		h.PayloadLength = uint16(b[off])
	}
	off += lenBytes

	if len(b)-off < int(h.PayloadLength) {
		return Parsed{Header: h}, 0, fmt.Errorf("%w: payload [%d/%d]", protocol.ErrInsufficientLength, len(b)-off, h.PayloadLength)
	}
	end := off + int(h.PayloadLength)
	p := Parsed{Header: h, Payload: b[off:end:end]}
	if !h.Channel.Valid() {
		return p, end, fmt.Errorf("%w: %d", protocol.ErrUnknownChannel, h.Channel)
	}
	return p, end, nil
}

// Split breaks a delivery into its fragments without interpreting them.
func Split(delivery []byte) (protocol.Batch, error) {
	var out protocol.Batch
	for off := 0; off < len(delivery); {
		_, n, err := ReadFragment(delivery[off:])
		if n == 0 {
			return out, err
		}
		frag := make(protocol.Fragment, n)
		copy(frag, delivery[off:off+n])
		out = append(out, frag)
		off += n
	}
	return out, nil
}
