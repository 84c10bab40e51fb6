package frame

import (
	"fmt"

	"github.com/danmuck/gadgetlink/internal/protocol"
)

const (
	controlBodyLen  = 2
	controlReserved = 1
)

// ControlFrame is the fixed 6-byte acknowledgment fragment.
type ControlFrame struct {
	Channel       protocol.Channel
	TransactionID uint8
	Result        protocol.Result
}

// AppendControl appends the wire encoding of cf to dst. The ack bit is set
// only for a Success result.
func AppendControl(dst []byte, cf ControlFrame) []byte {
	h := Header{
		Channel:       cf.Channel,
		TransactionID: cf.TransactionID,
		Role:          protocol.FragmentControl,
		Ack:           cf.Result == protocol.ResultSuccess,
	}
	dst = append(dst, encodePrefix(h)...)
	return append(dst, 0x00, controlBodyLen, controlReserved, byte(cf.Result))
}

// EncodeControl returns cf as a standalone fragment.
func EncodeControl(cf ControlFrame) protocol.Fragment {
	return AppendControl(make([]byte, 0, ControlFrameLen), cf)
}

func decodeControlBody(h Header, b []byte) (ControlFrame, error) {
	if len(b) < ControlFrameLen {
		return ControlFrame{}, fmt.Errorf("%w: control frame [%d/%d]", protocol.ErrInsufficientLength, len(b), ControlFrameLen)
	}
	if b[3] != controlBodyLen {
		return ControlFrame{}, fmt.Errorf("%w: length %d", protocol.ErrMalformedControlFrame, b[3])
	}
	return ControlFrame{
		Channel:       h.Channel,
		TransactionID: h.TransactionID,
		Result:        protocol.Result(b[5]),
	}, nil
}
