package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/gadgetlink/internal/protocol"
)

const (
	VersionPacketLen   = 20
	ProtocolIdentifier = 0xFE03
	VersionMajor       = 3
	VersionMinor       = 0
)

// VersionPacket is the handshake packet the peripheral sends after the link
// comes up, advertising its MTU and transaction size limits.
type VersionPacket struct {
	Major              uint8
	Minor              uint8
	MTU                uint16
	MaxTransactionSize uint16
}

func NewVersionPacket(mtu, maxTransaction uint16) VersionPacket {
	return VersionPacket{
		Major:              VersionMajor,
		Minor:              VersionMinor,
		MTU:                mtu,
		MaxTransactionSize: maxTransaction,
	}
}

func EncodeVersion(v VersionPacket) []byte {
	buf := make([]byte, VersionPacketLen)
	binary.BigEndian.PutUint16(buf[0:2], ProtocolIdentifier)
	buf[2] = v.Major
	buf[3] = v.Minor
	binary.BigEndian.PutUint16(buf[4:6], v.MTU)
	binary.BigEndian.PutUint16(buf[6:8], v.MaxTransactionSize)
	return buf
}

func DecodeVersion(b []byte) (VersionPacket, error) {
	if len(b) < VersionPacketLen {
		return VersionPacket{}, fmt.Errorf("%w: version packet [%d/%d]", protocol.ErrInsufficientLength, len(b), VersionPacketLen)
	}
	if id := binary.BigEndian.Uint16(b[0:2]); id != ProtocolIdentifier {
		return VersionPacket{}, fmt.Errorf("%w: identifier 0x%04x", protocol.ErrUnsupportedVersion, id)
	}
	v := VersionPacket{
		Major:              b[2],
		Minor:              b[3],
		MTU:                binary.BigEndian.Uint16(b[4:6]),
		MaxTransactionSize: binary.BigEndian.Uint16(b[6:8]),
	}
	if v.Major != VersionMajor {
		return VersionPacket{}, fmt.Errorf("%w: major %d", protocol.ErrUnsupportedVersion, v.Major)
	}
	return v, nil
}
