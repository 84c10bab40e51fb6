package protocol

import (
	"fmt"
	"strings"
)

// Channel is the 4-bit logical stream id carried in byte0 of every fragment.
type Channel uint8

const (
	ChannelControl        Channel = 0
	ChannelFirmwareUpdate Channel = 2
	ChannelApplication    Channel = 6
)

// NumChannels is the number of valid channels, and so of reassembly slots.
const NumChannels = 3

// Channels lists the valid channels in slot order.
var Channels = [NumChannels]Channel{ChannelControl, ChannelFirmwareUpdate, ChannelApplication}

// Index maps a channel to its slot index.
func (c Channel) Index() (int, bool) {
	switch c {
	case ChannelControl:
		return 0, true
	case ChannelFirmwareUpdate:
		return 1, true
	case ChannelApplication:
		return 2, true
	default:
		return -1, false
	}
}

func (c Channel) Valid() bool {
	_, ok := c.Index()
	return ok
}

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelFirmwareUpdate:
		return "firmware"
	case ChannelApplication:
		return "application"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// ParseChannel accepts the names produced by Channel.String, in any case.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "control":
		return ChannelControl, nil
	case "firmware", "ota":
		return ChannelFirmwareUpdate, nil
	case "application", "alexa":
		return ChannelApplication, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
}

// FragmentRole is the 2-bit transaction type field of byte1.
type FragmentRole uint8

const (
	FragmentInitial      FragmentRole = 0
	FragmentContinuation FragmentRole = 1
	FragmentFinal        FragmentRole = 2
	FragmentControl      FragmentRole = 3
)

func (r FragmentRole) String() string {
	switch r {
	case FragmentInitial:
		return "initial"
	case FragmentContinuation:
		return "continuation"
	case FragmentFinal:
		return "final"
	case FragmentControl:
		return "control"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Role is the side of the connection the local participant plays.
type Role uint8

const (
	RoleHost Role = iota
	RolePeripheral
)

func (r Role) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "host"
}

// ParseRole accepts "host" and "peripheral", or their aliases "echo" and "gadget".
func ParseRole(s string) (Role, error) {
	switch s {
	case "host", "echo":
		return RoleHost, nil
	case "peripheral", "gadget":
		return RolePeripheral, nil
	default:
		return 0, fmt.Errorf("%w: role %q", ErrInvalidArgument, s)
	}
}

// Result is the control frame result code.
type Result uint8

const (
	ResultSuccess     Result = 0
	ResultFailure     Result = 1
	ResultUnsupported Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

const (
	// TransactionIDMask and SequenceMask bound the 4-bit counters.
	TransactionIDMask = 0x0F
	SequenceMask      = 0x0F

	// MaxTransactionLength is the ceiling imposed by the 16-bit total length field.
	MaxTransactionLength = 0xFFFF
)

// Fragment is one unit handed to or received from the transport.
type Fragment []byte

// Batch is an ordered run of fragments. A batch returned by the encoder or a
// connection is freshly allocated and owned by the caller.
type Batch []Fragment

// Size returns the total number of bytes across all fragments.
func (b Batch) Size() int {
	n := 0
	for _, f := range b {
		n += len(f)
	}
	return n
}

// Bytes concatenates the batch into a single transport delivery.
func (b Batch) Bytes() []byte {
	out := make([]byte, 0, b.Size())
	for _, f := range b {
		out = append(out, f...)
	}
	return out
}
