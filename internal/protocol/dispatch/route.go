package dispatch

import (
	"fmt"

	"github.com/danmuck/gadgetlink/internal/protocol"
)

// Route is one (role, channel) pair. Every completed transaction resolves to
// exactly one Route.
type Route uint8

const (
	RouteHostControl Route = iota
	RouteHostFirmware
	RouteHostApplication
	RoutePeripheralControl
	RoutePeripheralFirmware
	RoutePeripheralApplication
)

func RouteFor(role protocol.Role, ch protocol.Channel) (Route, error) {
	idx, ok := ch.Index()
	if !ok {
		return 0, fmt.Errorf("%w: %d", protocol.ErrUnknownChannel, ch)
	}
	switch role {
	case protocol.RoleHost:
		return RouteHostControl + Route(idx), nil
	case protocol.RolePeripheral:
		return RoutePeripheralControl + Route(idx), nil
	default:
		return 0, fmt.Errorf("%w: role %d", protocol.ErrInvalidArgument, role)
	}
}

func (r Route) Role() protocol.Role {
	if r >= RoutePeripheralControl {
		return protocol.RolePeripheral
	}
	return protocol.RoleHost
}

func (r Route) Channel() protocol.Channel {
	return protocol.Channels[int(r)%protocol.NumChannels]
}

// Acks reports whether the local side sends Success acks for transactions on
// r. Host routes and the firmware stub never do.
func (r Route) Acks() bool {
	switch r {
	case RoutePeripheralControl, RoutePeripheralApplication:
		return true
	case RoutePeripheralFirmware, RouteHostControl, RouteHostFirmware, RouteHostApplication:
		return false
	default:
		return false
	}
}

func (r Route) String() string {
	return r.Role().String() + "/" + r.Channel().String()
}
