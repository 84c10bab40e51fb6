package link

import (
	"fmt"
	"time"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/segment"
)

// Config defines one connection's negotiated limits and timeouts.
type Config struct {
	Role               protocol.Role
	MTU                int
	MaxTransactionSize int
	// MaxBufferedBytes caps reassembly memory across all channels; zero
	// derives it from MaxTransactionSize.
	MaxBufferedBytes   int
	TransactionTimeout time.Duration
	AckTimeout         time.Duration
}

// DefaultConfig returns the peripheral defaults advertised in the version packet.
func DefaultConfig() Config {
	return Config{
		Role:               protocol.RolePeripheral,
		MTU:                128,
		MaxTransactionSize: 5000,
		TransactionTimeout: 30 * time.Second,
		AckTimeout:         20 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Role != protocol.RoleHost && c.Role != protocol.RolePeripheral {
		return fmt.Errorf("%w: role %d", protocol.ErrInvalidArgument, c.Role)
	}
	if c.MTU < segment.MinMTU || c.MTU > segment.MaxMTU {
		return fmt.Errorf("%w: mtu %d outside [%d, %d]", protocol.ErrInvalidArgument, c.MTU, segment.MinMTU, segment.MaxMTU)
	}
	if c.MaxTransactionSize < 1 || c.MaxTransactionSize > protocol.MaxTransactionLength {
		return fmt.Errorf("%w: max transaction size %d", protocol.ErrInvalidArgument, c.MaxTransactionSize)
	}
	if c.MaxBufferedBytes < 0 || c.TransactionTimeout < 0 || c.AckTimeout < 0 {
		return fmt.Errorf("%w: negative limit", protocol.ErrInvalidArgument)
	}
	return nil
}
