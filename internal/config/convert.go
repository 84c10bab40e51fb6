package config

import (
	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/protocol"
)

// LinkConfig applies the capture's role and limits on top of base.
func (c Capture) LinkConfig(base link.Config) (link.Config, error) {
	role, err := protocol.ParseRole(c.Role)
	if err != nil {
		return link.Config{}, err
	}
	base.Role = role
	if c.MTU != 0 {
		base.MTU = c.MTU
	}
	if c.MaxTransactionSize != 0 {
		base.MaxTransactionSize = c.MaxTransactionSize
	}
	return base, base.Validate()
}

// Decoded returns every delivery as raw bytes.
func (c Capture) Decoded() ([][]byte, error) {
	out := make([][]byte, 0, len(c.Deliveries))
	for _, d := range c.Deliveries {
		b, err := d.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
