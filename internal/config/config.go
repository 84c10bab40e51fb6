// Package config loads and writes capture files: recorded transport
// deliveries, hex encoded, replayed against a link.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/segment"
)

var ErrEmptyCapture = errors.New("capture has no deliveries")

type Capture struct {
	Name string `toml:"name"`
	// Role is the side the deliveries are fed to.
	Role               string     `toml:"role"`
	MTU                int        `toml:"mtu,omitempty"`
	MaxTransactionSize int        `toml:"max_transaction_size,omitempty"`
	Deliveries         []Delivery `toml:"deliveries"`
}

type Delivery struct {
	Note string `toml:"note,omitempty"`
	Hex  string `toml:"hex"`
}

// Bytes decodes d.Hex. Whitespace and colons between octets are ignored.
func (d Delivery) Bytes() ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, d.Hex)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty delivery")
	}
	return b, nil
}

// NewCapture records deliveries fed to role.
func NewCapture(name string, role protocol.Role, deliveries [][]byte) Capture {
	c := Capture{Name: name, Role: role.String()}
	for _, d := range deliveries {
		c.Deliveries = append(c.Deliveries, Delivery{Hex: FormatHex(d)})
	}
	return c
}

// FormatHex renders b as space separated octets.
func FormatHex(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", v)
	}
	return sb.String()
}

func LoadCapture(path string) (Capture, error) {
	var c Capture
	if err := loadToml(path, &c); err != nil {
		return Capture{}, err
	}
	if c.Name == "" {
		c.Name = "capture"
	}
	if c.Role == "" {
		c.Role = protocol.RolePeripheral.String()
	}
	if err := ValidateCapture(c); err != nil {
		return Capture{}, fmt.Errorf("capture invalid (%s): %w", path, err)
	}
	return c, nil
}

func WriteCapture(path string, c Capture, overwrite bool) error {
	if err := ValidateCapture(c); err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("capture already exists: %s", path)
		}
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("capture encode failed: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateCapture(c Capture) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("capture missing name")
	}
	if _, err := protocol.ParseRole(c.Role); err != nil {
		return err
	}
	if c.MTU != 0 && (c.MTU < segment.MinMTU || c.MTU > segment.MaxMTU) {
		return fmt.Errorf("mtu %d outside [%d, %d]", c.MTU, segment.MinMTU, segment.MaxMTU)
	}
	if c.MaxTransactionSize < 0 || c.MaxTransactionSize > protocol.MaxTransactionLength {
		return fmt.Errorf("max_transaction_size %d outside [1, %d]", c.MaxTransactionSize, protocol.MaxTransactionLength)
	}
	if len(c.Deliveries) == 0 {
		return ErrEmptyCapture
	}
	for i, d := range c.Deliveries {
		if _, err := d.Bytes(); err != nil {
			return fmt.Errorf("delivery[%d] invalid: %w", i, err)
		}
	}
	return nil
}
