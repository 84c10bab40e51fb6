package gadget

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
)

// Alexa.Discovery Discover directive, as the host sends it.
var discoveryDirective = []byte{
	0x0a, 0x1d, 0x0a, 0x1b, 0x0a, 0x0f, 0x41, 0x6c, 0x65, 0x78, 0x61, 0x2e, 0x44, 0x69, 0x73, 0x63,
	0x6f, 0x76, 0x65, 0x72, 0x79, 0x12, 0x08, 0x44, 0x69, 0x73, 0x63, 0x6f, 0x76, 0x65, 0x72,
}

// Discover.Response event describing a gadget with three test interfaces.
var discoveryResponse = []byte{
	0x0a, 0xf2, 0x01, 0x0a, 0x24, 0x0a, 0x0f, 0x41, 0x6c, 0x65, 0x78, 0x61, 0x2e, 0x44, 0x69, 0x73,
	0x63, 0x6f, 0x76, 0x65, 0x72, 0x79, 0x12, 0x11, 0x44, 0x69, 0x73, 0x63, 0x6f, 0x76, 0x65, 0x72,
	0x2e, 0x52, 0x65, 0x73, 0x70, 0x6f, 0x6e, 0x73, 0x65, 0x12, 0xc9, 0x01, 0x0a, 0xc6, 0x01, 0x0a,
	0x07, 0x74, 0x65, 0x73, 0x74, 0x20, 0x69, 0x64, 0x12, 0x0d, 0x66, 0x72, 0x69, 0x65, 0x6e, 0x64,
	0x6c, 0x79, 0x20, 0x6e, 0x61, 0x6d, 0x65, 0x5a, 0x24, 0x0a, 0x0b, 0x74, 0x65, 0x73, 0x74, 0x20,
	0x74, 0x79, 0x70, 0x65, 0x20, 0x31, 0x12, 0x10, 0x54, 0x65, 0x73, 0x74, 0x20, 0x69, 0x6e, 0x74,
	0x65, 0x72, 0x66, 0x61, 0x63, 0x65, 0x20, 0x31, 0x1a, 0x03, 0x31, 0x2e, 0x30, 0x5a, 0x24, 0x0a,
	0x0b, 0x74, 0x65, 0x73, 0x74, 0x20, 0x74, 0x79, 0x70, 0x65, 0x20, 0x32, 0x12, 0x10, 0x54, 0x65,
	0x73, 0x74, 0x20, 0x69, 0x6e, 0x74, 0x65, 0x72, 0x66, 0x61, 0x63, 0x65, 0x20, 0x32, 0x1a, 0x03,
	0x31, 0x2e, 0x30, 0x5a, 0x24, 0x0a, 0x0b, 0x74, 0x65, 0x73, 0x74, 0x20, 0x74, 0x79, 0x70, 0x65,
	0x20, 0x33, 0x12, 0x10, 0x54, 0x65, 0x73, 0x74, 0x20, 0x69, 0x6e, 0x74, 0x65, 0x72, 0x66, 0x61,
	0x63, 0x65, 0x20, 0x33, 0x1a, 0x03, 0x31, 0x2e, 0x31, 0x62, 0x3a, 0x0a, 0x02, 0x31, 0x39, 0x12,
	0x09, 0x78, 0x78, 0x78, 0x78, 0x78, 0x78, 0x78, 0x78, 0x78, 0x1a, 0x03, 0x79, 0x79, 0x79, 0x22,
	0x07, 0x61, 0x61, 0x62, 0x62, 0x63, 0x63, 0x64, 0x2a, 0x0f, 0x6d, 0x6f, 0x63, 0x6b, 0x20, 0x6d,
	0x6f, 0x64, 0x65, 0x6c, 0x20, 0x6e, 0x61, 0x6d, 0x65, 0x32, 0x0a, 0x31, 0x32, 0x33, 0x34, 0x35,
	0x36, 0x37, 0x38, 0x39, 0x30,
}

func DiscoveryDirective() []byte { return append([]byte(nil), discoveryDirective...) }

// CapturedDeliveries returns two control deliveries recorded from a host:
// GetDeviceInformation (txid 0) and GetDeviceFeatures (txid 2).
func CapturedDeliveries() [][]byte {
	return [][]byte{
		{0x00, 0x00, 0x00, 0x00, 0x02, 0x02, 0x08, 0x14},
		{0x02, 0x00, 0x00, 0x00, 0x02, 0x02, 0x08, 0x1c},
	}
}

var ErrUnexpectedReply = errors.New("gadget: host replied to a response")

// Step is one request and everything it caused on the wire.
type Step struct {
	Name      string
	Request   protocol.Batch
	Response  protocol.Batch
	HostReply protocol.Batch
}

// Sample wires a host and a peripheral back to back in memory.
type Sample struct {
	Host           *Host
	Peripheral     *Peripheral
	HostConn       *link.Conn
	PeripheralConn *link.Conn
}

func NewSample(cfg link.Config, profile Profile, logger zerolog.Logger) (*Sample, error) {
	s := &Sample{
		Host:       NewHost(logger.With().Str("side", "host").Logger()),
		Peripheral: NewPeripheral(profile, logger.With().Str("side", "peripheral").Logger()),
	}
	hostCfg, periphCfg := cfg, cfg
	hostCfg.Role = protocol.RoleHost
	periphCfg.Role = protocol.RolePeripheral

	var err error
	s.HostConn, err = link.New(hostCfg, s.Host.Handlers(),
		link.WithLogger(logger.With().Str("link", "host").Logger()))
	if err != nil {
		return nil, err
	}
	s.PeripheralConn, err = link.New(periphCfg, s.Peripheral.Handlers(),
		link.WithLogger(logger.With().Str("link", "peripheral").Logger()))
	if err != nil {
		return nil, err
	}

	// The peripheral advertises first; both sides settle on the smaller limits.
	vp, err := frame.DecodeVersion(frame.EncodeVersion(s.PeripheralConn.VersionPacket()))
	if err != nil {
		return nil, err
	}
	if err := s.HostConn.Negotiate(vp); err != nil {
		return nil, err
	}
	if err := s.PeripheralConn.Negotiate(s.HostConn.VersionPacket()); err != nil {
		return nil, err
	}
	return s, nil
}

// Exchange sends payload from the host and carries the peripheral's output
// back. The host never answers a response, so any host output is an error.
func (s *Sample) Exchange(name string, ch protocol.Channel, ack bool, payload []byte) (Step, error) {
	req, err := s.HostConn.Send(ch, ack, payload)
	if err != nil {
		return Step{}, fmt.Errorf("%s: send: %w", name, err)
	}
	return s.deliver(name, req, func() (protocol.Batch, error) {
		return s.PeripheralConn.ReceiveBatch(req)
	})
}

// Replay feeds raw host deliveries straight to the peripheral.
func (s *Sample) Replay(name string, deliveries [][]byte) (Step, error) {
	req := make(protocol.Batch, 0, len(deliveries))
	for _, d := range deliveries {
		req = append(req, protocol.Fragment(d))
	}
	return s.deliver(name, req, func() (protocol.Batch, error) {
		var out protocol.Batch
		var errs []error
		for _, d := range deliveries {
			o, err := s.PeripheralConn.Receive(d)
			out = append(out, o...)
			if err != nil {
				errs = append(errs, err)
			}
		}
		return out, errors.Join(errs...)
	})
}

func (s *Sample) deliver(name string, req protocol.Batch, receive func() (protocol.Batch, error)) (Step, error) {
	step := Step{Name: name, Request: req}
	resp, err := receive()
	step.Response = resp
	if err != nil {
		return step, fmt.Errorf("%s: peripheral receive: %w", name, err)
	}
	reply, err := s.HostConn.ReceiveBatch(resp)
	step.HostReply = reply
	if err != nil {
		return step, fmt.Errorf("%s: host receive: %w", name, err)
	}
	var data int
	for _, f := range reply {
		if p, _, err := frame.ReadFragment(f); err != nil || !p.IsControl() {
			data++
		}
	}
	if data > 0 {
		return step, fmt.Errorf("%w: %s produced %d fragments", ErrUnexpectedReply, name, data)
	}
	// Control frames from the host are Failure replies; hand them back.
	if len(reply) > 0 {
		if _, err := s.PeripheralConn.ReceiveBatch(reply); err != nil {
			return step, fmt.Errorf("%s: peripheral ack receive: %w", name, err)
		}
	}
	return step, nil
}

// Run executes the reference exchanges in order and stops at the first error.
func (s *Sample) Run() ([]Step, error) {
	exchanges := []struct {
		name    string
		ch      protocol.Channel
		ack     bool
		payload []byte
	}{
		{"GetDeviceInformation", protocol.ChannelControl, false, GetDeviceInformation()},
		{"GetDeviceFeatures", protocol.ChannelControl, false, GetDeviceFeatures()},
		{"UpdateComponentSegment", protocol.ChannelControl, true, UpdateComponentSegment(ComponentSegment{
			ComponentName: "ComponentName",
			Size:          1024,
			Signature:     bytes.Repeat([]byte{0xAA}, 32),
		})},
		{"ApplyFirmware", protocol.ChannelControl, true, ApplyFirmware(Firmware{
			Name:            "FirmwareName",
			VersionName:     "Version 12",
			Locale:          "enUS",
			Version:         12,
			RestartRequired: true,
		})},
		{"AlexaDiscovery", protocol.ChannelApplication, false, DiscoveryDirective()},
	}
	var steps []Step
	for _, ex := range exchanges {
		step, err := s.Exchange(ex.name, ex.ch, ex.ack, ex.payload)
		steps = append(steps, step)
		if err != nil {
			return steps, err
		}
	}
	step, err := s.Replay("TestMyPacketCaptures", CapturedDeliveries())
	steps = append(steps, step)
	return steps, err
}
