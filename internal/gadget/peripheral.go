// Package gadget holds reference handler sets for both sides of a link: a
// peripheral that answers device queries and firmware commands, and a host
// that records what it hears back.
package gadget

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/gadgetlink/internal/protocol/dispatch"
	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
)

// Profile is what a peripheral reports about itself.
type Profile struct {
	Info     DeviceInformation
	Features DeviceFeatures
	// DiscoveryResponse is returned for every application directive.
	DiscoveryResponse []byte
}

func DefaultProfile() Profile {
	return Profile{
		Info: DeviceInformation{
			SerialNumber: "aabbccd",
			Name:         "GadgetName",
			DeviceType:   "wxyz",
			Transports:   []uint32{TransportBLE},
		},
		Features:          DeviceFeatures{Features: 0x13},
		DiscoveryResponse: append([]byte(nil), discoveryResponse...),
	}
}

// Peripheral answers control commands from a Profile and records firmware
// traffic and application directives.
type Peripheral struct {
	profile Profile
	logger  zerolog.Logger

	mu            sync.Mutex
	segments      []ComponentSegment
	applied       []Firmware
	directives    [][]byte
	firmwareBytes int
}

func NewPeripheral(profile Profile, logger zerolog.Logger) *Peripheral {
	return &Peripheral{profile: profile, logger: logger}
}

func (p *Peripheral) Handlers() dispatch.Handlers {
	return dispatch.Handlers{
		Commands: map[envelope.Command]dispatch.CommandHandler{
			envelope.CommandGetDeviceInformation:   p.deviceInformation,
			envelope.CommandGetDeviceFeatures:      p.deviceFeatures,
			envelope.CommandUpdateComponentSegment: p.updateComponentSegment,
			envelope.CommandApplyFirmware:          p.applyFirmware,
		},
		Application: p.directive,
		Firmware:    p.firmware,
	}
}

func (p *Peripheral) deviceInformation(env envelope.ControlEnvelope) ([]envelope.ControlEnvelope, error) {
	return []envelope.ControlEnvelope{
		envelope.NewResponse(env.Command, envelope.ErrorSuccess,
			envelope.BytesField(envelope.FieldDeviceInformation, p.profile.Info.Marshal())),
	}, nil
}

func (p *Peripheral) deviceFeatures(env envelope.ControlEnvelope) ([]envelope.ControlEnvelope, error) {
	return []envelope.ControlEnvelope{
		envelope.NewResponse(env.Command, envelope.ErrorSuccess,
			envelope.BytesField(envelope.FieldDeviceFeatures, p.profile.Features.Marshal())),
	}, nil
}

func (p *Peripheral) updateComponentSegment(env envelope.ControlEnvelope) ([]envelope.ControlEnvelope, error) {
	body, _ := env.Payload(envelope.FieldUpdateComponentSegment)
	seg, err := UnmarshalComponentSegment(body)
	if err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("component", seg.ComponentName).
		Uint32("offset", seg.Offset).
		Uint32("size", seg.Size).
		Hex("signature", seg.Signature).
		Msg("component segment update")
	p.mu.Lock()
	p.segments = append(p.segments, seg)
	p.mu.Unlock()
	return []envelope.ControlEnvelope{envelope.NewResponse(env.Command, envelope.ErrorSuccess)}, nil
}

func (p *Peripheral) applyFirmware(env envelope.ControlEnvelope) ([]envelope.ControlEnvelope, error) {
	body, _ := env.Payload(envelope.FieldApplyFirmware)
	fw, err := UnmarshalFirmware(body)
	if err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("name", fw.Name).
		Str("version_name", fw.VersionName).
		Str("locale", fw.Locale).
		Uint32("version", fw.Version).
		Bool("restart_required", fw.RestartRequired).
		Msg("apply firmware")
	p.mu.Lock()
	p.applied = append(p.applied, fw)
	p.mu.Unlock()
	return []envelope.ControlEnvelope{envelope.NewResponse(env.Command, envelope.ErrorSuccess)}, nil
}

func (p *Peripheral) directive(c dispatch.Completion) ([][]byte, error) {
	p.logger.Info().Int("bytes", len(c.Payload)).Hex("directive", c.Payload).Msg("application directive")
	p.mu.Lock()
	p.directives = append(p.directives, append([]byte(nil), c.Payload...))
	p.mu.Unlock()
	if len(p.profile.DiscoveryResponse) == 0 {
		return nil, nil
	}
	return [][]byte{p.profile.DiscoveryResponse}, nil
}

// firmware only counts bytes; the firmware channel has no protocol of its own yet.
func (p *Peripheral) firmware(c dispatch.Completion) ([][]byte, error) {
	p.mu.Lock()
	p.firmwareBytes += len(c.Payload)
	p.mu.Unlock()
	p.logger.Debug().Int("bytes", len(c.Payload)).Msg("firmware channel payload")
	return nil, nil
}

func (p *Peripheral) Segments() []ComponentSegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ComponentSegment(nil), p.segments...)
}

func (p *Peripheral) Applied() []Firmware {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Firmware(nil), p.applied...)
}

func (p *Peripheral) Directives() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.directives...)
}

func (p *Peripheral) FirmwareBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firmwareBytes
}
