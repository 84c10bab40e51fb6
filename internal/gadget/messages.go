package gadget

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
)

const TransportBLE uint32 = 1

// DeviceInformation field numbers.
const (
	fieldSerialNumber        protowire.Number = 1
	fieldName                protowire.Number = 2
	fieldSupportedTransports protowire.Number = 3
	fieldDeviceType          protowire.Number = 4
)

// DeviceFeatures field numbers.
const (
	fieldFeatures         protowire.Number = 1
	fieldDeviceAttributes protowire.Number = 2
)

// UpdateComponentSegment field numbers.
const (
	fieldComponentName    protowire.Number = 1
	fieldComponentOffset  protowire.Number = 2
	fieldSegmentSize      protowire.Number = 3
	fieldSegmentSignature protowire.Number = 4
)

// ApplyFirmware and FirmwareInformation field numbers.
const (
	fieldRestartRequired     protowire.Number = 1
	fieldFirmwareInformation protowire.Number = 2

	fieldFirmwareVersion     protowire.Number = 1
	fieldFirmwareName        protowire.Number = 2
	fieldFirmwareLocale      protowire.Number = 3
	fieldFirmwareVersionName protowire.Number = 4
)

type DeviceInformation struct {
	SerialNumber string   `json:"serial_number"`
	Name         string   `json:"name"`
	DeviceType   string   `json:"device_type"`
	Transports   []uint32 `json:"supported_transports"`
}

func (d DeviceInformation) Marshal() []byte {
	fields := []envelope.Field{
		envelope.StringField(fieldSerialNumber, d.SerialNumber),
		envelope.StringField(fieldName, d.Name),
	}
	if len(d.Transports) > 0 {
		var packed []byte
		for _, tr := range d.Transports {
			packed = protowire.AppendVarint(packed, uint64(tr))
		}
		fields = append(fields, envelope.BytesField(fieldSupportedTransports, packed))
	}
	fields = append(fields, envelope.StringField(fieldDeviceType, d.DeviceType))
	return envelope.EncodeFields(fields)
}

func UnmarshalDeviceInformation(b []byte) (DeviceInformation, error) {
	fields, err := envelope.DecodeFields(b)
	if err != nil {
		return DeviceInformation{}, err
	}
	var d DeviceInformation
	for _, f := range fields {
		switch f.Number {
		case fieldSerialNumber:
			d.SerialNumber = string(f.Value)
		case fieldName:
			d.Name = string(f.Value)
		case fieldDeviceType:
			d.DeviceType = string(f.Value)
		case fieldSupportedTransports:
			if f.Type == protowire.VarintType {
				v, _ := f.Uint()
				d.Transports = append(d.Transports, uint32(v))
				continue
			}
			for rest := f.Value; len(rest) > 0; {
				v, n := protowire.ConsumeVarint(rest)
				if n < 0 {
					return DeviceInformation{}, fmt.Errorf("%w: supported_transports: %v", envelope.ErrMalformed, protowire.ParseError(n))
				}
				d.Transports = append(d.Transports, uint32(v))
				rest = rest[n:]
			}
		}
	}
	return d, nil
}

type DeviceFeatures struct {
	Features   uint64 `json:"features"`
	Attributes uint64 `json:"device_attributes"`
}

func (d DeviceFeatures) Marshal() []byte {
	var fields []envelope.Field
	if d.Features != 0 {
		fields = append(fields, envelope.VarintField(fieldFeatures, d.Features))
	}
	if d.Attributes != 0 {
		fields = append(fields, envelope.VarintField(fieldDeviceAttributes, d.Attributes))
	}
	return envelope.EncodeFields(fields)
}

func UnmarshalDeviceFeatures(b []byte) (DeviceFeatures, error) {
	fields, err := envelope.DecodeFields(b)
	if err != nil {
		return DeviceFeatures{}, err
	}
	var d DeviceFeatures
	if f, ok := envelope.GetField(fields, fieldFeatures); ok {
		d.Features, _ = f.Uint()
	}
	if f, ok := envelope.GetField(fields, fieldDeviceAttributes); ok {
		d.Attributes, _ = f.Uint()
	}
	return d, nil
}

type ComponentSegment struct {
	ComponentName string `json:"component_name"`
	Offset        uint32 `json:"component_offset"`
	Size          uint32 `json:"segment_size"`
	Signature     []byte `json:"segment_signature"`
}

func (s ComponentSegment) Marshal() []byte {
	return envelope.EncodeFields([]envelope.Field{
		envelope.StringField(fieldComponentName, s.ComponentName),
		envelope.VarintField(fieldComponentOffset, uint64(s.Offset)),
		envelope.VarintField(fieldSegmentSize, uint64(s.Size)),
		envelope.BytesField(fieldSegmentSignature, s.Signature),
	})
}

func UnmarshalComponentSegment(b []byte) (ComponentSegment, error) {
	fields, err := envelope.DecodeFields(b)
	if err != nil {
		return ComponentSegment{}, err
	}
	var s ComponentSegment
	for _, f := range fields {
		switch f.Number {
		case fieldComponentName:
			s.ComponentName = string(f.Value)
		case fieldComponentOffset:
			v, _ := f.Uint()
			s.Offset = uint32(v)
		case fieldSegmentSize:
			v, _ := f.Uint()
			s.Size = uint32(v)
		case fieldSegmentSignature:
			s.Signature = f.Value
		}
	}
	return s, nil
}

type Firmware struct {
	Name            string `json:"name"`
	VersionName     string `json:"version_name"`
	Locale          string `json:"locale"`
	Version         uint32 `json:"version"`
	RestartRequired bool   `json:"restart_required"`
}

func (fw Firmware) Marshal() []byte {
	info := envelope.EncodeFields([]envelope.Field{
		envelope.VarintField(fieldFirmwareVersion, uint64(fw.Version)),
		envelope.StringField(fieldFirmwareName, fw.Name),
		envelope.StringField(fieldFirmwareLocale, fw.Locale),
		envelope.StringField(fieldFirmwareVersionName, fw.VersionName),
	})
	restart := uint64(0)
	if fw.RestartRequired {
		restart = 1
	}
	return envelope.EncodeFields([]envelope.Field{
		envelope.VarintField(fieldRestartRequired, restart),
		envelope.BytesField(fieldFirmwareInformation, info),
	})
}

func UnmarshalFirmware(b []byte) (Firmware, error) {
	fields, err := envelope.DecodeFields(b)
	if err != nil {
		return Firmware{}, err
	}
	var fw Firmware
	if f, ok := envelope.GetField(fields, fieldRestartRequired); ok {
		v, _ := f.Uint()
		fw.RestartRequired = v != 0
	}
	f, ok := envelope.GetField(fields, fieldFirmwareInformation)
	if !ok {
		return fw, nil
	}
	info, err := envelope.DecodeFields(f.Value)
	if err != nil {
		return Firmware{}, fmt.Errorf("firmware_information: %w", err)
	}
	for _, f := range info {
		switch f.Number {
		case fieldFirmwareVersion:
			v, _ := f.Uint()
			fw.Version = uint32(v)
		case fieldFirmwareName:
			fw.Name = string(f.Value)
		case fieldFirmwareLocale:
			fw.Locale = string(f.Value)
		case fieldFirmwareVersionName:
			fw.VersionName = string(f.Value)
		}
	}
	return fw, nil
}

// Command payloads a host sends on the control channel.

func GetDeviceInformation() []byte {
	return envelope.Marshal(envelope.NewCommand(envelope.CommandGetDeviceInformation))
}

func GetDeviceFeatures() []byte {
	return envelope.Marshal(envelope.NewCommand(envelope.CommandGetDeviceFeatures))
}

func UpdateComponentSegment(s ComponentSegment) []byte {
	return envelope.Marshal(envelope.NewCommand(envelope.CommandUpdateComponentSegment,
		envelope.BytesField(envelope.FieldUpdateComponentSegment, s.Marshal())))
}

func ApplyFirmware(fw Firmware) []byte {
	return envelope.Marshal(envelope.NewCommand(envelope.CommandApplyFirmware,
		envelope.BytesField(envelope.FieldApplyFirmware, fw.Marshal())))
}
