package gadget

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/dispatch"
	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
)

// Report is one control response a Host has seen.
type Report struct {
	Command   envelope.Command
	ErrorCode envelope.ErrorCode
}

// Host records responses, application events and acks from a peripheral.
type Host struct {
	logger zerolog.Logger

	mu       sync.Mutex
	info     *DeviceInformation
	features *DeviceFeatures
	reports  []Report
	events   [][]byte
	acks     []frame.ControlFrame
}

func NewHost(logger zerolog.Logger) *Host {
	return &Host{logger: logger}
}

func (h *Host) Handlers() dispatch.Handlers {
	return dispatch.Handlers{
		OnResponse:  h.response,
		Application: h.event,
		OnAck:       h.ack,
	}
}

func (h *Host) response(env envelope.ControlEnvelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, Report{Command: env.Command, ErrorCode: env.Response.ErrorCode})

	if body, ok := env.Response.Payload(envelope.FieldDeviceInformation); ok {
		info, err := UnmarshalDeviceInformation(body)
		if err != nil {
			h.logger.Warn().Err(err).Msg("device information decode failed")
			return
		}
		h.info = &info
		h.logger.Info().
			Str("serial_number", info.SerialNumber).
			Str("name", info.Name).
			Str("device_type", info.DeviceType).
			Int("transports", len(info.Transports)).
			Msg("device information received")
		return
	}
	if body, ok := env.Response.Payload(envelope.FieldDeviceFeatures); ok {
		features, err := UnmarshalDeviceFeatures(body)
		if err != nil {
			h.logger.Warn().Err(err).Msg("device features decode failed")
			return
		}
		h.features = &features
		h.logger.Info().
			Uint64("features", features.Features).
			Uint64("attributes", features.Attributes).
			Msg("device features received")
		return
	}
	h.logger.Info().
		Str("command", env.Command.String()).
		Str("error_code", env.Response.ErrorCode.String()).
		Msg("response received")
}

func (h *Host) event(c dispatch.Completion) ([][]byte, error) {
	h.logger.Info().Int("bytes", len(c.Payload)).Msg("application event")
	h.mu.Lock()
	h.events = append(h.events, append([]byte(nil), c.Payload...))
	h.mu.Unlock()
	return nil, nil
}

func (h *Host) ack(cf frame.ControlFrame) {
	h.mu.Lock()
	h.acks = append(h.acks, cf)
	h.mu.Unlock()
}

func (h *Host) DeviceInformation() (DeviceInformation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.info == nil {
		return DeviceInformation{}, false
	}
	return *h.info, true
}

func (h *Host) DeviceFeatures() (DeviceFeatures, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.features == nil {
		return DeviceFeatures{}, false
	}
	return *h.features, true
}

func (h *Host) Reports() []Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Report(nil), h.reports...)
}

func (h *Host) Events() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.events...)
}

// Acks returns the control frames received so far, optionally filtered to one result.
func (h *Host) Acks(results ...protocol.Result) []frame.ControlFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(results) == 0 {
		return append([]frame.ControlFrame(nil), h.acks...)
	}
	var out []frame.ControlFrame
	for _, cf := range h.acks {
		for _, r := range results {
			if cf.Result == r {
				out = append(out, cf)
				break
			}
		}
	}
	return out
}
