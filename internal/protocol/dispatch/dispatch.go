// Package dispatch hands completed transactions to their consumer and
// decides whether the completion earns a Success ack.
package dispatch

import (
	"github.com/rs/zerolog"

	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
	"github.com/danmuck/gadgetlink/internal/protocol/frame"
)

// Completion is a fully reassembled transaction.
type Completion struct {
	Channel       protocol.Channel
	TransactionID uint8
	// Ack is the ack bit of the completing fragment.
	Ack     bool
	Payload []byte
}

// Outbound is one message a consumer wants sent back over the link.
type Outbound struct {
	Channel protocol.Channel
	Ack     bool
	Payload []byte
}

type Result struct {
	Route      Route
	AckSuccess bool
	Outbound   []Outbound
}

// ControlCodec decodes and encodes control channel payloads.
type ControlCodec interface {
	Decode(payload []byte) (envelope.ControlEnvelope, error)
	Encode(env envelope.ControlEnvelope) ([]byte, error)
}

// CommandHandler answers one control command with zero or more envelopes.
type CommandHandler func(env envelope.ControlEnvelope) ([]envelope.ControlEnvelope, error)

// ResponseHandler observes a control response.
type ResponseHandler func(env envelope.ControlEnvelope)

// StreamHandler consumes an application or firmware payload and may return
// payloads to send back on the same channel.
type StreamHandler func(c Completion) ([][]byte, error)

// AckHandler observes a control frame received from the peer.
type AckHandler func(cf frame.ControlFrame)

type Handlers struct {
	Commands    map[envelope.Command]CommandHandler
	OnResponse  ResponseHandler
	Application StreamHandler
	Firmware    StreamHandler
	OnAck       AckHandler
}

type Dispatcher struct {
	role     protocol.Role
	codec    ControlCodec
	handlers Handlers
	logger   zerolog.Logger
}

func New(role protocol.Role, codec ControlCodec, handlers Handlers, logger zerolog.Logger) *Dispatcher {
	if codec == nil {
		codec = envelope.Codec{}
	}
	cmds := make(map[envelope.Command]CommandHandler, len(handlers.Commands))
	for cmd, h := range handlers.Commands {
		cmds[cmd] = h
	}
	handlers.Commands = cmds
	return &Dispatcher{role: role, codec: codec, handlers: handlers, logger: logger}
}

func (d *Dispatcher) Role() protocol.Role { return d.role }

// Register adds or replaces the handler for cmd.
func (d *Dispatcher) Register(cmd envelope.Command, h CommandHandler) {
	d.handlers.Commands[cmd] = h
}

// Dispatch routes c to its consumer. Consumer failures are logged and never
// returned: only an unroutable channel is an error.
func (d *Dispatcher) Dispatch(c Completion) (Result, error) {
	route, err := RouteFor(d.role, c.Channel)
	if err != nil {
		return Result{}, err
	}
	res := Result{Route: route, AckSuccess: route.Acks() && c.Ack}

	switch route {
	case RouteHostControl, RoutePeripheralControl:
		res.Outbound = d.control(c)
	case RouteHostApplication, RoutePeripheralApplication:
		res.Outbound = d.stream(route, d.handlers.Application, c)
	case RouteHostFirmware, RoutePeripheralFirmware:
		res.Outbound = d.stream(route, d.handlers.Firmware, c)
	}
	return res, nil
}

// HandleControlFrame passes a received control frame to the ack observer.
func (d *Dispatcher) HandleControlFrame(cf frame.ControlFrame) {
	if d.handlers.OnAck != nil {
		d.handlers.OnAck(cf)
	}
}

func (d *Dispatcher) control(c Completion) []Outbound {
	env, err := d.codec.Decode(c.Payload)
	if err != nil {
		d.logger.Warn().
			Str("role", d.role.String()).
			Uint8("txid", c.TransactionID).
			Int("bytes", len(c.Payload)).
			Err(err).
			Msg("control envelope decode failed")
		return nil
	}
	if env.IsResponse() {
		d.logger.Debug().
			Str("command", env.Command.String()).
			Str("error_code", env.Response.ErrorCode.String()).
			Msg("control response received")
		if d.handlers.OnResponse != nil {
			d.handlers.OnResponse(env)
		}
		return nil
	}

	var replies []envelope.ControlEnvelope
	h, ok := d.handlers.Commands[env.Command]
	if !ok {
		d.logger.Info().Str("command", env.Command.String()).Msg("unsupported control command")
		replies = []envelope.ControlEnvelope{envelope.NewResponse(env.Command, envelope.ErrorUnsupported)}
	} else {
		replies, err = h(env)
		if err != nil {
			d.logger.Error().Str("command", env.Command.String()).Err(err).Msg("control command failed")
			replies = []envelope.ControlEnvelope{envelope.NewResponse(env.Command, envelope.ErrorInternal)}
		}
	}

	out := make([]Outbound, 0, len(replies))
	for _, r := range replies {
		b, err := d.codec.Encode(r)
		if err != nil {
			d.logger.Error().Str("command", r.Command.String()).Err(err).Msg("control envelope encode failed")
			continue
		}
		out = append(out, Outbound{Channel: protocol.ChannelControl, Payload: b})
	}
	return out
}

func (d *Dispatcher) stream(route Route, h StreamHandler, c Completion) []Outbound {
	if h == nil {
		d.logger.Debug().Str("route", route.String()).Int("bytes", len(c.Payload)).Msg("no consumer for payload")
		return nil
	}
	payloads, err := h(c)
	if err != nil {
		d.logger.Warn().Str("route", route.String()).Err(err).Msg("payload consumer failed")
		return nil
	}
	out := make([]Outbound, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, Outbound{Channel: c.Channel, Payload: p})
	}
	return out
}
