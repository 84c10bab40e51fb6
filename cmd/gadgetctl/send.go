package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/gadgetlink/internal/gadget"
	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/observability"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/dispatch"
	"github.com/danmuck/gadgetlink/internal/protocol/envelope"
	"github.com/danmuck/gadgetlink/internal/transport/wsbridge"
)

var errNoReply = errors.New("no reply before deadline")

func sendCmd(load func() (appConfig, error)) *cobra.Command {
	var (
		url     string
		channel string
		ack     bool
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <info|features|discovery>",
		Short: "Dial a peripheral and send one command",
		Long: `Dial a peripheral as the host, send one command and print the reply.

Commands go out on their usual channel unless --channel names another one.

Examples:
  gadgetctl send info
  gadgetctl send discovery --url ws://127.0.0.1:9400/link
  gadgetctl send info --channel application --ack`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if url != "" {
				cfg.PeerURL = url
			}
			return runSend(cmd.Context(), cmd.OutOrStdout(), cfg, sendRequest{
				Command: args[0],
				Channel: channel,
				Ack:     ack,
				Wait:    wait,
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Peripheral websocket URL (overrides config)")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel override: control, firmware or application")
	cmd.Flags().BoolVar(&ack, "ack", false, "Request an acknowledgment")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for the reply")
	return cmd
}

func commandPayload(name string) (protocol.Channel, []byte, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info":
		return protocol.ChannelControl, gadget.GetDeviceInformation(), nil
	case "features":
		return protocol.ChannelControl, gadget.GetDeviceFeatures(), nil
	case "discovery":
		return protocol.ChannelApplication, gadget.DiscoveryDirective(), nil
	default:
		return 0, nil, fmt.Errorf("unknown command %q", name)
	}
}

type sendRequest struct {
	Command string
	// Channel, when set, replaces the command's usual channel.
	Channel string
	Ack     bool
	Wait    time.Duration
}

// resolve returns the channel and payload r puts on the wire.
func (r sendRequest) resolve() (protocol.Channel, []byte, error) {
	ch, payload, err := commandPayload(r.Command)
	if err != nil {
		return 0, nil, err
	}
	if r.Channel != "" {
		if ch, err = protocol.ParseChannel(r.Channel); err != nil {
			return 0, nil, err
		}
	}
	return ch, payload, nil
}

func runSend(ctx context.Context, out io.Writer, cfg appConfig, req sendRequest) error {
	ch, payload, err := req.resolve()
	if err != nil {
		return err
	}
	name, ack, wait := req.Command, req.Ack, req.Wait

	logger := observability.Component("send")
	host := gadget.NewHost(logger)
	replied := make(chan struct{}, 1)
	notify := func() {
		select {
		case replied <- struct{}{}:
		default:
		}
	}
	handlers := host.Handlers()
	onResponse, onEvent := handlers.OnResponse, handlers.Application
	handlers.OnResponse = func(env envelope.ControlEnvelope) {
		onResponse(env)
		notify()
	}
	handlers.Application = func(c dispatch.Completion) ([][]byte, error) {
		defer notify()
		return onEvent(c)
	}

	linkCfg := cfg.Link
	linkCfg.Role = protocol.RoleHost
	conn, err := link.New(linkCfg, handlers, link.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, wait+cfg.Bridge.HandshakeTimeout)
	defer cancel()
	peer, err := wsbridge.Dial(ctx, cfg.PeerURL, conn, cfg.Bridge, logger)
	if err != nil {
		return err
	}
	defer peer.Close()
	go peer.Serve(ctx)

	if err := peer.Send(ch, ack, payload); err != nil {
		return err
	}
	select {
	case <-replied:
	case <-time.After(wait):
		return fmt.Errorf("%s: %w", name, errNoReply)
	}

	for _, r := range host.Reports() {
		fmt.Fprintf(out, "response %s: %s\n", r.Command, r.ErrorCode)
	}
	if info, ok := host.DeviceInformation(); ok {
		fmt.Fprintf(out, "device %s serial=%s type=%s\n", info.Name, info.SerialNumber, info.DeviceType)
	}
	if features, ok := host.DeviceFeatures(); ok {
		fmt.Fprintf(out, "features 0x%x\n", features.Features)
	}
	for _, ev := range host.Events() {
		fmt.Fprintf(out, "event %d bytes\n", len(ev))
	}
	for _, cf := range host.Acks() {
		fmt.Fprintf(out, "ack %s txid=%d %s\n", cf.Channel, cf.TransactionID, cf.Result)
	}
	return nil
}
