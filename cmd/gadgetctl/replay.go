package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danmuck/gadgetlink/internal/config"
	"github.com/danmuck/gadgetlink/internal/gadget"
	"github.com/danmuck/gadgetlink/internal/link"
	"github.com/danmuck/gadgetlink/internal/observability"
	"github.com/danmuck/gadgetlink/internal/protocol"
	"github.com/danmuck/gadgetlink/internal/protocol/dispatch"
)

func replayCmd(load func() (appConfig, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <capture.toml>",
		Short: "Feed captured deliveries to a link and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			capture, err := config.LoadCapture(args[0])
			if err != nil {
				return err
			}
			return runReplay(cmd.OutOrStdout(), cfg, capture)
		},
	}
}

func runReplay(out io.Writer, cfg appConfig, capture config.Capture) error {
	linkCfg, err := capture.LinkConfig(cfg.Link)
	if err != nil {
		return err
	}
	deliveries, err := capture.Decoded()
	if err != nil {
		return err
	}

	logger := observability.Component("replay").With().Str("capture", capture.Name).Logger()
	var handlers dispatch.Handlers
	if linkCfg.Role == protocol.RolePeripheral {
		handlers = gadget.NewPeripheral(gadget.DefaultProfile(), logger).Handlers()
	} else {
		handlers = gadget.NewHost(logger).Handlers()
	}
	conn, err := link.New(linkCfg, handlers, link.WithLogger(logger))
	if err != nil {
		return err
	}
	defer conn.Close()

	var errs []error
	for i, d := range deliveries {
		fmt.Fprintf(out, "delivery %d %s\n", i, config.FormatHex(d))
		reply, err := conn.Receive(d)
		printBatch(out, "  reply", reply)
		if err != nil {
			fmt.Fprintf(out, "  error %s: %v\n", protocol.Reason(err), err)
			errs = append(errs, fmt.Errorf("delivery %d: %w", i, err))
		}
	}
	stats := conn.Stats()
	fmt.Fprintf(out, "%s: %d fragments, %d transactions, %d acks sent, %d failures\n",
		capture.Name, stats.FragmentsReceived, stats.TransactionsReceived, stats.AcksSent, stats.Failures)
	return errors.Join(errs...)
}
