package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danmuck/gadgetlink/internal/config"
	"github.com/danmuck/gadgetlink/internal/gadget"
	"github.com/danmuck/gadgetlink/internal/observability"
	"github.com/danmuck/gadgetlink/internal/protocol"
)

func sampleCmd(load func() (appConfig, error)) *cobra.Command {
	var (
		record    string
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Run the reference host/peripheral exchange in process",
		Long: `Run the reference exchange between an in-process host and peripheral:
device information, features, a firmware segment, apply firmware, the
discovery directive and the captured deliveries.

Examples:
  gadgetctl sample
  gadgetctl sample --record capture.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runSample(cmd.OutOrStdout(), cfg, record, overwrite)
		},
	}
	cmd.Flags().StringVar(&record, "record", "", "Write the host deliveries to a capture file")
	cmd.Flags().BoolVar(&overwrite, "force", false, "Overwrite an existing capture file")
	return cmd
}

func runSample(out io.Writer, cfg appConfig, record string, overwrite bool) error {
	s, err := gadget.NewSample(cfg.Link, gadget.DefaultProfile(), observability.Component("sample"))
	if err != nil {
		return err
	}
	steps, runErr := s.Run()
	var deliveries [][]byte
	for _, step := range steps {
		fmt.Fprintf(out, "%s\n", step.Name)
		printBatch(out, "  host ->", step.Request)
		printBatch(out, "  host <-", step.Response)
		for _, f := range step.Request {
			deliveries = append(deliveries, f)
		}
	}
	if info, ok := s.Host.DeviceInformation(); ok {
		fmt.Fprintf(out, "device %s serial=%s type=%s\n", info.Name, info.SerialNumber, info.DeviceType)
	}
	if runErr != nil {
		return runErr
	}
	if record == "" {
		return nil
	}
	capture := config.NewCapture("sample", protocol.RolePeripheral, deliveries)
	capture.MTU = s.PeripheralConn.Config().MTU
	capture.MaxTransactionSize = s.PeripheralConn.Config().MaxTransactionSize
	if err := config.WriteCapture(record, capture, overwrite); err != nil {
		return err
	}
	fmt.Fprintf(out, "recorded %d deliveries to %s\n", len(deliveries), record)
	return nil
}

func printBatch(out io.Writer, prefix string, batch protocol.Batch) {
	for _, f := range batch {
		fmt.Fprintf(out, "%s %s\n", prefix, config.FormatHex(f))
	}
}
