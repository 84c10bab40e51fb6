package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/gadgetlink/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate config and capture files",
	}

	var (
		kind  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a config template (gadgetctl|capture)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, args[0])
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "gadgetctl", "Template kind: gadgetctl|capture")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	var validateKind string
	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a config or capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(strings.TrimSpace(validateKind)) {
			case "gadgetctl":
				if _, err := loadAppConfig(args[0]); err != nil {
					return err
				}
			case "capture":
				if _, err := config.LoadCapture(args[0]); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown config kind: %s", validateKind)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", validateKind, args[0])
			return nil
		},
	}
	validateCmd.Flags().StringVar(&validateKind, "kind", "gadgetctl", "File kind: gadgetctl|capture")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
