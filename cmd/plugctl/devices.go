package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"plughub/internal/domain"
)

var jsonOutput bool

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List configured devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildDevices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			devices := c.registry.List()
			if jsonOutput {
				return writeJSON(cmd, devices)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tBRAND\tTYPE\tLABEL\tPRIMARY")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", d.Key(), d.Brand, d.Type, d.Label, d.IsPrimary())
			}
			fmt.Fprintf(w, "\n%d of %d slots used\n", c.registry.Len(), c.registry.Max())
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <key>",
		Short: "Poll one device's relay state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildDevices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			d, ok := c.registry.Get(args[0])
			if !ok {
				return fmt.Errorf("no configured device with key %q", args[0])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			c.reconciler.Tick(ctx)

			st, ok := c.reconciler.State(d.Key())
			if !ok {
				st = domain.PolledState{Key: d.Key(), State: domain.PowerUnknown}
			}
			if jsonOutput {
				return writeJSON(cmd, st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", d.Label, d.Key(), st.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func newPowerCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := buildDevices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer c.commander.Close()

			d, ok := c.registry.Get(args[0])
			if !ok {
				return fmt.Errorf("no configured device with key %q", args[0])
			}

			run := c.commander.On
			if verb == "off" {
				run = c.commander.Off
			}
			if err := run(cmd.Context(), d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", d.Label, d.Key(), verb)
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
