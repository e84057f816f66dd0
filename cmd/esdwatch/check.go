package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and print the resulting settings",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	vals, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	p := vals.Panel

	fmt.Fprintf(out, "config: %s\n", configPath)
	fmt.Fprintf(out, "panel:  %dx%d spi=%q dc=%s rst=%s\n", p.Width, p.Height, p.SPI, p.DC, p.RST)
	if !vals.ESD.Enabled {
		fmt.Fprintln(out, "esd:    disabled")
		return nil
	}

	opts, err := vals.ESD.DetectorOpts(detectorName)
	if err != nil {
		return err
	}
	boot, err := vals.ESD.BootDelayDuration()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "esd:    %s trigger=%s pin=%s pull=%s\n", opts.Mode, opts.Trigger, vals.ESD.Pin, opts.Pull)
	fmt.Fprintf(out, "        interval=%s settle=%s attempts=%d boot_delay=%s required=%t\n",
		orDefault(opts.Interval.String(), opts.Interval == 0),
		orDefault(opts.SettleDelay.String(), opts.SettleDelay == 0),
		opts.MaxAttempts, boot, vals.ESD.Required)
	return nil
}

func orDefault(s string, zero bool) string {
	if zero {
		return "default"
	}
	return s
}
