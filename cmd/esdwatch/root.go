package main

import (
	"github.com/flavioheleno/esd/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool

	// fs is swapped for an in-memory filesystem in tests.
	fs = afero.NewOsFs()
)

var rootCmd = &cobra.Command{
	Use:   "esdwatch",
	Short: "Display panel ESD watchdog",
	Long: `esdwatch initializes an SPI display panel and watches its ESD fault line.

When the line reports a fault the panel is reset, its init sequence replayed
and the last frame restored. Detection runs by interrupt on the fault pin or
by polling it on a timer, as set in the [esd] section of the config file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
}

func loadConfig() (config.Values, error) {
	return config.Load(fs, configPath, config.BaseDefaults)
}
