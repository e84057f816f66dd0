// Command esdwatch drives an SPI display panel and recovers it when the
// panel's ESD fault line fires.
//
// Usage:
//
//	esdwatch run   [--config path] [--debug]
//	esdwatch check [--config path]
//
// While running, SIGUSR1 toggles display blanking and SIGINT or SIGTERM
// halts the panel and exits.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
