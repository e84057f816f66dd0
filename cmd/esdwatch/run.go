package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flavioheleno/esd/config"
	"github.com/flavioheleno/esd/fbdev"
	"github.com/flavioheleno/esd/internal/logging"
	"github.com/flavioheleno/esd/panel"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	detectorName  = "panel0"
	statsInterval = time.Minute
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the panel and recover it on ESD faults",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	vals, err := loadConfig()
	if err != nil {
		return err
	}
	logs := logging.Init(logging.Opts{File: vals.LogFile, Debug: vals.DebugLogging || debug})
	defer logs.Close()

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	bus, err := spireg.Open(vals.Panel.SPI)
	if err != nil {
		return fmt.Errorf("failed to open SPI bus: %w", err)
	}
	defer bus.Close()

	dc, err := pinByName(vals.Panel.DC)
	if err != nil {
		return err
	}
	popts := &panel.Opts{
		W:             vals.Panel.Width,
		H:             vals.Panel.Height,
		Rotated:       vals.Panel.Rotated,
		Sequential:    vals.Panel.Sequential,
		SwapTopBottom: vals.Panel.SwapTopBottom,
	}
	if vals.Panel.RST != "" {
		if popts.RST, err = pinByName(vals.Panel.RST); err != nil {
			return err
		}
	}
	pnl, err := panel.NewSPI(bus, dc, popts)
	if err != nil {
		return err
	}
	log.Info().Stringer("panel", pnl).Msg("panel initialized")

	frame := panel.NewFrame(vals.Panel.Width, vals.Panel.Height)
	panel.DrawTestPattern(frame)
	if _, err := pnl.Write(frame.Pix); err != nil {
		log.Warn().Err(err).Msg("failed to draw test pattern")
	}

	fopts, err := deviceOpts(&vals.ESD)
	if err != nil {
		return err
	}
	dev, err := fbdev.Probe(pnl, fopts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return toggleBlank(ctx, dev, usr1) })
	g.Go(func() error { return reportStats(ctx, clockwork.NewRealClock(), dev, statsInterval) })
	err = g.Wait()

	log.Info().Msg("shutting down")
	return errors.Join(err, dev.Remove())
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("GPIO pin %s not found", name)
	}
	return p, nil
}

// deviceOpts builds the display device options from the [esd] section.
func deviceOpts(e *config.ESD) (*fbdev.Opts, error) {
	if !e.Enabled {
		return &fbdev.Opts{}, nil
	}
	eopts, err := e.DetectorOpts(detectorName)
	if err != nil {
		return nil, err
	}
	if eopts.Pin, err = pinByName(e.Pin); err != nil {
		return nil, err
	}
	boot, err := e.BootDelayDuration()
	if err != nil {
		return nil, err
	}
	return &fbdev.Opts{ESD: eopts, BootDelay: boot, Required: e.Required}, nil
}

// blanker is the part of fbdev.Dev toggled by SIGUSR1.
type blanker interface {
	Blanked() bool
	Blank() error
	Unblank() error
}

func toggleBlank(ctx context.Context, dev blanker, sigs <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
			var err error
			if dev.Blanked() {
				err = dev.Unblank()
			} else {
				err = dev.Blank()
			}
			if err != nil {
				log.Error().Err(err).Msg("failed to toggle blanking")
				continue
			}
			log.Info().Bool("blanked", dev.Blanked()).Msg("display blanking toggled")
		}
	}
}

func reportStats(ctx context.Context, clock clockwork.Clock, dev *fbdev.Dev, every time.Duration) error {
	t := clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			det := dev.Detector()
			if det == nil {
				continue
			}
			st := det.Stats()
			log.Debug().
				Stringer("detector", det).
				Uint64("checks", st.Checks).
				Uint64("faults", st.Faults).
				Uint64("recoveries", st.Recoveries).
				Uint64("exhausted", st.Exhausted).
				Uint64("stale", st.Stale).
				Msg("esd stats")
		}
	}
}
