// Package logging configures the global zerolog logger for esdwatch.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Opts configures Init.
type Opts struct {
	// File enables a rotating log file alongside the console output.
	File  string
	Debug bool
	// JSON writes raw JSON to the console instead of the pretty format.
	JSON    bool
	Console io.Writer // Defaults to os.Stderr
}

// Init replaces log.Logger. The returned closer releases the log file and
// is safe to call when no file was configured.
func Init(opts Opts) io.Closer {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"}
	}

	writers := []io.Writer{console}
	var file io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    1,
			MaxBackups: 2,
		}
		writers = append(writers, lj)
		file = lj
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(io.MultiWriter(writers...)).
		With().Timestamp().Caller().Logger()
	return file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
