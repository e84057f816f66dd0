// Package config loads the esdwatch TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/flavioheleno/esd"
	"github.com/flavioheleno/esd/internal/syncutil"
	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"periph.io/x/conn/v3/gpio"
)

const (
	// DefaultPath is used when PathEnv is unset.
	DefaultPath = "/etc/esdwatch/config.toml"
	// PathEnv names the environment variable that overrides DefaultPath.
	PathEnv = "ESDWATCH_CFG"
)

// RecoveryBudget caps max_attempts times settle_delay. The detector lock is
// held for the whole retry loop, so this stays well under
// syncutil.HoldLimit.
const RecoveryBudget = syncutil.HoldLimit / 2

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Values is the whole configuration file.
type Values struct {
	Panel        Panel  `toml:"panel"`
	ESD          ESD    `toml:"esd"`
	LogFile      string `toml:"log_file,omitempty"`
	DebugLogging bool   `toml:"debug_logging"`
}

// Panel is the [panel] section: wiring and geometry of the SSD1322.
type Panel struct {
	SPI           string `toml:"spi"` // Empty selects the first bus
	DC            string `toml:"dc" validate:"required"`
	RST           string `toml:"rst,omitempty"`
	Width         int    `toml:"width" validate:"gt=0,lte=480"`
	Height        int    `toml:"height" validate:"gt=0,lte=128"`
	Rotated       bool   `toml:"rotated"`
	Sequential    bool   `toml:"sequential"`
	SwapTopBottom bool   `toml:"swap_top_bottom"`
}

// ESD is the [esd] section: fault detection and recovery settings.
type ESD struct {
	Mode        string `toml:"mode" validate:"mode"`
	Trigger     string `toml:"trigger" validate:"trigger"`
	Pin         string `toml:"pin" validate:"required_if=Enabled true"`
	Pull        string `toml:"pull" validate:"omitempty,oneof=float down up"`
	Interval    string `toml:"interval" validate:"duration"`
	SettleDelay string `toml:"settle_delay" validate:"duration"`
	BootDelay   string `toml:"boot_delay" validate:"duration"`
	MaxAttempts int    `toml:"max_attempts" validate:"gte=0"`
	Enabled     bool   `toml:"enabled"`
	Required    bool   `toml:"required"`
}

// BaseDefaults are the values used for keys missing from the file.
var BaseDefaults = Values{
	Panel: Panel{
		DC:     "GPIO25",
		RST:    "GPIO24",
		Width:  256,
		Height: 64,
	},
	ESD: ESD{
		Enabled:     true,
		Mode:        "interrupt",
		Trigger:     "rising",
		Pin:         "GPIO17",
		Pull:        "down",
		Interval:    esd.DefaultInterval.String(),
		SettleDelay: esd.DefaultSettleDelay.String(),
		BootDelay:   "10s",
		MaxAttempts: esd.DefaultMaxAttempts,
	},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", validateDuration)
	_ = v.RegisterValidation("mode", validateMode)
	_ = v.RegisterValidation("trigger", validateTrigger)
	v.RegisterStructValidation(validateRecoveryBudget, ESD{})
	return v
}

// validateDuration checks if string is a valid non-negative Go duration.
func validateDuration(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	d, err := time.ParseDuration(val)
	return err == nil && d >= 0
}

func validateMode(fl validator.FieldLevel) bool {
	_, err := esd.ParseMode(fl.Field().String())
	return err == nil
}

func validateTrigger(fl validator.FieldLevel) bool {
	t, err := esd.ParseTrigger(fl.Field().String())
	return err == nil && t != esd.TriggerNone
}

// validateRecoveryBudget rejects retry settings whose worst case exceeds
// RecoveryBudget. Unparsable durations are left to the field validators.
func validateRecoveryBudget(sl validator.StructLevel) {
	e, ok := sl.Current().Interface().(ESD)
	if !ok {
		return
	}
	settle := esd.DefaultSettleDelay
	if e.SettleDelay != "" {
		d, err := time.ParseDuration(e.SettleDelay)
		if err != nil {
			return
		}
		settle = d
	}
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = esd.DefaultMaxAttempts
	}
	if time.Duration(attempts)*settle > RecoveryBudget {
		sl.ReportError(e.SettleDelay, "settle_delay", "SettleDelay", "recovery_budget", RecoveryBudget.String())
	}
}

// Path returns the config path from the environment, or DefaultPath.
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path from fs on top of defaults and validates the result. A
// missing file yields the defaults.
//
//nolint:gocritic // defaults copied so callers keep theirs
func Load(fs afero.Fs, path string, defaults Values) (Values, error) {
	vals := defaults

	data, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("config file not found, using defaults")
	case err != nil:
		return Values{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &vals); err != nil {
			return Values{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
		}
	}

	if err := Validate(&vals); err != nil {
		return Values{}, err
	}
	return vals, nil
}

// Save writes vals to path.
func Save(fs afero.Fs, path string, vals *Values) error {
	data, err := toml.Marshal(vals)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks vals and reports every failing field.
func Validate(vals *Values) error {
	err := validate.Struct(vals)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: validate: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = formatFieldError(fe)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	// Namespace is "Values.<section>.<key>".
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "duration":
		return field + " must be a valid duration (e.g. 5s)"
	case "mode":
		return field + " must be polling or interrupt"
	case "trigger":
		return field + " must be rising, falling, high or low"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "recovery_budget":
		return field + " times esd.max_attempts must not exceed " + fe.Param()
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}

// DetectorOpts converts the [esd] section to detector options. Pins and
// device callbacks are left to the caller.
func (e *ESD) DetectorOpts(name string) (*esd.Opts, error) {
	mode, err := esd.ParseMode(e.Mode)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	trigger, err := esd.ParseTrigger(e.Trigger)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts := &esd.Opts{
		Name:        name,
		Mode:        mode,
		Trigger:     trigger,
		Pull:        e.GPIOPull(),
		MaxAttempts: e.MaxAttempts,
	}
	if opts.Interval, err = parseDuration(e.Interval); err != nil {
		return nil, err
	}
	if opts.SettleDelay, err = parseDuration(e.SettleDelay); err != nil {
		return nil, err
	}
	return opts, nil
}

// BootDelayDuration returns the parsed boot_delay.
func (e *ESD) BootDelayDuration() (time.Duration, error) {
	return parseDuration(e.BootDelay)
}

// GPIOPull maps the pull setting to a periph.io pull.
func (e *ESD) GPIOPull() gpio.Pull {
	switch e.Pull {
	case "down":
		return gpio.PullDown
	case "up":
		return gpio.PullUp
	case "float":
		return gpio.Float
	default:
		return gpio.PullNoChange
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %w", err)
	}
	return d, nil
}
