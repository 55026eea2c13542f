// Package config loads and saves the host-side load-cell settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"loadcell/hx712"
)

// Config is the YAML configuration shared by the local, remote and
// calibrate commands.
type Config struct {
	Converter   ConverterConfig   `yaml:"converter"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Serial      SerialConfig      `yaml:"serial"`
	Poll        PollConfig        `yaml:"poll"`
	OID         uint8             `yaml:"oid"`
}

// ConverterConfig describes the wiring and driver settings.
type ConverterConfig struct {
	// Pin names. Locally these are periph.io names ("GPIO5"); for firmware
	// they must be MCU GPIO numbers ("gpio5" or "5").
	ClockPin        string `yaml:"clock_pin"`
	DataPin         string `yaml:"data_pin"`
	Gain            string `yaml:"gain"`
	ReadsUntilValid uint8  `yaml:"reads_until_valid"`
	Alpha           uint8  `yaml:"alpha"`
}

// CalibrationConfig holds the values produced by the calibrate command.
type CalibrationConfig struct {
	Tare     int32 `yaml:"tare"`  // x256 units
	Scale    int32 `yaml:"scale"` // divisor from x256 units to user units
	Smoothed bool  `yaml:"smoothed"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// PollConfig sets the polling cadence.
type PollConfig struct {
	Interval       time.Duration `yaml:"interval"`        // local poll period while waiting for a conversion
	ReportInterval time.Duration `yaml:"report_interval"` // time between readings
}

// Default returns a configuration for an HX712 at its power-on gain.
func Default() *Config {
	return &Config{
		Converter: ConverterConfig{
			ClockPin:        "GPIO5",
			DataPin:         "GPIO6",
			Gain:            hx712.Gain128Rate10.String(),
			ReadsUntilValid: hx712.DefaultReadsUntilValid,
			Alpha:           hx712.DefaultAlpha,
		},
		Calibration: CalibrationConfig{
			Tare:     0,
			Scale:    hx712.DefaultScale,
			Smoothed: true,
		},
		Serial: SerialConfig{
			Device:      "/dev/ttyACM0",
			Baud:        250000,
			ReadTimeout: 100 * time.Millisecond,
		},
		Poll: PollConfig{
			Interval:       5 * time.Millisecond,
			ReportInterval: 100 * time.Millisecond,
		},
	}
}

// Load reads filename over the defaults. A missing file yields the
// defaults unchanged.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", filename)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var err error
	if _, ok := hx712.ParseGain(c.Converter.Gain); !ok {
		err = multierr.Append(err, errors.Errorf("unknown gain %q", c.Converter.Gain))
	}
	if strings.TrimSpace(c.Converter.ClockPin) == "" {
		err = multierr.Append(err, errors.New("converter.clock_pin is empty"))
	}
	if strings.TrimSpace(c.Converter.DataPin) == "" {
		err = multierr.Append(err, errors.New("converter.data_pin is empty"))
	}
	if c.Calibration.Scale == 0 {
		err = multierr.Append(err, errors.New("calibration.scale must not be zero"))
	}
	if c.Poll.ReportInterval <= 0 {
		err = multierr.Append(err, errors.New("poll.report_interval must be positive"))
	}
	if c.Poll.Interval <= 0 {
		err = multierr.Append(err, errors.New("poll.interval must be positive"))
	}
	return err
}

// Gain returns the parsed converter gain. Call Validate first.
func (c *Config) Gain() hx712.Gain {
	g, _ := hx712.ParseGain(c.Converter.Gain)
	return g
}

// MCUPins parses the pin names as MCU GPIO numbers.
func (c *Config) MCUPins() (clk, dout uint32, err error) {
	clk, err = ParseMCUPin(c.Converter.ClockPin)
	if err != nil {
		return 0, 0, errors.Wrap(err, "clock_pin")
	}
	dout, err = ParseMCUPin(c.Converter.DataPin)
	if err != nil {
		return 0, 0, errors.Wrap(err, "data_pin")
	}
	return clk, dout, nil
}

// ParseMCUPin accepts "gpio5", "GPIO5" or "5".
func ParseMCUPin(name string) (uint32, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.TrimPrefix(s, "gpio")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Errorf("invalid MCU pin %q", name)
	}
	return uint32(n), nil
}
