// Package main is the hx712 command: it reads and calibrates a load cell
// either through the firmware or directly on local GPIOs.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"loadcell/core"
	"loadcell/host/config"
	"loadcell/host/scale"
	"loadcell/host/serial"
	"loadcell/protocol"
)

const (
	flagConfig   = "config"
	flagDebug    = "debug"
	flagDevice   = "device"
	flagCount    = "count"
	flagRemote   = "remote"
	flagWeight   = "weight"
	flagSmoothed = "smoothed"
	flagForce    = "force"
)

func main() {
	var logger *zap.SugaredLogger

	deviceFlag := &cli.StringFlag{
		Name:  flagDevice,
		Usage: "serial `DEVICE` of the firmware, overriding the config",
	}
	countFlag := &cli.IntFlag{
		Name:  flagCount,
		Usage: "stop after `N` readings (0 runs until interrupted)",
	}

	app := &cli.App{
		Name:    "hx712",
		Usage:   "read and calibrate an HX712 load cell",
		Version: protocol.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "hx712.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			cfg := zap.NewDevelopmentConfig()
			if !c.Bool(flagDebug) {
				cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
			}
			l, err := cfg.Build()
			if err != nil {
				return errors.Wrap(err, "build logger")
			}
			logger = l.Sugar()
			return nil
		},
		After: func(c *cli.Context) error {
			if logger != nil {
				_ = logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "local",
				Usage: "read a converter wired to this machine's GPIOs",
				Flags: []cli.Flag{countFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					s, err := scale.OpenLocal(cfg, logger)
					if err != nil {
						return err
					}
					return streamReadings(c, s)
				},
			},
			{
				Name:  "remote",
				Usage: "configure the firmware and stream its readings",
				Flags: []cli.Flag{deviceFlag, countFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					s, err := openRemote(c, cfg, logger, true)
					if err != nil {
						return err
					}
					return streamReadings(c, s)
				},
			},
			{
				Name:  "calibrate",
				Usage: "tare the empty scale, then set the scale from a known weight and save it",
				Flags: []cli.Flag{
					deviceFlag,
					&cli.BoolFlag{
						Name:  flagRemote,
						Usage: "calibrate through the firmware instead of local GPIOs",
					},
					&cli.IntFlag{
						Name:     flagWeight,
						Usage:    "known weight in user units",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  flagSmoothed,
						Usage: "calibrate on the smoothed reading (default from config)",
					},
				},
				Action: func(c *cli.Context) error {
					return calibrate(c, logger)
				},
			},
			{
				Name:  "status",
				Usage: "show the firmware state and calibration",
				Flags: []cli.Flag{deviceFlag},
				Action: func(c *cli.Context) error {
					return status(c, logger)
				},
			},
			{
				Name:  "commands",
				Usage: "list the command dictionary shared with the firmware",
				Action: func(c *cli.Context) error {
					r := core.NewCommandRegistry()
					core.RegisterCoreCommands(r)
					core.RegisterLoadCellCommands(r)
					for _, cmd := range r.Commands() {
						kind := "command"
						if cmd.IsResponse() {
							kind = "response"
						}
						fmt.Printf("%3d %-8s %s %s\n", cmd.ID, kind, cmd.Name, cmd.Format)
					}
					return nil
				},
			},
			{
				Name:  "init-config",
				Usage: "write a default configuration file",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagForce,
						Usage: "overwrite an existing file",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String(flagConfig)
					if _, err := os.Stat(path); err == nil && !c.Bool(flagForce) {
						return errors.Errorf("%s exists, use --force to overwrite", path)
					}
					if err := config.Default().Save(path); err != nil {
						return err
					}
					logger.Infow("wrote default config", "path", path)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if d := c.String(flagDevice); d != "" {
		cfg.Serial.Device = d
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// openRemote connects to the firmware and, with setup, configures it from cfg.
func openRemote(c *cli.Context, cfg *config.Config, logger *zap.SugaredLogger, setup bool) (*scale.Client, error) {
	port, err := serial.Open(&serial.Config{
		Device:      cfg.Serial.Device,
		Baud:        cfg.Serial.Baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		logger.Warnw("flush serial input", "error", err)
	}

	client := scale.NewClient(port, cfg.OID, logger)
	if !setup {
		return client, nil
	}
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()
	if err := client.Setup(ctx, cfg); err != nil {
		return nil, multierr.Append(err, client.Close())
	}
	return client, nil
}

func streamReadings(c *cli.Context, s scale.Scale) (err error) {
	defer func() { err = multierr.Append(err, s.Close()) }()

	ctx, stop := signalContext(c)
	defer stop()

	count := c.Int(flagCount)
	for n := 0; count == 0 || n < count; n++ {
		r, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		printReading(r)
	}
	return nil
}

func printReading(r scale.Reading) {
	fmt.Printf("%s %-12s raw=%9d smoothed=%9d adjusted=%9d\n",
		r.Time.Format("15:04:05.000"), r.Status, r.Raw, r.Smoothed, r.Adjusted)
}

func calibrate(c *cli.Context, logger *zap.SugaredLogger) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	var s scale.Scale
	if c.Bool(flagRemote) {
		s, err = openRemote(c, cfg, logger, true)
	} else {
		s, err = scale.OpenLocal(cfg, logger)
	}
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Close()) }()

	ctx, stop := signalContext(c)
	defer stop()

	smoothed := cfg.Calibration.Smoothed
	if c.IsSet(flagSmoothed) {
		smoothed = c.Bool(flagSmoothed)
	}
	weight := int32(c.Int(flagWeight))

	stdin := bufio.NewReader(os.Stdin)
	prompt := func(msg string) error {
		fmt.Print(msg)
		_, err := stdin.ReadString('\n')
		return errors.Wrap(err, "read stdin")
	}

	if err := prompt("Remove all weight from the scale and press Enter: "); err != nil {
		return err
	}
	cal, err := scale.Calibrate(ctx, s, weight, smoothed, func(context.Context) error {
		return prompt(fmt.Sprintf("Place the %d unit weight and press Enter: ", weight))
	})
	if err != nil {
		return err
	}

	cfg.Calibration.Tare = cal.Tare
	cfg.Calibration.Scale = cal.Scale
	cfg.Calibration.Smoothed = smoothed
	if err := cfg.Save(c.String(flagConfig)); err != nil {
		return err
	}
	logger.Infow("calibration saved",
		"tare", cal.Tare,
		"scale", cal.Scale,
		"smoothed", smoothed,
		"path", c.String(flagConfig))

	if r, err := scale.WaitValid(ctx, s); err == nil {
		printReading(r)
	}
	return nil
}

func status(c *cli.Context, logger *zap.SugaredLogger) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := openRemote(c, cfg, logger, false)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, client.Close()) }()

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
	defer cancel()

	st, err := client.State(ctx)
	if err != nil {
		return err
	}
	uptime, err := client.Uptime(ctx)
	if err != nil {
		return err
	}

	dict, dictErr := client.VerifyDictionary(ctx)
	if dict != nil {
		fmt.Printf("firmware:   %s (%s, %s)\n", dict.Version, dict.BuildVersions, dict.Config["MCU"])
	}
	if dictErr != nil {
		return dictErr
	}
	fmt.Printf("configured: %v (crc %#04x)\n", st.Configured, st.CRC)
	fmt.Printf("shutdown:   %v\n", st.Shutdown)
	fmt.Printf("uptime:     %s\n", time.Duration(uptime/(core.TimerFreq/1000))*time.Millisecond)
	if !st.Configured {
		return nil
	}

	cal, err := client.Calibration(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("gain:       %s\n", cal.Gain)
	fmt.Printf("alpha:      %d/256\n", cal.Alpha)
	fmt.Printf("warm-up:    %d reads\n", cal.ReadsUntilValid)
	fmt.Printf("tare:       %d (%d counts)\n", cal.Tare, cal.Tare/256)
	fmt.Printf("scale:      %d\n", cal.Scale)
	fmt.Printf("dropped:    %d blocks\n", client.Transport().Dropped())
	return nil
}
