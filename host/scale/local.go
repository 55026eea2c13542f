package scale

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"loadcell/host/config"
	"loadcell/host/gpio"
	"loadcell/hx712"
)

var (
	_ Scale = (*Local)(nil)
	_ Scale = (*Client)(nil)
)

// Local polls a converter wired to this machine's GPIOs.
type Local struct {
	conv  *hx712.Converter
	clock hx712.Clock
	log   *zap.SugaredLogger

	// Interval is the wait between polls while a conversion is pending.
	Interval time.Duration
	// ReportInterval is the minimum spacing of returned readings.
	ReportInterval time.Duration

	wait       func(ctx context.Context, d time.Duration) error
	lastReport uint32
	reported   bool
	closers    []func() error
}

// NewLocal wraps an existing converter.
func NewLocal(conv *hx712.Converter, clock hx712.Clock, log *zap.SugaredLogger) *Local {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg := config.Default()
	return &Local{
		conv:           conv,
		clock:          clock,
		log:            log,
		Interval:       cfg.Poll.Interval,
		ReportInterval: cfg.Poll.ReportInterval,
		wait:           sleep,
	}
}

// OpenLocal opens the configured periph pins and builds a converter with
// the stored calibration.
func OpenLocal(cfg *config.Config, log *zap.SugaredLogger) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if err := gpio.Init(); err != nil {
		return nil, err
	}
	clk, data, err := gpio.OpenPair(cfg.Converter.ClockPin, cfg.Converter.DataPin)
	if err != nil {
		return nil, err
	}

	clock := gpio.NewWallClock()
	conv := hx712.New(clk, data, clock, hx712.Config{
		ReadsUntilValid: cfg.Converter.ReadsUntilValid,
		Gain:            cfg.Gain(),
	})
	if err := multierr.Combine(clk.Err(), data.Err()); err != nil {
		return nil, multierr.Append(err, multierr.Combine(clk.Halt(), data.Halt()))
	}

	l := NewLocal(conv, clock, log)
	l.Apply(cfg)
	l.closers = append(l.closers, clk.Halt, data.Halt)
	l.log.Infow("local converter opened",
		"clock_pin", clk.Name(),
		"data_pin", data.Name(),
		"gain", cfg.Converter.Gain)
	return l, nil
}

// Apply restores the smoothing and calibration settings from cfg.
func (l *Local) Apply(cfg *config.Config) {
	l.conv.SetAlpha(cfg.Converter.Alpha)
	l.conv.SetTare(cfg.Calibration.Tare)
	l.conv.SetScale(cfg.Calibration.Scale)
	l.Interval = cfg.Poll.Interval
	l.ReportInterval = cfg.Poll.ReportInterval
}

// Converter returns the underlying driver.
func (l *Local) Converter() *hx712.Converter {
	return l.conv
}

// Next waits out the report interval, then polls until the converter
// reaches a conclusion.
func (l *Local) Next(ctx context.Context) (Reading, error) {
	if l.reported {
		elapsed := time.Duration(l.clock.Millis()-l.lastReport) * time.Millisecond
		if rest := l.ReportInterval - elapsed; rest > 0 {
			if err := l.wait(ctx, rest); err != nil {
				return Reading{}, err
			}
		}
	}
	for !l.conv.Poll() {
		if err := l.wait(ctx, l.Interval); err != nil {
			return Reading{}, err
		}
	}

	now := l.clock.Millis()
	l.lastReport = now
	l.reported = true
	return Reading{
		Status:   l.conv.Status(),
		Raw:      l.conv.Raw(false),
		Smoothed: l.conv.Raw(true),
		Adjusted: l.conv.Adjusted(true),
		Clock:    now,
		Time:     time.Now(),
	}, nil
}

func (l *Local) Tare(_ context.Context, smoothed bool) error {
	l.conv.Tare(smoothed)
	return nil
}

func (l *Local) AdjustTo(_ context.Context, value int32, smoothed bool) error {
	l.conv.AdjustTo(value, smoothed)
	return nil
}

func (l *Local) Calibration(context.Context) (Calibration, error) {
	return Calibration{
		Gain:            l.conv.Gain(),
		Alpha:           l.conv.Alpha(),
		ReadsUntilValid: l.conv.ReadsUntilValid(),
		Tare:            l.conv.TareOffset(),
		Scale:           l.conv.Scale(),
	}, nil
}

// Close powers the chip down and releases the pins.
func (l *Local) Close() error {
	l.conv.PowerDown()
	var err error
	for _, c := range l.closers {
		err = multierr.Append(err, c())
	}
	l.closers = nil
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
