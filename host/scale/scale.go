// Package scale reads an HX712 either from MCU firmware over a serial link
// (Client) or directly from local GPIOs (Local).
package scale

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"loadcell/hx712"
)

var (
	// ErrTimeout is returned when the firmware does not answer in time.
	ErrTimeout = errors.New("scale: no response from firmware")
	// ErrClosed is returned once the link is gone.
	ErrClosed = errors.New("scale: link closed")
	// ErrShutdown is returned while the firmware is in shutdown.
	ErrShutdown = errors.New("scale: firmware is shut down")
)

// Reading is one completed poll.
type Reading struct {
	OID      uint8
	Status   hx712.Status
	Raw      int32 // ADC counts
	Smoothed int32 // filtered ADC counts
	Adjusted int32 // tare-corrected, scaled user units
	// Clock is the MCU clock of the next scheduled poll; for local
	// readings it is the converter clock at the time of the read.
	Clock uint32
	Time  time.Time
}

// Err maps a failed status to an error.
func (r Reading) Err() error {
	switch r.Status {
	case hx712.TimedOut:
		return hx712.ErrTimedOut
	case hx712.PoweredDown:
		return hx712.ErrPoweredDown
	}
	return nil
}

// Calibration is the persisted converter state.
type Calibration struct {
	Gain            hx712.Gain
	Alpha           uint8
	ReadsUntilValid uint8
	Tare            int32
	Scale           int32
}

// Source produces readings.
type Source interface {
	Next(ctx context.Context) (Reading, error)
}

// Calibrator adjusts and reports tare and scale.
type Calibrator interface {
	Tare(ctx context.Context, smoothed bool) error
	AdjustTo(ctx context.Context, value int32, smoothed bool) error
	Calibration(ctx context.Context) (Calibration, error)
}

// Scale is a converter that can be read and calibrated.
type Scale interface {
	Source
	Calibrator
	Close() error
}

// WaitValid reads until a Valid reading arrives or ctx ends. Warm-up
// readings are skipped; timeouts and power-down are returned as errors.
func WaitValid(ctx context.Context, src Source) (Reading, error) {
	for {
		r, err := src.Next(ctx)
		if err != nil {
			return Reading{}, err
		}
		if err := r.Err(); err != nil {
			return r, err
		}
		if r.Status == hx712.Valid {
			return r, nil
		}
	}
}

// SettleReadings is how many valid readings Calibrate waits for before
// using the smoothed value. With the default alpha the filter is within 1%
// of a step after five.
const SettleReadings = 5

// Calibrate tares the empty scale, waits for the caller to load the known
// weight, then computes the scale so that the weight reads as value.
func Calibrate(ctx context.Context, s Scale, value int32, smoothed bool, loaded func(ctx context.Context) error) (Calibration, error) {
	if err := settle(ctx, s, smoothed); err != nil {
		return Calibration{}, errors.Wrap(err, "waiting for empty reading")
	}
	if err := s.Tare(ctx, smoothed); err != nil {
		return Calibration{}, errors.Wrap(err, "tare")
	}
	if err := loaded(ctx); err != nil {
		return Calibration{}, err
	}
	if err := settle(ctx, s, smoothed); err != nil {
		return Calibration{}, errors.Wrap(err, "waiting for loaded reading")
	}
	if err := s.AdjustTo(ctx, value, smoothed); err != nil {
		return Calibration{}, errors.Wrap(err, "adjust")
	}
	return s.Calibration(ctx)
}

// settle drops queued readings and waits for fresh valid ones.
func settle(ctx context.Context, s Source, smoothed bool) error {
	if d, ok := s.(interface{ Discard() }); ok {
		d.Discard()
	}
	n := 1
	if smoothed {
		n = SettleReadings
	}
	for i := 0; i < n; i++ {
		if _, err := WaitValid(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
