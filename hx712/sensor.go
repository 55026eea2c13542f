package hx712

import "tinygo.org/x/drivers"

// Error is a constant driver error.
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrNotReady    = Error("hx712: conversion not ready")
	ErrTimedOut    = Error("hx712: chip not responding")
	ErrPoweredDown = Error("hx712: chip powered down")
)

var _ drivers.Sensor = (*Converter)(nil)

// Update lets the converter be used as a tinygo drivers.Sensor. It polls once
// when which includes drivers.Voltage and maps the resulting status to an
// error. Poll remains the primary, error-free interface.
func (c *Converter) Update(which drivers.Measurement) error {
	if which&drivers.Voltage == 0 {
		return nil
	}
	if !c.Poll() {
		return ErrNotReady
	}
	switch c.status {
	case TimedOut:
		return ErrTimedOut
	case PoweredDown:
		return ErrPoweredDown
	}
	return nil
}
