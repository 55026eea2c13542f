//go:build rp2040

package main

import "machine"

// InitUSB configures the USB CDC port; on the RP2040 machine.Serial is USB.
func InitUSB() {
	_ = machine.Serial.Configure(machine.UARTConfig{})
}

// USBAvailable returns the number of bytes waiting to be read
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWriteBytes writes data, returning the number of bytes accepted
func USBWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}
