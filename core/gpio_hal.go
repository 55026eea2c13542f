package core

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// GPIODriver is the abstract GPIO interface that core code uses.
// Platform-specific implementations handle actual hardware control.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output
	ConfigureOutput(pin GPIOPin) error

	// ConfigureInputPullUp configures a pin as a digital input with pull-up resistor
	ConfigureInputPullUp(pin GPIOPin) error

	// SetPin drives an output pin high (true) or low (false)
	SetPin(pin GPIOPin, value bool) error

	// ReadPin reads the current pin level
	ReadPin(pin GPIOPin) bool
}

// Global singleton used by core code.
var gpioDriver GPIODriver

// SetGPIODriver is called by target-specific code to register its driver.
func SetGPIODriver(d GPIODriver) {
	gpioDriver = d
}

// MustGPIO returns the configured driver or panics if missing.
func MustGPIO() GPIODriver {
	if gpioDriver == nil {
		panic("GPIO driver not configured")
	}
	return gpioDriver
}

// GPIOLine binds one pin of a GPIODriver to the hx712.Pin interface. The
// first driver error is kept and reported by Err, since the converter's pin
// calls cannot fail.
type GPIOLine struct {
	driver GPIODriver
	pin    GPIOPin
	err    error
}

// NewGPIOLine returns a line for pin on driver d.
func NewGPIOLine(d GPIODriver, pin GPIOPin) *GPIOLine {
	return &GPIOLine{driver: d, pin: pin}
}

func (l *GPIOLine) Output() {
	l.record(l.driver.ConfigureOutput(l.pin))
}

func (l *GPIOLine) InputPullUp() {
	l.record(l.driver.ConfigureInputPullUp(l.pin))
}

func (l *GPIOLine) Set(high bool) {
	l.record(l.driver.SetPin(l.pin, high))
}

func (l *GPIOLine) Get() bool {
	return l.driver.ReadPin(l.pin)
}

// Err returns the first driver error seen on this line.
func (l *GPIOLine) Err() error {
	return l.err
}

func (l *GPIOLine) record(err error) {
	if l.err == nil {
		l.err = err
	}
}
