package focuser

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"robofocus/pkg/protocol"
)

const (
	focuserUID       = "8c1fbc1e-52f2-44a9-9a3b-0f3da7f3ab1a"
	DeviceName       = "Robofocus"
	DeviceType       = "Focuser"
	DriverName       = "Robofocus Alpaca Driver"
	DriverVersion    = "1.0"
	InterfaceVersion = 3
)

// DriverConfig carries everything the driver needs to build a transport on
// demand.
type DriverConfig struct {
	Controller Config
	Serial     protocol.SerialConfig
	Simulator  protocol.SimulatorConfig
	UseSim     bool
}

// Driver owns the connection lifecycle of the single focuser device. A
// fresh transport and controller are built on every connect so a mode or
// port change takes effect on the next connection.
type Driver struct {
	number int
	cfg    DriverConfig
	store  Store
	trace  *protocol.Trace
	logger log.FieldLogger

	mu         sync.Mutex
	controller *Controller
	simulator  *protocol.Simulator // non-nil while connected in simulator mode
}

// NewDriver builds the device driver. store and trace may be nil.
func NewDriver(number int, cfg DriverConfig, store Store, trace *protocol.Trace, logger log.FieldLogger) *Driver {
	d := &Driver{
		number: number,
		cfg:    cfg,
		store:  store,
		trace:  trace,
		logger: logger,
	}

	if store != nil {
		if s, err := store.GetSettings(); err == nil {
			if s.LastPort != "" {
				d.cfg.Serial.Port = s.LastPort
			}
			d.cfg.UseSim = s.Simulator
		}
	}
	return d
}

// Number returns the Alpaca device number.
func (d *Driver) Number() int { return d.number }

// UniqueID returns the stable Alpaca device identifier.
func (d *Driver) UniqueID() string { return focuserUID }

// Description returns the device description string.
func (d *Driver) Description() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.controller != nil {
		if fw := d.controller.Firmware(); fw != "" {
			return fmt.Sprintf("Robofocus focuser, firmware %s", fw)
		}
	}
	return "Robofocus focuser"
}

// Connect builds a transport for the current mode and opens it.
func (d *Driver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.controller != nil && d.controller.Connected() {
		return nil
	}

	var transport protocol.Transport
	if d.cfg.UseSim {
		sim := protocol.NewSimulator(d.cfg.Simulator, d.trace, d.logger)
		d.simulator = sim
		transport = sim
		d.logger.Info("Connecting in simulator mode")
	} else {
		if d.cfg.Serial.Port == "" {
			return fmt.Errorf("%w: no serial port configured", ErrInvalidOperation)
		}
		d.simulator = nil
		transport = protocol.NewSerial(d.cfg.Serial, d.trace, d.logger)
		d.logger.Infof("Connecting on %s", d.cfg.Serial.Port)
	}

	ctrl := NewController(transport, d.cfg.Controller, d.store, d.logger)
	if err := ctrl.Connect(); err != nil {
		d.simulator = nil
		return err
	}
	d.controller = ctrl

	if d.store != nil && !d.cfg.UseSim {
		if s, err := d.store.GetSettings(); err == nil {
			s.LastPort = d.cfg.Serial.Port
			if err := d.store.SetSettings(s); err != nil {
				d.logger.Warnf("Could not persist last port: %v", err)
			}
		}
	}
	return nil
}

// Disconnect closes the active connection. Refused while moving.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.controller == nil {
		return nil
	}
	if err := d.controller.Disconnect(); err != nil {
		return err
	}
	d.controller = nil
	d.simulator = nil
	return nil
}

// Close tears the driver down at program exit, halting any motion first.
func (d *Driver) Close() {
	d.mu.Lock()
	ctrl := d.controller
	d.mu.Unlock()

	if ctrl == nil {
		return
	}
	if ctrl.Moving() {
		if err := ctrl.Halt(); err != nil {
			d.logger.Errorf("Halt on shutdown failed: %v", err)
		}
	}
	// Bypass the moving guard: the process is going away either way.
	ctrl.mu.Lock()
	ctrl.moving = false
	ctrl.mu.Unlock()
	if err := d.Disconnect(); err != nil {
		d.logger.Errorf("Disconnect on shutdown failed: %v", err)
	}
}

// Connected reports whether the device holds an open channel.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controller != nil && d.controller.Connected()
}

// Connecting is always false: connect is synchronous.
func (d *Driver) Connecting() bool { return false }

// Simulator reports whether the next connection uses the virtual hardware.
func (d *Driver) Simulator() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.UseSim
}

// SetSimulator switches between the real port and the virtual hardware.
// Refused while connected.
func (d *Driver) SetSimulator(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.controller != nil && d.controller.Connected() {
		return fmt.Errorf("%w: cannot switch mode while connected", ErrInvalidOperation)
	}
	d.cfg.UseSim = enabled
	d.logger.Infof("Simulator mode: %v", enabled)

	if d.store != nil {
		if s, err := d.store.GetSettings(); err == nil {
			s.Simulator = enabled
			if err := d.store.SetSettings(s); err != nil {
				d.logger.Warnf("Could not persist mode: %v", err)
			}
		}
	}
	return nil
}

// Port returns the configured serial port.
func (d *Driver) Port() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Serial.Port
}

// SetPort selects the serial port for the next connection. Refused while
// connected.
func (d *Driver) SetPort(port string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.controller != nil && d.controller.Connected() {
		return fmt.Errorf("%w: cannot change port while connected", ErrInvalidOperation)
	}
	d.cfg.Serial.Port = port
	return nil
}

// ListPorts enumerates the serial ports on the system.
func (d *Driver) ListPorts() ([]string, error) {
	return protocol.ListPorts()
}

// Scan probes the system's ports for Robofocus hardware, skipping the port
// currently in use.
func (d *Driver) Scan() ([]protocol.DiscoveredDevice, error) {
	var skip []string
	d.mu.Lock()
	if d.controller != nil && d.controller.Connected() && !d.cfg.UseSim {
		skip = append(skip, d.cfg.Serial.Port)
	}
	d.mu.Unlock()

	return protocol.Scan(skip, d.logger)
}

// SimulatorState reports the virtual hardware extras. ok is false on real
// hardware or while disconnected.
func (d *Driver) SimulatorState() (motorCfg int, switches [4]int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.simulator == nil {
		return 0, [4]int{}, false
	}
	return d.simulator.MotorConfig(), d.simulator.Switches(), true
}

// ctrl returns the active controller or ErrNotConnected.
func (d *Driver) ctrl() (*Controller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.controller == nil || !d.controller.Connected() {
		return nil, ErrNotConnected
	}
	return d.controller, nil
}

// Position returns the logical focuser position.
func (d *Driver) Position() (int, error) {
	c, err := d.ctrl()
	if err != nil {
		return 0, err
	}
	return c.Position()
}

// Moving reports whether a motion is in progress.
func (d *Driver) Moving() bool {
	c, err := d.ctrl()
	if err != nil {
		return false
	}
	return c.Moving()
}

// Temperature returns the probe reading in degrees Celsius.
func (d *Driver) Temperature() (float64, error) {
	c, err := d.ctrl()
	if err != nil {
		return 0, err
	}
	return c.Temperature()
}

// MaxStep returns the largest reachable logical position.
func (d *Driver) MaxStep() (int, error) {
	c, err := d.ctrl()
	if err != nil {
		return 0, err
	}
	return c.MaxStep(), nil
}

// MaxIncrement returns the per-move step limit.
func (d *Driver) MaxIncrement() (int, error) {
	c, err := d.ctrl()
	if err != nil {
		return 0, err
	}
	return c.MaxIncrement(), nil
}

// StepSize returns the step size in microns.
func (d *Driver) StepSize() float64 {
	return d.cfg.Controller.StepSize
}

// Backlash returns the signed backlash compensation.
func (d *Driver) Backlash() (int, error) {
	c, err := d.ctrl()
	if err != nil {
		return 0, err
	}
	return c.Backlash()
}

// SetBacklash writes the signed backlash compensation.
func (d *Driver) SetBacklash(steps int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.SetBacklash(steps)
}

// Move starts a non-blocking absolute move.
func (d *Driver) Move(position int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.Move(position)
}

// MoveIn starts a relative inward move.
func (d *Driver) MoveIn(steps int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.MoveIn(steps)
}

// MoveOut starts a relative outward move.
func (d *Driver) MoveOut(steps int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.MoveOut(steps)
}

// Halt stops a move in progress.
func (d *Driver) Halt() error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.Halt()
}

// SetZero rebases the logical scale at the current position.
func (d *Driver) SetZero(logical int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.SetZero(logical)
}

// SyncPosition writes the hardware position counter.
func (d *Driver) SyncPosition(logical int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.SyncPosition(logical)
}

// SetMaxTravel writes the hardware travel limit.
func (d *Driver) SetMaxTravel(value int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.SetMaxTravel(value)
}

// SetMaxIncrement updates the soft per-move limit.
func (d *Driver) SetMaxIncrement(value int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.SetMaxIncrement(value)
}

// SetMinPosition updates the soft lower travel bound.
func (d *Driver) SetMinPosition(value int) error {
	c, err := d.ctrl()
	if err != nil {
		return err
	}
	return c.SetMinPosition(value)
}

// Status returns a snapshot of the device state for the GUI surface.
func (d *Driver) Status() Status {
	d.mu.Lock()
	ctrl := d.controller
	d.mu.Unlock()

	if ctrl == nil {
		return Status{}
	}
	return ctrl.Status()
}
