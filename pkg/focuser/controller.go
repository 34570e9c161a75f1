package focuser

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"robofocus/pkg/protocol"
)

// Config carries the controller tunables. Zero values fall back to the
// defaults below.
type Config struct {
	StepSize     float64 // microns per step
	MaxStep      int     // fallback travel limit if FL cannot be read
	MinPosition  int
	MaxIncrement int

	PollMoving   time.Duration
	PollIdle     time.Duration
	TempInterval time.Duration
	SettleDelay  time.Duration
	HaltDeadline time.Duration
	StallTimeout time.Duration
	PositionAge  time.Duration
}

// DefaultConfig returns the tunables for a stock unit.
func DefaultConfig() Config {
	return Config{
		StepSize:     2.0,
		MaxStep:      60000,
		MinPosition:  0,
		MaxIncrement: 5000,
		PollMoving:   100 * time.Millisecond,
		PollIdle:     5 * time.Second,
		TempInterval: 5 * time.Second,
		SettleDelay:  150 * time.Millisecond,
		HaltDeadline: 3 * time.Second,
		StallTimeout: 5 * time.Second,
		PositionAge:  time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.StepSize <= 0 {
		c.StepSize = d.StepSize
	}
	if c.MaxStep <= 0 {
		c.MaxStep = d.MaxStep
	}
	if c.MaxIncrement <= 0 {
		c.MaxIncrement = d.MaxIncrement
	}
	if c.PollMoving <= 0 {
		c.PollMoving = d.PollMoving
	}
	if c.PollIdle <= 0 {
		c.PollIdle = d.PollIdle
	}
	if c.TempInterval <= 0 {
		c.TempInterval = d.TempInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.HaltDeadline <= 0 {
		c.HaltDeadline = d.HaltDeadline
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.PositionAge <= 0 {
		c.PositionAge = d.PositionAge
	}
}

// Settings are the user-tunable values persisted across restarts.
type Settings struct {
	LastPort     string `json:"last_port"`
	MaxIncrement int    `json:"max_increment"`
	MinPosition  int    `json:"min_position"`
	ZeroOffset   int    `json:"zero_offset"`
	Simulator    bool   `json:"simulator"`
}

// Store persists Settings. Implementations must tolerate concurrent calls.
type Store interface {
	GetSettings() (Settings, error)
	SetSettings(Settings) error
}

// Status is a consistent snapshot of the controller state. Positions are
// logical, with the zero offset already applied.
type Status struct {
	Connected    bool    `json:"connected"`
	Position     int     `json:"position"`
	Target       int     `json:"target"`
	Moving       bool    `json:"moving"`
	Temperature  float64 `json:"temperature"`
	Firmware     string  `json:"firmware"`
	Backlash     int     `json:"backlash"`
	MaxStep      int     `json:"max_step"`
	MaxIncrement int     `json:"max_increment"`
	MinPosition  int     `json:"min_position"`
	ZeroOffset   int     `json:"zero_offset"`
}

// Controller is the focuser state machine. It owns the transport while
// connected and serializes every operation under one mutex; the motion
// monitor goroutine is the only other writer.
type Controller struct {
	cfg    Config
	store  Store
	logger log.FieldLogger

	mu        sync.Mutex
	transport protocol.Transport
	connected bool
	position  int // raw hardware counter
	target    int
	moving    bool
	firmware  string
	hwMax     int
	backlash  int // signed steps
	offset    int
	maxInc    int
	minPos    int
	temp      float64
	tempAt    time.Time
	posAt     time.Time
	progress  time.Time
	haltAt    time.Time
	halting   bool

	stop chan struct{}
	done chan struct{}
}

// NewController builds a controller over the given transport. store may be
// nil, in which case settings are not persisted.
func NewController(t protocol.Transport, cfg Config, store Store, logger log.FieldLogger) *Controller {
	cfg.applyDefaults()

	c := &Controller{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		transport: t,
		hwMax:     cfg.MaxStep,
		maxInc:    cfg.MaxIncrement,
		minPos:    cfg.MinPosition,
	}

	if store != nil {
		if s, err := store.GetSettings(); err != nil {
			logger.Warnf("Could not load settings: %v", err)
		} else {
			if s.MaxIncrement > 0 {
				c.maxInc = s.MaxIncrement
			}
			if s.MinPosition > 0 {
				c.minPos = s.MinPosition
			}
			c.offset = s.ZeroOffset
		}
	}
	return c
}

// Connect opens the transport, reads the hardware limits and starts the
// motion monitor.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.logger.Warn("Already connected")
		return nil
	}

	if err := c.transport.Connect(); err != nil {
		return err
	}
	c.firmware = c.transport.Firmware()

	pkt, err := c.transport.Exchange(protocol.CmdGoto, 0)
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("reading position: %w", err)
	}
	c.position = pkt.Value
	c.target = pkt.Value
	c.posAt = time.Now()

	// FL and FB reads are best effort. Some firmware revisions answer them
	// with mismatched prefixes that persist past the retry budget.
	if pkt, err := c.transport.Exchange(protocol.CmdMaxTravel, 0); err != nil {
		c.logger.Warnf("Could not read max travel, using %d: %v", c.hwMax, err)
	} else if pkt.Value > 0 {
		c.hwMax = pkt.Value
	}

	if pkt, err := c.transport.Exchange(protocol.CmdBacklash, 0); err != nil {
		c.logger.Warnf("Could not read backlash: %v", err)
	} else {
		c.backlash = protocol.DecodeBacklash(pkt.Value)
	}

	c.connected = true
	c.moving = false
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.monitor(c.stop, c.done)

	c.logger.Infof("Focuser connected: position %d, max travel %d, backlash %d, firmware %s",
		c.position, c.hwMax, c.backlash, c.firmware)
	return nil
}

// Disconnect stops the monitor and closes the transport. Refused while a
// move is in progress so the motor is never left running unattended.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.moving {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot disconnect while moving", ErrInvalidOperation)
	}
	stop, done := c.stop, c.done
	c.connected = false
	c.mu.Unlock()

	close(stop)
	<-done

	c.mu.Lock()
	err := c.transport.Close()
	c.firmware = ""
	c.mu.Unlock()

	c.logger.Info("Focuser disconnected")
	return err
}

// Connected reports whether the controller holds an open channel.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Firmware returns the handshake firmware string.
func (c *Controller) Firmware() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// Position returns the logical position. While idle a stale cache is
// refreshed from the hardware; during motion the event-tracked cache is
// served as is.
func (c *Controller) Position() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return 0, ErrNotConnected
	}
	if !c.moving && time.Since(c.posAt) > c.cfg.PositionAge {
		if pkt, err := c.transport.Exchange(protocol.CmdGoto, 0); err == nil {
			c.position = pkt.Value
			c.posAt = time.Now()
		} else {
			c.logger.Warnf("Position refresh failed, serving cache: %v", err)
		}
	}
	return c.position - c.offset, nil
}

// Moving reports whether a motion is in progress.
func (c *Controller) Moving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.moving
}

// Temperature returns the probe reading in degrees Celsius, cached on a
// fixed cadence. The sensor is never queried while the motor runs.
func (c *Controller) Temperature() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return 0, ErrNotConnected
	}
	if c.moving || time.Since(c.tempAt) < c.cfg.TempInterval {
		return c.temp, nil
	}

	pkt, err := c.transport.Exchange(protocol.CmdTemp, 0)
	if err != nil {
		return 0, fmt.Errorf("reading temperature: %w", err)
	}
	c.temp = protocol.TempCelsius(pkt.Value)
	c.tempAt = time.Now()
	return c.temp, nil
}

// MaxStep returns the largest reachable logical position.
func (c *Controller) MaxStep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hwMax - c.offset
}

// MaxIncrement returns the soft per-move step limit.
func (c *Controller) MaxIncrement() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInc
}

// StepSize returns the configured step size in microns.
func (c *Controller) StepSize() float64 {
	return c.cfg.StepSize
}

// Backlash returns the signed backlash compensation: negative values bias
// inward motion, positive bias outward, zero disables it. Served from cache
// while moving.
func (c *Controller) Backlash() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return 0, ErrNotConnected
	}
	if c.moving {
		return c.backlash, nil
	}

	pkt, err := c.transport.Exchange(protocol.CmdBacklash, 0)
	if err != nil {
		c.logger.Warnf("Backlash refresh failed, serving cache: %v", err)
		return c.backlash, nil
	}
	c.backlash = protocol.DecodeBacklash(pkt.Value)
	return c.backlash, nil
}

// SetBacklash writes the signed backlash compensation to the hardware.
func (c *Controller) SetBacklash(steps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if c.moving {
		return fmt.Errorf("%w: cannot set backlash while moving", ErrInvalidOperation)
	}

	raw, err := protocol.EncodeBacklash(steps)
	if err != nil {
		return fmt.Errorf("%w: backlash %d out of range -255..255", ErrInvalidValue, steps)
	}
	if _, err := c.transport.Exchange(protocol.CmdBacklash, raw); err != nil {
		return fmt.Errorf("setting backlash: %w", err)
	}
	c.backlash = steps
	c.logger.Infof("Backlash set to %d", steps)
	return nil
}

// Move starts a non-blocking absolute move to the logical position.
func (c *Controller) Move(logical int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if c.moving {
		return fmt.Errorf("%w: move already in progress", ErrInvalidOperation)
	}

	raw := logical + c.offset
	if raw < c.minPos || raw > c.hwMax {
		return fmt.Errorf("%w: position %d out of range %d..%d",
			ErrInvalidValue, logical, c.minPos-c.offset, c.hwMax-c.offset)
	}
	if delta := abs(raw - c.position); delta > c.maxInc {
		return fmt.Errorf("%w: step %d exceeds max increment %d", ErrInvalidValue, delta, c.maxInc)
	}
	if raw == c.position {
		return nil
	}

	pkt, err := c.transport.Exchange(protocol.CmdGoto, raw)
	if err != nil {
		return fmt.Errorf("starting move: %w", err)
	}
	c.target = pkt.Value
	c.moving = true
	c.halting = false
	c.progress = time.Now()
	c.logger.Infof("Moving %d -> %d", c.position, c.target)
	return nil
}

// MoveIn starts a relative inward move of steps.
func (c *Controller) MoveIn(steps int) error {
	return c.moveRelative(protocol.CmdInward, steps)
}

// MoveOut starts a relative outward move of steps.
func (c *Controller) MoveOut(steps int) error {
	return c.moveRelative(protocol.CmdOutward, steps)
}

func (c *Controller) moveRelative(cmd protocol.Command, steps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if c.moving {
		return fmt.Errorf("%w: move already in progress", ErrInvalidOperation)
	}
	if steps <= 0 || steps > c.maxInc {
		return fmt.Errorf("%w: step count %d out of range 1..%d", ErrInvalidValue, steps, c.maxInc)
	}

	target := c.position + steps
	if cmd == protocol.CmdInward {
		target = c.position - steps
	}
	if target < c.minPos || target > c.hwMax {
		return fmt.Errorf("%w: relative move lands at %d, outside %d..%d",
			ErrInvalidValue, target-c.offset, c.minPos-c.offset, c.hwMax-c.offset)
	}

	if _, err := c.transport.Exchange(cmd, steps); err != nil {
		return fmt.Errorf("starting relative move: %w", err)
	}
	c.target = target
	c.moving = true
	c.halting = false
	c.progress = time.Now()
	c.logger.Infof("Moving %d -> %d (%s %d)", c.position, target, cmd, steps)
	return nil
}

// Halt stops a move in progress. The moving flag clears when the finish
// marker arrives or after the safety deadline, whichever is first.
func (c *Controller) Halt() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if !c.moving {
		return nil
	}

	if _, err := c.transport.Exchange(protocol.CmdHalt, 0); err != nil {
		return fmt.Errorf("halting: %w", err)
	}
	c.halting = true
	c.haltAt = time.Now()
	c.logger.Info("Halt requested")
	return nil
}

// SetZero makes the current physical position read as the given logical
// value. Local bookkeeping only, nothing is written to the hardware.
func (c *Controller) SetZero(logical int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if c.moving {
		return fmt.Errorf("%w: cannot set zero while moving", ErrInvalidOperation)
	}

	c.offset = c.position - logical
	c.logger.Infof("Zero offset set to %d (position %d reads as %d)", c.offset, c.position, logical)
	c.persistLocked()
	return nil
}

// SyncPosition writes the hardware position counter. Raw values below 2 are
// rejected: the hardware echoes 0 and 1 instead of setting them.
func (c *Controller) SyncPosition(logical int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if c.moving {
		return fmt.Errorf("%w: cannot sync while moving", ErrInvalidOperation)
	}

	raw := logical + c.offset
	if raw < 2 || raw > protocol.MaxValue {
		return fmt.Errorf("%w: sync value %d maps to counter %d, usable range is 2..%d",
			ErrInvalidValue, logical, raw, protocol.MaxValue)
	}

	pkt, err := c.transport.Exchange(protocol.CmdSync, raw)
	if err != nil {
		return fmt.Errorf("syncing position: %w", err)
	}
	c.position = pkt.Value
	c.target = pkt.Value
	c.posAt = time.Now()
	c.logger.Infof("Position counter synced to %d", pkt.Value)
	return nil
}

// SetMaxTravel writes the hardware travel limit and reads it back.
func (c *Controller) SetMaxTravel(value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if c.moving {
		return fmt.Errorf("%w: cannot set max travel while moving", ErrInvalidOperation)
	}
	if value < 1 || value > protocol.MaxValue {
		return fmt.Errorf("%w: max travel %d out of range 1..%d", ErrInvalidValue, value, protocol.MaxValue)
	}

	if _, err := c.transport.Exchange(protocol.CmdMaxTravel, value); err != nil {
		return fmt.Errorf("setting max travel: %w", err)
	}
	pkt, err := c.transport.Exchange(protocol.CmdMaxTravel, 0)
	if err != nil {
		return fmt.Errorf("reading back max travel: %w", err)
	}
	c.hwMax = pkt.Value
	c.logger.Infof("Max travel set to %d", c.hwMax)
	return nil
}

// SetMaxIncrement updates the soft per-move limit.
func (c *Controller) SetMaxIncrement(value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value < 1 || value > c.hwMax {
		return fmt.Errorf("%w: max increment %d out of range 1..%d", ErrInvalidValue, value, c.hwMax)
	}
	c.maxInc = value
	c.persistLocked()
	return nil
}

// SetMinPosition updates the soft lower travel bound.
func (c *Controller) SetMinPosition(value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value < 0 || value >= c.hwMax {
		return fmt.Errorf("%w: min position %d out of range 0..%d", ErrInvalidValue, value, c.hwMax-1)
	}
	c.minPos = value
	c.persistLocked()
	return nil
}

// Status returns a consistent snapshot for the service surface.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Connected:    c.connected,
		Position:     c.position - c.offset,
		Target:       c.target - c.offset,
		Moving:       c.moving,
		Temperature:  c.temp,
		Firmware:     c.firmware,
		Backlash:     c.backlash,
		MaxStep:      c.hwMax - c.offset,
		MaxIncrement: c.maxInc,
		MinPosition:  c.minPos - c.offset,
		ZeroOffset:   c.offset,
	}
}

// persistLocked writes the durable settings. Caller holds c.mu.
func (c *Controller) persistLocked() {
	if c.store == nil {
		return
	}
	s, err := c.store.GetSettings()
	if err != nil {
		c.logger.Warnf("Could not load settings for update: %v", err)
		s = Settings{}
	}
	s.MaxIncrement = c.maxInc
	s.MinPosition = c.minPos
	s.ZeroOffset = c.offset
	if err := c.store.SetSettings(s); err != nil {
		c.logger.Warnf("Could not persist settings: %v", err)
	}
}

// monitor tracks motion by draining the async event stream. It is the only
// goroutine besides API callers that touches controller state.
func (c *Controller) monitor(stop, done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		interval := c.cfg.PollIdle
		if c.moving {
			interval = c.cfg.PollMoving
		}
		c.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}

		c.tick()
	}
}

// tick processes one monitor cycle.
func (c *Controller) tick() {
	events := c.transport.DrainAsync()

	c.mu.Lock()
	defer c.mu.Unlock()

	finished := false
	for _, e := range events {
		switch e {
		case protocol.EventInward:
			c.position--
			c.progress = time.Now()
		case protocol.EventOutward:
			c.position++
			c.progress = time.Now()
		case protocol.EventFinished:
			finished = true
		}
	}
	if len(events) > 0 {
		c.posAt = time.Now()
	}

	if !c.moving {
		return
	}

	switch {
	case finished:
		c.settleLocked("finished")

	case c.halting && time.Since(c.haltAt) > c.cfg.HaltDeadline:
		c.logger.Warn("Halt deadline expired without finish marker")
		c.settleLocked("halt deadline")

	case time.Since(c.progress) > c.cfg.StallTimeout:
		c.logger.Warn("No movement events within stall window, refreshing position")
		if pkt, err := c.transport.Exchange(protocol.CmdGoto, 0); err == nil {
			c.position = pkt.Value
			c.posAt = time.Now()
			if c.position == c.target {
				c.moving = false
				c.halting = false
				c.logger.Infof("Motion complete at %d", c.position-c.offset)
			}
		}
		c.progress = time.Now()
	}
}

// settleLocked waits out the post-motion settling window, refreshes the
// position from the hardware and clears the moving flag. Caller holds c.mu.
func (c *Controller) settleLocked(reason string) {
	time.Sleep(c.cfg.SettleDelay)

	if pkt, err := c.transport.Exchange(protocol.CmdGoto, 0); err != nil {
		c.logger.Warnf("Position refresh after %s failed: %v", reason, err)
	} else {
		c.position = pkt.Value
		c.posAt = time.Now()
	}
	c.moving = false
	c.halting = false
	c.logger.Infof("Motion %s at position %d", reason, c.position-c.offset)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
