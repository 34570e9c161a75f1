package protocol

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SimulatorConfig shapes the virtual hardware.
type SimulatorConfig struct {
	Firmware        string        `json:"firmware"`
	InitialPosition int           `json:"initial_position"`
	MaxTravel       int           `json:"max_travel"`
	StepsPerSecond  int           `json:"steps_per_second"`
	Temperature     float64       `json:"temperature_celsius"`
	Latency         time.Duration `json:"-"`
}

// DefaultSimulatorConfig mirrors a freshly flashed unit.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Firmware:        "003330",
		InitialPosition: 30000,
		MaxTravel:       60000,
		StepsPerSecond:  400,
		Temperature:     15.0,
	}
}

// Simulator is an in-process Transport that behaves like real hardware,
// including the asynchronous I/O/F byte stream during motion and the FS
// sync quirks. It holds no file descriptors so tests can run in parallel.
type Simulator struct {
	cfg    SimulatorConfig
	trace  *Trace
	logger log.FieldLogger

	mu        sync.Mutex
	connected bool
	position  int
	target    int
	moving    bool
	maxTravel int
	backlash  int // raw six-digit hardware field
	motorCfg  int
	switches  [4]int // 1=off, 2=on
	stop      chan struct{}
	done      chan struct{}

	evMu   sync.Mutex
	events []MoveEvent

	// Fault injection, consumed by the next Exchange.
	injMu          sync.Mutex
	timeoutOnce    bool
	corruptOnce    bool
	injectedDrops  int
	injectedErrors int
}

// NewSimulator builds a virtual focuser. trace may be nil.
func NewSimulator(cfg SimulatorConfig, trace *Trace, logger log.FieldLogger) *Simulator {
	if cfg.StepsPerSecond <= 0 {
		cfg.StepsPerSecond = 400
	}
	if cfg.MaxTravel <= 0 {
		cfg.MaxTravel = 60000
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "003330"
	}
	return &Simulator{
		cfg:       cfg,
		trace:     trace,
		logger:    logger,
		position:  cfg.InitialPosition,
		target:    cfg.InitialPosition,
		maxTravel: cfg.MaxTravel,
		motorCfg:  523000,
		switches:  [4]int{1, 1, 1, 1},
	}
}

// Connect marks the virtual channel open.
func (s *Simulator) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.logger.Warn("Simulator already connected")
		return nil
	}
	s.connected = true
	s.logger.Infof("Simulator connected (firmware %s)", s.cfg.Firmware)
	return nil
}

// Close stops any running motion and marks the channel closed. Idempotent.
func (s *Simulator) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.logger.Info("Simulator disconnected")
	return nil
}

// Connected reports whether the virtual channel is open.
func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Firmware returns the configured firmware string when connected.
func (s *Simulator) Firmware() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ""
	}
	return s.cfg.Firmware
}

// InjectTimeout makes the next Exchange fail with ErrTimeout once.
func (s *Simulator) InjectTimeout() {
	s.injMu.Lock()
	s.timeoutOnce = true
	s.injMu.Unlock()
}

// InjectChecksumError corrupts the checksum of the next reply once.
func (s *Simulator) InjectChecksumError() {
	s.injMu.Lock()
	s.corruptOnce = true
	s.injMu.Unlock()
}

// FaultCounts reports how many injected timeouts and corruptions have been
// consumed so far.
func (s *Simulator) FaultCounts() (timeouts, corruptions int) {
	s.injMu.Lock()
	defer s.injMu.Unlock()
	return s.injectedDrops, s.injectedErrors
}

// Exchange routes one command through the virtual hardware. Injected
// faults surface here exactly as the wire would present them.
func (s *Simulator) Exchange(cmd Command, value int) (Packet, error) {
	if !s.Connected() {
		return Packet{}, ErrNotConnected
	}

	frame, err := Encode(cmd, value)
	if err != nil {
		return Packet{}, err
	}
	s.trace.TX(frame)

	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}

	s.injMu.Lock()
	if s.timeoutOnce {
		s.timeoutOnce = false
		s.injectedDrops++
		s.injMu.Unlock()
		s.trace.Error(fmt.Sprintf("timeout waiting for %s reply", expectedReply(cmd)))
		return Packet{}, fmt.Errorf("%w: no reply to %s", ErrTimeout, expectedReply(cmd))
	}
	corrupt := s.corruptOnce
	s.corruptOnce = false
	s.injMu.Unlock()

	s.mu.Lock()
	reply, err := s.dispatch(cmd, value)
	s.mu.Unlock()
	if err != nil {
		return Packet{}, err
	}

	out, err := reply.Encode()
	if err != nil {
		return Packet{}, err
	}
	if corrupt {
		s.injMu.Lock()
		s.injectedErrors++
		s.injMu.Unlock()
		out[8]++
		s.trace.RX(out)
		s.logger.Warn("Simulator corrupted reply checksum")
		_, perr := Parse(out)
		return Packet{}, perr
	}

	s.trace.RX(out)
	return reply, nil
}

// dispatch implements the per-command hardware behavior. Caller holds s.mu.
func (s *Simulator) dispatch(cmd Command, value int) (Packet, error) {
	switch cmd {
	case CmdVersion:
		fw := 0
		fmt.Sscanf(s.cfg.Firmware, "%d", &fw)
		return Packet{Cmd: CmdVersion, Value: fw}, nil

	case CmdGoto:
		if value == 0 {
			return Packet{Cmd: CmdPosition, Value: s.position}, nil
		}
		target := value
		if target > s.maxTravel {
			target = s.maxTravel
		}
		if target == s.position {
			return Packet{Cmd: CmdPosition, Value: s.position}, nil
		}
		s.startMotion(target)
		return Packet{Cmd: CmdPosition, Value: target}, nil

	case CmdInward:
		target := s.position - value
		if target < 0 {
			target = 0
		}
		if target != s.position {
			s.startMotion(target)
		}
		return Packet{Cmd: CmdInward, Value: value}, nil

	case CmdOutward:
		target := s.position + value
		if target > s.maxTravel {
			target = s.maxTravel
		}
		if target != s.position {
			s.startMotion(target)
		}
		return Packet{Cmd: CmdOutward, Value: value}, nil

	case CmdHalt:
		if s.moving {
			stop, done := s.stop, s.done
			s.mu.Unlock()
			close(stop)
			<-done
			s.mu.Lock()
		}
		return Packet{Cmd: CmdHalt, Value: 0}, nil

	case CmdTemp:
		raw := int((s.cfg.Temperature + 273.15) * 2.0)
		return Packet{Cmd: CmdTemp, Value: raw}, nil

	case CmdBacklash:
		if value != 0 {
			s.backlash = value
		}
		return Packet{Cmd: CmdBacklash, Value: s.backlash}, nil

	case CmdMaxTravel:
		if value != 0 {
			s.maxTravel = value
		}
		return Packet{Cmd: CmdMaxTravel, Value: s.maxTravel}, nil

	case CmdSync:
		// Hardware quirk: FS000000 and FS000001 echo the current counter
		// instead of setting it.
		if value >= 2 {
			s.position = value
			s.target = value
		}
		return Packet{Cmd: CmdSync, Value: s.position}, nil

	case CmdMotorCfg:
		if value != 0 {
			s.motorCfg = value
		}
		return Packet{Cmd: CmdMotorCfg, Value: s.motorCfg}, nil

	case CmdPower:
		if n := value / 100000; n >= 1 && n <= 4 {
			i := n - 1
			if s.switches[i] == 1 {
				s.switches[i] = 2
			} else {
				s.switches[i] = 1
			}
			s.logger.Infof("Simulator toggled switch %d to %d", n, s.switches[i])
		}
		field := s.switches[0]*1000 + s.switches[1]*100 + s.switches[2]*10 + s.switches[3]
		return Packet{Cmd: CmdPower, Value: field}, nil
	}

	return Packet{}, fmt.Errorf("%w: unsupported command %s", ErrProtocol, cmd)
}

// startMotion launches the background step loop. Caller holds s.mu. Any
// in-flight motion is cancelled first, matching how the hardware reacts
// to a new FG while running.
func (s *Simulator) startMotion(target int) {
	if s.moving {
		stop, done := s.stop, s.done
		s.mu.Unlock()
		close(stop)
		<-done
		s.mu.Lock()
	}

	s.target = target
	s.moving = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.logger.Infof("Simulator motion started: %d -> %d", s.position, target)

	go s.run(target, s.stop, s.done)
}

// run advances the position one step per tick, queueing an I or O byte per
// step the way the hardware reports motion, then an F marker on arrival or
// halt.
func (s *Simulator) run(target int, stop, done chan struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(s.cfg.StepsPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			s.finishMotion("halted")
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.position == target {
				s.mu.Unlock()
				s.finishMotion("arrived")
				return
			}
			if s.position < target {
				s.position++
				s.pushEvent(EventOutward)
			} else {
				s.position--
				s.pushEvent(EventInward)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Simulator) finishMotion(how string) {
	s.mu.Lock()
	s.moving = false
	s.stop = nil
	s.done = nil
	pos := s.position
	s.mu.Unlock()

	s.pushEvent(EventFinished)
	s.logger.Infof("Simulator motion %s at position %d", how, pos)
}

// DrainAsync returns the movement events queued since the previous call.
func (s *Simulator) DrainAsync() []MoveEvent {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	events := s.events
	s.events = nil
	return events
}

func (s *Simulator) pushEvent(e MoveEvent) {
	s.evMu.Lock()
	s.events = append(s.events, e)
	s.evMu.Unlock()
}

// Position reports the virtual position counter. Test hook.
func (s *Simulator) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// MotorConfig returns the raw motor configuration field.
func (s *Simulator) MotorConfig() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motorCfg
}

// Switches returns the four power switch states, 1=off 2=on.
func (s *Simulator) Switches() [4]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// Moving reports whether the step loop is running. Test hook.
func (s *Simulator) Moving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moving
}

var _ Transport = (*Simulator)(nil)
