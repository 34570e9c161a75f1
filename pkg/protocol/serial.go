package protocol

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
	drainTimeout = 10 * time.Millisecond
)

// SerialConfig carries the parameters needed to open the RS-232 channel.
// The Robofocus line discipline is fixed at 8N1 with no flow control.
type SerialConfig struct {
	Port    string
	Baud    int
	Timeout time.Duration
}

// Serial is the Transport implementation for real Robofocus hardware.
type Serial struct {
	cfg    SerialConfig
	trace  *Trace
	logger log.FieldLogger

	// mu guards the port itself so the motion monitor can drain async
	// bytes without holding the controller-level lock.
	mu        sync.Mutex
	port      serial.Port
	connected bool
	firmware  string

	evMu   sync.Mutex
	events []MoveEvent
}

// NewSerial builds a transport over the given port. trace may be nil.
func NewSerial(cfg SerialConfig, trace *Trace, logger log.FieldLogger) *Serial {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Serial{cfg: cfg, trace: trace, logger: logger}
}

// Connect opens the serial port, flushes both directions and validates the
// channel with an FV handshake.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		s.logger.Warn("Already connected")
		return nil
	}

	mode := &serial.Mode{
		BaudRate: s.cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPortNotFound, s.cfg.Port, err)
	}
	port.SetReadTimeout(s.cfg.Timeout)
	port.ResetInputBuffer()
	port.ResetOutputBuffer()
	s.port = port

	pkt, err := s.exchangeLocked(CmdVersion, 0)
	if err != nil {
		port.Close()
		s.port = nil
		return fmt.Errorf("%w: FV handshake failed: %v", ErrProtocol, err)
	}

	s.firmware = fmt.Sprintf("%06d", pkt.Value)
	s.connected = true
	s.logger.Infof("Connected to Robofocus on %s (firmware %s)", s.cfg.Port, s.firmware)
	return nil
}

// Close releases the serial port. Idempotent.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		s.port.Close()
		s.port = nil
		s.logger.Info("Serial port closed")
	}
	s.connected = false
	s.firmware = ""
	return nil
}

// Connected reports whether the port is open and the handshake succeeded.
func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Firmware returns the handshake firmware string.
func (s *Serial) Firmware() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmware
}

// Exchange sends one command and returns its validated reply, retrying
// transient failures.
func (s *Serial) Exchange(cmd Command, value int) (Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return Packet{}, ErrNotConnected
	}
	return s.exchangeLocked(cmd, value)
}

// exchangeLocked runs the write/read cycle with the retry policy. Caller
// holds s.mu and guarantees s.port is open.
func (s *Serial) exchangeLocked(cmd Command, value int) (Packet, error) {
	frame, err := Encode(cmd, value)
	if err != nil {
		return Packet{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.logger.Warnf("Command %s retry %d/%d: %v", cmd, attempt, maxAttempts, lastErr)
			s.port.ResetInputBuffer()
			s.port.ResetOutputBuffer()
			time.Sleep(retryBackoff)
		}

		s.trace.TX(frame)
		s.logger.Debugf("TX: %s", hexDump(frame))

		if _, err := s.port.Write(frame); err != nil {
			lastErr = fmt.Errorf("%w: write: %v", ErrTimeout, err)
			continue
		}

		pkt, err := s.readReply(expectedReply(cmd))
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrTimeout) || errors.Is(err, ErrChecksum) || errors.Is(err, ErrProtocol) {
				continue
			}
			return Packet{}, err
		}
		return pkt, nil
	}

	s.trace.Error(fmt.Sprintf("%s failed after %d attempts: %v", cmd, maxAttempts, lastErr))
	return Packet{}, fmt.Errorf("%s failed after %d attempts: %w", cmd, maxAttempts, lastErr)
}

// readReply collects one 9-byte frame, consuming asynchronous status bytes
// that intermix with it. Frame sync starts at a byte matching the expected
// reply's first letter; in practice every reply leads with 'F'.
func (s *Serial) readReply(expect Command) (Packet, error) {
	buf := make([]byte, 1)

	for {
		n, err := s.port.Read(buf)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: read: %v", ErrTimeout, err)
		}
		if n == 0 {
			s.trace.Error(fmt.Sprintf("timeout waiting for %s reply", expect))
			return Packet{}, fmt.Errorf("%w: no reply to %s", ErrTimeout, expect)
		}

		switch b := buf[0]; b {
		case 'I':
			s.pushEvent(EventInward)
		case 'O':
			s.pushEvent(EventOutward)
		case expect[0]:
			frame := make([]byte, PacketSize)
			frame[0] = b
			if err := s.readFull(frame[1:]); err != nil {
				// A lone 'F' with nothing behind it within the frame
				// window is a motion-finished marker, not a reply.
				if errors.Is(err, ErrTimeout) {
					s.pushEvent(EventFinished)
				}
				return Packet{}, err
			}
			s.trace.RX(frame)
			s.logger.Debugf("RX: %s", hexDump(frame))

			pkt, err := Parse(frame)
			if err != nil {
				return Packet{}, err
			}
			if pkt.Cmd != expect {
				return Packet{}, fmt.Errorf("%w: expected %s reply, got %s", ErrProtocol, expect, pkt.Cmd)
			}
			return pkt, nil
		default:
			s.logger.Warnf("Unexpected byte on wire: 0x%02X", b)
			s.trace.RX(buf[:1])
		}
	}
}

// readFull fills p, returning ErrTimeout if the port stalls mid-frame.
func (s *Serial) readFull(p []byte) error {
	for off := 0; off < len(p); {
		n, err := s.port.Read(p[off:])
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTimeout, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: incomplete frame, %d/%d bytes", ErrTimeout, off+1, PacketSize)
		}
		off += n
	}
	return nil
}

// DrainAsync reads whatever status bytes are waiting in the input buffer
// and returns the recognized movement events. Non-blocking beyond a short
// poll window.
func (s *Serial) DrainAsync() []MoveEvent {
	s.mu.Lock()
	if s.port != nil && s.connected {
		s.port.SetReadTimeout(drainTimeout)
		buf := make([]byte, 64)
		for {
			n, err := s.port.Read(buf)
			if err != nil || n == 0 {
				break
			}
			for _, b := range buf[:n] {
				switch b {
				case 'I':
					s.pushEvent(EventInward)
				case 'O':
					s.pushEvent(EventOutward)
				case 'F':
					s.pushEvent(EventFinished)
				default:
					s.logger.Debugf("Noise byte while draining: 0x%02X", b)
				}
			}
		}
		s.port.SetReadTimeout(s.cfg.Timeout)
	}
	s.mu.Unlock()

	return s.takeEvents()
}

func (s *Serial) pushEvent(e MoveEvent) {
	s.evMu.Lock()
	s.events = append(s.events, e)
	s.evMu.Unlock()
}

func (s *Serial) takeEvents() []MoveEvent {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	events := s.events
	s.events = nil
	return events
}

var _ Transport = (*Serial)(nil)
