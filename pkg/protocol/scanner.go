package protocol

import (
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const probeTimeout = time.Second

// DiscoveredDevice describes a Robofocus unit found during a port scan.
type DiscoveredDevice struct {
	Port     string `json:"port"`
	Firmware string `json:"firmware"`
}

// ListPorts enumerates the serial ports present on the system, sorted by
// name.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// Scan probes every serial port with an FV command and reports the ones
// that answer like a Robofocus. Ports named in skip are left untouched so
// an open connection is never disturbed.
func Scan(skip []string, logger log.FieldLogger) ([]DiscoveredDevice, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}

	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	logger.Infof("Scanning %d ports for Robofocus devices", len(ports))
	start := time.Now()

	var found []DiscoveredDevice
	for _, name := range ports {
		if skipped[name] {
			logger.Debugf("Skipping %s: in use", name)
			continue
		}
		if dev, ok := probePort(name, logger); ok {
			found = append(found, dev)
		}
	}

	logger.Infof("Scan complete: %d device(s) in %s", len(found), time.Since(start).Round(time.Millisecond))
	return found, nil
}

// probePort opens one port briefly and checks for a valid FV reply.
func probePort(name string, logger log.FieldLogger) (DiscoveredDevice, bool) {
	mode := &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		logger.Debugf("Skipping %s: %v", name, err)
		return DiscoveredDevice{}, false
	}
	defer port.Close()

	port.SetReadTimeout(probeTimeout)
	port.ResetInputBuffer()
	port.ResetOutputBuffer()

	frame, err := Encode(CmdVersion, 0)
	if err != nil {
		return DiscoveredDevice{}, false
	}
	if _, err := port.Write(frame); err != nil {
		logger.Debugf("Skipping %s: write: %v", name, err)
		return DiscoveredDevice{}, false
	}

	reply := make([]byte, PacketSize)
	for off := 0; off < PacketSize; {
		n, err := port.Read(reply[off:])
		if err != nil || n == 0 {
			logger.Debugf("%s: no valid reply (%d bytes)", name, off)
			return DiscoveredDevice{}, false
		}
		off += n
	}

	pkt, err := Parse(reply)
	if err != nil || pkt.Cmd != CmdVersion {
		logger.Debugf("%s: not a Robofocus reply", name)
		return DiscoveredDevice{}, false
	}

	firmware := fmt.Sprintf("%06d", pkt.Value)
	logger.Infof("Found Robofocus on %s (firmware %s)", name, firmware)
	return DiscoveredDevice{Port: name, Firmware: firmware}, true
}
