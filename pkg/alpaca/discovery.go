package alpaca

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const discoveryPort = 32227

// DiscoveryResponder answers Alpaca discovery broadcasts on UDP port 32227
// with the HTTP port the server listens on.
type DiscoveryResponder struct {
	addr     string
	response string
	logger   log.FieldLogger
}

func NewDiscoveryResponder(addr string, httpPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		response: fmt.Sprintf(`{"AlpacaPort": %d}`, httpPort),
		logger:   logger,
	}
}

// Run serves discovery requests until ctx is cancelled.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	listenAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, fmt.Sprint(discoveryPort)))
	if err != nil {
		return fmt.Errorf("cannot resolve discovery address: %w", err)
	}

	recv, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %w", err)
	}
	defer recv.Close()

	// Replies go out through a separate socket on an ephemeral port.
	sendAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, "0"))
	if err != nil {
		return err
	}

	send, err := net.ListenUDP("udp", sendAddr)
	if err != nil {
		return fmt.Errorf("cannot bind reply socket: %w", err)
	}
	defer send.Close()

	d.logger.Infof("Discovery responder listening on %s", listenAddr)

	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Short read deadline so ctx cancellation is noticed promptly.
		recv.SetReadDeadline(time.Now().Add(time.Second))

		n, remote, err := recv.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			d.logger.Debugf("Discovery read error: %v", err)
			continue
		}

		payload := string(buf[:n])
		d.logger.Debugf("Discovery request %q from %s", payload, remote)

		if strings.Contains(payload, "alpacadiscovery1") {
			if _, err := send.WriteToUDP([]byte(d.response), remote); err != nil {
				d.logger.Errorf("Discovery reply to %s failed: %v", remote, err)
			}
		}
	}
}
