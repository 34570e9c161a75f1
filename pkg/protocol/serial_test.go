package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakePort scripts the byte stream a real port would deliver. Each Read
// returns one byte so the frame-sync loop is exercised the way the wire
// drives it.
type fakePort struct {
	rx      []byte
	tx      []byte
	flushes int
	closed  bool
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if len(p.rx) == 0 {
		return 0, nil // read timeout
	}
	buf[0] = p.rx[0]
	p.rx = p.rx[1:]
	return 1, nil
}

func (p *fakePort) Write(buf []byte) (int, error) {
	p.tx = append(p.tx, buf...)
	return len(buf), nil
}

func (p *fakePort) ResetInputBuffer() error  { p.flushes++; return nil }
func (p *fakePort) ResetOutputBuffer() error { return nil }
func (p *fakePort) Close() error             { p.closed = true; return nil }

func (p *fakePort) SetMode(mode *serial.Mode) error               { return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error          { return nil }
func (p *fakePort) Drain() error                                  { return nil }
func (p *fakePort) SetDTR(dtr bool) error                         { return nil }
func (p *fakePort) SetRTS(rts bool) error                         { return nil }
func (p *fakePort) Break(d time.Duration) error                   { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }

var _ serial.Port = (*fakePort)(nil)

func mustFrame(t *testing.T, cmd Command, value int) []byte {
	t.Helper()
	frame, err := Encode(cmd, value)
	require.NoError(t, err)
	return frame
}

func newFakeSerial(port *fakePort) *Serial {
	s := NewSerial(SerialConfig{Port: "fake", Timeout: 100 * time.Millisecond}, nil, testLogger())
	s.port = port
	s.connected = true
	return s
}

func TestSerialExchange(t *testing.T) {
	port := &fakePort{rx: mustFrame(t, CmdVersion, 2100)}
	s := newFakeSerial(port)

	pkt, err := s.Exchange(CmdVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, CmdVersion, pkt.Cmd)
	assert.Equal(t, 2100, pkt.Value)
	assert.Equal(t, mustFrame(t, CmdVersion, 0), port.tx)
}

func TestSerialExchangeNotConnected(t *testing.T) {
	s := NewSerial(SerialConfig{Port: "fake"}, nil, testLogger())
	_, err := s.Exchange(CmdVersion, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSerialGotoReplyIsPosition(t *testing.T) {
	port := &fakePort{rx: mustFrame(t, CmdPosition, 31500)}
	s := newFakeSerial(port)

	pkt, err := s.Exchange(CmdGoto, 31500)
	require.NoError(t, err)
	assert.Equal(t, CmdPosition, pkt.Cmd)
	assert.Equal(t, 31500, pkt.Value)
}

func TestSerialAsyncBytesDuringReply(t *testing.T) {
	rx := []byte{'I', 'I', 'O'}
	rx = append(rx, mustFrame(t, CmdPosition, 30000)...)
	port := &fakePort{rx: rx}
	s := newFakeSerial(port)

	pkt, err := s.Exchange(CmdGoto, 0)
	require.NoError(t, err)
	assert.Equal(t, 30000, pkt.Value)

	events := s.DrainAsync()
	assert.Equal(t, []MoveEvent{EventInward, EventInward, EventOutward}, events)
}

func TestSerialNoiseBytesSkipped(t *testing.T) {
	rx := []byte{0x00, 0xFF, 'x'}
	rx = append(rx, mustFrame(t, CmdTemp, 576)...)
	port := &fakePort{rx: rx}
	s := newFakeSerial(port)

	pkt, err := s.Exchange(CmdTemp, 0)
	require.NoError(t, err)
	assert.Equal(t, 576, pkt.Value)
}

func TestSerialChecksumRetry(t *testing.T) {
	corrupted := mustFrame(t, CmdVersion, 2100)
	corrupted = append([]byte{}, corrupted...)
	corrupted[8]++

	rx := append([]byte{}, corrupted...)
	rx = append(rx, mustFrame(t, CmdVersion, 2100)...)
	port := &fakePort{rx: rx}
	s := newFakeSerial(port)

	pkt, err := s.Exchange(CmdVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, 2100, pkt.Value)
	assert.Equal(t, 1, port.flushes)

	// Both attempts went out on the wire.
	assert.Equal(t, 2*PacketSize, len(port.tx))
}

func TestSerialTimeoutExhaustsRetries(t *testing.T) {
	port := &fakePort{}
	s := newFakeSerial(port)

	_, err := s.Exchange(CmdVersion, 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3*PacketSize, len(port.tx))
}

func TestSerialWrongPrefixRetries(t *testing.T) {
	rx := append([]byte{}, mustFrame(t, CmdTemp, 500)...)
	rx = append(rx, mustFrame(t, CmdVersion, 2100)...)
	port := &fakePort{rx: rx}
	s := newFakeSerial(port)

	pkt, err := s.Exchange(CmdVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, CmdVersion, pkt.Cmd)
}

func TestSerialDrainAsync(t *testing.T) {
	port := &fakePort{rx: []byte{'I', 'O', 'F', 0x07}}
	s := newFakeSerial(port)

	events := s.DrainAsync()
	assert.Equal(t, []MoveEvent{EventInward, EventOutward, EventFinished}, events)
	assert.Empty(t, s.DrainAsync())
}

func TestSerialClose(t *testing.T) {
	port := &fakePort{}
	s := newFakeSerial(port)

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
	assert.False(t, s.Connected())
	require.NoError(t, s.Close())
}
