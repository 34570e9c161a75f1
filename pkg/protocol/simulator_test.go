package protocol

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.FieldLogger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()
	cfg := DefaultSimulatorConfig()
	cfg.StepsPerSecond = 10000
	sim := NewSimulator(cfg, nil, testLogger())
	require.NoError(t, sim.Connect())
	t.Cleanup(func() { sim.Close() })
	return sim
}

func waitIdle(t *testing.T, sim *Simulator) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for sim.Moving() {
		if time.Now().After(deadline) {
			t.Fatal("simulator did not stop moving")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSimulatorNotConnected(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), nil, testLogger())
	_, err := sim.Exchange(CmdVersion, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, sim.Firmware())
}

func TestSimulatorHandshake(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, CmdVersion, pkt.Cmd)
	assert.Equal(t, 3330, pkt.Value)
	assert.Equal(t, "003330", sim.Firmware())
}

func TestSimulatorPositionQuery(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdGoto, 0)
	require.NoError(t, err)
	assert.Equal(t, CmdPosition, pkt.Cmd)
	assert.Equal(t, 30000, pkt.Value)
}

func TestSimulatorMove(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdGoto, 30100)
	require.NoError(t, err)
	assert.Equal(t, CmdPosition, pkt.Cmd)
	assert.Equal(t, 30100, pkt.Value)

	waitIdle(t, sim)
	assert.Equal(t, 30100, sim.Position())

	var outward, finished int
	for _, e := range sim.DrainAsync() {
		switch e {
		case EventOutward:
			outward++
		case EventFinished:
			finished++
		}
	}
	assert.Equal(t, 100, outward)
	assert.Equal(t, 1, finished)
}

func TestSimulatorMoveInward(t *testing.T) {
	sim := newTestSimulator(t)

	_, err := sim.Exchange(CmdGoto, 29950)
	require.NoError(t, err)
	waitIdle(t, sim)
	assert.Equal(t, 29950, sim.Position())

	events := sim.DrainAsync()
	require.NotEmpty(t, events)
	assert.Equal(t, EventInward, events[0])
	assert.Equal(t, EventFinished, events[len(events)-1])
}

func TestSimulatorHalt(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.StepsPerSecond = 200
	sim := NewSimulator(cfg, nil, testLogger())
	require.NoError(t, sim.Connect())
	defer sim.Close()

	_, err := sim.Exchange(CmdGoto, 40000)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	pkt, err := sim.Exchange(CmdHalt, 0)
	require.NoError(t, err)
	assert.Equal(t, CmdHalt, pkt.Cmd)

	assert.False(t, sim.Moving())
	pos := sim.Position()
	assert.Greater(t, pos, 30000)
	assert.Less(t, pos, 40000)

	events := sim.DrainAsync()
	require.NotEmpty(t, events)
	assert.Equal(t, EventFinished, events[len(events)-1])
}

func TestSimulatorGotoClampsToMaxTravel(t *testing.T) {
	sim := newTestSimulator(t)

	_, err := sim.Exchange(CmdSync, 59990)
	require.NoError(t, err)

	pkt, err := sim.Exchange(CmdGoto, 70000)
	require.NoError(t, err)
	assert.Equal(t, 60000, pkt.Value)

	waitIdle(t, sim)
	assert.Equal(t, 60000, sim.Position())
}

func TestSimulatorSyncQuirk(t *testing.T) {
	sim := newTestSimulator(t)

	tests := []struct {
		name     string
		value    int
		expected int
	}{
		{name: "Normal sync", value: 25000, expected: 25000},
		{name: "Zero echoes counter", value: 0, expected: 25000},
		{name: "One echoes counter", value: 1, expected: 25000},
		{name: "Two is usable", value: 2, expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := sim.Exchange(CmdSync, tt.value)
			require.NoError(t, err)
			assert.Equal(t, CmdSync, pkt.Cmd)
			assert.Equal(t, tt.expected, pkt.Value)
			assert.Equal(t, tt.expected, sim.Position())
		})
	}
}

func TestSimulatorTemperature(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdTemp, 0)
	require.NoError(t, err)
	assert.Equal(t, CmdTemp, pkt.Cmd)
	assert.InDelta(t, 15.0, TempCelsius(pkt.Value), 0.5)
}

func TestSimulatorBacklash(t *testing.T) {
	sim := newTestSimulator(t)

	raw, err := EncodeBacklash(-20)
	require.NoError(t, err)

	pkt, err := sim.Exchange(CmdBacklash, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, pkt.Value)

	pkt, err = sim.Exchange(CmdBacklash, 0)
	require.NoError(t, err)
	assert.Equal(t, -20, DecodeBacklash(pkt.Value))
}

func TestSimulatorMaxTravel(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdMaxTravel, 55000)
	require.NoError(t, err)
	assert.Equal(t, 55000, pkt.Value)

	pkt, err = sim.Exchange(CmdMaxTravel, 0)
	require.NoError(t, err)
	assert.Equal(t, 55000, pkt.Value)
}

func TestSimulatorRelativeMoves(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdOutward, 50)
	require.NoError(t, err)
	assert.Equal(t, CmdOutward, pkt.Cmd)
	waitIdle(t, sim)
	assert.Equal(t, 30050, sim.Position())

	_, err = sim.Exchange(CmdInward, 100)
	require.NoError(t, err)
	waitIdle(t, sim)
	assert.Equal(t, 29950, sim.Position())
}

func TestSimulatorPowerSwitches(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdPower, 0)
	require.NoError(t, err)
	assert.Equal(t, 1111, pkt.Value)

	pkt, err = sim.Exchange(CmdPower, 200000)
	require.NoError(t, err)
	assert.Equal(t, 1211, pkt.Value)

	pkt, err = sim.Exchange(CmdPower, 200000)
	require.NoError(t, err)
	assert.Equal(t, 1111, pkt.Value)
}

func TestSimulatorMotorConfig(t *testing.T) {
	sim := newTestSimulator(t)

	pkt, err := sim.Exchange(CmdMotorCfg, 0)
	require.NoError(t, err)
	assert.Equal(t, 523000, pkt.Value)

	pkt, err = sim.Exchange(CmdMotorCfg, 642000)
	require.NoError(t, err)
	assert.Equal(t, 642000, pkt.Value)
}

func TestSimulatorInjectTimeout(t *testing.T) {
	sim := newTestSimulator(t)

	sim.InjectTimeout()
	_, err := sim.Exchange(CmdVersion, 0)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = sim.Exchange(CmdVersion, 0)
	assert.NoError(t, err)

	timeouts, _ := sim.FaultCounts()
	assert.Equal(t, 1, timeouts)
}

func TestSimulatorInjectChecksumError(t *testing.T) {
	sim := newTestSimulator(t)

	sim.InjectChecksumError()
	_, err := sim.Exchange(CmdVersion, 0)
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = sim.Exchange(CmdVersion, 0)
	assert.NoError(t, err)

	_, corruptions := sim.FaultCounts()
	assert.Equal(t, 1, corruptions)
}

func TestSimulatorCloseDuringMotion(t *testing.T) {
	cfg := DefaultSimulatorConfig()
	cfg.StepsPerSecond = 100
	sim := NewSimulator(cfg, nil, testLogger())
	require.NoError(t, sim.Connect())

	_, err := sim.Exchange(CmdGoto, 40000)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sim.Close())
	assert.False(t, sim.Connected())
	assert.False(t, sim.Moving())
}
