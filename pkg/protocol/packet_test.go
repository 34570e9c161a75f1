package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name        string
		cmd         Command
		value       int
		expected    string
		expectError bool
	}{
		{
			name:     "Version query",
			cmd:      CmdVersion,
			value:    0,
			expected: "FV000000",
		},
		{
			name:     "Goto with padding",
			cmd:      CmdGoto,
			value:    31500,
			expected: "FG031500",
		},
		{
			name:     "Max value",
			cmd:      CmdSync,
			value:    999999,
			expected: "FS999999",
		},
		{
			name:        "Value too large",
			cmd:         CmdGoto,
			value:       1000000,
			expectError: true,
		},
		{
			name:        "Negative value",
			cmd:         CmdGoto,
			value:       -1,
			expectError: true,
		},
		{
			name:        "Bad command length",
			cmd:         Command("FGX"),
			value:       0,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.cmd, tt.value)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, frame, PacketSize)
			assert.Equal(t, tt.expected, string(frame[:8]))
			assert.Equal(t, Checksum(frame), frame[8])
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	frame, err := Encode(CmdPosition, 30000)
	require.NoError(t, err)

	pkt, err := Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, CmdPosition, pkt.Cmd)
	assert.Equal(t, 30000, pkt.Value)
}

func TestParseChecksumMismatch(t *testing.T) {
	frame, err := Encode(CmdPosition, 30000)
	require.NoError(t, err)
	frame[8]++

	_, err = Parse(frame)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestParseBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{
			name:  "Too short",
			frame: []byte("FD00300"),
		},
		{
			name:  "Too long",
			frame: []byte("FD00300000"),
		},
		{
			name: "Non-digit value field",
			frame: func() []byte {
				f := []byte("FDabcdef")
				return append(f, Checksum(append(f, 0)))
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.frame)
			assert.Error(t, err)
		})
	}
}

func TestChecksum(t *testing.T) {
	// 'F'+'V'+6*'0' = 70+86+288 = 444 mod 256 = 188
	frame := []byte("FV000000")
	frame = append(frame, 0)
	assert.Equal(t, byte(188), Checksum(frame))
}

func TestBacklashEncoding(t *testing.T) {
	tests := []struct {
		name  string
		steps int
		raw   int
	}{
		{name: "Inward bias", steps: -20, raw: 20},
		{name: "Outward bias", steps: 20, raw: 100020},
		{name: "Disabled", steps: 0, raw: 100000},
		{name: "Max inward", steps: -255, raw: 255},
		{name: "Max outward", steps: 255, raw: 100255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeBacklash(tt.steps)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, raw)
			if tt.steps != 0 {
				assert.Equal(t, tt.steps, DecodeBacklash(raw))
			}
		})
	}

	_, err := EncodeBacklash(256)
	assert.Error(t, err)
	_, err = EncodeBacklash(-256)
	assert.Error(t, err)
}

func TestTempCelsius(t *testing.T) {
	assert.InDelta(t, -273.15, TempCelsius(0), 0.001)
	assert.InDelta(t, 26.85, TempCelsius(600), 0.001)
	assert.InDelta(t, 0.0, TempCelsius(546), 0.2)
	assert.InDelta(t, 15.0, TempCelsius(576), 0.2)
	assert.InDelta(t, -20.0, TempCelsius(506), 0.2)
}

func TestExpectedReply(t *testing.T) {
	assert.Equal(t, CmdPosition, expectedReply(CmdGoto))
	assert.Equal(t, CmdVersion, expectedReply(CmdVersion))
	assert.Equal(t, CmdBacklash, expectedReply(CmdBacklash))
}
