package protocol

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceRecordsExchanges(t *testing.T) {
	tr := NewTrace()

	tx, err := Encode(CmdGoto, 31500)
	require.NoError(t, err)
	rx, err := Encode(CmdPosition, 31500)
	require.NoError(t, err)

	tr.TX(tx)
	tr.RX(rx)
	tr.Error("timeout waiting for FD reply")

	entries := tr.Entries(0, 0)
	require.Len(t, entries, 3)

	assert.Equal(t, "TX", entries[0].Dir)
	assert.Equal(t, "FG", entries[0].Cmd)
	assert.Equal(t, 31500, entries[0].Value)

	assert.Equal(t, "RX", entries[1].Dir)
	assert.Equal(t, "FD", entries[1].Cmd)

	assert.Equal(t, "timeout waiting for FD reply", entries[2].Note)
	assert.False(t, entries[0].Time.IsZero())
}

func TestTraceStrayByte(t *testing.T) {
	tr := NewTrace()
	tr.RX([]byte{'I'})

	entries := tr.Entries(0, 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "49", entries[0].Hex)
	assert.Empty(t, entries[0].Cmd)
}

func TestTraceRingWrap(t *testing.T) {
	tr := NewTrace()

	for i := 0; i < defaultTraceSize+10; i++ {
		tr.Error(fmt.Sprintf("entry %d", i))
	}

	entries := tr.Entries(0, 0)
	require.Len(t, entries, defaultTraceSize)
	assert.Equal(t, "entry 10", entries[0].Note)
	assert.Equal(t, fmt.Sprintf("entry %d", defaultTraceSize+9), entries[len(entries)-1].Note)
}

func TestTraceLimitOffset(t *testing.T) {
	tr := NewTrace()
	for i := 0; i < 10; i++ {
		tr.Error(fmt.Sprintf("entry %d", i))
	}

	page := tr.Entries(3, 2)
	require.Len(t, page, 3)
	assert.Equal(t, "entry 2", page[0].Note)
	assert.Equal(t, "entry 4", page[2].Note)

	assert.Nil(t, tr.Entries(5, 100))
}

func TestTraceDisable(t *testing.T) {
	tr := NewTrace()
	assert.True(t, tr.Enabled())

	tr.SetEnabled(false)
	tr.Error("dropped")
	assert.Empty(t, tr.Entries(0, 0))

	tr.SetEnabled(true)
	tr.Error("kept")
	assert.Len(t, tr.Entries(0, 0), 1)
}

func TestTraceClear(t *testing.T) {
	tr := NewTrace()
	tr.Error("one")
	tr.Clear()
	assert.Empty(t, tr.Entries(0, 0))
}

func TestTraceNilSafe(t *testing.T) {
	var tr *Trace
	tr.TX([]byte("FV000000x"))
	tr.RX(nil)
	tr.Error("nil")
	tr.Clear()
	tr.SetEnabled(true)
	assert.False(t, tr.Enabled())
	assert.Nil(t, tr.Entries(0, 0))
}
