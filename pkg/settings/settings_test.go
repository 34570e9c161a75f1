package settings

import (
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"robofocus/pkg/focuser"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "settings.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	st, err := NewStore(db, logger)
	require.NoError(t, err)
	return st
}

func TestStoreDefaults(t *testing.T) {
	st := newTestStore(t)

	settings, err := st.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, 5000, settings.MaxIncrement)
	assert.Equal(t, 0, settings.MinPosition)
	assert.Empty(t, settings.LastPort)
}

func TestStoreRoundTrip(t *testing.T) {
	st := newTestStore(t)

	want := focuser.Settings{
		LastPort:     "/dev/ttyUSB0",
		MaxIncrement: 2000,
		MinPosition:  100,
		ZeroOffset:   250,
		Simulator:    true,
	}
	require.NoError(t, st.SetSettings(want))

	got, err := st.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStoreDefaultsDoNotOverwrite(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "settings.db"), 0o600, nil)
	require.NoError(t, err)
	defer db.Close()

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	st, err := NewStore(db, logger)
	require.NoError(t, err)

	want := focuser.Settings{LastPort: "COM3", MaxIncrement: 1234}
	require.NoError(t, st.SetSettings(want))

	// A second open on the same database keeps the saved settings.
	st, err = NewStore(db, logger)
	require.NoError(t, err)

	got, err := st.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
