// Package settings persists user preferences across restarts.
package settings

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"robofocus/pkg/focuser"
)

const (
	bucket      = "robofocus"
	settingsKey = "settings"
)

func defaults() focuser.Settings {
	return focuser.Settings{MaxIncrement: 5000}
}

// Store keeps the focuser settings in a bbolt database. It implements
// focuser.Store.
type Store struct {
	db     *bolt.DB
	logger log.FieldLogger
}

// NewStore opens the settings bucket, seeding it with defaults when the
// database is fresh. Bucket creation and seeding happen in one transaction.
func NewStore(db *bolt.DB, logger log.FieldLogger) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		if b.Get([]byte(settingsKey)) != nil {
			return nil
		}

		logger.Info("No saved settings, writing defaults")
		value, err := json.Marshal(defaults())
		if err != nil {
			return err
		}
		return b.Put([]byte(settingsKey), value)
	})
	if err != nil {
		return nil, fmt.Errorf("initializing settings bucket: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) GetSettings() (focuser.Settings, error) {
	settings := defaults()

	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(bucket)).Get([]byte(settingsKey))
		if value == nil {
			return fmt.Errorf("no settings under key %s", settingsKey)
		}
		return json.Unmarshal(value, &settings)
	})
	if err != nil {
		s.logger.Warnf("Settings read failed: %v", err)
		return focuser.Settings{}, err
	}
	return settings, nil
}

func (s *Store) SetSettings(settings focuser.Settings) error {
	value, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	s.logger.Debugf("Saving settings: %s", value)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(settingsKey), value)
	})
}
