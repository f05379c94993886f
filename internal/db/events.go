package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InsertEvent persists e unless an event with the same
// (event_id, download_at_utc) pair already exists. Returns true when a
// row was written, false for a duplicate. Each call is a single atomic
// insert, so a failed run never leaves a partial row behind.
func (s *Store) InsertEvent(e *Event) (bool, error) {
	if err := s.db.Create(e).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	return true, nil
}

// EventsBetween returns every event with start <= download_at_jst < end,
// ordered by JST timestamp ascending. The ordering is load-bearing: the
// spike rule slides its window over this sequence. An empty range yields
// an empty slice, not an error.
func (s *Store) EventsBetween(start, end time.Time) ([]Event, error) {
	var events []Event
	err := s.db.
		Where("download_at_jst >= ? AND download_at_jst < ?", start, end).
		Order("download_at_jst ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query events in [%s, %s): %w",
			start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}
	return events, nil
}

// UserEventsBetween is EventsBetween restricted to one login.
func (s *Store) UserEventsBetween(userLogin string, start, end time.Time) ([]Event, error) {
	var events []Event
	err := s.db.
		Where("user_login = ? AND download_at_jst >= ? AND download_at_jst < ?",
			userLogin, start, end).
		Order("download_at_jst ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", userLogin, err)
	}
	return events, nil
}

// EventCount reports the total number of stored events.
func (s *Store) EventCount() (int64, error) {
	var n int64
	if err := s.db.Model(&Event{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
