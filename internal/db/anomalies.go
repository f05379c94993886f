package db

import (
	"fmt"
)

// InsertAnomaly appends one detection outcome. The table enforces at
// most one row per (batch_date, period_type, user_login); on a rerun of
// the same window the caller receives gorm.ErrDuplicatedKey and decides
// how to merge (the store itself never mutates anomaly rows on insert).
func (s *Store) InsertAnomaly(a *Anomaly) error {
	return s.db.Create(a).Error
}

// FindAnomaly loads the anomaly row for one user in one batch window.
func (s *Store) FindAnomaly(batchDate string, period Period, userLogin string) (*Anomaly, error) {
	var a Anomaly
	err := s.db.
		Where("batch_date = ? AND period_type = ? AND user_login = ?",
			batchDate, period, userLogin).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAnomaly overwrites the mutable columns of an existing anomaly
// row. Used by the batch when a rerun of the same window produced a
// superseding merged result.
func (s *Store) UpdateAnomaly(a *Anomaly) error {
	err := s.db.Model(a).Updates(map[string]any{
		"user_name":      a.UserName,
		"anomaly_type":   a.AnomalyType,
		"value":          a.Value,
		"details":        a.Details,
		"severity":       a.Severity,
		"download_count": a.DownloadCount,
		"preview_count":  a.PreviewCount,
	}).Error
	if err != nil {
		return fmt.Errorf("update anomaly %d: %w", a.ID, err)
	}
	return nil
}

// RecentAnomalies returns the newest anomaly rows for the viewer.
func (s *Store) RecentAnomalies(limit int) ([]Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []Anomaly
	err := s.db.
		Order("batch_date DESC, created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// AnomaliesForDate returns all anomaly rows for one batch date.
func (s *Store) AnomaliesForDate(batchDate string) ([]Anomaly, error) {
	var rows []Anomaly
	err := s.db.
		Where("batch_date = ?", batchDate).
		Order("period_type, user_login").
		Find(&rows).Error
	return rows, err
}
