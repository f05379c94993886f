package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertSent reports whether an alert mail already went out for the
// given date and type ("confirmed" / "tentative").
func (s *Store) AlertSent(alertDate, alertType string) (bool, error) {
	var h AlertHistory
	err := s.db.
		Where("alert_date = ? AND alert_type = ? AND email_sent = ?", alertDate, alertType, true).
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check alert history: %w", err)
	}
	return true, nil
}

// RecordAlertSent marks the (date, type) alert as delivered, upserting
// so a re-send after a partial failure updates the existing row.
func (s *Store) RecordAlertSent(alertDate, alertType string, anomalyCount int, csvPath string) error {
	h := AlertHistory{
		AlertDate:    alertDate,
		AlertType:    alertType,
		AnomalyCount: anomalyCount,
		CSVPath:      csvPath,
		EmailSent:    true,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "alert_date"}, {Name: "alert_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"anomaly_count", "csv_path", "email_sent",
		}),
	}).Create(&h).Error
	if err != nil {
		return fmt.Errorf("record alert history: %w", err)
	}
	return nil
}
