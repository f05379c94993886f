package db

import (
	"fmt"

	"gorm.io/gorm"
)

// ReplaceMonthlyUserSummary swaps in the full recomputed per-user
// rollup for a month. Delete-and-reinsert inside one transaction keeps
// the operation idempotent: a month's rows always reflect exactly the
// current event set, never an accumulation across runs.
func (s *Store) ReplaceMonthlyUserSummary(month string, rows []MonthlyUserSummary) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("month = ?", month).Delete(&MonthlyUserSummary{}).Error; err != nil {
			return fmt.Errorf("clear user summary for %s: %w", month, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("write user summary for %s: %w", month, err)
		}
		return nil
	})
}

// ReplaceMonthlyFileSummary is the per-file counterpart of
// ReplaceMonthlyUserSummary.
func (s *Store) ReplaceMonthlyFileSummary(month string, rows []MonthlyFileSummary) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("month = ?", month).Delete(&MonthlyFileSummary{}).Error; err != nil {
			return fmt.Errorf("clear file summary for %s: %w", month, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("write file summary for %s: %w", month, err)
		}
		return nil
	})
}

// MonthlyUserSummaries returns the stored per-user rollup for a month,
// busiest users first.
func (s *Store) MonthlyUserSummaries(month string) ([]MonthlyUserSummary, error) {
	var rows []MonthlyUserSummary
	err := s.db.
		Where("month = ?", month).
		Order("total_downloads DESC").
		Find(&rows).Error
	return rows, err
}

// MonthlyFileSummaries returns the stored per-file rollup for a month,
// most-downloaded files first.
func (s *Store) MonthlyFileSummaries(month string) ([]MonthlyFileSummary, error) {
	var rows []MonthlyFileSummary
	err := s.db.
		Where("month = ?", month).
		Order("total_downloads DESC").
		Find(&rows).Error
	return rows, err
}
