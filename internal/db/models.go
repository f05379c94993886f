package db

import (
	"time"

	"gorm.io/datatypes"
)

// Period distinguishes the two daily batch windows.
type Period string

const (
	// PeriodConfirmed is a fully elapsed prior calendar day (JST);
	// its figures do not change on rerun.
	PeriodConfirmed Period = "confirmed"
	// PeriodTentative is the current, still-in-progress day; figures
	// may grow on later runs within the same day.
	PeriodTentative Period = "tentative"
)

// Event is one observed file access (download or preview) as stored in
// the downloads table. Rows are append-only: once ingested an event is
// never updated or deleted, preserving the audit trail.
type Event struct {
	ID uint `gorm:"primaryKey"`

	// (EventID, DownloadAtUTC) is the dedup key. The source may
	// redeliver the same event across overlapping query windows, so
	// ingestion must be idempotent on this pair.
	EventID       string    `gorm:"uniqueIndex:idx_downloads_dedup,priority:1;size:128;not null"`
	DownloadAtUTC time.Time `gorm:"uniqueIndex:idx_downloads_dedup,priority:2;not null"`

	StreamType string `gorm:"size:32"`
	EventType  string `gorm:"size:16;index"` // DOWNLOAD or PREVIEW

	UserLogin string `gorm:"index"`
	UserName  string

	FileID   string `gorm:"index"`
	FileName string

	// DownloadAtJST is the same instant in JST (UTC+9, no DST),
	// precomputed so range queries and clock-time rules never convert.
	DownloadAtJST time.Time `gorm:"index"`

	IPAddress  string
	ClientType string
	UserAgent  string

	// Raw retains the full provider payload for forward compatibility.
	// Nothing downstream parses it.
	Raw datatypes.JSON `gorm:"type:json"`

	InsertedAt time.Time `gorm:"autoCreateTime"`
}

func (Event) TableName() string { return "downloads" }

// Anomaly is one detection outcome for one user in one batch window.
// A user triggering several rules in the same window still gets a
// single row; the types are joined into one label.
type Anomaly struct {
	ID uint `gorm:"primaryKey" json:"id"`

	BatchDate  string `gorm:"uniqueIndex:idx_anomalies_window,priority:1;size:10;not null" json:"batch_date"` // YYYY-MM-DD
	PeriodType Period `gorm:"uniqueIndex:idx_anomalies_window,priority:2;size:16;not null" json:"period_type"`
	UserLogin  string `gorm:"uniqueIndex:idx_anomalies_window,priority:3;not null" json:"user_login"`

	UserName string `json:"user_name"`

	// AnomalyType is the triggered rule set joined with "+", e.g.
	// "download_count+spike".
	AnomalyType string `gorm:"not null" json:"anomaly_type"`

	// Value is the metric of the dominant rule (highest ratio to its
	// threshold); Details carries every rule's value/threshold pair.
	Value   float64 `json:"value"`
	Details string  `json:"details"`

	Severity string `gorm:"size:16" json:"severity"`

	DownloadCount int64 `json:"download_count"`
	PreviewCount  int64 `json:"preview_count"`

	CreatedAt time.Time `json:"created_at"`
}

func (Anomaly) TableName() string { return "anomalies" }

// MonthlyUserSummary is the per-user monthly rollup, fully recomputed
// for a month on every summarizer run.
type MonthlyUserSummary struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Month     string `gorm:"uniqueIndex:idx_monthly_user,priority:1;size:7;not null" json:"month"` // YYYY-MM
	UserLogin string `gorm:"uniqueIndex:idx_monthly_user,priority:2;not null" json:"user_login"`

	UserName       string `json:"user_name"`
	TotalDownloads int64  `json:"total_downloads"`
	ActiveDays     int64  `json:"active_days"`

	CreatedAt time.Time `json:"created_at"`
}

func (MonthlyUserSummary) TableName() string { return "monthly_user_summary" }

// MonthlyFileSummary is the per-file monthly rollup.
type MonthlyFileSummary struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Month  string `gorm:"uniqueIndex:idx_monthly_file,priority:1;size:7;not null" json:"month"`
	FileID string `gorm:"uniqueIndex:idx_monthly_file,priority:2;not null" json:"file_id"`

	FileName       string `json:"file_name"`
	TotalDownloads int64  `json:"total_downloads"`
	UniqueUsers    int64  `json:"unique_users"`

	CreatedAt time.Time `json:"created_at"`
}

func (MonthlyFileSummary) TableName() string { return "monthly_file_summary" }

// AlertHistory records which alert mails have gone out so a rerun of
// the same window never mails twice. BoxFileID is kept for a future
// report re-upload step.
type AlertHistory struct {
	ID uint `gorm:"primaryKey"`

	AlertDate string `gorm:"uniqueIndex:idx_alert_history,priority:1;size:10;not null"`
	AlertType string `gorm:"uniqueIndex:idx_alert_history,priority:2;size:16;not null"`

	AnomalyCount int
	CSVPath      string
	BoxFileID    string
	EmailSent    bool
	BoxUploaded  bool

	CreatedAt time.Time
}

func (AlertHistory) TableName() string { return "alert_history" }
