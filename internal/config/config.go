package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the runtime configuration for the batch and the report
// viewer. Values are sourced from environment variables (a .env file is
// loaded by main before Load runs), with defaults matching a typical
// single-host deployment.
type Config struct {
	// Box API
	BoxConfigPath   string
	BoxRootFolderID string

	// SQLite database file.
	DBPath string

	// Output directories.
	ReportOutputDir    string
	AccessLogOutputDir string
	AnomalyOutputDir   string

	// Anomaly alerting.
	AlertEnabled           bool
	DownloadCountThreshold int
	UniqueFilesThreshold   int
	OffhourThreshold       int
	SpikeWindowMinutes     int
	SpikeThreshold         int

	// Business hours (JST, closed-open interval).
	BusinessHoursStart string
	BusinessHoursEnd   string

	// Logins excluded from anomaly detection (service/system accounts).
	ExcludeUsers []string

	// Cap on rows written into the anomaly-details mail attachment.
	AttachmentMaxRows int

	// SMTP / mail.
	SMTPHost          string
	SMTPPort          int
	SMTPUseTLS        bool
	SMTPUser          string
	SMTPPassword      string
	MailFrom          string
	MailTo            []string
	MailSubjectPrefix string

	// Report viewer (-serve mode).
	ListenAddr    string
	AdminUser     string
	AdminPassword string

	// Logging.
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	return &Config{
		BoxConfigPath:   os.Getenv("BOX_CONFIG_PATH"),
		BoxRootFolderID: os.Getenv("BOX_ROOT_FOLDER_ID"),

		DBPath: getenv("DB_PATH", "data/box_audit.db"),

		ReportOutputDir:    getenv("REPORT_OUTPUT_DIR", "reports"),
		AccessLogOutputDir: getenv("ACCESS_LOG_OUTPUT_DIR", "reports"),
		AnomalyOutputDir:   getenv("ANOMALY_OUTPUT_DIR", "reports"),

		AlertEnabled:           getbool("ALERT_ENABLED", true),
		DownloadCountThreshold: getint("ALERT_USER_DOWNLOAD_COUNT_THRESHOLD", 200),
		UniqueFilesThreshold:   getint("ALERT_USER_UNIQUE_FILES_THRESHOLD", 100),
		OffhourThreshold:       getint("ALERT_OFFHOUR_DOWNLOAD_THRESHOLD", 50),
		SpikeWindowMinutes:     getint("ALERT_SPIKE_WINDOW_MINUTES", 60),
		SpikeThreshold:         getint("ALERT_SPIKE_DOWNLOAD_THRESHOLD", 100),

		BusinessHoursStart: getenv("BUSINESS_HOURS_START", "08:00"),
		BusinessHoursEnd:   getenv("BUSINESS_HOURS_END", "20:00"),

		ExcludeUsers: getlist("ALERT_EXCLUDE_USERS"),

		AttachmentMaxRows: getint("ALERT_ATTACHMENT_MAX_ROWS", 5000),

		SMTPHost:          getenv("SMTP_HOST", "smtp.example.com"),
		SMTPPort:          getint("SMTP_PORT", 587),
		SMTPUseTLS:        getbool("SMTP_USE_TLS", true),
		SMTPUser:          os.Getenv("SMTP_USER"),
		SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
		MailFrom:          getenv("ALERT_MAIL_FROM", "alert@example.com"),
		MailTo:            getlist("ALERT_MAIL_TO"),
		MailSubjectPrefix: getenv("ALERT_MAIL_SUBJECT_PREFIX", "[BoxDL Alert]"),

		ListenAddr:    getenv("APP_LISTEN_ADDR", ":8080"),
		AdminUser:     getenv("APP_ADMIN_USER", "admin"),
		AdminPassword: getenv("APP_ADMIN_PASSWORD", ""),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "console"),
	}
}

// Validate checks settings the batch cannot run without. Business hours
// must form a non-wrapping closed-open interval within one day; an
// overnight window (end at or before start) is rejected rather than
// guessed at.
func (c *Config) Validate() error {
	start, err := ParseClock(c.BusinessHoursStart)
	if err != nil {
		return fmt.Errorf("BUSINESS_HOURS_START: %w", err)
	}
	end, err := ParseClock(c.BusinessHoursEnd)
	if err != nil {
		return fmt.Errorf("BUSINESS_HOURS_END: %w", err)
	}
	if end <= start {
		return fmt.Errorf("business hours must not wrap midnight: start=%s end=%s",
			c.BusinessHoursStart, c.BusinessHoursEnd)
	}

	if c.SpikeWindowMinutes <= 0 {
		return fmt.Errorf("ALERT_SPIKE_WINDOW_MINUTES must be positive, got %d", c.SpikeWindowMinutes)
	}
	for name, v := range map[string]int{
		"ALERT_USER_DOWNLOAD_COUNT_THRESHOLD": c.DownloadCountThreshold,
		"ALERT_USER_UNIQUE_FILES_THRESHOLD":   c.UniqueFilesThreshold,
		"ALERT_OFFHOUR_DOWNLOAD_THRESHOLD":    c.OffhourThreshold,
		"ALERT_SPIKE_DOWNLOAD_THRESHOLD":      c.SpikeThreshold,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// ValidateBox checks the settings required only when fetching from the
// Box API (not needed for CSV import or -serve).
func (c *Config) ValidateBox() error {
	if c.BoxConfigPath == "" {
		return fmt.Errorf("BOX_CONFIG_PATH is required")
	}
	if c.BoxRootFolderID == "" {
		return fmt.Errorf("BOX_ROOT_FOLDER_ID is required")
	}
	return nil
}

// BusinessHours returns the configured interval as minutes of the day.
// Callers must have run Validate first.
func (c *Config) BusinessHours() (startMin, endMin int) {
	startMin, _ = ParseClock(c.BusinessHoursStart)
	endMin, _ = ParseClock(c.BusinessHoursEnd)
	return startMin, endMin
}

// ExcludedSet returns the exclusion list as a lookup set.
func (c *Config) ExcludedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ExcludeUsers))
	for _, u := range c.ExcludeUsers {
		set[u] = struct{}{}
	}
	return set
}

// EnsureDirectories creates the output and database directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.ReportOutputDir,
		c.AccessLogOutputDir,
		c.AnomalyOutputDir,
	}
	if dir := filepath.Dir(c.DBPath); dir != "." {
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ParseClock parses an "HH:MM" time of day into minutes since midnight.
// A bare hour ("8") is accepted.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute := 0
	if len(parts) == 2 {
		minute, err = strconv.Atoi(parts[1])
		if err != nil || minute < 0 || minute > 59 {
			return 0, fmt.Errorf("invalid minute in %q", s)
		}
	}
	return hour*60 + minute, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
