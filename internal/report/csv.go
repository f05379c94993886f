// Package report renders aggregation and detection output into the
// CSV and HTML files consumed by operators and the alert mail.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"boxaudit/internal/aggregate"
	"boxaudit/internal/anomaly"
	"boxaudit/internal/db"
	"boxaudit/internal/logging"
)

const timestampLayout = "2006-01-02 15:04:05"

// Writer emits CSV reports into one output directory.
type Writer struct {
	dir string
	log *zap.Logger
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory %s: %w", dir, err)
	}
	return &Writer{dir: dir, log: logging.L()}, nil
}

func (w *Writer) write(filename string, header []string, rows [][]string) (string, error) {
	path := filepath.Join(w.dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	// UTF-8 BOM so spreadsheet tools pick the right encoding.
	if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return "", fmt.Errorf("write %s: %w", path, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flush %s: %w", path, err)
	}

	w.log.Info("report written", zap.String("path", path), zap.Int("rows", len(rows)))
	return path, nil
}

// FileDownloads writes the per-file rollup for one batch window.
func (w *Writer) FileDownloads(stats []aggregate.FileStat, dateStr string, period db.Period) (string, error) {
	rows := make([][]string, len(stats))
	for i, st := range stats {
		rows[i] = []string{st.FileID, st.FileName, strconv.FormatInt(st.Count, 10)}
	}
	return w.write(
		fmt.Sprintf("box_file_downloads_%s_%s.csv", dateStr, period),
		[]string{"file_id", "file_name", "download_count"},
		rows,
	)
}

// UserFileDownloads writes the (user, file) rollup for one batch window.
func (w *Writer) UserFileDownloads(stats []aggregate.UserFileStat, dateStr string, period db.Period) (string, error) {
	rows := make([][]string, len(stats))
	for i, st := range stats {
		rows[i] = []string{
			st.UserLogin,
			st.UserName,
			st.FileID,
			st.FileName,
			strconv.FormatInt(st.Count, 10),
			st.LastEventAt.Format(timestampLayout),
		}
	}
	return w.write(
		fmt.Sprintf("box_user_file_downloads_%s_%s.csv", dateStr, period),
		[]string{"user_login", "user_name", "file_id", "file_name", "download_count", "last_download_at"},
		rows,
	)
}

// AccessLog writes the full event detail for one batch window.
func (w *Writer) AccessLog(events []db.Event, dateStr string, period db.Period) (string, error) {
	rows := make([][]string, len(events))
	for i, e := range events {
		rows[i] = []string{
			e.EventID,
			e.StreamType,
			e.EventType,
			e.UserLogin,
			e.UserName,
			e.FileID,
			e.FileName,
			e.DownloadAtUTC.UTC().Format(time.RFC3339),
			e.DownloadAtJST.Format(time.RFC3339),
			e.IPAddress,
			e.ClientType,
			e.UserAgent,
		}
	}
	return w.write(
		fmt.Sprintf("access_log_%s_%s.csv", dateStr, period),
		[]string{
			"event_id", "stream_type", "event_type", "user_login", "user_name",
			"file_id", "file_name", "download_at_utc", "download_at_jst",
			"ip_address", "client_type", "user_agent",
		},
		rows,
	)
}

// AnomalyDetails flattens each anomalous user's events into one row per
// event, tagged with the merged anomaly label, for the mail attachment.
// maxRows caps the output (0 means unlimited).
func (w *Writer) AnomalyDetails(findings []anomaly.Finding, dateStr string, period db.Period, maxRows int) (string, error) {
	suffix := "unknown"
	types := map[string]struct{}{}
	for _, f := range findings {
		for _, h := range f.Hits {
			types[h.Rule] = struct{}{}
		}
	}
	if len(types) == 1 {
		for t := range types {
			suffix = t
		}
	} else if len(types) > 1 {
		suffix = "mixed"
	}

	type detailRow struct {
		login string
		at    time.Time
		row   []string
	}
	var all []detailRow
	for _, f := range findings {
		label := f.TypeLabel()
		details := f.Details()
		for _, e := range f.Events {
			all = append(all, detailRow{
				login: f.UserLogin,
				at:    e.DownloadAtJST,
				row: []string{
					label,
					details,
					e.EventType,
					e.UserLogin,
					e.UserName,
					e.FileID,
					e.FileName,
					e.DownloadAtJST.Format(timestampLayout),
					e.IPAddress,
				},
			})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].login != all[j].login {
			return all[i].login < all[j].login
		}
		return all[i].at.Before(all[j].at)
	})

	if maxRows > 0 && len(all) > maxRows {
		w.log.Warn("anomaly details truncated",
			zap.Int("rows", len(all)), zap.Int("max", maxRows))
		all = all[:maxRows]
	}

	rows := make([][]string, len(all))
	for i, r := range all {
		rows[i] = r.row
	}
	return w.write(
		fmt.Sprintf("anomaly_details_%s_%s_%s.csv", dateStr, period, suffix),
		[]string{
			"anomaly_types", "anomaly_details", "event_type", "user_login",
			"user_name", "file_id", "file_name", "download_at_jst", "ip_address",
		},
		rows,
	)
}

// MonthlyUserSummary exports the stored per-user monthly rollup.
func (w *Writer) MonthlyUserSummary(rows []db.MonthlyUserSummary, monthStr string) (string, error) {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{
			r.Month,
			r.UserLogin,
			r.UserName,
			strconv.FormatInt(r.TotalDownloads, 10),
			strconv.FormatInt(r.ActiveDays, 10),
		}
	}
	return w.write(
		fmt.Sprintf("monthly_user_summary_%s.csv", monthStr),
		[]string{"month", "user_login", "user_name", "total_downloads", "active_days"},
		out,
	)
}

// MonthlyFileSummary exports the stored per-file monthly rollup.
func (w *Writer) MonthlyFileSummary(rows []db.MonthlyFileSummary, monthStr string) (string, error) {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{
			r.Month,
			r.FileID,
			r.FileName,
			strconv.FormatInt(r.TotalDownloads, 10),
			strconv.FormatInt(r.UniqueUsers, 10),
		}
	}
	return w.write(
		fmt.Sprintf("monthly_file_summary_%s.csv", monthStr),
		[]string{"month", "file_id", "file_name", "total_downloads", "unique_users"},
		out,
	)
}
