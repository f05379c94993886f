package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"boxaudit/internal/aggregate"
	"boxaudit/internal/anomaly"
	"boxaudit/internal/db"
	"boxaudit/web"
)

// topN rows shown in the dashboard tables.
const topN = 20

// DashboardAnomaly is one anomaly row as rendered in the dashboard.
type DashboardAnomaly struct {
	UserLogin     string
	UserName      string
	Types         string
	Severity      string
	Details       string
	DownloadCount int64
	PreviewCount  int64
}

// DashboardData feeds the embedded dashboard template.
type DashboardData struct {
	Date        string
	Period      db.Period
	GeneratedAt string

	TotalEvents    int64
	TotalDownloads int64
	TotalPreviews  int64
	UniqueUsers    int
	UniqueFiles    int

	TopFiles  []aggregate.FileStat
	TopUsers  []aggregate.UserStat
	Anomalies []DashboardAnomaly
}

// BuildDashboard assembles template data from one window's aggregates
// and findings.
func BuildDashboard(dateStr string, period db.Period,
	files []aggregate.FileStat, users map[string]*aggregate.UserStat,
	findings []anomaly.Finding) DashboardData {

	userList := lo.Values(users)
	sort.Slice(userList, func(i, j int) bool {
		if userList[i].Count != userList[j].Count {
			return userList[i].Count > userList[j].Count
		}
		return userList[i].UserLogin < userList[j].UserLogin
	})

	data := DashboardData{
		Date:           dateStr,
		Period:         period,
		GeneratedAt:    time.Now().Format(timestampLayout),
		TotalEvents:    lo.SumBy(userList, func(u *aggregate.UserStat) int64 { return u.Count }),
		TotalDownloads: lo.SumBy(userList, func(u *aggregate.UserStat) int64 { return u.DownloadCount }),
		TotalPreviews:  lo.SumBy(userList, func(u *aggregate.UserStat) int64 { return u.PreviewCount }),
		UniqueUsers:    len(users),
		UniqueFiles:    len(files),
	}

	for _, f := range lo.Slice(files, 0, topN) {
		data.TopFiles = append(data.TopFiles, f)
	}
	for _, u := range lo.Slice(userList, 0, topN) {
		data.TopUsers = append(data.TopUsers, *u)
	}
	for _, f := range findings {
		data.Anomalies = append(data.Anomalies, DashboardAnomaly{
			UserLogin:     f.UserLogin,
			UserName:      f.UserName,
			Types:         f.TypeLabel(),
			Severity:      f.Severity(),
			Details:       f.Details(),
			DownloadCount: f.DownloadCount,
			PreviewCount:  f.PreviewCount,
		})
	}
	return data
}

// Dashboard renders the HTML report for one batch window.
func (w *Writer) Dashboard(data DashboardData) (string, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("dashboard_%s_%s.html", data.Date, data.Period))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := web.Templates().ExecuteTemplate(f, "dashboard", data); err != nil {
		return "", fmt.Errorf("render dashboard: %w", err)
	}

	w.log.Info("dashboard written", zap.String("path", path))
	return path, nil
}
