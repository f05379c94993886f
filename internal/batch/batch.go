// Package batch wires the daily pipeline: fetch, normalize, dedup
// insert, aggregate, detect, summarize, report, alert. Stages run
// strictly in sequence; a late-stage failure (reporting, mail) never
// discards the store writes of earlier stages.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"boxaudit/internal/aggregate"
	"boxaudit/internal/anomaly"
	"boxaudit/internal/boxapi"
	"boxaudit/internal/config"
	"boxaudit/internal/csvimport"
	"boxaudit/internal/db"
	"boxaudit/internal/logging"
	"boxaudit/internal/mailer"
	"boxaudit/internal/metrics"
	"boxaudit/internal/monthly"
	"boxaudit/internal/normalize"
	"boxaudit/internal/report"
)

// Runner executes one batch invocation end to end.
type Runner struct {
	cfg    *config.Config
	store  *db.Store
	box    *boxapi.Client // nil when running without the API source
	mailer *mailer.Mailer
	log    *zap.Logger
}

func New(cfg *config.Config, store *db.Store, box *boxapi.Client) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  store,
		box:    box,
		mailer: mailer.New(cfg),
		log:    logging.L(),
	}
}

// Run processes the confirmed (yesterday) and tentative (today) JST
// windows, then the monthly rollup when due. Non-fatal stage failures
// are collected so the process still exits non-zero, while every stage
// that can run does run.
func (r *Runner) Run(ctx context.Context) error {
	now := time.Now().In(normalize.JST)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, normalize.JST)
	yesterday := today.AddDate(0, 0, -1)

	var targetFiles map[string]struct{}
	if r.box != nil {
		var err error
		targetFiles, err = r.box.FolderFileIDs(ctx, r.cfg.BoxRootFolderID)
		if err != nil {
			// Treated as a transient source error: no new events this
			// cycle, the next run re-fetches the same ranges.
			r.log.Error("target folder listing failed, skipping fetch", zap.Error(err))
			r.box = nil
		}
	}

	var errs []error

	r.log.Info("processing confirmed period", zap.String("date", yesterday.Format("2006-01-02")))
	if err := r.processPeriod(ctx, yesterday, db.PeriodConfirmed, yesterday, today, targetFiles); err != nil {
		errs = append(errs, fmt.Errorf("confirmed period: %w", err))
	}

	r.log.Info("processing tentative period", zap.String("date", today.Format("2006-01-02")))
	if err := r.processPeriod(ctx, today, db.PeriodTentative, today, now, targetFiles); err != nil {
		errs = append(errs, fmt.Errorf("tentative period: %w", err))
	}

	if month, due := monthly.ShouldGenerate(now); due {
		if err := r.RunMonthly(month); err != nil {
			errs = append(errs, fmt.Errorf("monthly summary: %w", err))
		}
	}

	return errors.Join(errs...)
}

// processPeriod runs the full pipeline for one batch window. Ingestion
// errors are fatal (storage); reporting and alerting errors are
// returned but only after every remaining stage has been attempted.
func (r *Runner) processPeriod(ctx context.Context, date time.Time, period db.Period, start, end time.Time, targetFiles map[string]struct{}) error {
	batchDate := date.Format("2006-01-02")

	if r.box != nil {
		if err := r.ingest(ctx, period, start, end, targetFiles); err != nil {
			return err
		}
	}

	// Aggregation always reads back through the store so there is a
	// single source of truth and a rerun reproduces the same figures.
	events, err := r.store.EventsBetween(start, end)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		r.log.Info("no events in window, skipping aggregation",
			zap.String("period", string(period)))
		return nil
	}

	fileStats := aggregate.ByFile(events)
	userStats := aggregate.ByUser(events)
	userFileStats := aggregate.ByUserFile(events)

	var errs []error

	dateStr := date.Format("20060102")
	if reportW, err := report.NewWriter(r.cfg.ReportOutputDir); err != nil {
		errs = append(errs, err)
	} else {
		if _, err := reportW.FileDownloads(fileStats, dateStr, period); err != nil {
			errs = append(errs, err)
		}
		if _, err := reportW.UserFileDownloads(userFileStats, dateStr, period); err != nil {
			errs = append(errs, err)
		}
	}
	if accessW, err := report.NewWriter(r.cfg.AccessLogOutputDir); err != nil {
		errs = append(errs, err)
	} else if _, err := accessW.AccessLog(events, dateStr, period); err != nil {
		errs = append(errs, err)
	}

	var findings []anomaly.Finding
	if r.cfg.AlertEnabled {
		findings, err = r.detect(batchDate, period, userStats, events)
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		r.log.Info("anomaly detection disabled")
	}

	if reportW, err := report.NewWriter(r.cfg.ReportOutputDir); err == nil {
		data := report.BuildDashboard(dateStr, period, fileStats, userStats, findings)
		if _, err := reportW.Dashboard(data); err != nil {
			errs = append(errs, err)
		}
	}

	if len(findings) > 0 {
		if err := r.alert(ctx, batchDate, period, findings); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ingest fetches the window from the API source and runs every event
// through the idempotent insert. A fetch failure means no new events
// this cycle; a storage failure aborts the run.
func (r *Runner) ingest(ctx context.Context, period db.Period, start, end time.Time, targetFiles map[string]struct{}) error {
	events, skipped, err := r.box.FetchEvents(ctx, start, end, targetFiles)
	if err != nil {
		r.log.Error("event fetch failed, treating as no new events", zap.Error(err))
		return nil
	}
	metrics.EventsSkipped.Add(float64(skipped))

	inserted, duplicates := 0, 0
	for _, ev := range events {
		ok, err := r.store.InsertEvent(ev)
		if err != nil {
			return err
		}
		if ok {
			inserted++
			metrics.EventsIngested.WithLabelValues(string(period), ev.EventType).Inc()
		} else {
			duplicates++
			metrics.EventsDuplicate.WithLabelValues(string(period)).Inc()
		}
	}

	r.log.Info("events ingested",
		zap.String("period", string(period)),
		zap.Int("inserted", inserted),
		zap.Int("duplicates", duplicates))
	return nil
}

// detect evaluates the four rules, persists merged anomaly rows, and
// returns the findings for reporting.
func (r *Runner) detect(batchDate string, period db.Period, userStats map[string]*aggregate.UserStat, events []db.Event) ([]anomaly.Finding, error) {
	startMin, endMin := r.cfg.BusinessHours()
	detector := anomaly.New(anomaly.Thresholds{
		DownloadCount:    r.cfg.DownloadCountThreshold,
		UniqueFiles:      r.cfg.UniqueFilesThreshold,
		Offhour:          r.cfg.OffhourThreshold,
		SpikeWindow:      time.Duration(r.cfg.SpikeWindowMinutes) * time.Minute,
		Spike:            r.cfg.SpikeThreshold,
		BusinessStartMin: startMin,
		BusinessEndMin:   endMin,
	}, r.cfg.ExcludedSet())

	offhours := aggregate.OffhourCounts(events, startMin, endMin)
	findings := detector.Detect(userStats, offhours)
	if len(findings) == 0 {
		r.log.Info("no anomalies detected", zap.String("period", string(period)))
		return nil, nil
	}

	r.log.Warn("anomalies detected",
		zap.String("period", string(period)), zap.Int("users", len(findings)))
	for _, line := range strings.Split(anomaly.Summary(findings, r.cfg.SpikeWindowMinutes), "\n") {
		r.log.Info(line)
	}

	var errs []error
	for i := range findings {
		rec := findings[i].Record(batchDate, period)
		if err := r.store.InsertAnomaly(rec); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Rerun of the same window: the freshly merged result
				// supersedes the stored row.
				if err := r.mergeExisting(rec); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			errs = append(errs, fmt.Errorf("persist anomaly for %s: %w", rec.UserLogin, err))
			continue
		}
		metrics.AnomaliesFound.WithLabelValues(string(period), rec.Severity).Inc()
	}

	return findings, errors.Join(errs...)
}

func (r *Runner) mergeExisting(rec *db.Anomaly) error {
	existing, err := r.store.FindAnomaly(rec.BatchDate, rec.PeriodType, rec.UserLogin)
	if err != nil {
		return fmt.Errorf("load existing anomaly for %s: %w", rec.UserLogin, err)
	}
	existing.UserName = rec.UserName
	existing.AnomalyType = rec.AnomalyType
	existing.Value = rec.Value
	existing.Details = rec.Details
	existing.Severity = rec.Severity
	existing.DownloadCount = rec.DownloadCount
	existing.PreviewCount = rec.PreviewCount
	return r.store.UpdateAnomaly(existing)
}

// alert writes the anomaly-details attachment and mails it, unless an
// alert for this (date, period) already went out.
func (r *Runner) alert(ctx context.Context, batchDate string, period db.Period, findings []anomaly.Finding) error {
	sent, err := r.store.AlertSent(batchDate, string(period))
	if err != nil {
		return err
	}
	if sent {
		r.log.Info("alert already sent for window, skipping",
			zap.String("date", batchDate), zap.String("period", string(period)))
		return nil
	}

	anomalyW, err := report.NewWriter(r.cfg.AnomalyOutputDir)
	if err != nil {
		return err
	}
	dateStr := strings.ReplaceAll(batchDate, "-", "")
	csvPath, err := anomalyW.AnomalyDetails(findings, dateStr, period, r.cfg.AttachmentMaxRows)
	if err != nil {
		return err
	}

	summary := anomaly.Summary(findings, r.cfg.SpikeWindowMinutes)
	label := fmt.Sprintf("%s (%s)", batchDate, period)
	if err := r.mailer.SendAnomalyAlert(ctx, label, summary, []string{csvPath}); err != nil {
		metrics.AlertMailsFailed.Inc()
		return fmt.Errorf("alert mail for %s: %w", label, err)
	}
	metrics.AlertMailsSent.Inc()

	return r.store.RecordAlertSent(batchDate, string(period), len(findings), csvPath)
}

// RunMonthly recomputes and exports one month's summaries.
func (r *Runner) RunMonthly(month string) error {
	gen := monthly.New(r.store)
	if err := gen.Generate(month); err != nil {
		return err
	}

	reportW, err := report.NewWriter(r.cfg.ReportOutputDir)
	if err != nil {
		return err
	}
	monthStr := strings.ReplaceAll(month, "-", "")

	userRows, err := r.store.MonthlyUserSummaries(month)
	if err != nil {
		return err
	}
	if _, err := reportW.MonthlyUserSummary(userRows, monthStr); err != nil {
		return err
	}

	fileRows, err := r.store.MonthlyFileSummaries(month)
	if err != nil {
		return err
	}
	if _, err := reportW.MonthlyFileSummary(fileRows, monthStr); err != nil {
		return err
	}
	return nil
}

// RunImport ingests admin-console CSV exports instead of the API.
func (r *Runner) RunImport(paths []string) error {
	importer := csvimport.New(r.store)
	n, err := importer.ImportFiles(paths)
	if err != nil {
		return err
	}
	r.log.Info("csv import finished", zap.Int("total_inserted", n))
	return nil
}
