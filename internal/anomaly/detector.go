// Package anomaly classifies per-user access behavior against
// configured thresholds. Four independent rules run per user; a user
// triggering several rules in one window still yields a single merged
// finding with a combined label and a severity tier.
package anomaly

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"boxaudit/internal/aggregate"
	"boxaudit/internal/db"
	"boxaudit/internal/logging"
)

// Rule identifiers, also the labels persisted on anomaly rows.
const (
	RuleDownloadCount = "download_count"
	RuleUniqueFiles   = "unique_files"
	RuleOffhour       = "offhour"
	RuleSpike         = "spike"
)

// Severity tiers derived from how far a metric exceeds its threshold.
const (
	SeverityNormal   = "NORMAL"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Thresholds carries the externally configured rule parameters.
type Thresholds struct {
	DownloadCount int
	UniqueFiles   int
	Offhour       int
	SpikeWindow   time.Duration
	Spike         int

	// Business hours as minutes of the JST day, closed-open.
	BusinessStartMin int
	BusinessEndMin   int
}

// Hit is one triggered rule for one user.
type Hit struct {
	Rule      string
	Value     float64
	Threshold float64

	// WindowStart is set for spike hits only: the start of the densest
	// window found.
	WindowStart time.Time
}

// Ratio is the hit's value relative to its threshold; severity and the
// dominant-rule choice both rank by it.
func (h Hit) Ratio() float64 {
	if h.Threshold <= 0 {
		return 0
	}
	return h.Value / h.Threshold
}

// Finding is the merged detection outcome for one user in one window.
type Finding struct {
	UserLogin     string
	UserName      string
	Hits          []Hit
	DownloadCount int64
	PreviewCount  int64

	// Events are the user's events in the window, ascending JST order,
	// carried through for the anomaly-details report.
	Events []db.Event
}

// TypeLabel joins the triggered rule names with "+" in a fixed order.
func (f *Finding) TypeLabel() string {
	names := make([]string, len(f.Hits))
	for i, h := range f.Hits {
		names[i] = h.Rule
	}
	return strings.Join(names, "+")
}

// Dominant returns the hit with the highest ratio to its threshold.
func (f *Finding) Dominant() Hit {
	best := f.Hits[0]
	for _, h := range f.Hits[1:] {
		if h.Ratio() > best.Ratio() {
			best = h
		}
	}
	return best
}

// Severity classifies the finding by its dominant ratio.
func (f *Finding) Severity() string {
	return severityForRatio(f.Dominant().Ratio())
}

func severityForRatio(ratio float64) string {
	switch {
	case ratio >= 10:
		return SeverityCritical
	case ratio >= 5:
		return SeverityHigh
	default:
		return SeverityNormal
	}
}

// Details renders each hit as "rule:value/threshold", joined with "; ".
func (f *Finding) Details() string {
	parts := make([]string, len(f.Hits))
	for i, h := range f.Hits {
		parts[i] = fmt.Sprintf("%s:%d/%d", h.Rule, int64(h.Value), int64(h.Threshold))
	}
	return strings.Join(parts, "; ")
}

// Record converts the finding into its persisted form for one batch
// window.
func (f *Finding) Record(batchDate string, period db.Period) *db.Anomaly {
	dominant := f.Dominant()
	return &db.Anomaly{
		BatchDate:     batchDate,
		PeriodType:    period,
		UserLogin:     f.UserLogin,
		UserName:      f.UserName,
		AnomalyType:   f.TypeLabel(),
		Value:         dominant.Value,
		Details:       f.Details(),
		Severity:      f.Severity(),
		DownloadCount: f.DownloadCount,
		PreviewCount:  f.PreviewCount,
	}
}

// Detector evaluates the four rules over aggregated window data.
type Detector struct {
	t        Thresholds
	excluded map[string]struct{}
	log      *zap.Logger
}

// New builds a detector. excluded logins (service and system accounts)
// are skipped entirely, before any rule runs.
func New(t Thresholds, excluded map[string]struct{}) *Detector {
	if excluded == nil {
		excluded = map[string]struct{}{}
	}
	return &Detector{t: t, excluded: excluded, log: logging.L()}
}

// Detect runs every rule against the aggregated per-user stats and the
// off-hours counts for the same window, merging per-user results into
// at most one finding per login. Findings come back sorted by login.
func (d *Detector) Detect(users map[string]*aggregate.UserStat, offhours map[string]int64) []Finding {
	findings := make(map[string]*Finding)

	get := func(login, name string) *Finding {
		f, ok := findings[login]
		if !ok {
			f = &Finding{UserLogin: login, UserName: name}
			findings[login] = f
		}
		if f.UserName == "" {
			f.UserName = name
		}
		return f
	}

	for login, st := range users {
		if _, skip := d.excluded[login]; skip {
			continue
		}

		if st.Count >= int64(d.t.DownloadCount) {
			f := get(login, st.UserName)
			f.Hits = append(f.Hits, Hit{
				Rule:      RuleDownloadCount,
				Value:     float64(st.Count),
				Threshold: float64(d.t.DownloadCount),
			})
		}

		if st.UniqueFiles >= int64(d.t.UniqueFiles) {
			f := get(login, st.UserName)
			f.Hits = append(f.Hits, Hit{
				Rule:      RuleUniqueFiles,
				Value:     float64(st.UniqueFiles),
				Threshold: float64(d.t.UniqueFiles),
			})
		}

		if count, start, ok := d.spike(st.Events); ok {
			f := get(login, st.UserName)
			f.Hits = append(f.Hits, Hit{
				Rule:        RuleSpike,
				Value:       float64(count),
				Threshold:   float64(d.t.Spike),
				WindowStart: start,
			})
		}
	}

	for login, count := range offhours {
		if _, skip := d.excluded[login]; skip {
			continue
		}
		if count < int64(d.t.Offhour) {
			continue
		}
		name := ""
		if st, ok := users[login]; ok {
			name = st.UserName
		}
		f := get(login, name)
		f.Hits = append(f.Hits, Hit{
			Rule:      RuleOffhour,
			Value:     float64(count),
			Threshold: float64(d.t.Offhour),
		})
	}

	out := make([]Finding, 0, len(findings))
	for login, f := range findings {
		if st, ok := users[login]; ok {
			f.DownloadCount = st.DownloadCount
			f.PreviewCount = st.PreviewCount
			f.Events = st.Events
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserLogin < out[j].UserLogin })

	if len(out) > 0 {
		d.log.Warn("anomalous users detected", zap.Int("count", len(out)))
	}
	return out
}

// spike slides a fixed window of [t, t+W) over the user's time-sorted
// events with two pointers, O(n) amortized, and reports the densest
// window. Triggers when any window holds at least the spike threshold.
func (d *Detector) spike(events []db.Event) (count int64, windowStart time.Time, triggered bool) {
	if len(events) < d.t.Spike || d.t.Spike <= 0 {
		return 0, time.Time{}, false
	}

	times := make([]time.Time, 0, len(events))
	for _, e := range events {
		if e.DownloadAtJST.IsZero() {
			// Cannot place the event on the timeline; it is excluded
			// from this rule only, not from the run.
			d.log.Warn("event without timestamp skipped by spike rule",
				zap.String("event_id", e.EventID))
			continue
		}
		times = append(times, e.DownloadAtJST)
	}
	if len(times) < d.t.Spike {
		return 0, time.Time{}, false
	}

	var best int
	var bestStart time.Time
	left := 0
	for right := range times {
		for times[right].Sub(times[left]) >= d.t.SpikeWindow {
			left++
		}
		if n := right - left + 1; n > best {
			best = n
			bestStart = times[left]
		}
	}

	if best >= d.t.Spike {
		return int64(best), bestStart, true
	}
	return 0, time.Time{}, false
}

// Summary renders a human-readable digest of the findings for the
// alert mail body and the batch log.
func Summary(findings []Finding, windowMinutes int) string {
	if len(findings) == 0 {
		return "No anomalies detected."
	}

	lines := []string{fmt.Sprintf("Detected %d anomalous users:", len(findings))}
	for _, f := range findings {
		descs := make([]string, 0, len(f.Hits))
		for _, h := range f.Hits {
			switch h.Rule {
			case RuleDownloadCount:
				descs = append(descs, fmt.Sprintf("Downloads: %d (threshold: %d)", int64(h.Value), int64(h.Threshold)))
			case RuleUniqueFiles:
				descs = append(descs, fmt.Sprintf("Unique files: %d (threshold: %d)", int64(h.Value), int64(h.Threshold)))
			case RuleOffhour:
				descs = append(descs, fmt.Sprintf("Off-hour downloads: %d (threshold: %d)", int64(h.Value), int64(h.Threshold)))
			case RuleSpike:
				descs = append(descs, fmt.Sprintf("Spike: %d downloads in %d minutes (threshold: %d)", int64(h.Value), windowMinutes, int64(h.Threshold)))
			}
		}
		lines = append(lines, fmt.Sprintf("  - %s (%s) [%s]: %s",
			f.UserName, f.UserLogin, f.Severity(), strings.Join(descs, ", ")))
	}
	return strings.Join(lines, "\n")
}
