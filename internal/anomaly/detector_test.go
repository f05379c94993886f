package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxaudit/internal/aggregate"
	"boxaudit/internal/db"
	"boxaudit/internal/normalize"
)

func defaultThresholds() Thresholds {
	return Thresholds{
		DownloadCount:    200,
		UniqueFiles:      100,
		Offhour:          50,
		SpikeWindow:      60 * time.Minute,
		Spike:            100,
		BusinessStartMin: 8 * 60,
		BusinessEndMin:   20 * 60,
	}
}

func userStats(events []db.Event) map[string]*aggregate.UserStat {
	return aggregate.ByUser(events)
}

func burst(login string, n int, start time.Time, gap time.Duration) []db.Event {
	events := make([]db.Event, n)
	for i := range events {
		at := start.Add(time.Duration(i) * gap)
		events[i] = db.Event{
			UserLogin:     login,
			UserName:      login + " name",
			FileID:        fmt.Sprintf("f%d", i),
			EventType:     normalize.TypeDownload,
			DownloadAtJST: at,
			DownloadAtUTC: at.UTC(),
		}
	}
	return events
}

func TestDetectDownloadCount(t *testing.T) {
	th := defaultThresholds()
	th.UniqueFiles = 1000
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, normalize.JST)

	tests := []struct {
		name  string
		count int
		want  bool
	}{
		{"below threshold", 199, false},
		{"at threshold", 200, true},
		{"above threshold", 250, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Spread over the whole day so the spike rule stays quiet.
			events := burst("alice", tt.count, base, 4*time.Minute)
			d := New(th, nil)

			findings := d.Detect(userStats(events), nil)
			if !tt.want {
				assert.Empty(t, findings)
				return
			}
			require.Len(t, findings, 1)
			f := findings[0]
			assert.Equal(t, "alice", f.UserLogin)
			require.Len(t, f.Hits, 1)
			assert.Equal(t, RuleDownloadCount, f.Hits[0].Rule)
			assert.Equal(t, float64(tt.count), f.Hits[0].Value)
		})
	}
}

func TestDetectSpike(t *testing.T) {
	th := defaultThresholds()
	th.DownloadCount = 1000
	th.UniqueFiles = 1000
	th.Spike = 50
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, normalize.JST)

	tests := []struct {
		name string
		n    int
		gap  time.Duration
		want bool
	}{
		// 50 events at 1/min span 49 minutes: inside one window.
		{"dense burst triggers", 50, time.Minute, true},
		{"one short of threshold", 49, time.Minute, false},
		// 50 events at 2/min span 98 minutes: at most 31 per window.
		{"spread out does not trigger", 50, 2 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := burst("alice", tt.n, base, tt.gap)
			d := New(th, nil)

			findings := d.Detect(userStats(events), nil)
			if !tt.want {
				assert.Empty(t, findings)
				return
			}
			require.Len(t, findings, 1)
			require.Len(t, findings[0].Hits, 1)
			hit := findings[0].Hits[0]
			assert.Equal(t, RuleSpike, hit.Rule)
			assert.Equal(t, float64(tt.n), hit.Value)
			assert.Equal(t, base, hit.WindowStart)
		})
	}
}

func TestSpikeThresholdBoundary(t *testing.T) {
	// 50 events at minute offsets 0..49: all inside one 60-minute window.
	th := defaultThresholds()
	th.DownloadCount = 1000
	th.UniqueFiles = 1000
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, normalize.JST)
	events := burst("alice", 50, base, time.Minute)

	th.Spike = 50
	assert.Len(t, New(th, nil).Detect(userStats(events), nil), 1)

	th.Spike = 51
	assert.Empty(t, New(th, nil).Detect(userStats(events), nil))
}

func TestSpikeWindowIsExclusiveAtEnd(t *testing.T) {
	// Two events exactly one window apart never share a window.
	th := defaultThresholds()
	th.DownloadCount = 1000
	th.UniqueFiles = 1000
	th.Spike = 2
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, normalize.JST)

	events := []db.Event{
		{UserLogin: "alice", EventType: normalize.TypeDownload, DownloadAtJST: base},
		{UserLogin: "alice", EventType: normalize.TypeDownload, DownloadAtJST: base.Add(60 * time.Minute)},
	}
	d := New(th, nil)
	assert.Empty(t, d.Detect(userStats(events), nil))

	events[1].DownloadAtJST = base.Add(60*time.Minute - time.Second)
	assert.Len(t, d.Detect(userStats(events), nil), 1)
}

func TestDetectOffhour(t *testing.T) {
	d := New(defaultThresholds(), nil)

	findings := d.Detect(nil, map[string]int64{"alice": 50, "bob": 49})
	require.Len(t, findings, 1)
	assert.Equal(t, "alice", findings[0].UserLogin)
	assert.Equal(t, RuleOffhour, findings[0].Hits[0].Rule)
}

func TestDetectMergesRulesPerUser(t *testing.T) {
	th := defaultThresholds()
	th.DownloadCount = 40
	th.UniqueFiles = 40
	th.Spike = 40
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, normalize.JST)

	events := burst("alice", 50, base, time.Second)
	d := New(th, nil)

	findings := d.Detect(userStats(events), map[string]int64{"alice": 60})
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Len(t, f.Hits, 4)
	assert.Equal(t, "download_count+unique_files+spike+offhour", f.TypeLabel())
	assert.Equal(t, int64(50), f.DownloadCount)
	assert.Contains(t, f.Details(), "download_count:50/40")
	assert.Contains(t, f.Details(), "offhour:60/50")
}

func TestExcludedUserSkipsAllRules(t *testing.T) {
	th := defaultThresholds()
	th.DownloadCount = 10
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, normalize.JST)

	events := burst("svc-backup", 500, base, time.Second)
	d := New(th, map[string]struct{}{"svc-backup": {}})

	findings := d.Detect(userStats(events), map[string]int64{"svc-backup": 500})
	assert.Empty(t, findings)
}

func TestSeverityTiers(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		want  string
	}{
		{"just over threshold", 201, SeverityNormal},
		{"just under high", 999, SeverityNormal},
		{"five times threshold", 1000, SeverityHigh},
		{"just under critical", 1999, SeverityHigh},
		{"ten times threshold", 2000, SeverityCritical},
		{"well past critical", 2001, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Finding{
				UserLogin: "alice",
				Hits:      []Hit{{Rule: RuleDownloadCount, Value: tt.value, Threshold: 200}},
			}
			assert.Equal(t, tt.want, f.Severity())
		})
	}
}

func TestSeverityUsesDominantHit(t *testing.T) {
	f := Finding{
		UserLogin: "alice",
		Hits: []Hit{
			{Rule: RuleDownloadCount, Value: 210, Threshold: 200}, // ratio 1.05
			{Rule: RuleOffhour, Value: 300, Threshold: 50},        // ratio 6
		},
	}
	assert.Equal(t, SeverityHigh, f.Severity())
	assert.Equal(t, RuleOffhour, f.Dominant().Rule)

	rec := f.Record("2026-08-28", db.PeriodConfirmed)
	assert.Equal(t, float64(300), rec.Value)
	assert.Equal(t, "download_count+offhour", rec.AnomalyType)
	assert.Equal(t, SeverityHigh, rec.Severity)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "No anomalies detected.", Summary(nil, 60))

	f := Finding{
		UserLogin: "alice",
		UserName:  "Alice A",
		Hits:      []Hit{{Rule: RuleDownloadCount, Value: 250, Threshold: 200}},
	}
	s := Summary([]Finding{f}, 60)
	assert.Contains(t, s, "Detected 1 anomalous users")
	assert.Contains(t, s, "Alice A (alice) [NORMAL]")
	assert.Contains(t, s, "Downloads: 250 (threshold: 200)")
}
