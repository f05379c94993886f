package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var jst = time.FixedZone("JST", 9*60*60)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEvent(eventID string, at time.Time) *Event {
	return &Event{
		EventID:       eventID,
		EventType:     "DOWNLOAD",
		UserLogin:     "alice@example.com",
		UserName:      "Alice",
		FileID:        "f1",
		FileName:      "report.pdf",
		DownloadAtUTC: at.UTC(),
		DownloadAtJST: at.In(jst),
	}
}

func TestInsertEventIdempotent(t *testing.T) {
	store := openTestStore(t)
	at := time.Date(2026, 8, 28, 10, 0, 0, 0, jst)

	inserted, err := store.InsertEvent(testEvent("e1", at))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same (event_id, download_at_utc) pair: silently deduplicated.
	inserted, err = store.InsertEvent(testEvent("e1", at))
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same event ID at a different instant is a distinct event.
	inserted, err = store.InsertEvent(testEvent("e1", at.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := store.EventCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEventsBetween(t *testing.T) {
	store := openTestStore(t)
	start := time.Date(2026, 8, 28, 0, 0, 0, 0, jst)
	end := start.AddDate(0, 0, 1)

	// Inserted out of order on purpose; reads must come back sorted.
	times := []time.Time{
		start.Add(23*time.Hour + 59*time.Minute + 59*time.Second),
		start,
		start.Add(12 * time.Hour),
		start.Add(-time.Second),   // day before
		end,                       // day after, boundary excluded
		start.Add(36 * time.Hour), // well outside
	}
	for i, at := range times {
		_, err := store.InsertEvent(testEvent("e"+string(rune('a'+i)), at))
		require.NoError(t, err)
	}

	events, err := store.EventsBetween(start, end)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, start.Unix(), events[0].DownloadAtJST.Unix())
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].DownloadAtJST.Before(events[i-1].DownloadAtJST))
	}
}

func TestEventsBetweenEmptyRange(t *testing.T) {
	store := openTestStore(t)
	start := time.Date(2026, 8, 28, 0, 0, 0, 0, jst)

	events, err := store.EventsBetween(start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUserEventsBetween(t *testing.T) {
	store := openTestStore(t)
	start := time.Date(2026, 8, 28, 0, 0, 0, 0, jst)

	e1 := testEvent("e1", start.Add(time.Hour))
	e2 := testEvent("e2", start.Add(2*time.Hour))
	e2.UserLogin = "bob@example.com"
	for _, e := range []*Event{e1, e2} {
		_, err := store.InsertEvent(e)
		require.NoError(t, err)
	}

	events, err := store.UserEventsBetween("alice@example.com", start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].EventID)
}

func TestAnomalyWindowUniqueness(t *testing.T) {
	store := openTestStore(t)

	a := &Anomaly{
		BatchDate:   "2026-08-28",
		PeriodType:  PeriodConfirmed,
		UserLogin:   "alice@example.com",
		AnomalyType: "download_count",
		Value:       250,
		Severity:    "NORMAL",
	}
	require.NoError(t, store.InsertAnomaly(a))

	dup := &Anomaly{
		BatchDate:   "2026-08-28",
		PeriodType:  PeriodConfirmed,
		UserLogin:   "alice@example.com",
		AnomalyType: "download_count+spike",
	}
	err := store.InsertAnomaly(dup)
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey))

	// Same user, other window: fine.
	other := &Anomaly{
		BatchDate:   "2026-08-28",
		PeriodType:  PeriodTentative,
		UserLogin:   "alice@example.com",
		AnomalyType: "download_count",
	}
	require.NoError(t, store.InsertAnomaly(other))
}

func TestAnomalyUpdateAfterRerun(t *testing.T) {
	store := openTestStore(t)

	a := &Anomaly{
		BatchDate:   "2026-08-28",
		PeriodType:  PeriodTentative,
		UserLogin:   "alice@example.com",
		AnomalyType: "download_count",
		Value:       250,
		Severity:    "NORMAL",
	}
	require.NoError(t, store.InsertAnomaly(a))

	existing, err := store.FindAnomaly("2026-08-28", PeriodTentative, "alice@example.com")
	require.NoError(t, err)

	existing.AnomalyType = "download_count+offhour"
	existing.Value = 1100
	existing.Severity = "HIGH"
	require.NoError(t, store.UpdateAnomaly(existing))

	got, err := store.FindAnomaly("2026-08-28", PeriodTentative, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "download_count+offhour", got.AnomalyType)
	assert.Equal(t, float64(1100), got.Value)
	assert.Equal(t, "HIGH", got.Severity)
}

func TestReplaceMonthlyUserSummary(t *testing.T) {
	store := openTestStore(t)

	first := []MonthlyUserSummary{
		{Month: "2026-07", UserLogin: "alice@example.com", TotalDownloads: 10, ActiveDays: 3},
		{Month: "2026-07", UserLogin: "bob@example.com", TotalDownloads: 30, ActiveDays: 5},
	}
	require.NoError(t, store.ReplaceMonthlyUserSummary("2026-07", first))

	// Recompute replaces, never accumulates.
	second := []MonthlyUserSummary{
		{Month: "2026-07", UserLogin: "alice@example.com", TotalDownloads: 12, ActiveDays: 4},
	}
	require.NoError(t, store.ReplaceMonthlyUserSummary("2026-07", second))

	rows, err := store.MonthlyUserSummaries("2026-07")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(12), rows[0].TotalDownloads)
}

func TestReplaceMonthlyFileSummaryOrdering(t *testing.T) {
	store := openTestStore(t)

	rows := []MonthlyFileSummary{
		{Month: "2026-07", FileID: "f1", TotalDownloads: 5, UniqueUsers: 2},
		{Month: "2026-07", FileID: "f2", TotalDownloads: 50, UniqueUsers: 9},
	}
	require.NoError(t, store.ReplaceMonthlyFileSummary("2026-07", rows))

	got, err := store.MonthlyFileSummaries("2026-07")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f2", got[0].FileID)
}

func TestAlertHistory(t *testing.T) {
	store := openTestStore(t)

	sent, err := store.AlertSent("2026-08-28", "confirmed")
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, store.RecordAlertSent("2026-08-28", "confirmed", 3, "/tmp/a.csv"))

	sent, err = store.AlertSent("2026-08-28", "confirmed")
	require.NoError(t, err)
	assert.True(t, sent)

	// Other window of the same day is tracked independently.
	sent, err = store.AlertSent("2026-08-28", "tentative")
	require.NoError(t, err)
	assert.False(t, sent)

	// Re-recording upserts instead of failing.
	require.NoError(t, store.RecordAlertSent("2026-08-28", "confirmed", 5, "/tmp/b.csv"))
}
