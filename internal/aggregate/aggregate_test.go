package aggregate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxaudit/internal/db"
	"boxaudit/internal/normalize"
)

func ev(login, fileID, eventType string, at time.Time) db.Event {
	return db.Event{
		UserLogin:     login,
		UserName:      login + " name",
		FileID:        fileID,
		FileName:      fileID + ".pdf",
		EventType:     eventType,
		DownloadAtJST: at.In(normalize.JST),
		DownloadAtUTC: at.UTC(),
	}
}

func TestByFile(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, normalize.JST)
	events := []db.Event{
		ev("alice", "f1", normalize.TypeDownload, base),
		ev("bob", "f1", normalize.TypeDownload, base.Add(time.Minute)),
		ev("alice", "f2", normalize.TypePreview, base.Add(2*time.Minute)),
		ev("alice", "", normalize.TypeDownload, base.Add(3*time.Minute)),
	}

	stats := ByFile(events)
	require.Len(t, stats, 3)

	assert.Equal(t, "f1", stats[0].FileID)
	assert.Equal(t, int64(2), stats[0].Count)

	// Events without a file ID still count toward the range total.
	var total int64
	for _, st := range stats {
		total += st.Count
	}
	assert.Equal(t, int64(len(events)), total)
}

func TestByUser(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, normalize.JST)
	events := []db.Event{
		ev("alice", "f1", normalize.TypeDownload, base),
		ev("alice", "f1", normalize.TypeDownload, base.Add(time.Minute)),
		ev("alice", "f2", normalize.TypePreview, base.Add(2*time.Minute)),
		ev("bob", "f1", normalize.TypeDownload, base.Add(3*time.Minute)),
	}

	stats := ByUser(events)
	require.Len(t, stats, 2)

	alice := stats["alice"]
	require.NotNil(t, alice)
	assert.Equal(t, int64(3), alice.Count)
	assert.Equal(t, int64(2), alice.DownloadCount)
	assert.Equal(t, int64(1), alice.PreviewCount)
	assert.Equal(t, int64(2), alice.UniqueFiles)
	require.Len(t, alice.Events, 3)
	assert.True(t, alice.Events[0].DownloadAtJST.Before(alice.Events[2].DownloadAtJST))

	assert.Equal(t, int64(1), stats["bob"].Count)
}

func TestSumConsistency(t *testing.T) {
	// Per-file totals, per-user totals, and the range total must agree
	// for every range, including events with empty IDs.
	base := time.Date(2026, 8, 28, 0, 0, 0, 0, normalize.JST)
	var events []db.Event
	for i := 0; i < 50; i++ {
		login := fmt.Sprintf("user%d", i%7)
		fileID := fmt.Sprintf("f%d", i%11)
		if i%13 == 0 {
			login = ""
		}
		if i%17 == 0 {
			fileID = ""
		}
		events = append(events, ev(login, fileID, normalize.TypeDownload, base.Add(time.Duration(i)*time.Minute)))
	}

	var fileTotal, userTotal int64
	for _, st := range ByFile(events) {
		fileTotal += st.Count
	}
	for _, st := range ByUser(events) {
		userTotal += st.Count
	}

	assert.Equal(t, int64(len(events)), fileTotal)
	assert.Equal(t, int64(len(events)), userTotal)
}

func TestByUserFile(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, normalize.JST)
	events := []db.Event{
		ev("alice", "f1", normalize.TypeDownload, base),
		ev("alice", "f1", normalize.TypeDownload, base.Add(time.Hour)),
		ev("bob", "f1", normalize.TypeDownload, base.Add(2*time.Hour)),
	}

	stats := ByUserFile(events)
	require.Len(t, stats, 2)

	assert.Equal(t, "alice", stats[0].UserLogin)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, base.Add(time.Hour).In(normalize.JST), stats[0].LastEventAt)
}

func TestOffhours(t *testing.T) {
	// Business hours 08:00-20:00.
	const startMin, endMin = 8 * 60, 20 * 60

	tests := []struct {
		name string
		hour int
		min  int
		want bool
	}{
		{"one minute before opening", 7, 59, true},
		{"at opening", 8, 0, false},
		{"midday", 12, 30, false},
		{"one minute before closing", 19, 59, false},
		{"at closing", 20, 0, true},
		{"midnight", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2026, 8, 28, tt.hour, tt.min, 0, 0, normalize.JST)
			assert.Equal(t, tt.want, Offhours(at, startMin, endMin))
		})
	}
}

func TestOffhoursConvertsZone(t *testing.T) {
	// 23:00 UTC is 08:00 JST the next day: inside business hours.
	at := time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC)
	assert.False(t, Offhours(at, 8*60, 20*60))
}

func TestOffhourCounts(t *testing.T) {
	base := time.Date(2026, 8, 28, 21, 0, 0, 0, normalize.JST)
	events := []db.Event{
		ev("alice", "f1", normalize.TypeDownload, base),
		ev("alice", "f2", normalize.TypeDownload, base.Add(time.Minute)),
		ev("bob", "f1", normalize.TypeDownload, base.Add(-10*time.Hour)), // 11:00, in hours
	}

	counts := OffhourCounts(events, 8*60, 20*60)
	assert.Equal(t, int64(2), counts["alice"])
	assert.Zero(t, counts["bob"])
}
