package monthly

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boxaudit/internal/db"
	"boxaudit/internal/normalize"
)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insert(t *testing.T, store *db.Store, eventID, login, fileID string, at time.Time) {
	t.Helper()
	_, err := store.InsertEvent(&db.Event{
		EventID:       eventID,
		EventType:     normalize.TypeDownload,
		UserLogin:     login,
		UserName:      login + " name",
		FileID:        fileID,
		FileName:      fileID + ".pdf",
		DownloadAtUTC: at.UTC(),
		DownloadAtJST: at.In(normalize.JST),
	})
	require.NoError(t, err)
}

func TestShouldGenerate(t *testing.T) {
	month, ok := ShouldGenerate(time.Date(2026, 8, 1, 3, 0, 0, 0, normalize.JST))
	assert.True(t, ok)
	assert.Equal(t, "2026-07", month)

	_, ok = ShouldGenerate(time.Date(2026, 8, 2, 3, 0, 0, 0, normalize.JST))
	assert.False(t, ok)

	// January 1st rolls back across the year boundary.
	month, ok = ShouldGenerate(time.Date(2026, 1, 1, 0, 0, 0, 0, normalize.JST))
	assert.True(t, ok)
	assert.Equal(t, "2025-12", month)

	// The day is evaluated in JST: 16:00 UTC on the 31st is already the
	// 1st in Tokyo.
	month, ok = ShouldGenerate(time.Date(2026, 7, 31, 16, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, "2026-07", month)
}

func TestMonthRange(t *testing.T) {
	start, end, err := MonthRange("2026-07")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, normalize.JST).Unix(), start.Unix())
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, normalize.JST).Unix(), end.Unix())

	_, _, err = MonthRange("July 2026")
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	store := openTestStore(t)
	gen := New(store)

	// alice: 3 downloads over 2 distinct days; bob: 1.
	insert(t, store, "e1", "alice", "f1", time.Date(2026, 7, 3, 10, 0, 0, 0, normalize.JST))
	insert(t, store, "e2", "alice", "f1", time.Date(2026, 7, 3, 11, 0, 0, 0, normalize.JST))
	insert(t, store, "e3", "alice", "f2", time.Date(2026, 7, 20, 9, 0, 0, 0, normalize.JST))
	insert(t, store, "e4", "bob", "f1", time.Date(2026, 7, 10, 15, 0, 0, 0, normalize.JST))
	// Outside the month: ignored.
	insert(t, store, "e5", "alice", "f1", time.Date(2026, 8, 1, 0, 0, 0, 0, normalize.JST))

	require.NoError(t, gen.Generate("2026-07"))

	users, err := store.MonthlyUserSummaries("2026-07")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].UserLogin)
	assert.Equal(t, int64(3), users[0].TotalDownloads)
	assert.Equal(t, int64(2), users[0].ActiveDays)
	assert.Equal(t, int64(1), users[1].TotalDownloads)

	files, err := store.MonthlyFileSummaries("2026-07")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0].FileID)
	assert.Equal(t, int64(3), files[0].TotalDownloads)
	assert.Equal(t, int64(2), files[0].UniqueUsers)
}

func TestGenerateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	gen := New(store)

	insert(t, store, "e1", "alice", "f1", time.Date(2026, 7, 3, 10, 0, 0, 0, normalize.JST))

	require.NoError(t, gen.Generate("2026-07"))
	require.NoError(t, gen.Generate("2026-07"))

	users, err := store.MonthlyUserSummaries("2026-07")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(1), users[0].TotalDownloads)
}

func TestGenerateEmptyMonth(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, New(store).Generate("2026-06"))

	users, err := store.MonthlyUserSummaries("2026-06")
	require.NoError(t, err)
	assert.Empty(t, users)
}
