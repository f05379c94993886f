// Package aggregate computes per-file, per-user, and per-user-per-file
// rollups from event range scans. Nothing here is persisted; every run
// recomputes from the store so the batch stays restart-safe.
package aggregate

import (
	"sort"
	"time"

	"boxaudit/internal/db"
	"boxaudit/internal/normalize"
)

// FileStat is the per-file rollup for one time range.
type FileStat struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Count    int64  `json:"count"`
}

// UserStat is the per-user rollup. Count includes both downloads and
// previews; the breakdown is tracked in the same pass so consumers
// never rescan. Events holds the user's events in ascending JST order,
// which the spike rule and the anomaly-details report both rely on.
type UserStat struct {
	UserLogin     string     `json:"user_login"`
	UserName      string     `json:"user_name"`
	Count         int64      `json:"count"`
	DownloadCount int64      `json:"download_count"`
	PreviewCount  int64      `json:"preview_count"`
	UniqueFiles   int64      `json:"unique_files"`
	Events        []db.Event `json:"-"`

	seen map[string]struct{}
}

// UserFileStat is the (user, file) rollup.
type UserFileStat struct {
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	FileID      string    `json:"file_id"`
	FileName    string    `json:"file_name"`
	Count       int64     `json:"count"`
	LastEventAt time.Time `json:"last_event_at"`
}

// ByFile groups events by file ID, most accessed first. Every event is
// counted, so the per-file totals always sum to the range's event count.
func ByFile(events []db.Event) []FileStat {
	stats := make(map[string]*FileStat)
	for _, e := range events {
		st, ok := stats[e.FileID]
		if !ok {
			st = &FileStat{FileID: e.FileID, FileName: e.FileName}
			stats[e.FileID] = st
		}
		st.Count++
	}
	out := make([]FileStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// ByUser groups events by login. Grouping is case-sensitive exact
// match. The input must already be in ascending JST order (the store's
// range query guarantees it); per-user Events preserve that order.
func ByUser(events []db.Event) map[string]*UserStat {
	stats := make(map[string]*UserStat)
	for _, e := range events {
		st, ok := stats[e.UserLogin]
		if !ok {
			st = &UserStat{
				UserLogin: e.UserLogin,
				UserName:  e.UserName,
				seen:      make(map[string]struct{}),
			}
			stats[e.UserLogin] = st
		}
		st.Count++
		if e.EventType == normalize.TypePreview {
			st.PreviewCount++
		} else {
			st.DownloadCount++
		}
		if _, dup := st.seen[e.FileID]; !dup {
			st.seen[e.FileID] = struct{}{}
			st.UniqueFiles++
		}
		st.Events = append(st.Events, e)
	}
	return stats
}

// ByUserFile groups events by (login, file ID), most accessed first.
func ByUserFile(events []db.Event) []UserFileStat {
	type key struct{ login, fileID string }
	stats := make(map[key]*UserFileStat)
	for _, e := range events {
		k := key{e.UserLogin, e.FileID}
		st, ok := stats[k]
		if !ok {
			st = &UserFileStat{
				UserLogin: e.UserLogin,
				UserName:  e.UserName,
				FileID:    e.FileID,
				FileName:  e.FileName,
			}
			stats[k] = st
		}
		st.Count++
		if e.DownloadAtJST.After(st.LastEventAt) {
			st.LastEventAt = e.DownloadAtJST
		}
	}
	out := make([]UserFileStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].UserLogin != out[j].UserLogin {
			return out[i].UserLogin < out[j].UserLogin
		}
		return out[i].FileID < out[j].FileID
	})
	return out
}

// Offhours reports whether t's local clock time falls outside the
// closed-open business interval [startMin, endMin), both in minutes of
// the day. An event at the start boundary is inside business hours; one
// at the end boundary is off-hours.
func Offhours(t time.Time, startMin, endMin int) bool {
	m := t.In(normalize.JST)
	minutes := m.Hour()*60 + m.Minute()
	return minutes < startMin || minutes >= endMin
}

// OffhourCounts counts each user's events outside business hours.
func OffhourCounts(events []db.Event, startMin, endMin int) map[string]int64 {
	counts := make(map[string]int64)
	for _, e := range events {
		if Offhours(e.DownloadAtJST, startMin, endMin) {
			counts[e.UserLogin]++
		}
	}
	return counts
}
