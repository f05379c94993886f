package boxapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"boxaudit/internal/db"
	"boxaudit/internal/normalize"
)

const (
	eventsPageSize  = 500
	foldersPageSize = 1000
)

// eventsPage is one chunk of the admin-logs stream. Entries stay raw so
// the full payload can be retained on the stored row.
type eventsPage struct {
	ChunkSize          int               `json:"chunk_size"`
	NextStreamPosition json.Number       `json:"next_stream_position"`
	Entries            []json.RawMessage `json:"entries"`
}

// FetchEvents pulls the admin-logs stream for [start, end) UTC, pages
// through it, and returns normalized events. When targetFiles is
// non-empty only events touching those file IDs are kept. Raw events
// that fail normalization are counted in skipped, never fatal.
func (c *Client) FetchEvents(ctx context.Context, start, end time.Time, targetFiles map[string]struct{}) (events []*db.Event, skipped int, err error) {
	createdAfter := start.UTC().Format(time.RFC3339)
	createdBefore := end.UTC().Format(time.RFC3339)
	c.log.Info("fetching box events",
		zap.String("created_after", createdAfter),
		zap.String("created_before", createdBefore))

	streamPosition := ""
	total := 0
	for {
		query := url.Values{
			"stream_type":    {"admin_logs"},
			"limit":          {strconv.Itoa(eventsPageSize)},
			"created_after":  {createdAfter},
			"created_before": {createdBefore},
		}
		if streamPosition != "" {
			query.Set("stream_position", streamPosition)
		}

		var page eventsPage
		if err := c.getJSON(ctx, "/events", query, &page); err != nil {
			return nil, skipped, fmt.Errorf("fetch events page: %w", err)
		}
		if len(page.Entries) == 0 {
			break
		}
		total += len(page.Entries)

		for _, entry := range page.Entries {
			var raw normalize.RawEvent
			if err := json.Unmarshal(entry, &raw); err != nil {
				c.log.Warn("undecodable event entry skipped", zap.Error(err))
				skipped++
				continue
			}
			if raw.Source.Type != "file" {
				continue
			}
			if len(targetFiles) > 0 {
				if _, ok := targetFiles[raw.Source.ID]; !ok {
					continue
				}
			}

			ev, err := normalize.Event(&raw, entry)
			if err != nil {
				c.log.Warn("event dropped during normalization",
					zap.String("event_id", raw.EventID),
					zap.String("event_type", raw.EventType),
					zap.Error(err))
				skipped++
				continue
			}
			events = append(events, ev)
		}

		if page.ChunkSize < eventsPageSize {
			break
		}
		streamPosition = page.NextStreamPosition.String()
	}

	c.log.Info("box events fetched",
		zap.Int("stream_entries", total),
		zap.Int("kept", len(events)),
		zap.Int("skipped", skipped))
	return events, skipped, nil
}

// folderItemsPage is one page of a folder listing.
type folderItemsPage struct {
	TotalCount int `json:"total_count"`
	Entries    []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"entries"`
}

// FolderFileIDs walks the folder tree under rootFolderID and returns
// every file ID in it. Listing errors on a subfolder skip that branch
// with a warning rather than failing the whole walk.
func (c *Client) FolderFileIDs(ctx context.Context, rootFolderID string) (map[string]struct{}, error) {
	fileIDs := make(map[string]struct{})

	var walk func(folderID string) error
	walk = func(folderID string) error {
		offset := 0
		for {
			query := url.Values{
				"limit":  {strconv.Itoa(foldersPageSize)},
				"offset": {strconv.Itoa(offset)},
				"fields": {"type,id,name"},
			}
			var page folderItemsPage
			if err := c.getJSON(ctx, "/folders/"+folderID+"/items", query, &page); err != nil {
				return err
			}

			for _, item := range page.Entries {
				switch item.Type {
				case "file":
					fileIDs[item.ID] = struct{}{}
				case "folder":
					if err := walk(item.ID); err != nil {
						c.log.Warn("skipping unreadable subfolder",
							zap.String("folder_id", item.ID), zap.Error(err))
					}
				}
			}

			offset += len(page.Entries)
			if offset >= page.TotalCount || len(page.Entries) == 0 {
				return nil
			}
		}
	}

	if err := walk(rootFolderID); err != nil {
		return nil, fmt.Errorf("list folder %s: %w", rootFolderID, err)
	}
	c.log.Info("target folder walked",
		zap.String("root", rootFolderID), zap.Int("files", len(fileIDs)))
	return fileIDs, nil
}
