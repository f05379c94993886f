// Package normalize converts raw provider events into canonical Event
// records: event-kind mapping, UTC/JST timestamp resolution, and field
// extraction. It is a pure transform with no side effects.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"boxaudit/internal/db"
)

// JST is the fixed local zone all reporting uses. UTC+9, no DST.
var JST = time.FixedZone("JST", 9*60*60)

const (
	TypeDownload = "DOWNLOAD"
	TypePreview  = "PREVIEW"
)

// ErrUnmappedType marks raw events whose type is neither a download
// nor a preview. Callers drop these with a warning; one unmapped event
// never aborts a batch.
var ErrUnmappedType = errors.New("unmapped event type")

// RawEvent is the provider-native shape of one enterprise event, as
// returned by the events API.
type RawEvent struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	CreatedAt string `json:"created_at"`
	CreatedBy struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"created_by"`
	Source struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"source"`
	IPAddress         string `json:"ip_address"`
	AdditionalDetails struct {
		ClientType string `json:"client_type"`
		UserAgent  string `json:"user_agent"`
	} `json:"additional_details"`
}

// MapEventType resolves a provider event type to DOWNLOAD or PREVIEW.
// The admin-logs stream names previews ITEM_PREVIEW; older exports use
// PREVIEW directly.
func MapEventType(raw string) (string, error) {
	switch raw {
	case "DOWNLOAD":
		return TypeDownload, nil
	case "PREVIEW", "ITEM_PREVIEW":
		return TypePreview, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnmappedType, raw)
	}
}

// Event builds the canonical record from a raw API event. payload is
// the original JSON, retained opaquely on the row.
func Event(raw *RawEvent, payload []byte) (*db.Event, error) {
	kind, err := MapEventType(raw.EventType)
	if err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, raw.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("event %s: parse created_at %q: %w", raw.EventID, raw.CreatedAt, err)
	}

	utc := createdAt.UTC()
	return &db.Event{
		EventID:       raw.EventID,
		StreamType:    "admin_logs",
		EventType:     kind,
		UserLogin:     raw.CreatedBy.Login,
		UserName:      raw.CreatedBy.Name,
		FileID:        raw.Source.ID,
		FileName:      raw.Source.Name,
		DownloadAtUTC: utc,
		DownloadAtJST: utc.In(JST),
		IPAddress:     raw.IPAddress,
		ClientType:    raw.AdditionalDetails.ClientType,
		UserAgent:     raw.AdditionalDetails.UserAgent,
		Raw:           datatypes.JSON(payload),
	}, nil
}
