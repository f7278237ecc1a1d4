package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// rawEntry accepts every field name the stored payloads have carried across
// iterations of the app. Older documents used seconds or totalMinutes for the
// duration and date or timestamp for the creation time.
type rawEntry struct {
	SchemaVersion   int     `json:"schema_version"`
	ID              string  `json:"id"`
	OwnerID         string  `json:"owner_id"`
	Project         string  `json:"project"`
	Description     string  `json:"description"`
	Minutes         *int    `json:"minutes"`
	DurationMinutes *int    `json:"durationMinutes"`
	TotalMinutes    *int    `json:"totalMinutes"`
	Seconds         *int    `json:"seconds"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	Date            string  `json:"date"`
	Timestamp       string  `json:"timestamp"`
	CreatedAtAlt    string  `json:"createdAt"`
	UpdatedAtAlt    string  `json:"updatedAt"`
	Time            float64 `json:"time"` // oldest iteration: hours as float
}

// UnmarshalEntry decodes an entry payload, normalizing legacy field names to
// the canonical HistoryEntry shape. This is the migration step at the store
// and adapter boundaries; everything past those boundaries sees one shape.
func UnmarshalEntry(data []byte) (*HistoryEntry, error) {
	var raw rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode entry payload: %w", err)
	}

	e := &HistoryEntry{
		ID:          raw.ID,
		OwnerID:     raw.OwnerID,
		Project:     raw.Project,
		Description: raw.Description,
	}

	switch {
	case raw.Minutes != nil:
		e.Minutes = *raw.Minutes
	case raw.DurationMinutes != nil:
		e.Minutes = *raw.DurationMinutes
	case raw.TotalMinutes != nil:
		e.Minutes = *raw.TotalMinutes
	case raw.Seconds != nil:
		e.Minutes = *raw.Seconds / 60
	case raw.Time > 0:
		e.Minutes = int(raw.Time * 60)
	}

	e.CreatedAt = firstTimestamp(raw.CreatedAt, raw.CreatedAtAlt, raw.Timestamp, raw.Date)
	e.UpdatedAt = firstTimestamp(raw.UpdatedAt, raw.UpdatedAtAlt)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	return e, nil
}

// MarshalEntry encodes an entry in the canonical shape, tagged with the
// current schema version.
func MarshalEntry(e *HistoryEntry) ([]byte, error) {
	payload := struct {
		SchemaVersion int `json:"schema_version"`
		HistoryEntry
	}{SchemaVersion: SchemaVersion, HistoryEntry: *e}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode entry payload: %w", err)
	}
	return data, nil
}

// firstTimestamp parses the first value that yields a valid time.
func firstTimestamp(candidates ...string) time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := ParseTimestamp(c); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ParseTimestamp tries the timestamp formats found in stored payloads:
// RFC3339 variants, SQLite DATETIME strings, and bare dates.
func ParseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
