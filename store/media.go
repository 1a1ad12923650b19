package store

import (
	"encoding/json"
	"fmt"
	"time"

	"mpxsync/utils"
)

// MethodDelete is the notification method reported for removed objects
const MethodDelete = "delete"

// MediaRecord is the stored form of one mpx media entry
type MediaRecord struct {
	ID        string
	AccountID int64
	GUID      string
	Title     string
	UpdatedAt time.Time
	Raw       json.RawMessage
}

type mediaEntry struct {
	ID      string `json:"id"`
	GUID    string `json:"guid"`
	Title   string `json:"title"`
	Updated int64  `json:"updated"`
}

// DecodeMediaPage extracts the entries of a media data page. Entries with
// no id are skipped.
func DecodeMediaPage(accountID int64, page json.RawMessage) ([]MediaRecord, error) {
	var envelope struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(page, &envelope); err != nil {
		return nil, fmt.Errorf("decode media page: %w", err)
	}

	records := make([]MediaRecord, 0, len(envelope.Entries))
	for _, raw := range envelope.Entries {
		var entry mediaEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode media entry: %w", err)
		}
		id := utils.BaseID(entry.ID)
		if id == "" {
			continue
		}
		record := MediaRecord{
			ID:        id,
			AccountID: accountID,
			GUID:      entry.GUID,
			Title:     entry.Title,
			Raw:       raw,
		}
		if entry.Updated > 0 {
			record.UpdatedAt = time.UnixMilli(entry.Updated).UTC()
		}
		records = append(records, record)
	}
	return records, nil
}
