package internal

import (
	"fmt"
	"net/url"
	"time"
)

// Account attribute keys persisted in the AttributeStore
const (
	AttrPlayerNotification = "player_notification_id"
	AttrLastNotification   = "last_notification"
	AttrBatchURL           = "batch_url"
	AttrBatchItemCount     = "batch_item_count"
	AttrBatchCurrentItem   = "batch_current_item"
)

// BatchAttributes lists the transient batch-pagination keys
var BatchAttributes = []string{AttrBatchURL, AttrBatchItemCount, AttrBatchCurrentItem}

// Token is a short-lived mpx session token
type Token struct {
	OwnerID   string    `json:"owner_id"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsValid reports whether the token can still be used for at least d at now
func (t *Token) IsValid(now time.Time, d time.Duration) bool {
	if t == nil {
		return false
	}
	return t.Value != "" && t.ExpiresAt.After(now.Add(d))
}

// TTL returns the time left before the token expires
func (t *Token) TTL(now time.Time) time.Duration {
	if t == nil || t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// String identifies the token without exposing its value
func (t *Token) String() string {
	if t == nil {
		return "<nil token>"
	}
	return fmt.Sprintf("token(%s, expires %s)", t.OwnerID, t.ExpiresAt.UTC().Format(time.RFC3339))
}

// Account is an mpx account as supplied by the account collaborator.
// The core treats it as read-only.
type Account struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Password      string `json:"-"`
	ImportAccount string `json:"import_account"`
	AccountID     string `json:"account_id"`
	AccountPID    string `json:"account_pid"`
	DefaultPlayer string `json:"default_player"`
}

// TokenOwner returns the key the account's token is cached under
func (a *Account) TokenOwner() string {
	return a.Username
}

func (a *Account) String() string {
	if a == nil {
		return "<nil account>"
	}
	if a.ImportAccount != "" {
		return fmt.Sprintf("%s (%d, %s)", a.Username, a.ID, a.ImportAccount)
	}
	return fmt.Sprintf("%s (%d)", a.Username, a.ID)
}

// Notification is a single change notification produced by a feed poll
type Notification struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	UpdatedAt time.Time `json:"updated"`
}

// BatchWindow is one bounded range request of a batch import
type BatchWindow struct {
	AccountID  int64  `json:"account_id"`
	URL        string `json:"url"`
	RangeStart int    `json:"range_start"`
	RangeEnd   int    `json:"range_end"`
}

// Range formats the window as the mpx range parameter
func (w BatchWindow) Range() string {
	return fmt.Sprintf("%d-%d", w.RangeStart, w.RangeEnd)
}

// Params returns the query parameters selecting this window
func (w BatchWindow) Params() url.Values {
	return url.Values{"range": {w.Range()}}
}

// QueueItem is a claimed work queue entry
type QueueItem struct {
	ID     string      `json:"id"`
	Queue  string      `json:"queue"`
	Window BatchWindow `json:"window"`
}

// SyncMode describes how the next ingestion run for an account proceeds
type SyncMode int

const (
	SyncModeNone SyncMode = iota
	SyncModeBatchPending
	SyncModeIncremental
)

func (m SyncMode) String() string {
	switch m {
	case SyncModeNone:
		return "NoSync"
	case SyncModeBatchPending:
		return "BatchPending"
	case SyncModeIncremental:
		return "Incremental"
	default:
		return "Unknown"
	}
}

// DetermineSyncMode derives the sync mode from an account's attributes.
// Pending batch fields take precedence over a notification cursor.
func DetermineSyncMode(attrs map[string]string) SyncMode {
	if attrs[AttrBatchURL] != "" {
		return SyncModeBatchPending
	}
	if attrs[AttrLastNotification] != "" {
		return SyncModeIncremental
	}
	return SyncModeNone
}
