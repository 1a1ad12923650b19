package mpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"mpxsync/internal"
	"mpxsync/utils"
)

// ResetHook runs after a feed's cursor is deleted
type ResetHook func(ctx context.Context, account *internal.Account) error

// Feed configures a notification feed. Player and media feeds differ only
// in these values.
type Feed struct {
	Name      string
	URL       string
	CursorKey string
	Reset     ResetHook
}

// PlayerFeed returns the player notification feed at feedURL
func PlayerFeed(feedURL string) Feed {
	return Feed{
		Name:      "player",
		URL:       feedURL,
		CursorKey: internal.AttrPlayerNotification,
	}
}

// MediaFeed returns the media notification feed at feedURL. reset clears
// dependent ingestion state when the cursor is reset.
func MediaFeed(feedURL string, reset ResetHook) Feed {
	return Feed{
		Name:      "media",
		URL:       feedURL,
		CursorKey: internal.AttrLastNotification,
		Reset:     reset,
	}
}

// PollerConfig holds the paging parameters of a poller
type PollerConfig struct {
	Size           int
	Timeout        time.Duration
	ClientIDPrefix string
}

// PollerConfigFrom extracts poller settings from application configuration
func PollerConfigFrom(cfg *internal.Config) PollerConfig {
	return PollerConfig{
		Size:           cfg.NotificationSize,
		Timeout:        cfg.RequestTimeout,
		ClientIDPrefix: cfg.ClientIDPrefix,
	}
}

// PollResult is the outcome of a poll
type PollResult struct {
	Notifications []internal.Notification
	// Cursor is the id of the last item seen, or the starting cursor when
	// nothing was returned
	Cursor string
	// Count is the number of items returned, with or without entries
	Count int
	Pages int
}

// sequenceID accepts both JSON numbers and strings
type sequenceID string

func (s *sequenceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*s = sequenceID(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("sequence id %s is neither a number nor a string", data)
	}
	*s = sequenceID(number.String())
	return nil
}

// epochMillis decodes mpx timestamps given as epoch milliseconds or RFC 3339
type epochMillis time.Time

func (t *epochMillis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return err
		}
		*t = epochMillis(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	*t = epochMillis(time.UnixMilli(ms).UTC())
	return nil
}

type feedItem struct {
	ID     sequenceID `json:"id"`
	Type   string     `json:"type"`
	Method string     `json:"method"`
	Entry  *struct {
		ID      string      `json:"id"`
		Updated epochMillis `json:"updated"`
	} `json:"entry"`
}

// NotificationPoller polls one feed for one account and manages its cursor
type NotificationPoller struct {
	api     *Client
	attrs   internal.AttributeStore
	account *internal.Account
	feed    Feed
	size    int
	timeout time.Duration
	params  url.Values
	logger  *slog.Logger
}

// NewNotificationPoller creates a poller for account on feed
func NewNotificationPoller(api *Client, attrs internal.AttributeStore, account *internal.Account, feed Feed, cfg PollerConfig, logger *slog.Logger) *NotificationPoller {
	size := cfg.Size
	if size <= 0 {
		size = 500
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	return &NotificationPoller{
		api:     api,
		attrs:   attrs,
		account: account,
		feed:    feed,
		size:    size,
		timeout: timeout,
		params: url.Values{
			"account":  {account.ImportAccount},
			"clientId": {cfg.ClientIDPrefix + account.AccountPID},
			"block":    {"false"},
			"form":     {"cjson"},
		},
		logger: internal.LoggerOrDefault(logger).With("feed", feed.Name, "account", account.String()),
	}
}

// Feed returns the poller's feed configuration
func (p *NotificationPoller) Feed() Feed {
	return p.feed
}

// FetchLatestID returns the feed's current sequence id, used to bootstrap
// a cursor
func (p *NotificationPoller) FetchLatestID(ctx context.Context) (string, error) {
	resp, err := p.api.AuthenticatedRequest(ctx, p.account, p.feed.URL, p.params, RequestOptions{Timeout: p.timeout})
	if err != nil {
		return "", err
	}

	var items []feedItem
	if err := resp.Decode(&items); err != nil {
		return "", err
	}
	if len(items) == 0 || items[0].ID == "" {
		return "", internal.NewProtocolError(p.feed.URL, fmt.Sprintf("unable to fetch the latest notification sequence ID from %s for %s", p.feed.URL, p.account)).
			WithContext("feed", p.feed.Name)
	}

	id := string(items[0].ID)
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", internal.NewProtocolError(p.feed.URL, fmt.Sprintf("the latest notification sequence ID %s from %s for %s was not a numeric value", id, p.feed.URL, p.account)).
			WithContext("feed", p.feed.Name)
	}

	p.logger.InfoContext(ctx, "fetched the latest notification sequence id", "sequence_id", id, "url", p.feed.URL)
	return id, nil
}

// Poll fetches notifications after cursor. Only one page is fetched unless
// runUntilEmpty is set, in which case paging stops at the first short page.
// The cursor advances on every item, including those without an entry. A
// full page that does not advance the cursor yields ErrProtocol.
// A 404 from the feed means the cursor has aged out and yields
// ErrCursorExpired.
func (p *NotificationPoller) Poll(ctx context.Context, cursor string, runUntilEmpty bool) (*PollResult, error) {
	if cursor == "" {
		return nil, internal.NewValidationError("cursor", "cannot poll with an empty notification sequence ID").
			WithContext("feed", p.feed.Name)
	}

	result := &PollResult{Cursor: cursor}
	current := cursor

	for {
		since := current
		params := utils.MergeParams(p.params, url.Values{
			"since": {since},
			"size":  {strconv.Itoa(p.size)},
		})

		resp, err := p.api.AuthenticatedRequest(ctx, p.account, p.feed.URL, params, RequestOptions{Timeout: p.timeout})
		if err != nil {
			if mpxErr, ok := internal.AsMpxError(err); ok && mpxErr.IsNotFound() {
				return nil, internal.NewCursorExpiredError(p.feed.Name, cursor, p.account.String()).
					WithURL(p.feed.URL).
					WithCause(err)
			}
			return nil, err
		}

		var page []feedItem
		if err := resp.Decode(&page); err != nil {
			return nil, err
		}

		for _, item := range page {
			if item.ID != "" {
				current = string(item.ID)
			}
			if item.Entry == nil || item.Entry.ID == "" {
				continue
			}
			result.Notifications = append(result.Notifications, internal.Notification{
				Type:      item.Type,
				ID:        utils.BaseID(item.Entry.ID),
				Method:    item.Method,
				UpdatedAt: time.Time(item.Entry.Updated),
			})
		}
		result.Count += len(page)
		result.Pages++

		if !runUntilEmpty || len(page) < p.size {
			break
		}
		if current == since {
			return nil, internal.NewProtocolError(p.feed.URL, fmt.Sprintf("a full page of notifications from %s for %s did not advance past sequence ID %s", p.feed.URL, p.account, since)).
				WithParams(params).
				WithContext("feed", p.feed.Name)
		}
	}

	result.Cursor = current
	p.logger.InfoContext(ctx, "fetched notifications",
		"url", p.feed.URL,
		"count", result.Count,
		"notifications", len(result.Notifications),
		"pages", result.Pages,
		"cursor", result.Cursor,
	)
	return result, nil
}

// Cursor returns the stored sequence id, or "" when none is stored
func (p *NotificationPoller) Cursor(ctx context.Context) (string, error) {
	value, _, err := p.attrs.Get(ctx, p.account.ID, p.feed.CursorKey)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", p.feed.CursorKey, err)
	}
	return value, nil
}

// SetCursor stores value unless it is already stored
func (p *NotificationPoller) SetCursor(ctx context.Context, value string) error {
	current, err := p.Cursor(ctx)
	if err != nil {
		return err
	}
	if current == value {
		return nil
	}

	if err := p.attrs.Set(ctx, p.account.ID, p.feed.CursorKey, value); err != nil {
		return fmt.Errorf("save %s: %w", p.feed.CursorKey, err)
	}
	p.logger.InfoContext(ctx, "saved notification sequence id", "key", p.feed.CursorKey, "sequence_id", value)
	return nil
}

// ResetCursor deletes the stored cursor and runs the feed's reset hook
func (p *NotificationPoller) ResetCursor(ctx context.Context) error {
	if err := p.attrs.Delete(ctx, p.account.ID, p.feed.CursorKey); err != nil {
		return fmt.Errorf("reset %s: %w", p.feed.CursorKey, err)
	}
	p.logger.WarnContext(ctx, "notification sequence id has been reset", "key", p.feed.CursorKey)

	if p.feed.Reset != nil {
		if err := p.feed.Reset(ctx, p.account); err != nil {
			return fmt.Errorf("reset %s ingestion: %w", p.feed.Name, err)
		}
	}
	return nil
}

// Sync polls from the stored cursor and persists the advanced cursor. With
// no stored cursor it bootstraps one from the feed and returns no
// notifications.
func (p *NotificationPoller) Sync(ctx context.Context, runUntilEmpty bool) (*PollResult, error) {
	cursor, err := p.Cursor(ctx)
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		latest, err := p.FetchLatestID(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.SetCursor(ctx, latest); err != nil {
			return nil, err
		}
		return &PollResult{Cursor: latest}, nil
	}

	result, err := p.Poll(ctx, cursor, runUntilEmpty)
	if err != nil {
		return nil, err
	}
	if err := p.SetCursor(ctx, result.Cursor); err != nil {
		return nil, err
	}
	return result, nil
}
