package mpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mpxsync/internal"
	"mpxsync/utils"
)

// Summary describes one ingestion run
type Summary struct {
	RunID         string
	AccountID     int64
	Mode          internal.SyncMode
	Notifications int
	QueuedWindows int
	Imported      int
	Elapsed       time.Duration
}

const methodDelete = "delete"

// mediaPage is the paging envelope of a media data request
type mediaPage struct {
	TotalResults int `json:"totalResults"`
	StartIndex   int `json:"startIndex"`
	ItemsPerPage int `json:"itemsPerPage"`
	EntryCount   int `json:"entryCount"`
}

// Ingestor runs lock-guarded ingestion for accounts, dispatching on each
// account's sync mode
type Ingestor struct {
	api      *Client
	attrs    internal.AttributeStore
	batches  *BatchQueue
	locker   internal.Locker
	importer internal.Importer
	cfg      *internal.Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestor creates an ingestor
func NewIngestor(api *Client, attrs internal.AttributeStore, batches *BatchQueue, locker internal.Locker, importer internal.Importer, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		api:      api,
		attrs:    attrs,
		batches:  batches,
		locker:   locker,
		importer: importer,
		cfg:      api.Config(),
		logger:   internal.LoggerOrDefault(logger),
		now:      time.Now,
	}
}

// ResetIngestionHook clears the media cursor and any batch bookkeeping so
// the next run starts a fresh import
func ResetIngestionHook(attrs internal.AttributeStore) ResetHook {
	return func(ctx context.Context, account *internal.Account) error {
		names := append([]string{internal.AttrLastNotification}, internal.BatchAttributes...)
		return attrs.DeleteMultiple(ctx, account.ID, names)
	}
}

// MediaPoller returns the media feed poller for account
func (in *Ingestor) MediaPoller(account *internal.Account) *NotificationPoller {
	feed := MediaFeed(in.cfg.MediaFeedURL, ResetIngestionHook(in.attrs))
	return NewNotificationPoller(in.api, in.attrs, account, feed, PollerConfigFrom(in.cfg), in.logger)
}

// PlayerPoller returns the player feed poller for account
func (in *Ingestor) PlayerPoller(account *internal.Account) *NotificationPoller {
	return NewNotificationPoller(in.api, in.attrs, account, PlayerFeed(in.cfg.PlayerFeedURL), PollerConfigFrom(in.cfg), in.logger)
}

// withLock runs fn while holding the named lock. The lock is released on
// every return path.
func (in *Ingestor) withLock(ctx context.Context, name string, fn func() error) (err error) {
	lock, err := in.locker.Acquire(ctx, name, in.cfg.LockTimeout, in.cfg.LockLease)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			in.logger.WarnContext(ctx, "failed to release lock", "lock", name, "error", releaseErr)
		}
	}()
	return fn()
}

func requireIngestable(account *internal.Account) error {
	if account.ImportAccount == "" {
		return internal.NewValidationErrorWithValue("import_account", fmt.Sprintf("mpx account %d does not have the import account set and cannot yet ingest videos", account.ID), account.ID)
	}
	if account.DefaultPlayer == "" {
		return internal.NewValidationErrorWithValue("default_player", fmt.Sprintf("mpx account %d does not have the default player set and cannot yet ingest videos", account.ID), account.ID)
	}
	return nil
}

// Run performs one video ingestion run for account
func (in *Ingestor) Run(ctx context.Context, account *internal.Account) (*Summary, error) {
	if err := requireIngestable(account); err != nil {
		return nil, err
	}

	summary := &Summary{RunID: uuid.NewString(), AccountID: account.ID}
	start := in.now()
	lockName := fmt.Sprintf("mpx_ingest_%d", account.ID)

	err := in.withLock(ctx, lockName, func() error {
		in.logger.InfoContext(ctx, "starting video ingestion", "account", account.String(), "run_id", summary.RunID)

		attrs, err := in.attrs.All(ctx, account.ID)
		if err != nil {
			return fmt.Errorf("load attributes: %w", err)
		}
		summary.Mode = internal.DetermineSyncMode(attrs)

		switch summary.Mode {
		case internal.SyncModeBatchPending:
			queued, err := in.batches.PopulateItems(ctx, account, in.cfg.BatchLimit)
			summary.QueuedWindows = queued
			return err
		case internal.SyncModeIncremental:
			return in.syncFeed(ctx, in.MediaPoller(account), account, summary)
		default:
			return in.initialImport(ctx, account, summary)
		}
	})
	summary.Elapsed = in.now().Sub(start)
	if err != nil {
		return summary, err
	}

	in.logger.InfoContext(ctx, "completed video ingestion",
		"account", account.String(),
		"run_id", summary.RunID,
		"mode", summary.Mode.String(),
		"notifications", summary.Notifications,
		"queued_windows", summary.QueuedWindows,
		"imported", summary.Imported,
		"elapsed_ms", summary.Elapsed.Milliseconds(),
	)
	return summary, nil
}

// SyncPlayers applies player feed notifications for account under its own
// lock. Without a cursor, one is bootstrapped.
func (in *Ingestor) SyncPlayers(ctx context.Context, account *internal.Account) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString(), AccountID: account.ID, Mode: internal.SyncModeIncremental}
	start := in.now()
	lockName := fmt.Sprintf("mpx_players_%d", account.ID)

	err := in.withLock(ctx, lockName, func() error {
		poller := in.PlayerPoller(account)
		cursor, err := poller.Cursor(ctx)
		if err != nil {
			return err
		}
		if cursor == "" {
			summary.Mode = internal.SyncModeNone
			latest, err := poller.FetchLatestID(ctx)
			if err != nil {
				return err
			}
			return poller.SetCursor(ctx, latest)
		}
		return in.syncFeed(ctx, poller, account, summary)
	})
	summary.Elapsed = in.now().Sub(start)
	if err != nil {
		return summary, err
	}

	in.logger.InfoContext(ctx, "completed player sync",
		"account", account.String(),
		"run_id", summary.RunID,
		"notifications", summary.Notifications,
		"elapsed_ms", summary.Elapsed.Milliseconds(),
	)
	return summary, nil
}

// syncFeed polls from the stored cursor, applies the notifications and only
// then stores the advanced cursor. On the media feed, changed media are
// re-fetched by id and imported. An expired cursor is reset before the
// error is returned.
func (in *Ingestor) syncFeed(ctx context.Context, poller *NotificationPoller, account *internal.Account, summary *Summary) error {
	cursor, err := poller.Cursor(ctx)
	if err != nil {
		return err
	}

	result, err := poller.Poll(ctx, cursor, true)
	if err != nil {
		if internal.IsKind(err, internal.ErrCursorExpired) {
			if resetErr := poller.ResetCursor(ctx); resetErr != nil {
				return errors.Join(err, resetErr)
			}
		}
		return err
	}
	summary.Notifications = len(result.Notifications)

	if len(result.Notifications) > 0 {
		if err := in.importer.ApplyNotifications(ctx, account, poller.Feed().Name, result.Notifications); err != nil {
			return fmt.Errorf("apply %s notifications: %w", poller.Feed().Name, err)
		}
		if poller.Feed().Name == "media" {
			refreshed, err := in.refreshMedia(ctx, account, changedMedia(result.Notifications))
			summary.Imported = refreshed
			if err != nil {
				return err
			}
		}
	}
	return poller.SetCursor(ctx, result.Cursor)
}

// changedMedia returns the ids whose latest notification is not a delete,
// in first-seen order
func changedMedia(notifications []internal.Notification) []string {
	latest := make(map[string]string, len(notifications))
	var order []string
	for _, n := range notifications {
		if _, seen := latest[n.ID]; !seen {
			order = append(order, n.ID)
		}
		latest[n.ID] = n.Method
	}

	ids := order[:0]
	for _, id := range order {
		if latest[id] != methodDelete {
			ids = append(ids, id)
		}
	}
	return ids
}

// refreshMedia re-imports the given media ids in pages of the batch limit
// and returns the number of entries imported
func (in *Ingestor) refreshMedia(ctx context.Context, account *internal.Account, ids []string) (int, error) {
	limit := in.cfg.BatchLimit
	if limit <= 0 {
		limit = len(ids)
	}

	imported := 0
	for start := 0; start < len(ids); start += limit {
		end := min(start+limit, len(ids))
		params := url.Values{
			"account": {account.ImportAccount},
			"form":    {"cjson"},
			"byId":    {strings.Join(ids[start:end], "|")},
		}
		resp, err := in.api.AuthenticatedRequest(ctx, account, in.cfg.MediaDataURL, params, RequestOptions{Timeout: in.cfg.RequestTimeout})
		if err != nil {
			return imported, err
		}

		var page mediaPage
		if err := resp.Decode(&page); err != nil {
			return imported, err
		}
		if err := in.importer.ImportPage(ctx, account, resp.Body); err != nil {
			return imported, fmt.Errorf("import changed media for %s: %w", account, err)
		}
		imported += page.EntryCount
	}

	if len(ids) > 0 {
		in.logger.InfoContext(ctx, "refreshed changed media", "account", account.String(), "ids", len(ids), "imported", imported)
	}
	return imported, nil
}

// initialImport imports the first page of media. Larger libraries record
// batch attributes so the next run queues the remaining windows. The media
// cursor is captured before the first page so no change is missed.
func (in *Ingestor) initialImport(ctx context.Context, account *internal.Account, summary *Summary) error {
	poller := in.MediaPoller(account)
	latest, err := poller.FetchLatestID(ctx)
	if err != nil {
		return err
	}

	limit := in.cfg.BatchLimit
	base := url.Values{
		"account": {account.ImportAccount},
		"form":    {"cjson"},
		"count":   {"true"},
	}
	batchURL := utils.BuildURL(in.cfg.MediaDataURL, base)

	first := internal.BatchWindow{AccountID: account.ID, URL: batchURL, RangeStart: 1, RangeEnd: limit}
	resp, err := in.api.AuthenticatedRequest(ctx, account, first.URL, first.Params(), RequestOptions{Timeout: in.cfg.RequestTimeout})
	if err != nil {
		return err
	}

	var page mediaPage
	if err := resp.Decode(&page); err != nil {
		return err
	}
	if err := in.importer.ImportPage(ctx, account, resp.Body); err != nil {
		return fmt.Errorf("import first page for %s: %w", account, err)
	}
	summary.Imported = page.EntryCount

	if page.TotalResults > limit {
		batch := map[string]string{
			internal.AttrBatchURL:         batchURL,
			internal.AttrBatchItemCount:   strconv.Itoa(page.TotalResults),
			internal.AttrBatchCurrentItem: strconv.Itoa(limit + 1),
		}
		for _, name := range internal.BatchAttributes {
			if err := in.attrs.Set(ctx, account.ID, name, batch[name]); err != nil {
				return fmt.Errorf("save %s: %w", name, err)
			}
		}
		in.logger.InfoContext(ctx, "initial import exceeds one page, batch recorded",
			"account", account.String(),
			"total", page.TotalResults,
			"limit", limit,
		)
	}

	return poller.SetCursor(ctx, latest)
}

// RunAll runs ingestion for every account. A failing account never stops
// the others; lock contention is logged and not treated as a failure.
func (in *Ingestor) RunAll(ctx context.Context, accounts []*internal.Account) ([]*Summary, error) {
	var (
		summaries []*Summary
		errs      []error
	)

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		summary, err := in.Run(ctx, account)
		if err != nil {
			if internal.IsKind(err, internal.ErrLockBusy) {
				internal.LogError(ctx, in.logger, "video ingestion skipped", err, "account", account.String())
				continue
			}
			internal.LogError(ctx, in.logger, "video ingestion failed", err, "account", account.String())
			errs = append(errs, fmt.Errorf("account %d: %w", account.ID, err))
			continue
		}
		summaries = append(summaries, summary)
	}

	return summaries, errors.Join(errs...)
}
