package mpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"mpxsync/internal"
)

// Progress receives the outcome of each processed queue item
type Progress interface {
	Add(ok bool)
}

// QueueName returns the request queue of an account
func QueueName(accountID int64) string {
	return fmt.Sprintf("mpx_request_%d", accountID)
}

// PlanWindows splits [start, total] into windows of limit items. The last
// window may end past total.
func PlanWindows(start, total, limit int) []internal.BatchWindow {
	if limit <= 0 {
		return nil
	}

	var windows []internal.BatchWindow
	for current := start; current <= total; current += limit {
		windows = append(windows, internal.BatchWindow{
			RangeStart: current,
			RangeEnd:   current + limit - 1,
		})
	}
	return windows
}

// BatchQueue turns a pending batch import into range requests on a durable
// work queue and processes them
type BatchQueue struct {
	api      *Client
	attrs    internal.AttributeStore
	queue    internal.WorkQueue
	accounts internal.AccountRepository
	importer internal.Importer
	limit    int
	timeout  time.Duration
	poller   PollerConfig
	feedURL  string
	logger   *slog.Logger
}

// NewBatchQueue creates a batch queue using cfg's batch limit, request
// timeout and media feed
func NewBatchQueue(api *Client, attrs internal.AttributeStore, queue internal.WorkQueue, accounts internal.AccountRepository, importer internal.Importer, logger *slog.Logger) *BatchQueue {
	cfg := api.Config()
	return &BatchQueue{
		api:      api,
		attrs:    attrs,
		queue:    queue,
		accounts: accounts,
		importer: importer,
		limit:    cfg.BatchLimit,
		timeout:  cfg.RequestTimeout,
		poller:   PollerConfigFrom(cfg),
		feedURL:  cfg.MediaFeedURL,
		logger:   internal.LoggerOrDefault(logger),
	}
}

// PopulateItems enqueues the rest of account's pending batch, clears the
// batch attributes and makes sure a media cursor exists. It returns the
// number of windows enqueued, or 0 when no batch is pending.
func (q *BatchQueue) PopulateItems(ctx context.Context, account *internal.Account, limit int) (int, error) {
	batchURL, _, err := q.attrs.Get(ctx, account.ID, internal.AttrBatchURL)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", internal.AttrBatchURL, err)
	}
	if batchURL == "" {
		return 0, nil
	}

	name := QueueName(account.ID)
	if err := q.queue.Create(ctx, name); err != nil {
		return 0, fmt.Errorf("create queue %s: %w", name, err)
	}

	total, err := q.intAttr(ctx, account, internal.AttrBatchItemCount)
	if err != nil {
		return 0, err
	}
	start, err := q.intAttr(ctx, account, internal.AttrBatchCurrentItem)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = q.limit
	}

	windows := PlanWindows(start, total, limit)
	for i, window := range windows {
		window.AccountID = account.ID
		window.URL = batchURL
		if err := q.queue.Enqueue(ctx, name, window); err != nil {
			return i, fmt.Errorf("enqueue window %s for %s: %w", window.Range(), account, err)
		}
	}

	if err := q.attrs.DeleteMultiple(ctx, account.ID, internal.BatchAttributes); err != nil {
		return len(windows), fmt.Errorf("clear batch attributes: %w", err)
	}

	poller := NewNotificationPoller(q.api, q.attrs, account, MediaFeed(q.feedURL, nil), q.poller, q.logger)
	cursor, err := poller.Cursor(ctx)
	if err != nil {
		return len(windows), err
	}
	if cursor == "" {
		latest, err := poller.FetchLatestID(ctx)
		if err != nil {
			return len(windows), err
		}
		if err := poller.SetCursor(ctx, latest); err != nil {
			return len(windows), err
		}
	}

	q.logger.InfoContext(ctx, "populated request queue",
		"account", account.String(),
		"queue", name,
		"windows", len(windows),
		"batch_url", batchURL,
		"items", total,
	)
	return len(windows), nil
}

func (q *BatchQueue) intAttr(ctx context.Context, account *internal.Account, name string) (int, error) {
	value, ok, err := q.attrs.Get(ctx, account.ID, name)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok || value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, internal.NewValidationErrorWithValue(name, "batch attribute is not an integer", value).
			WithContext("account", account.String())
	}
	return n, nil
}

// ProcessItem fetches one window and hands the page to the importer. It
// may run more than once for the same window.
func (q *BatchQueue) ProcessItem(ctx context.Context, item *internal.QueueItem) (bool, error) {
	window := item.Window
	account, err := q.accounts.Load(ctx, window.AccountID)
	if err != nil {
		return false, fmt.Errorf("load account %d: %w", window.AccountID, err)
	}

	resp, err := q.api.AuthenticatedRequest(ctx, account, window.URL, window.Params(), RequestOptions{Timeout: q.timeout})
	if err != nil {
		return false, err
	}

	if err := q.importer.ImportPage(ctx, account, resp.Body); err != nil {
		return false, fmt.Errorf("import window %s for %s: %w", window.Range(), account, err)
	}

	q.logger.DebugContext(ctx, "processed request queue item",
		"account", account.String(),
		"item", item.ID,
		"range", window.Range(),
	)
	return true, nil
}

// WorkResult summarizes a Work run
type WorkResult struct {
	Claimed   int
	Processed int
	Failed    int
	Errors    []error
}

// Err joins the per-item failures
func (r *WorkResult) Err() error {
	return errors.Join(r.Errors...)
}

// Work processes up to max items from account's queue, or all ready items
// when max is not positive. Processed items are acked; failed items stay
// pending for redelivery. The returned error reports queue failures only.
func (q *BatchQueue) Work(ctx context.Context, account *internal.Account, max int, progress Progress) (*WorkResult, error) {
	name := QueueName(account.ID)
	result := &WorkResult{}

	for max <= 0 || result.Claimed < max {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		item, err := q.queue.Claim(ctx, name)
		if err != nil {
			return result, fmt.Errorf("claim from %s: %w", name, err)
		}
		if item == nil {
			break
		}
		result.Claimed++

		ok, err := q.ProcessItem(ctx, item)
		if err != nil || !ok {
			result.Failed++
			if err != nil {
				result.Errors = append(result.Errors, err)
				internal.LogError(ctx, q.logger, "process request queue item", err,
					"account", account.String(),
					"item", item.ID,
					"range", item.Window.Range(),
				)
			}
			if progress != nil {
				progress.Add(false)
			}
			continue
		}

		if err := q.queue.Ack(ctx, item); err != nil {
			return result, fmt.Errorf("ack %s on %s: %w", item.ID, name, err)
		}
		result.Processed++
		if progress != nil {
			progress.Add(true)
		}
	}

	q.logger.InfoContext(ctx, "worked request queue",
		"account", account.String(),
		"queue", name,
		"claimed", result.Claimed,
		"processed", result.Processed,
		"failed", result.Failed,
	)
	return result, nil
}

// Pending returns the number of windows still queued for account
func (q *BatchQueue) Pending(ctx context.Context, account *internal.Account) (int64, error) {
	return q.queue.Len(ctx, QueueName(account.ID))
}
