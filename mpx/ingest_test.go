package mpx

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"mpxsync/internal"
)

func TestIngestor_RunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.fake.handle(mediaDataPath, mediaHandler(250))
	env.fake.handle(mediaFeedPath, feedHandler(700, map[string][]map[string]any{
		"700": {
			notification(701, "delete", "5"),
			notification(702, "put", "7"),
		},
	}))

	// First run imports page one and records the rest as a batch
	summary, err := env.ingestor.Run(ctx, env.account)
	if err != nil {
		t.Fatalf("initial run: %v", err)
	}
	if summary.Mode != internal.SyncModeNone || summary.Imported != 100 {
		t.Errorf("unexpected initial summary %+v", summary)
	}
	if summary.RunID == "" {
		t.Error("expected a run id")
	}
	if got := env.importer.Total(); got != 100 {
		t.Errorf("expected 100 media after the first page, got %d", got)
	}
	if got := env.attr(t, internal.AttrBatchItemCount); got != "250" {
		t.Errorf("batch item count = %q, want 250", got)
	}
	if got := env.attr(t, internal.AttrBatchCurrentItem); got != "101" {
		t.Errorf("batch current item = %q, want 101", got)
	}
	if got := env.attr(t, internal.AttrLastNotification); got != "700" {
		t.Errorf("cursor = %q, want 700", got)
	}

	first := env.fake.queries(mediaDataPath)[0]
	if first.Get("range") != "1-100" || first.Get("count") != "true" || first.Get("form") != "cjson" {
		t.Errorf("unexpected first page request %v", first)
	}
	batchURL := env.attr(t, internal.AttrBatchURL)
	if batchURL == "" {
		t.Fatal("expected a batch url")
	}

	// Second run queues the remaining windows
	summary, err = env.ingestor.Run(ctx, env.account)
	if err != nil {
		t.Fatalf("batch run: %v", err)
	}
	if summary.Mode != internal.SyncModeBatchPending || summary.QueuedWindows != 2 {
		t.Errorf("unexpected batch summary %+v", summary)
	}
	if got := env.attr(t, internal.AttrBatchURL); got != "" {
		t.Errorf("batch url should be cleared, got %q", got)
	}

	result, err := env.batches.Work(ctx, env.account, 0, nil)
	if err != nil {
		t.Fatalf("work: %v", err)
	}
	if result.Processed != 2 {
		t.Errorf("expected 2 processed windows, got %+v", result)
	}
	if got := env.importer.Total(); got != 250 {
		t.Errorf("expected the full library, got %d", got)
	}

	// Third run applies notifications from the captured cursor
	summary, err = env.ingestor.Run(ctx, env.account)
	if err != nil {
		t.Fatalf("incremental run: %v", err)
	}
	if summary.Mode != internal.SyncModeIncremental || summary.Notifications != 2 {
		t.Errorf("unexpected incremental summary %+v", summary)
	}
	if _, ok := env.importer.Media["5"]; ok {
		t.Error("deleted media should be removed")
	}
	if got := env.importer.Total(); got != 249 {
		t.Errorf("expected 249 media, got %d", got)
	}
	if got := env.attr(t, internal.AttrLastNotification); got != "702" {
		t.Errorf("cursor = %q, want 702", got)
	}
	if summary.Imported != 1 || env.importer.Media["7"].Title != "Video 7 (updated)" {
		t.Errorf("expected media 7 to be re-imported, got %d imported and %+v", summary.Imported, env.importer.Media["7"])
	}
	refresh := env.fake.queries(mediaDataPath)
	if got := refresh[len(refresh)-1].Get("byId"); got != "7" {
		t.Errorf("byId = %q, want 7", got)
	}
}

func TestChangedMedia(t *testing.T) {
	tests := []struct {
		name          string
		notifications []internal.Notification
		want          []string
	}{
		{"none", nil, nil},
		{
			"puts deduplicated in order",
			[]internal.Notification{{ID: "3", Method: "put"}, {ID: "1", Method: "post"}, {ID: "3", Method: "put"}},
			[]string{"3", "1"},
		},
		{
			"deleted last is skipped",
			[]internal.Notification{{ID: "3", Method: "put"}, {ID: "3", Method: "delete"}, {ID: "4", Method: "put"}},
			[]string{"4"},
		},
		{
			"recreated after delete",
			[]internal.Notification{{ID: "5", Method: "delete"}, {ID: "5", Method: "post"}},
			[]string{"5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := changedMedia(tt.notifications)
			if len(got) != len(tt.want) {
				t.Fatalf("changedMedia() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("changedMedia() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestIngestor_RunRefreshesInBatches(t *testing.T) {
	env := newTestEnv(t, func(cfg *internal.Config) { cfg.BatchLimit = 2 })
	env.setAttr(t, internal.AttrLastNotification, "20")
	env.fake.handle(mediaDataPath, mediaHandler(10))
	env.fake.handle(mediaFeedPath, feedHandler(0, map[string][]map[string]any{
		"20": {notification(21, "put", "1"), notification(22, "put", "2"), notification(23, "post", "3")},
	}))

	summary, err := env.ingestor.Run(t.Context(), env.account)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Imported != 3 || env.importer.Total() != 3 {
		t.Errorf("expected 3 refreshed media, got %d imported and %d stored", summary.Imported, env.importer.Total())
	}

	requests := env.fake.queries(mediaDataPath)
	if len(requests) != 2 || requests[0].Get("byId") != "1|2" || requests[1].Get("byId") != "3" {
		t.Errorf("unexpected refresh requests %v", requests)
	}
}

func TestIngestor_RunSmallLibrary(t *testing.T) {
	env := newTestEnv(t)
	env.fake.handle(mediaDataPath, mediaHandler(40))
	env.fake.handle(mediaFeedPath, feedHandler(10, nil))

	summary, err := env.ingestor.Run(t.Context(), env.account)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Imported != 40 {
		t.Errorf("Imported = %d, want 40", summary.Imported)
	}
	for _, name := range internal.BatchAttributes {
		if value := env.attr(t, name); value != "" {
			t.Errorf("a single page library must not record %s, got %q", name, value)
		}
	}
}

func TestIngestor_RunCursorExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.setAttr(t, internal.AttrLastNotification, "5")
	env.setAttr(t, internal.AttrPlayerNotification, "3")
	env.fake.handle(mediaFeedPath, func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusNotFound, "")
	})

	summary, err := env.ingestor.Run(ctx, env.account)
	if !internal.IsKind(err, internal.ErrCursorExpired) {
		t.Fatalf("expected a cursor expired error, got %v", err)
	}
	if summary == nil || summary.Mode != internal.SyncModeIncremental {
		t.Errorf("unexpected summary %+v", summary)
	}

	attrs, _ := env.attrs.All(ctx, env.account.ID)
	if internal.DetermineSyncMode(attrs) != internal.SyncModeNone {
		t.Errorf("the next run should start a fresh import, attributes %v", attrs)
	}
	if attrs[internal.AttrPlayerNotification] != "3" {
		t.Error("resetting the media cursor must not touch the player cursor")
	}
}

func TestIngestor_RunNotIngestable(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(a *internal.Account)
		field string
	}{
		{"no import account", func(a *internal.Account) { a.ImportAccount = "" }, "import_account"},
		{"no default player", func(a *internal.Account) { a.DefaultPlayer = "" }, "default_player"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			account := *env.account
			tt.edit(&account)

			_, err := env.ingestor.Run(t.Context(), &account)
			ve, ok := err.(*internal.ValidationError)
			if !ok || ve.Field != tt.field {
				t.Fatalf("expected a validation error on %s, got %v", tt.field, err)
			}
			if signIns, _ := env.fake.counts(); signIns != 0 {
				t.Error("validation must fail before any mpx call")
			}
		})
	}
}

func TestIngestor_RunLockBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	held, err := env.locker.Acquire(ctx, "mpx_ingest_1", time.Second, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(ctx)

	_, err = env.ingestor.Run(ctx, env.account)
	if !internal.IsKind(err, internal.ErrLockBusy) {
		t.Fatalf("expected lock contention, got %v", err)
	}

	summaries, err := env.ingestor.RunAll(ctx, []*internal.Account{env.account})
	if err != nil {
		t.Errorf("RunAll should skip busy accounts, got %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("expected no summaries, got %d", len(summaries))
	}
}

func TestIngestor_RunReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.fake.handle(mediaFeedPath, func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusInternalServerError, "")
	})

	if _, err := env.ingestor.Run(ctx, env.account); err == nil {
		t.Fatal("expected the run to fail")
	}

	lock, err := env.locker.Acquire(ctx, "mpx_ingest_1", 0, time.Minute)
	if err != nil {
		t.Fatalf("lock should be released after a failed run: %v", err)
	}
	lock.Release(ctx)
}

func TestIngestor_RunAllCollectsFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.fake.handle(mediaDataPath, mediaHandler(10))
	env.fake.handle(mediaFeedPath, feedHandler(10, nil))

	broken := *env.account
	broken.ID = 2
	broken.ImportAccount = ""

	summaries, err := env.ingestor.RunAll(ctx, []*internal.Account{&broken, env.account})
	if err == nil {
		t.Fatal("expected the broken account to be reported")
	}
	var ve *internal.ValidationError
	if !errors.As(err, &ve) || ve.Field != "import_account" {
		t.Errorf("expected the validation error to be wrapped, got %v", err)
	}
	if len(summaries) != 1 || summaries[0].AccountID != env.account.ID {
		t.Errorf("the healthy account should still run, got %+v", summaries)
	}
}

func TestIngestor_SyncPlayers(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()
	env.fake.handle(playerFeedPath, feedHandler(30, map[string][]map[string]any{
		"30": {notification(31, "put", "p1"), notification(32, "delete", "p2")},
	}))

	summary, err := env.ingestor.SyncPlayers(ctx, env.account)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if summary.Mode != internal.SyncModeNone || summary.Notifications != 0 {
		t.Errorf("unexpected bootstrap summary %+v", summary)
	}
	if got := env.attr(t, internal.AttrPlayerNotification); got != "30" {
		t.Errorf("player cursor = %q, want 30", got)
	}

	summary, err = env.ingestor.SyncPlayers(ctx, env.account)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if summary.Notifications != 2 {
		t.Errorf("expected 2 notifications, got %+v", summary)
	}
	if got := env.attr(t, internal.AttrPlayerNotification); got != "32" {
		t.Errorf("player cursor = %q, want 32", got)
	}
	if got := env.attr(t, internal.AttrLastNotification); got != "" {
		t.Errorf("player sync must not touch the media cursor, got %q", got)
	}
	if len(env.importer.Notifications) != 2 {
		t.Errorf("expected notifications to be applied, got %d", len(env.importer.Notifications))
	}
}
