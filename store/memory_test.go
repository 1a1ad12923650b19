package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"mpxsync/internal"
)

func TestMemoryTokenStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	token := &internal.Token{OwnerID: "user", Value: "abc", ExpiresAt: now.Add(time.Minute)}
	if err := store.Set(ctx, token); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := store.Get(ctx, "user")
	if err != nil || got == nil || got.Value != "abc" {
		t.Fatalf("expected cached token, got %v, %v", got, err)
	}

	now = now.Add(2 * time.Minute)
	got, err = store.Get(ctx, "user")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected expired token to read as a miss, got %v", got)
	}
}

func TestMemoryAttributeStore(t *testing.T) {
	ctx := context.Background()
	attrs := NewMemoryAttributeStore()
	testAttributeStore(t, ctx, attrs)
}

// testAttributeStore exercises any AttributeStore implementation
func testAttributeStore(t *testing.T, ctx context.Context, attrs internal.AttributeStore) {
	t.Helper()

	if _, ok, err := attrs.Get(ctx, 1, internal.AttrLastNotification); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	for name, value := range map[string]string{
		internal.AttrLastNotification: "42",
		internal.AttrBatchURL:         "https://example.com/media",
		internal.AttrBatchItemCount:   "250",
		internal.AttrBatchCurrentItem: "101",
	} {
		if err := attrs.Set(ctx, 1, name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	if err := attrs.Set(ctx, 2, internal.AttrLastNotification, "7"); err != nil {
		t.Fatalf("set other account: %v", err)
	}
	if err := attrs.Set(ctx, 1, internal.AttrLastNotification, "43"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	value, ok, err := attrs.Get(ctx, 1, internal.AttrLastNotification)
	if err != nil || !ok || value != "43" {
		t.Fatalf("expected 43, got %q ok=%v err=%v", value, ok, err)
	}

	if err := attrs.DeleteMultiple(ctx, 1, internal.BatchAttributes); err != nil {
		t.Fatalf("delete multiple: %v", err)
	}
	all, err := attrs.All(ctx, 1)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all[internal.AttrLastNotification] != "43" {
		t.Errorf("unexpected attributes after delete: %v", all)
	}

	if err := attrs.Delete(ctx, 1, internal.AttrLastNotification); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := attrs.Get(ctx, 1, internal.AttrLastNotification); ok {
		t.Error("expected attribute to be deleted")
	}
	if value, ok, _ := attrs.Get(ctx, 2, internal.AttrLastNotification); !ok || value != "7" {
		t.Errorf("other account attribute changed: %q ok=%v", value, ok)
	}
}

func TestMemoryWorkQueueRedelivery(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryWorkQueue(time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	queue.now = func() time.Time { return now }

	if err := queue.Create(ctx, "q"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, start := range []int{0, 100} {
		window := internal.BatchWindow{AccountID: 1, RangeStart: start, RangeEnd: start + 99}
		if err := queue.Enqueue(ctx, "q", window); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	first, err := queue.Claim(ctx, "q")
	if err != nil || first == nil || first.Window.RangeStart != 0 {
		t.Fatalf("expected first window, got %+v, %v", first, err)
	}
	second, err := queue.Claim(ctx, "q")
	if err != nil || second == nil || second.Window.RangeStart != 100 {
		t.Fatalf("expected second window, got %+v, %v", second, err)
	}
	if none, _ := queue.Claim(ctx, "q"); none != nil {
		t.Fatalf("expected nothing ready, got %+v", none)
	}

	if err := queue.Ack(ctx, second); err != nil {
		t.Fatalf("ack: %v", err)
	}

	now = now.Add(2 * time.Minute)
	again, err := queue.Claim(ctx, "q")
	if err != nil || again == nil || again.ID != first.ID {
		t.Fatalf("expected unacked window to be redelivered, got %+v, %v", again, err)
	}

	if n, _ := queue.Len(ctx, "q"); n != 1 {
		t.Errorf("expected 1 item left, got %d", n)
	}
}

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	testLocker(t, ctx, locker)
}

// testLocker exercises any Locker implementation
func testLocker(t *testing.T, ctx context.Context, locker internal.Locker) {
	t.Helper()

	lock, err := locker.Acquire(ctx, "mpx_ingest_1", 0, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = locker.Acquire(ctx, "mpx_ingest_1", 100*time.Millisecond, time.Minute)
	if !internal.IsKind(err, internal.ErrLockBusy) {
		t.Fatalf("expected lock contention, got %v", err)
	}

	other, err := locker.Acquire(ctx, "mpx_ingest_2", 0, time.Minute)
	if err != nil {
		t.Fatalf("acquire unrelated lock: %v", err)
	}
	defer other.Release(ctx)

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := locker.Acquire(ctx, "mpx_ingest_1", 0, time.Minute)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	if err := again.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestMemoryAccountRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepository(
		&internal.Account{ID: 2, Username: "b"},
		&internal.Account{ID: 1, Username: "a"},
	)

	account, err := repo.Load(ctx, 1)
	if err != nil || account.Username != "a" {
		t.Fatalf("expected account a, got %v, %v", account, err)
	}
	if _, err := repo.Load(ctx, 3); !errors.Is(err, internal.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	all, err := repo.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 || all[0].ID != 1 || all[1].ID != 2 {
		t.Errorf("expected accounts ordered by id, got %v", all)
	}
}

func TestMemoryImporter(t *testing.T) {
	ctx := context.Background()
	importer := NewMemoryImporter()
	account := &internal.Account{ID: 1}

	page := json.RawMessage(`{"entries":[
		{"id":"http://data.media.theplatform.com/media/data/Media/1","title":"One","updated":1700000000000},
		{"id":"http://data.media.theplatform.com/media/data/Media/2","title":"Two"}
	]}`)
	for i := 0; i < 2; i++ {
		if err := importer.ImportPage(ctx, account, page); err != nil {
			t.Fatalf("import page: %v", err)
		}
	}
	if importer.Total() != 2 {
		t.Fatalf("expected redelivered page to be idempotent, got %d records", importer.Total())
	}
	if got := importer.Media["1"].UpdatedAt; !got.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("unexpected updated time %v", got)
	}

	err := importer.ApplyNotifications(ctx, account, "media", []internal.Notification{
		{Type: "Media", ID: "1", Method: MethodDelete},
		{Type: "Media", ID: "2", Method: "put"},
	})
	if err != nil {
		t.Fatalf("apply notifications: %v", err)
	}
	if importer.Total() != 1 {
		t.Errorf("expected deleted media to be removed, got %d records", importer.Total())
	}
}

func TestDecodeMediaPage(t *testing.T) {
	tests := []struct {
		name    string
		page    string
		want    int
		wantErr bool
	}{
		{name: "entries", page: `{"entries":[{"id":"http://x/Media/1"},{"id":"http://x/Media/2"}]}`, want: 2},
		{name: "no entries", page: `{"totalResults":0}`, want: 0},
		{name: "entry without id", page: `{"entries":[{"title":"orphan"}]}`, want: 0},
		{name: "not json", page: `<html>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := DecodeMediaPage(1, json.RawMessage(tt.page))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeMediaPage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(records) != tt.want {
				t.Errorf("DecodeMediaPage() = %d records, want %d", len(records), tt.want)
			}
		})
	}
}
