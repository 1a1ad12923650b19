package internal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrAccountNotFound is returned by an AccountRepository for unknown ids
var ErrAccountNotFound = errors.New("mpx account not found")

// TokenStore is a TTL-aware cache of tokens keyed by owner. A miss is
// reported as (nil, nil).
type TokenStore interface {
	Get(ctx context.Context, ownerID string) (*Token, error)
	Set(ctx context.Context, token *Token) error
	Delete(ctx context.Context, ownerID string) error
}

// AttributeStore persists per-account key/value attributes such as
// notification cursors and batch bookkeeping
type AttributeStore interface {
	Get(ctx context.Context, accountID int64, name string) (string, bool, error)
	Set(ctx context.Context, accountID int64, name, value string) error
	Delete(ctx context.Context, accountID int64, name string) error
	DeleteMultiple(ctx context.Context, accountID int64, names []string) error
	All(ctx context.Context, accountID int64) (map[string]string, error)
}

// WorkQueue is a durable FIFO queue with at-least-once delivery. Claim
// returns (nil, nil) when nothing is ready; unacked items are redelivered.
type WorkQueue interface {
	Create(ctx context.Context, queue string) error
	Enqueue(ctx context.Context, queue string, window BatchWindow) error
	Claim(ctx context.Context, queue string) (*QueueItem, error)
	Ack(ctx context.Context, item *QueueItem) error
	Len(ctx context.Context, queue string) (int64, error)
}

// Lock is a held named lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out named cross-process locks. Acquire waits at most wait
// and returns an ErrLockBusy MpxError when the lock stays taken.
type Locker interface {
	Acquire(ctx context.Context, name string, wait, lease time.Duration) (Lock, error)
}

// AccountRepository loads account credentials
type AccountRepository interface {
	Load(ctx context.Context, id int64) (*Account, error)
	LoadAll(ctx context.Context) ([]*Account, error)
}

// Importer persists imported records. Implementations must tolerate the
// same page being delivered more than once.
type Importer interface {
	ImportPage(ctx context.Context, account *Account, page json.RawMessage) error
	ApplyNotifications(ctx context.Context, account *Account, feed string, notifications []Notification) error
}
