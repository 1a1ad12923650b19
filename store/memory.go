// Package store provides the persistence collaborators of the mpx core:
// token caches, locks and work queues on Redis, attribute and account
// storage on Postgres or SQLite, and in-memory versions of each.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mpxsync/internal"
)

// lockPollInterval is how often a waiting Acquire retries a taken lock
const lockPollInterval = 50 * time.Millisecond

// MemoryTokenStore is a process-local TokenStore. Expired tokens read as
// a miss.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]internal.Token
	now    func() time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]internal.Token), now: time.Now}
}

func (s *MemoryTokenStore) Get(_ context.Context, ownerID string) (*internal.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[ownerID]
	if !ok {
		return nil, nil
	}
	if !token.ExpiresAt.After(s.now()) {
		delete(s.tokens, ownerID)
		return nil, nil
	}
	return &token, nil
}

func (s *MemoryTokenStore) Set(_ context.Context, token *internal.Token) error {
	if token == nil || token.OwnerID == "" {
		return fmt.Errorf("token owner is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.OwnerID] = *token
	return nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, ownerID)
	return nil
}

// MemoryAttributeStore is a process-local AttributeStore
type MemoryAttributeStore struct {
	mu    sync.RWMutex
	attrs map[int64]map[string]string
}

func NewMemoryAttributeStore() *MemoryAttributeStore {
	return &MemoryAttributeStore{attrs: make(map[int64]map[string]string)}
}

func (s *MemoryAttributeStore) Get(_ context.Context, accountID int64, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.attrs[accountID][name]
	return value, ok, nil
}

func (s *MemoryAttributeStore) Set(_ context.Context, accountID int64, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs[accountID] == nil {
		s.attrs[accountID] = make(map[string]string)
	}
	s.attrs[accountID][name] = value
	return nil
}

func (s *MemoryAttributeStore) Delete(_ context.Context, accountID int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs[accountID], name)
	return nil
}

func (s *MemoryAttributeStore) DeleteMultiple(_ context.Context, accountID int64, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.attrs[accountID], name)
	}
	return nil
}

func (s *MemoryAttributeStore) All(_ context.Context, accountID int64) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.attrs[accountID]))
	for name, value := range s.attrs[accountID] {
		out[name] = value
	}
	return out, nil
}

type memoryEntry struct {
	item         internal.QueueItem
	invisibleTil time.Time
}

// MemoryWorkQueue is a process-local WorkQueue. A claimed item becomes
// visible again once its visibility timeout passes without an Ack.
type MemoryWorkQueue struct {
	mu         sync.Mutex
	queues     map[string][]*memoryEntry
	visibility time.Duration
	seq        int64
	now        func() time.Time
}

// NewMemoryWorkQueue creates a queue redelivering unacked items after
// visibility
func NewMemoryWorkQueue(visibility time.Duration) *MemoryWorkQueue {
	return &MemoryWorkQueue{
		queues:     make(map[string][]*memoryEntry),
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *MemoryWorkQueue) Create(_ context.Context, queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[queue]; !ok {
		q.queues[queue] = nil
	}
	return nil
}

func (q *MemoryWorkQueue) Enqueue(_ context.Context, queue string, window internal.BatchWindow) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.queues[queue] = append(q.queues[queue], &memoryEntry{
		item: internal.QueueItem{ID: strconv.FormatInt(q.seq, 10), Queue: queue, Window: window},
	})
	return nil
}

func (q *MemoryWorkQueue) Claim(_ context.Context, queue string) (*internal.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, entry := range q.queues[queue] {
		if entry.invisibleTil.After(now) {
			continue
		}
		entry.invisibleTil = now.Add(q.visibility)
		item := entry.item
		return &item, nil
	}
	return nil, nil
}

func (q *MemoryWorkQueue) Ack(_ context.Context, item *internal.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.queues[item.Queue]
	for i, entry := range entries {
		if entry.item.ID == item.ID {
			q.queues[item.Queue] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryWorkQueue) Len(_ context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[queue])), nil
}

type memoryLockEntry struct {
	owner   string
	expires time.Time
}

// MemoryLocker hands out process-local named locks with a lease
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLockEntry
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLockEntry), now: time.Now}
}

func (l *MemoryLocker) tryAcquire(name, owner string, lease time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.locks[name]; ok && held.expires.After(now) {
		return false
	}
	l.locks[name] = memoryLockEntry{owner: owner, expires: now.Add(lease)}
	return true
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, wait, lease time.Duration) (internal.Lock, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		if l.tryAcquire(name, owner, lease) {
			return &memoryLock{locker: l, name: name, owner: owner}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, internal.NewLockContentionError(name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

type memoryLock struct {
	locker *MemoryLocker
	name   string
	owner  string
}

// Release frees the lock unless its lease lapsed and another owner took it
func (m *memoryLock) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if held, ok := m.locker.locks[m.name]; ok && held.owner == m.owner {
		delete(m.locker.locks, m.name)
	}
	return nil
}

// MemoryAccountRepository serves a fixed set of accounts
type MemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[int64]*internal.Account
}

func NewMemoryAccountRepository(accounts ...*internal.Account) *MemoryAccountRepository {
	repo := &MemoryAccountRepository{accounts: make(map[int64]*internal.Account)}
	for _, account := range accounts {
		repo.Save(context.Background(), account)
	}
	return repo
}

// Save adds or replaces an account
func (r *MemoryAccountRepository) Save(_ context.Context, account *internal.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *account
	r.accounts[account.ID] = &copied
	return nil
}

func (r *MemoryAccountRepository) Load(_ context.Context, id int64) (*internal.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, internal.ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (r *MemoryAccountRepository) LoadAll(_ context.Context) ([]*internal.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*internal.Account, 0, len(r.accounts))
	for _, account := range r.accounts {
		copied := *account
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryImporter keeps imported media entries keyed by id. It records
// every page and notification batch it receives.
type MemoryImporter struct {
	mu            sync.Mutex
	Media         map[string]MediaRecord
	Pages         int
	Notifications []internal.Notification
}

func NewMemoryImporter() *MemoryImporter {
	return &MemoryImporter{Media: make(map[string]MediaRecord)}
}

func (m *MemoryImporter) ImportPage(_ context.Context, account *internal.Account, page json.RawMessage) error {
	records, err := DecodeMediaPage(account.ID, page)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pages++
	for _, record := range records {
		m.Media[record.ID] = record
	}
	return nil
}

func (m *MemoryImporter) ApplyNotifications(_ context.Context, _ *internal.Account, feed string, notifications []internal.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notifications = append(m.Notifications, notifications...)
	if feed != "media" {
		return nil
	}
	for _, n := range notifications {
		if n.Method == MethodDelete {
			delete(m.Media, n.ID)
		}
	}
	return nil
}

// Total returns the number of media records held
func (m *MemoryImporter) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Media)
}
