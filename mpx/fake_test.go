package mpx

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"mpxsync/internal"
	"mpxsync/store"
	"mpxsync/utils"
)

const (
	identityPath   = "/idm/web/Authentication"
	signInPath     = identityPath + "/signIn"
	signOutPath    = identityPath + "/signOut"
	accountPath    = "/data/Account"
	playerFeedPath = "/player/notify"
	mediaFeedPath  = "/media/notify"
	mediaDataPath  = "/media/data/Media"
)

// fakeMPX serves the mpx endpoints used by the client and records every
// request it receives
type fakeMPX struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests map[string][]url.Values
	signIns  int
	signOuts int
	tokenMS  int64
}

func newFakeMPX(t *testing.T) *fakeMPX {
	t.Helper()
	f := &fakeMPX{
		handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string][]url.Values),
		tokenMS:  time.Hour.Milliseconds(),
	}
	f.handlers[signInPath] = f.signIn
	f.handlers[signOutPath] = f.signOut
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeMPX) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests[r.URL.Path] = append(f.requests[r.URL.Path], r.Form)
	handler := f.handlers[r.URL.Path]
	f.mu.Unlock()

	if handler == nil {
		http.NotFound(w, r)
		return
	}
	handler(w, r)
}

func (f *fakeMPX) signIn(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.signIns++
	n := f.signIns
	ms := f.tokenMS
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"signInResponse": map[string]any{
			"token":       fmt.Sprintf("token-%d", n),
			"duration":    ms,
			"idleTimeout": ms,
			"userName":    r.Form.Get("username"),
		},
	})
}

func (f *fakeMPX) signOut(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.signOuts++
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"signOutResponse": map[string]any{}})
}

func (f *fakeMPX) handle(path string, handler http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = handler
}

func (f *fakeMPX) url(path string) string {
	return f.srv.URL + path
}

// queries returns the parameters of every request made to path
func (f *fakeMPX) queries(path string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.requests[path]...)
}

func (f *fakeMPX) counts() (signIns, signOuts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signIns, f.signOuts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// notification builds a feed item; entry may be empty
func notification(seq int64, method, entry string) map[string]any {
	item := map[string]any{"id": seq, "type": "Media", "method": method}
	if entry != "" {
		item["entry"] = map[string]any{
			"id":      "http://data.media.theplatform.com/media/data/Media/" + entry,
			"updated": 1700000000000,
		}
	}
	return item
}

// feedHandler answers latest-id requests with latest and paged requests
// with pages[since]
func feedHandler(latest int64, pages map[string][]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := r.Form.Get("since")
		if since == "" {
			writeJSON(w, http.StatusOK, []map[string]any{{"id": latest}})
			return
		}
		page := pages[since]
		if page == nil {
			page = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// mediaHandler serves a library of total media entries honoring range and
// byId
func mediaHandler(total int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ids := r.Form.Get("byId"); ids != "" {
			entries := []map[string]any{}
			for _, id := range strings.Split(ids, "|") {
				if n, err := strconv.Atoi(id); err == nil && n >= 1 && n <= total {
					entries = append(entries, map[string]any{
						"id":    "http://data.media.theplatform.com/media/data/Media/" + id,
						"title": fmt.Sprintf("Video %s (updated)", id),
					})
				}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"totalResults": len(entries),
				"entryCount":   len(entries),
				"entries":      entries,
			})
			return
		}

		start, end := 1, total
		if rng := r.Form.Get("range"); rng != "" {
			parts := strings.SplitN(rng, "-", 2)
			start, _ = strconv.Atoi(parts[0])
			end, _ = strconv.Atoi(parts[1])
		}
		if start < 1 {
			start = 1
		}
		if end > total {
			end = total
		}

		entries := []map[string]any{}
		for i := start; i <= end; i++ {
			entries = append(entries, map[string]any{
				"id":    fmt.Sprintf("http://data.media.theplatform.com/media/data/Media/%d", i),
				"title": fmt.Sprintf("Video %d", i),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"totalResults": total,
			"startIndex":   start,
			"itemsPerPage": len(entries),
			"entryCount":   len(entries),
			"entries":      entries,
		})
	}
}

// testEnv is a fully wired client against a fake mpx and in-memory stores
type testEnv struct {
	fake     *fakeMPX
	cfg      *internal.Config
	tokens   *store.MemoryTokenStore
	attrs    *store.MemoryAttributeStore
	queue    *store.MemoryWorkQueue
	locker   *store.MemoryLocker
	importer *store.MemoryImporter
	accounts *store.MemoryAccountRepository
	client   *Client
	batches  *BatchQueue
	ingestor *Ingestor
	account  *internal.Account
}

func newTestEnv(t *testing.T, opts ...func(cfg *internal.Config)) *testEnv {
	t.Helper()
	fake := newFakeMPX(t)

	cfg := internal.DefaultConfig()
	cfg.IdentityURL = fake.url(identityPath)
	cfg.AccountURL = fake.url(accountPath)
	cfg.PlayerFeedURL = fake.url(playerFeedPath)
	cfg.MediaFeedURL = fake.url(mediaFeedPath)
	cfg.MediaDataURL = fake.url(mediaDataPath)
	cfg.TokenFetchTimeout = 5 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	cfg.LockTimeout = 50 * time.Millisecond
	cfg.LockLease = time.Minute
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	account := &internal.Account{
		ID:            1,
		Username:      "mpx/user@example.com",
		Password:      "secret",
		ImportAccount: "Import Account",
		AccountID:     "https://access.auth.theplatform.com/data/Account/2",
		AccountPID:    "import-pid",
		DefaultPlayer: "player-pid",
	}

	env := &testEnv{
		fake:     fake,
		cfg:      cfg,
		tokens:   store.NewMemoryTokenStore(),
		attrs:    store.NewMemoryAttributeStore(),
		queue:    store.NewMemoryWorkQueue(time.Minute),
		locker:   store.NewMemoryLocker(),
		importer: store.NewMemoryImporter(),
		accounts: store.NewMemoryAccountRepository(account),
		account:  account,
	}
	env.client = NewClient(cfg, utils.NewHTTPClient(), env.tokens, logger)
	env.batches = NewBatchQueue(env.client, env.attrs, env.queue, env.accounts, env.importer, logger)
	env.ingestor = NewIngestor(env.client, env.attrs, env.batches, env.locker, env.importer, logger)
	return env
}

func (e *testEnv) attr(t *testing.T, name string) string {
	t.Helper()
	value, _, err := e.attrs.Get(t.Context(), e.account.ID, name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return value
}

func (e *testEnv) setAttr(t *testing.T, name, value string) {
	t.Helper()
	if err := e.attrs.Set(t.Context(), e.account.ID, name, value); err != nil {
		t.Fatalf("set %s: %v", name, err)
	}
}
