package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"mpxsync/internal"
	"mpxsync/mpx"
	"mpxsync/store"
	"mpxsync/utils"
)

// accountStore is an AccountRepository that can also save accounts
type accountStore interface {
	internal.AccountRepository
	Save(ctx context.Context, account *internal.Account) error
}

// database bundles the stores backed by DatabaseURL
type database struct {
	attrs    internal.AttributeStore
	accounts accountStore
	importer internal.Importer
	close    func() error
}

// coordination bundles the stores shared between processes
type coordination struct {
	tokens internal.TokenStore
	locker internal.Locker
	queue  internal.WorkQueue
	close  func() error
}

// app is the wired mpx core used by every command
type app struct {
	cfg      *internal.Config
	logger   *slog.Logger
	client   *mpx.Client
	attrs    internal.AttributeStore
	accounts accountStore
	importer internal.Importer
	queue    internal.WorkQueue
	batches  *mpx.BatchQueue
	ingestor *mpx.Ingestor
	closers  []func() error
}

func newApp(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (*app, error) {
	validator := utils.NewURLValidator(cfg.AllowedDomains)
	if err := validator.ValidateEndpoints(cfg); err != nil {
		return nil, err
	}

	httpClient, err := utils.NewHTTPClientFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	coord, err := openCoordination(ctx, cfg, logger)
	if err != nil {
		db.close()
		return nil, err
	}

	client := mpx.NewClient(cfg, httpClient, coord.tokens, logger)
	batches := mpx.NewBatchQueue(client, db.attrs, coord.queue, db.accounts, db.importer, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		attrs:    db.attrs,
		accounts: db.accounts,
		importer: db.importer,
		queue:    coord.queue,
		batches:  batches,
		ingestor: mpx.NewIngestor(client, db.attrs, batches, coord.locker, db.importer, logger),
		closers:  []func() error{coord.close, db.close},
	}, nil
}

// openDatabase opens the attribute, account and media stores named by
// rawURL: sqlite://<path>, postgres://..., postgresql://... or memory://
func openDatabase(ctx context.Context, rawURL string) (*database, error) {
	switch {
	case strings.HasPrefix(rawURL, "sqlite://"):
		path := strings.TrimPrefix(rawURL, "sqlite://")
		if path == "" {
			return nil, internal.NewValidationErrorWithValue("database_url", "sqlite database path is required", rawURL)
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
		}
		return &database{attrs: s.Attributes(), accounts: s.Accounts(), importer: s.Importer(), close: s.Close}, nil

	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		pool, err := store.ConnectPostgres(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return &database{
			attrs:    store.NewPostgresAttributeStore(pool),
			accounts: store.NewPostgresAccountRepository(pool),
			importer: store.NewPostgresImporter(pool),
			close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	case rawURL == "memory://" || rawURL == "memory":
		return &database{
			attrs:    store.NewMemoryAttributeStore(),
			accounts: store.NewMemoryAccountRepository(),
			importer: store.NewMemoryImporter(),
			close:    func() error { return nil },
		}, nil

	default:
		return nil, internal.NewValidationErrorWithValue("database_url", "unsupported database URL scheme", rawURL).
			WithSuggestion("Use sqlite://<path>, postgres://<dsn> or memory://")
	}
}

// openCoordination opens the token cache, locker and work queue on Redis,
// or in memory when the address is "memory"
func openCoordination(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (*coordination, error) {
	if cfg.RedisAddr == "" || cfg.RedisAddr == "memory" {
		return &coordination{
			tokens: store.NewMemoryTokenStore(),
			locker: store.NewMemoryLocker(),
			queue:  store.NewMemoryWorkQueue(cfg.LockLease),
			close:  func() error { return nil },
		}, nil
	}

	client, err := store.NewRedisClient(ctx, store.RedisConfigFrom(cfg))
	if err != nil {
		return nil, err
	}
	return &coordination{
		tokens: store.NewRedisTokenStore(client),
		locker: store.NewRedisLocker(client),
		queue: store.NewRedisWorkQueue(client, store.RedisWorkQueueConfig{
			Visibility: cfg.LockLease,
			Logger:     logger,
		}),
		close: client.Close,
	}, nil
}

// Close releases every store connection
func (a *app) Close() error {
	var errs []error
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// account loads the account named by a positional argument
func (a *app) account(ctx context.Context, arg string) (*internal.Account, error) {
	id, err := parseAccountID(arg)
	if err != nil {
		return nil, err
	}
	account, err := a.accounts.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", id, err)
	}
	return account, nil
}

// selectAccounts loads the accounts named by args, or every account when
// all is set
func (a *app) selectAccounts(ctx context.Context, args []string, all bool) ([]*internal.Account, error) {
	if all {
		if len(args) > 0 {
			return nil, internal.NewValidationError("accounts", "account ids cannot be combined with --all")
		}
		return a.accounts.LoadAll(ctx)
	}
	if len(args) == 0 {
		return nil, internal.NewValidationError("accounts", "at least one account id is required").
			WithSuggestion("Pass account ids or --all")
	}

	accounts := make([]*internal.Account, 0, len(args))
	for _, arg := range args {
		account, err := a.account(ctx, arg)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// withApp builds the app for a command run and closes it afterwards
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	logger := internal.GetLogger()
	a, err := newApp(ctx, config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("failed to close stores", "error", closeErr)
		}
	}()
	return fn(ctx, a)
}
