package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mpxsync/internal"
)

// Pool abstracts the pgx connection pool
type Pool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
}

// ConnectPostgres opens a PostgreSQL pool and applies the schema
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS mpx_accounts (
		id BIGINT PRIMARY KEY,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		import_account TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL DEFAULT '',
		account_pid TEXT NOT NULL DEFAULT '',
		default_player TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS mpx_account_attributes (
		account_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (account_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS mpx_media (
		account_id BIGINT NOT NULL,
		id TEXT NOT NULL,
		guid TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ,
		raw JSONB,
		PRIMARY KEY (account_id, id)
	)`,
}

// MigratePostgres creates the tables used by the Postgres stores
func MigratePostgres(ctx context.Context, pool Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	for _, stmt := range postgresSchema {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// PostgresAttributeStore persists account attributes to PostgreSQL
type PostgresAttributeStore struct {
	pool Pool
}

func NewPostgresAttributeStore(pool Pool) *PostgresAttributeStore {
	return &PostgresAttributeStore{pool: pool}
}

func (s *PostgresAttributeStore) Get(ctx context.Context, accountID int64, name string) (string, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var value string
	err = conn.QueryRow(ctx, `
        SELECT value FROM mpx_account_attributes
        WHERE account_id = $1 AND name = $2
    `, accountID, name).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select attribute: %w", err)
	}
	return value, true, nil
}

func (s *PostgresAttributeStore) Set(ctx context.Context, accountID int64, name, value string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO mpx_account_attributes (account_id, name, value)
        VALUES ($1, $2, $3)
        ON CONFLICT (account_id, name)
        DO UPDATE SET value = EXCLUDED.value
    `, accountID, name, value)
	if err != nil {
		return fmt.Errorf("upsert attribute: %w", err)
	}
	return nil
}

func (s *PostgresAttributeStore) Delete(ctx context.Context, accountID int64, name string) error {
	return s.DeleteMultiple(ctx, accountID, []string{name})
}

func (s *PostgresAttributeStore) DeleteMultiple(ctx context.Context, accountID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        DELETE FROM mpx_account_attributes
        WHERE account_id = $1 AND name = ANY($2)
    `, accountID, names)
	if err != nil {
		return fmt.Errorf("delete attributes: %w", err)
	}
	return nil
}

func (s *PostgresAttributeStore) All(ctx context.Context, accountID int64) (map[string]string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT name, value FROM mpx_account_attributes
        WHERE account_id = $1
    `, accountID)
	if err != nil {
		return nil, fmt.Errorf("select attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		attrs[name] = value
	}
	return attrs, rows.Err()
}

// PostgresAccountRepository loads and saves mpx accounts in PostgreSQL
type PostgresAccountRepository struct {
	pool Pool
}

func NewPostgresAccountRepository(pool Pool) *PostgresAccountRepository {
	return &PostgresAccountRepository{pool: pool}
}

const selectAccountColumns = `SELECT id, username, password, import_account, account_id, account_pid, default_player FROM mpx_accounts`

func (r *PostgresAccountRepository) Load(ctx context.Context, id int64) (*internal.Account, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var account internal.Account
	err = conn.QueryRow(ctx, selectAccountColumns+` WHERE id = $1`, id).Scan(
		&account.ID, &account.Username, &account.Password, &account.ImportAccount,
		&account.AccountID, &account.AccountPID, &account.DefaultPlayer,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, internal.ErrAccountNotFound
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &account, nil
}

func (r *PostgresAccountRepository) LoadAll(ctx context.Context) ([]*internal.Account, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, selectAccountColumns+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*internal.Account
	for rows.Next() {
		var account internal.Account
		if err := rows.Scan(
			&account.ID, &account.Username, &account.Password, &account.ImportAccount,
			&account.AccountID, &account.AccountPID, &account.DefaultPlayer,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, &account)
	}
	return accounts, rows.Err()
}

// Save inserts or updates an account
func (r *PostgresAccountRepository) Save(ctx context.Context, account *internal.Account) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO mpx_accounts (id, username, password, import_account, account_id, account_pid, default_player)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id)
        DO UPDATE SET username = EXCLUDED.username, password = EXCLUDED.password,
            import_account = EXCLUDED.import_account, account_id = EXCLUDED.account_id,
            account_pid = EXCLUDED.account_pid, default_player = EXCLUDED.default_player
    `, account.ID, account.Username, account.Password, account.ImportAccount,
		account.AccountID, account.AccountPID, account.DefaultPlayer)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// PostgresImporter stores imported media in PostgreSQL. Pages are upserted
// so redelivered windows are harmless.
type PostgresImporter struct {
	pool Pool
}

func NewPostgresImporter(pool Pool) *PostgresImporter {
	return &PostgresImporter{pool: pool}
}

func (i *PostgresImporter) ImportPage(ctx context.Context, account *internal.Account, page json.RawMessage) error {
	records, err := DecodeMediaPage(account.ID, page)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(`
            INSERT INTO mpx_media (account_id, id, guid, title, updated_at, raw)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (account_id, id)
            DO UPDATE SET guid = EXCLUDED.guid, title = EXCLUDED.title,
                updated_at = EXCLUDED.updated_at, raw = EXCLUDED.raw
        `, record.AccountID, record.ID, record.GUID, record.Title, nullTime(record.UpdatedAt), string(record.Raw))
	}
	if err := conn.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert media: %w", err)
	}
	return nil
}

func (i *PostgresImporter) ApplyNotifications(ctx context.Context, account *internal.Account, feed string, notifications []internal.Notification) error {
	if feed != "media" {
		return nil
	}
	var deleted []string
	for _, n := range notifications {
		if n.Method == MethodDelete {
			deleted = append(deleted, n.ID)
		}
	}
	if len(deleted) == 0 {
		return nil
	}

	conn, err := i.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
        DELETE FROM mpx_media WHERE account_id = $1 AND id = ANY($2)
    `, account.ID, deleted); err != nil {
		return fmt.Errorf("delete media: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
