package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"mpxsync/internal"
)

// SQLiteStore keeps attributes, accounts and imported media in one SQLite
// database
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mpx_accounts (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			import_account TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			account_pid TEXT NOT NULL DEFAULT '',
			default_player TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS mpx_account_attributes (
			account_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (account_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS mpx_media (
			account_id INTEGER NOT NULL,
			id TEXT NOT NULL,
			guid TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			updated_at DATETIME,
			raw TEXT,
			PRIMARY KEY (account_id, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Attributes returns the store's AttributeStore view
func (s *SQLiteStore) Attributes() *SQLiteAttributeStore {
	return &SQLiteAttributeStore{db: s.db}
}

// Accounts returns the store's AccountRepository view
func (s *SQLiteStore) Accounts() *SQLiteAccountRepository {
	return &SQLiteAccountRepository{db: s.db}
}

// Importer returns an Importer writing media into the store
func (s *SQLiteStore) Importer() *SQLiteImporter {
	return &SQLiteImporter{db: s.db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type SQLiteAttributeStore struct {
	db *sql.DB
}

func (s *SQLiteAttributeStore) Get(ctx context.Context, accountID int64, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM mpx_account_attributes WHERE account_id = ? AND name = ?",
		accountID, name,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteAttributeStore) Set(ctx context.Context, accountID int64, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mpx_account_attributes (account_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT (account_id, name) DO UPDATE SET value = excluded.value`,
		accountID, name, value,
	)
	return err
}

func (s *SQLiteAttributeStore) Delete(ctx context.Context, accountID int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM mpx_account_attributes WHERE account_id = ? AND name = ?",
		accountID, name,
	)
	return err
}

func (s *SQLiteAttributeStore) DeleteMultiple(ctx context.Context, accountID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, accountID)
	for _, name := range names {
		args = append(args, name)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM mpx_account_attributes WHERE account_id = ? AND name IN ("+placeholders+")",
		args...,
	)
	return err
}

func (s *SQLiteAttributeStore) All(ctx context.Context, accountID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, value FROM mpx_account_attributes WHERE account_id = ?",
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		attrs[name] = value
	}
	return attrs, rows.Err()
}

type SQLiteAccountRepository struct {
	db *sql.DB
}

func (r *SQLiteAccountRepository) Load(ctx context.Context, id int64) (*internal.Account, error) {
	var account internal.Account
	err := r.db.QueryRowContext(ctx, selectAccountColumns+" WHERE id = ?", id).Scan(
		&account.ID, &account.Username, &account.Password, &account.ImportAccount,
		&account.AccountID, &account.AccountPID, &account.DefaultPlayer,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internal.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *SQLiteAccountRepository) LoadAll(ctx context.Context) ([]*internal.Account, error) {
	rows, err := r.db.QueryContext(ctx, selectAccountColumns+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*internal.Account
	for rows.Next() {
		var account internal.Account
		if err := rows.Scan(
			&account.ID, &account.Username, &account.Password, &account.ImportAccount,
			&account.AccountID, &account.AccountPID, &account.DefaultPlayer,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, &account)
	}
	return accounts, rows.Err()
}

func (r *SQLiteAccountRepository) Save(ctx context.Context, account *internal.Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO mpx_accounts (id, username, password, import_account, account_id, account_pid, default_player)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username, password = excluded.password,
			import_account = excluded.import_account, account_id = excluded.account_id,
			account_pid = excluded.account_pid, default_player = excluded.default_player`,
		account.ID, account.Username, account.Password, account.ImportAccount,
		account.AccountID, account.AccountPID, account.DefaultPlayer,
	)
	return err
}

// SQLiteImporter upserts imported media into the mpx_media table
type SQLiteImporter struct {
	db *sql.DB
}

func (i *SQLiteImporter) ImportPage(ctx context.Context, account *internal.Account, page json.RawMessage) error {
	records, err := DecodeMediaPage(account.ID, page)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO mpx_media (account_id, id, guid, title, updated_at, raw) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, id) DO UPDATE SET guid = excluded.guid, title = excluded.title,
			updated_at = excluded.updated_at, raw = excluded.raw`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx, record.AccountID, record.ID, record.GUID, record.Title, nullTime(record.UpdatedAt), string(record.Raw)); err != nil {
			return fmt.Errorf("upsert media %s: %w", record.ID, err)
		}
	}
	return tx.Commit()
}

func (i *SQLiteImporter) ApplyNotifications(ctx context.Context, account *internal.Account, feed string, notifications []internal.Notification) error {
	if feed != "media" {
		return nil
	}
	for _, n := range notifications {
		if n.Method != MethodDelete {
			continue
		}
		if _, err := i.db.ExecContext(ctx, "DELETE FROM mpx_media WHERE account_id = ? AND id = ?", account.ID, n.ID); err != nil {
			return fmt.Errorf("delete media %s: %w", n.ID, err)
		}
	}
	return nil
}

// CountMedia returns the number of media records stored for accountID
func (i *SQLiteImporter) CountMedia(ctx context.Context, accountID int64) (int, error) {
	var count int
	err := i.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mpx_media WHERE account_id = ?", accountID).Scan(&count)
	return count, err
}
