package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"vaxllo/calls"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps sql.DB. It stores owners, their whitelists and classified calls,
// on SQLite or Postgres.
type DB struct {
	*sql.DB
	driver string
}

var (
	_ calls.OwnerDirectory = (*DB)(nil)
	_ calls.RecordSink     = (*DB)(nil)
)

// InitDB opens the database and runs migrations
func InitDB(ctx context.Context, driver, dsn string) (*DB, error) {
	db, err := OpenDB(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if driver == "sqlite" {
		// One writer at a time; avoids SQLITE_BUSY under concurrent saves.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// OpenDB connects without migrating.
func OpenDB(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver == "sqlite" {
		dsn = sqliteDSN(dsn)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{DB: sqlDB, driver: driver}, nil
}

// sqliteDSN turns on foreign keys and a busy timeout for every connection.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Migrate applies pending migrations and returns how many ran.
func (db *DB) Migrate(ctx context.Context) (int, error) {
	dialect := goose.DialectSQLite3
	if db.driver == "pgx" {
		dialect = goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return 0, fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// rebind turns ? placeholders into $n for Postgres.
func (db *DB) rebind(query string) string {
	if db.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FindOwnerByCalleeNumber returns the owner of a virtual number.
func (db *DB) FindOwnerByCalleeNumber(ctx context.Context, number string) (calls.Owner, bool, error) {
	row := db.QueryRowContext(ctx, db.rebind(
		`SELECT id, virtual_number, owner_mobile, answer_mode, greeting, telegram_chat_id
		FROM owners WHERE virtual_number = ?`), calls.NormalizeNumber(number))
	owner, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Owner{}, false, nil
	}
	if err != nil {
		return calls.Owner{}, false, fmt.Errorf("failed to find owner for %s: %w", number, err)
	}

	owner.Forwarding.Whitelist, err = db.whitelist(ctx, owner.ID)
	if err != nil {
		return calls.Owner{}, false, err
	}
	return owner, true, nil
}

// OwnerByID loads an owner without its whitelist.
func (db *DB) OwnerByID(ctx context.Context, id string) (calls.Owner, error) {
	row := db.QueryRowContext(ctx, db.rebind(
		`SELECT id, virtual_number, owner_mobile, answer_mode, greeting, telegram_chat_id
		FROM owners WHERE id = ?`), id)
	owner, err := scanOwner(row)
	if err != nil {
		return calls.Owner{}, fmt.Errorf("failed to load owner %s: %w", id, err)
	}
	return owner, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOwner(row rowScanner) (calls.Owner, error) {
	var o calls.Owner
	err := row.Scan(&o.ID, &o.VirtualNumber, &o.Forwarding.OwnerMobile, &o.Forwarding.Mode, &o.Greeting, &o.TelegramChatID)
	return o, err
}

func (db *DB) whitelist(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, db.rebind(
		`SELECT phone_number FROM whitelist WHERE owner_id = ? ORDER BY phone_number`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load whitelist: %w", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// AddOwner stores a new owner. An empty ID gets a fresh UUID.
func (db *DB) AddOwner(ctx context.Context, o calls.Owner) (calls.Owner, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Forwarding.Mode == "" {
		o.Forwarding.Mode = calls.ModeAll
	}
	o.VirtualNumber = calls.NormalizeNumber(o.VirtualNumber)
	if o.VirtualNumber == "" {
		return calls.Owner{}, errors.New("virtual number is required")
	}
	_, err := db.ExecContext(ctx, db.rebind(
		`INSERT INTO owners (id, virtual_number, owner_mobile, answer_mode, greeting, telegram_chat_id)
		VALUES (?, ?, ?, ?, ?, ?)`),
		o.ID, o.VirtualNumber, calls.NormalizeNumber(o.Forwarding.OwnerMobile), o.Forwarding.Mode, o.Greeting, o.TelegramChatID)
	if err != nil {
		return calls.Owner{}, fmt.Errorf("failed to add owner: %w", err)
	}
	return o, nil
}

func (db *DB) ListOwners(ctx context.Context) ([]calls.Owner, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, virtual_number, owner_mobile, answer_mode, greeting, telegram_chat_id
		FROM owners ORDER BY virtual_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []calls.Owner
	for rows.Next() {
		o, err := scanOwner(rows)
		if err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// AddWhitelist lets number reach the owner directly. Adding twice is a no-op.
func (db *DB) AddWhitelist(ctx context.Context, ownerID, number string) error {
	_, err := db.ExecContext(ctx, db.rebind(
		`INSERT INTO whitelist (owner_id, phone_number) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		ownerID, calls.NormalizeNumber(number))
	if err != nil {
		return fmt.Errorf("failed to add whitelist entry: %w", err)
	}
	return nil
}

// SaveCallRecord stores a classified call.
func (db *DB) SaveCallRecord(ctx context.Context, rec calls.CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, db.rebind(
		`INSERT INTO calls (id, owner_id, from_number, transcript, summary, tag, urgency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.OwnerID, rec.CallerNumber, rec.Transcript, rec.Summary, rec.Tag, rec.Urgency, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save call %s: %w", rec.ID, err)
	}
	return nil
}

// ListCalls returns the newest calls first. An empty ownerID lists all owners.
func (db *DB) ListCalls(ctx context.Context, ownerID string, limit int) ([]calls.CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, owner_id, from_number, transcript, summary, tag, urgency, created_at FROM calls`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var out []calls.CallRecord
	for rows.Next() {
		var r calls.CallRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.CallerNumber, &r.Transcript, &r.Summary, &r.Tag, &r.Urgency, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
