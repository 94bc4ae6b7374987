package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "livesync_documents"
	postgresTableParam       = "table"
	postgresOperationTimeout = 5 * time.Second
)

var postgresTablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one row per document. The table is created on
// first use; a failed setup is retried by the next call.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

// NewPostgresBackend accepts a lib/pq URL. A "table" query parameter picks
// the document table and is not passed on to the server.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	dsn, table, err := splitPostgresTable(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: table,
		openDB:    sql.Open,
	}, nil
}

func splitPostgresTable(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return dsn, postgresTableName, nil
	}
	query := parsed.Query()
	if !query.Has(postgresTableParam) {
		return dsn, postgresTableName, nil
	}
	table := strings.TrimSpace(query.Get(postgresTableParam))
	if !postgresTablePattern.MatchString(table) {
		return "", "", fmt.Errorf("%w: table %q", ErrInvalidInput, table)
	}
	query.Del(postgresTableParam)
	parsed.RawQuery = query.Encode()
	return parsed.String(), table, nil
}

func (b *PostgresBackend) Load(id string) (*Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidInput
	}
	db, err := b.ensureReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT content, updated_at FROM %s WHERE doc_id = $1", postgresQuoteIdentifier(b.tableName))
	doc := Document{ID: id}
	err = db.QueryRowContext(ctx, query, id).Scan(&doc.Content, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

func (b *PostgresBackend) Save(doc Document) error {
	doc, err := normalize(doc)
	if err != nil {
		return err
	}
	db, err := b.ensureReady()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (doc_id, content, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (doc_id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`, postgresQuoteIdentifier(b.tableName))
	if _, err := db.ExecContext(ctx, query, doc.ID, doc.Content, doc.UpdatedAt); err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *PostgresBackend) ensureReady() (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			doc_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, postgresQuoteIdentifier(b.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare %s: %w", b.tableName, err)
	}
	b.db = db
	return db, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
