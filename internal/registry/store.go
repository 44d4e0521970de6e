// Package registry is the single source of truth for canonical symbol to
// broker-id mappings.
//
// A relational store (sqlite) backs a write-through in-memory index. Reads are
// lock-free over an immutable snapshot; the single writer clones and swaps the
// snapshot after every durable write. Startup is synchronous and hard-fails if
// the store is unreachable.
package registry

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/rfzwl/janus/pkg/types"
)

// Entry is one registry row. Zero values mean "absent" for the broker-id
// columns: IBConid == 0 and WebullTicker == "".
type Entry struct {
	ID              int64
	CanonicalSymbol string
	AssetClass      types.AssetClass
	Currency        string
	IBConid         int64
	WebullTicker    string
	Description     string
}

// Schema documents the table this package expects. It is applied out-of-band
// (migrations live with the deployment, not the server); the core never
// creates it.
//
//	CREATE TABLE symbol_registry (
//	    id              INTEGER PRIMARY KEY,
//	    canonical_symbol TEXT NOT NULL UNIQUE,
//	    asset_class     TEXT NOT NULL DEFAULT 'EQUITY',
//	    currency        TEXT NOT NULL DEFAULT 'USD',
//	    ib_conid        INTEGER UNIQUE,
//	    webull_ticker   TEXT UNIQUE,
//	    description     TEXT
//	);

// Store is the persistence surface the registry writes through. Split out as
// an interface so harmony failure paths can be exercised without a broken
// database.
type Store interface {
	LoadAll(ctx context.Context) ([]Entry, error)
	Insert(ctx context.Context, e Entry) (int64, error)
	UpdateIBConid(ctx context.Context, canonical string, conid int64) error
	UpdateWebullTicker(ctx context.Context, canonical, ticker string) error
	UpdateDescription(ctx context.Context, canonical, description string) error
	Close() error
}

// SQLStore implements Store over database/sql with the sqlite driver.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens the registry database and verifies connectivity.
func OpenSQL(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry db: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// DB exposes the underlying handle (tests apply the schema through it).
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// LoadAll reads every registry row.
func (s *SQLStore) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_symbol, asset_class, currency, ib_conid, webull_ticker, description
		 FROM symbol_registry`)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			conid  sql.NullInt64
			ticker sql.NullString
			desc   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CanonicalSymbol, &e.AssetClass, &e.Currency, &conid, &ticker, &desc); err != nil {
			return nil, fmt.Errorf("scan registry row: %w", err)
		}
		e.IBConid = conid.Int64
		e.WebullTicker = ticker.String
		e.Description = desc.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Insert adds a new row and returns its surrogate key. Unique-constraint
// violations surface as errors; callers must not swallow them.
func (s *SQLStore) Insert(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO symbol_registry (canonical_symbol, asset_class, currency, ib_conid, webull_ticker, description)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CanonicalSymbol, e.AssetClass, e.Currency,
		nullInt(e.IBConid), nullStr(e.WebullTicker), nullStr(e.Description))
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", e.CanonicalSymbol, err)
	}
	return res.LastInsertId()
}

// UpdateIBConid fills the ib_conid column for a canonical symbol.
func (s *SQLStore) UpdateIBConid(ctx context.Context, canonical string, conid int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE symbol_registry SET ib_conid = ? WHERE canonical_symbol = ?`, conid, canonical)
	if err != nil {
		return fmt.Errorf("update ib_conid for %s: %w", canonical, err)
	}
	return nil
}

// UpdateWebullTicker fills the webull_ticker column for a canonical symbol.
func (s *SQLStore) UpdateWebullTicker(ctx context.Context, canonical, ticker string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE symbol_registry SET webull_ticker = ? WHERE canonical_symbol = ?`, ticker, canonical)
	if err != nil {
		return fmt.Errorf("update webull_ticker for %s: %w", canonical, err)
	}
	return nil
}

// UpdateDescription fills the description column for a canonical symbol.
func (s *SQLStore) UpdateDescription(ctx context.Context, canonical, description string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE symbol_registry SET description = ? WHERE canonical_symbol = ?`, description, canonical)
	if err != nil {
		return fmt.Errorf("update description for %s: %w", canonical, err)
	}
	return nil
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
