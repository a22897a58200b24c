package symbols

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	extracted_at TEXT NOT NULL,
	symbol_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS symbols (
	image_id TEXT    NOT NULL,
	seq      INTEGER NOT NULL,
	name     TEXT    NOT NULL,
	address  INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	type     TEXT    NOT NULL,
	elements INTEGER NOT NULL,
	scope    TEXT    NOT NULL,
	PRIMARY KEY (image_id, seq)
);
`

// ErrImageNotStored is returned by Load for an unknown image id.
var ErrImageNotStored = errors.New("image not in symbol store")

// Store persists symbol tables in a sqlite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol store: %w", err)
	}
	// Every pooled connection to :memory: would see its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize symbol store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored copy of t.
func (s *Store) Save(t *Table) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM symbols WHERE image_id = ?`, t.ImageID); err != nil {
		return fmt.Errorf("failed to clear symbols for %s: %w", t.ImageID, err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO images (id, name, extracted_at, symbol_count) VALUES (?, ?, ?, ?)`,
		t.ImageID, t.Image, t.ExtractedAt.UTC().Format(time.RFC3339Nano), len(t.records))
	if err != nil {
		return fmt.Errorf("failed to store image %s: %w", t.ImageID, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO symbols (image_id, seq, name, address, size, type, elements, scope) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range t.records {
		// sqlite integers are signed; addresses round-trip through int64 bits.
		if _, err := stmt.Exec(t.ImageID, i, r.Name, int64(r.Address), int64(r.Size), r.Type, int64(r.Elements), string(r.Scope)); err != nil {
			return fmt.Errorf("failed to store symbol %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// Load reads one table by image id.
func (s *Store) Load(id string) (*Table, error) {
	var name, extracted string
	err := s.db.QueryRow(`SELECT name, extracted_at FROM images WHERE id = ?`, id).Scan(&name, &extracted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotStored, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image %s: %w", id, err)
	}
	return s.loadTable(id, name, extracted)
}

// LoadAll reads every stored table.
func (s *Store) LoadAll() ([]*Table, error) {
	rows, err := s.db.Query(`SELECT id, name, extracted_at FROM images ORDER BY extracted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	type image struct{ id, name, extracted string }
	var images []image
	for rows.Next() {
		var im image
		if err := rows.Scan(&im.id, &im.name, &im.extracted); err != nil {
			rows.Close()
			return nil, err
		}
		images = append(images, im)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	tables := make([]*Table, 0, len(images))
	for _, im := range images {
		t, err := s.loadTable(im.id, im.name, im.extracted)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (s *Store) loadTable(id, name, extracted string) (*Table, error) {
	at, err := time.Parse(time.RFC3339Nano, extracted)
	if err != nil {
		return nil, fmt.Errorf("bad extraction time for %s: %w", id, err)
	}

	rows, err := s.db.Query(`SELECT name, address, size, type, elements, scope FROM symbols WHERE image_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols for %s: %w", id, err)
	}
	defer rows.Close()

	var records []SymbolRecord
	for rows.Next() {
		var (
			r                    SymbolRecord
			addr, size, elements int64
			scope                string
		)
		if err := rows.Scan(&r.Name, &addr, &size, &r.Type, &elements, &scope); err != nil {
			return nil, fmt.Errorf("failed to read symbol row: %w", err)
		}
		r.Address = uint64(addr)
		r.Size = uint64(size)
		r.Elements = uint64(elements)
		r.Scope = Scope(scope)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewTable(id, name, at, records), nil
}
