package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"exec_reconciler/internal/core"
)

// SQLiteStore persists ledger snapshots and the discrepancy journal in a
// single SQLite database. It backs both core.ILedgerStore and
// core.IDiscrepancyJournal.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			account_id TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			checksum   BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS discrepancies (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id  TEXT NOT NULL,
			venue       TEXT NOT NULL,
			kind        TEXT NOT NULL,
			scope       TEXT NOT NULL,
			ref_id      TEXT NOT NULL,
			payload     TEXT NOT NULL,
			observed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_observed_at ON discrepancies(observed_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// SaveSnapshot writes a ledger snapshot, replacing any previous snapshot for
// the same account.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap core.LedgerSnapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Validate JSON (round-trip test)
	var check core.LedgerSnapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO snapshots (account_id, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, query, snap.AccountID.String(), string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write snapshot to db: %w", err)
	}

	return tx.Commit()
}

// LoadSnapshot reads the last saved snapshot for an account. It returns
// (nil, nil) when none has been saved.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, accountID core.AccountID) (*core.LedgerSnapshot, error) {
	query := `SELECT data, checksum FROM snapshots WHERE account_id = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, accountID.String()).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot from db: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var snap core.LedgerSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// Append journals one discrepancy.
func (s *SQLiteStore) Append(ctx context.Context, d core.Discrepancy) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal discrepancy: %w", err)
	}

	query := `INSERT INTO discrepancies (account_id, venue, kind, scope, ref_id, payload, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		d.AccountID.String(),
		d.Venue.String(),
		d.Kind.String(),
		d.Scope.String(),
		d.Key(),
		string(payload),
		d.ObservedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write discrepancy to db: %w", err)
	}
	return nil
}

// Recent returns up to limit journal entries, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]core.Discrepancy, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT payload FROM discrepancies ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query discrepancies: %w", err)
	}
	defer rows.Close()

	var out []core.Discrepancy
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy row: %w", err)
		}
		var d core.Discrepancy
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
