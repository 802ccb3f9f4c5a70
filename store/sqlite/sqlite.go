/*
Package sqlite provides the SQLite-backed data sources for the engine.

PURPOSE:
  Implements the two external collaborator contracts against SQLite:

    dateindex.FactSource:  bulk scans over the risk fact table, used only
                           by the nightly rebuild
    entitlement.Source:    the per-user security visibility mapping
                           (the upstream SHOW_POSITIONS = 1 filter)

  In production the same queries run against the warehouse - only SQL
  dialect details differ.

KEY TABLES:
  security_facts:   (risk_engine_id, security_key, reporting_date)
                    The ~300M-row fact table stand-in. The rebuild only
                    ever reads it through the covering index below.
  client_fund_map:  (user_id, security_key, show_positions)
                    Which securities each user may see.

INDEXES:
  idx_facts_engine_security_date mirrors the physical ordering of the
  upstream table: the pair scan streams straight off it in security-then-
  date order, which is what lets the builder fill one bitmap at a time.

RISK ENGINE FILTER:
  Every fact read is filtered to RiskEngineID (= 1), matching the fixed
  upstream aggregation. If more engines ever matter, the filter becomes a
  parameter and the index keys grow a dimension.

WAL MODE:
  Opened with WAL so the nightly scan does not block concurrent writers
  loading tomorrow's facts.

SEE ALSO:
  - dateindex/source.go: FactSource contract
  - entitlement/source.go: Source contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/date-engine/dateindex"
)

// RiskEngineID is the fixed risk-engine filter applied to every fact read.
const RiskEngineID = 1

// Store implements dateindex.FactSource and entitlement.Source over SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema.
func (s *Store) migrate() error {
	schema := `
	-- Risk fact table (loaded nightly by the upstream ETL; read-only here)
	CREATE TABLE IF NOT EXISTS security_facts (
		risk_engine_id INTEGER NOT NULL,
		security_key   TEXT NOT NULL,
		reporting_date TEXT NOT NULL,
		PRIMARY KEY (risk_engine_id, security_key, reporting_date)
	) WITHOUT ROWID;

	-- The rebuild's scan order: engine, then security, then date. The
	-- primary key already provides it in SQLite; kept explicit for the
	-- warehouse variant where the physical layout differs.
	CREATE INDEX IF NOT EXISTS idx_facts_engine_security_date
		ON security_facts(risk_engine_id, security_key, reporting_date);

	-- Per-user security visibility (upstream client/fund mapping)
	CREATE TABLE IF NOT EXISTS client_fund_map (
		user_id        TEXT NOT NULL,
		security_key   TEXT NOT NULL,
		show_positions INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (user_id, security_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// FACT SOURCE (dateindex.FactSource)
// =============================================================================

// ScanDistinctDates returns every distinct reporting date for the fixed
// risk engine, ascending.
func (s *Store) ScanDistinctDates(ctx context.Context) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT reporting_date
		FROM security_facts
		WHERE risk_engine_id = ?
		ORDER BY reporting_date`, RiskEngineID)
	if err != nil {
		return nil, fmt.Errorf("distinct date scan failed: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := time.ParseInLocation(dateindex.DateLayout, raw, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("malformed reporting_date %q: %w", raw, err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// ScanSecurityDates streams distinct (security, date) pairs ordered by
// security key then date, straight off the covering index.
func (s *Store) ScanSecurityDates(ctx context.Context, fn func(key dateindex.SecurityKey, date time.Time) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT security_key, reporting_date
		FROM security_facts
		WHERE risk_engine_id = ?
		ORDER BY security_key, reporting_date`, RiskEngineID)
	if err != nil {
		return fmt.Errorf("security/date scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return err
		}
		d, err := time.ParseInLocation(dateindex.DateLayout, raw, time.UTC)
		if err != nil {
			return fmt.Errorf("malformed reporting_date %q for %s: %w", raw, key, err)
		}
		if err := fn(dateindex.SecurityKey(key), d); err != nil {
			return err
		}
	}
	return rows.Err()
}

// =============================================================================
// ENTITLEMENT SOURCE (entitlement.Source)
// =============================================================================

// FetchSecurities returns the securities visible to userID (those with the
// visibility flag enabled). An unknown user yields an empty slice.
func (s *Store) FetchSecurities(ctx context.Context, userID string) ([]dateindex.SecurityKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT security_key
		FROM client_fund_map
		WHERE user_id = ? AND show_positions = 1
		ORDER BY security_key`, userID)
	if err != nil {
		return nil, fmt.Errorf("entitlement lookup failed: %w", err)
	}
	defer rows.Close()

	var keys []dateindex.SecurityKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, dateindex.SecurityKey(key))
	}
	return keys, rows.Err()
}

// =============================================================================
// WRITE HELPERS - Used by tests and dev seeding; the upstream ETL owns
// these tables in production.
// =============================================================================

// InsertFact records that a qualifying row exists for (security, date).
// Idempotent.
func (s *Store) InsertFact(ctx context.Context, key dateindex.SecurityKey, date time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO security_facts (risk_engine_id, security_key, reporting_date)
		VALUES (?, ?, ?)`,
		RiskEngineID, string(key), date.UTC().Format(dateindex.DateLayout))
	return err
}

// GrantEntitlement sets a user's visibility flag for a security.
func (s *Store) GrantEntitlement(ctx context.Context, userID string, key dateindex.SecurityKey, showPositions bool) error {
	flag := 0
	if showPositions {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_fund_map (user_id, security_key, show_positions)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, security_key) DO UPDATE SET show_positions = excluded.show_positions`,
		userID, string(key), flag)
	return err
}

// DeleteFacts clears the fact table. Test helper for simulating a failed
// upstream load.
func (s *Store) DeleteFacts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM security_facts`)
	return err
}
