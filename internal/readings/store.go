// Package readings persists sensor readings for history charts and the
// dashboard table. Readings are append-only; each gets a UUIDv7 id and a
// server-assigned save time, and queries return newest first.
package readings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

// Query limits for [Store.Recent].
const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// TableLimits are the row counts the dashboard table cycles through.
var TableLimits = []int{20, 50, 100}

// NextTableLimit returns the table limit after n, wrapping around.
// Unknown values restart the cycle.
func NextTableLimit(n int) int {
	for i, l := range TableLimits {
		if l == n {
			return TableLimits[(i+1)%len(TableLimits)]
		}
	}
	return TableLimits[0]
}

// Record is one stored reading.
type Record struct {
	ID      string            `json:"id"`
	SavedAt time.Time         `json:"saved_at"`
	Reading telemetry.Reading `json:"reading"`
}

// Store is the sensor_readings table. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

// Open opens (creating if needed) the readings database at path. The
// returned store owns the connection; call [Store.Close] when done.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open readings database: %w", err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewStore creates a readings store on an existing database handle.
// The schema is created automatically on first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		logger:   logger,
		now:      time.Now,
		watchers: make(map[*watcher]struct{}),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate readings schema: %w", err)
	}
	return s, nil
}

// Close ends every watch and closes the database if the store opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = make(map[*watcher]struct{})
	s.mu.Unlock()

	for w := range watchers {
		w.close()
	}
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id          TEXT PRIMARY KEY,
		payload     TEXT NOT NULL,
		temperature REAL,
		humidity    REAL,
		saved_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_readings_saved_at ON sensor_readings(saved_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores r with a fresh id and the current server time.
func (s *Store) Append(ctx context.Context, r telemetry.Reading) (Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("generate reading ID: %w", err)
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("encode reading: %w", err)
	}

	rec := Record{
		ID:      id.String(),
		SavedAt: s.now().UTC(),
		Reading: *r.Clone(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (id, payload, temperature, humidity, saved_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(payload), nullFloat(r.Temperature), nullFloat(r.Humidity), rec.SavedAt.UnixNano(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert reading: %w", err)
	}

	s.notifyWatchers()
	return rec, nil
}

// Recent returns up to n records, newest first. n is clamped to
// 1..[MaxLimit]; zero or negative means [DefaultLimit].
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	n = clampLimit(n)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, saved_at FROM sensor_readings
		 ORDER BY saved_at DESC, rowid DESC
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, n)
	for rows.Next() {
		var (
			rec     Record
			payload string
			savedAt int64
		)
		if err := rows.Scan(&rec.ID, &payload, &savedAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Reading); err != nil {
			return nil, fmt.Errorf("decode reading %s: %w", rec.ID, err)
		}
		rec.SavedAt = time.Unix(0, savedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of stored readings.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_readings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

// Prune deletes readings saved before the cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sensor_readings WHERE saved_at < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune readings: %w", err)
	}
	if n > 0 {
		s.notifyWatchers()
	}
	return n, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
