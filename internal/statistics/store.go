// Package statistics implements the TimescaleDB-backed statistics
// store for imported consumption history.
//
// Architecture:
//   - One metadata row per statistic series (id, source, unit)
//   - One hypertable of (metadata_id, start_ts, consumption, cumulative)
//   - Duplicate suppression at the insert boundary via the primary key
//   - A versioned schema treated as a queryable capability
//
// Example usage:
//
//	repo, err := NewPostgresRepo(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer repo.Close()
//
//	last, _, err := repo.LastCumulative(ctx, "hydroqc:consumption_hourly")
package statistics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hydroqc/hydroqcd/internal/models"
	_ "github.com/lib/pq"
)

// SchemaVersion is the schema this build writes. The store's actual
// version is queried, not assumed.
const SchemaVersion = 1

var ErrUnknownStatistic = errors.New("unknown statistic id")

// Point is one aggregated query result row.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Repository defines the statistics store operations.
//
// Supported aggregations: MIN, MAX, AVG, SUM.
// Supported time windows: 1h, 1d.
type Repository interface {
	// EnsureMetadata registers a statistic series if it does not exist
	// and returns its internal id.
	EnsureMetadata(ctx context.Context, meta models.StatisticsMetadata) (int64, error)

	// LastCumulative returns the last persisted cumulative sum and its
	// timestamp for a series. A series with no rows returns zeros and
	// no error.
	LastCumulative(ctx context.Context, statisticID string) (float64, time.Time, error)

	// BatchInsert persists entries for a series in one transaction.
	// Rows whose timestamp already exists are suppressed rather than
	// double-counted.
	BatchInsert(ctx context.Context, statisticID string, entries []models.ConsumptionEntry) (int, error)

	// Query aggregates the consumption column of a series over
	// time_bucket windows.
	Query(ctx context.Context, statisticID string, start, end time.Time, window, aggregation string) ([]Point, error)

	// StoreSchemaVersion reports the schema version the store is
	// actually running.
	StoreSchemaVersion(ctx context.Context) (int, error)

	Close() error
}

// PostgresRepo implements Repository on TimescaleDB.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo connects, verifies connectivity and ensures the
// schema exists.
func NewPostgresRepo(connStr string) (*PostgresRepo, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	repo := &PostgresRepo{db: db}
	if err := repo.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (s *PostgresRepo) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS statistics_schema (
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS statistics_metadata (
			id BIGSERIAL PRIMARY KEY,
			statistic_id TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			unit TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS statistics (
			metadata_id BIGINT NOT NULL REFERENCES statistics_metadata(id),
			start_ts TIMESTAMPTZ NOT NULL,
			consumption DOUBLE PRECISION NOT NULL,
			cumulative DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (metadata_id, start_ts)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistics_schema (version)
		SELECT $1 WHERE NOT EXISTS (SELECT 1 FROM statistics_schema)
	`, SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// StoreSchemaVersion queries the version actually present in the store.
func (s *PostgresRepo) StoreSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM statistics_schema LIMIT 1").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func (s *PostgresRepo) EnsureMetadata(ctx context.Context, meta models.StatisticsMetadata) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO statistics_metadata (statistic_id, source, unit)
		VALUES ($1, $2, $3)
		ON CONFLICT (statistic_id) DO UPDATE SET source = $2, unit = $3
		RETURNING id
	`, meta.StatisticID, meta.Source, meta.Unit).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure metadata: %w", err)
	}
	return id, nil
}

// LastCumulative reads the seed for cumulative-sum computation. Imports
// continue from this value instead of recomputing from zero, which
// would double-count on re-import.
func (s *PostgresRepo) LastCumulative(ctx context.Context, statisticID string) (float64, time.Time, error) {
	var (
		cumulative float64
		start      time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.cumulative, s.start_ts
		FROM statistics s
		JOIN statistics_metadata m ON m.id = s.metadata_id
		WHERE m.statistic_id = $1
		ORDER BY s.start_ts DESC
		LIMIT 1
	`, statisticID).Scan(&cumulative, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to query last cumulative: %w", err)
	}
	return cumulative, start, nil
}

// BatchInsert persists entries transactionally. Either all new rows
// land or none. Returns the number of rows actually inserted;
// timestamps already present count as suppressed duplicates, not
// errors.
func (s *PostgresRepo) BatchInsert(ctx context.Context, statisticID string, entries []models.ConsumptionEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	metadataID, err := s.metadataID(ctx, statisticID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO statistics (metadata_id, start_ts, consumption, cumulative)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (metadata_id, start_ts) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, entry := range entries {
		res, err := stmt.ExecContext(ctx, metadataID, entry.Start, entry.Consumption, entry.Cumulative)
		if err != nil {
			return 0, fmt.Errorf("failed to insert entry: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func (s *PostgresRepo) metadataID(ctx context.Context, statisticID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM statistics_metadata WHERE statistic_id = $1", statisticID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownStatistic, statisticID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve statistic id: %w", err)
	}
	return id, nil
}

// Query aggregates consumption over time_bucket windows.
//
// Parameters:
//   - start: beginning of time range (inclusive)
//   - end: end of time range (exclusive)
//   - window: time bucket size ("1h", "1d")
//   - aggregation: aggregation function ("MIN", "MAX", "AVG", "SUM")
func (s *PostgresRepo) Query(
	ctx context.Context,
	statisticID string,
	start, end time.Time,
	window, aggregation string,
) ([]Point, error) {
	if window != "1h" && window != "1d" {
		return nil, fmt.Errorf("invalid window: %s", window)
	}
	if aggregation != "MIN" && aggregation != "MAX" && aggregation != "AVG" && aggregation != "SUM" {
		return nil, fmt.Errorf("invalid aggregation type: %s", aggregation)
	}

	query := fmt.Sprintf(`
        SELECT
            time_bucket('%s', s.start_ts) as bucket_time,
            CASE
                WHEN $4 = 'MIN' THEN MIN(s.consumption)
                WHEN $4 = 'MAX' THEN MAX(s.consumption)
                WHEN $4 = 'AVG' THEN AVG(s.consumption)
                WHEN $4 = 'SUM' THEN SUM(s.consumption)
            END as agg_value
        FROM statistics s
        JOIN statistics_metadata m ON m.id = s.metadata_id
        WHERE m.statistic_id = $1 AND s.start_ts BETWEEN $2 AND $3
        GROUP BY bucket_time
        ORDER BY bucket_time
    `, window)

	rows, err := s.db.QueryContext(ctx, query, statisticID, start, end, aggregation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Time, &p.Value); err != nil {
			return nil, err
		}
		results = append(results, p)
	}

	return results, rows.Err()
}

// Close releases all database resources.
func (s *PostgresRepo) Close() error {
	return s.db.Close()
}

// Compile-time interface implementation check
var _ Repository = (*PostgresRepo)(nil)
