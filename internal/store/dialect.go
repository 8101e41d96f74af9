package store

import (
	"fmt"
	"strings"

	"github.com/xtxerr/perfscan/internal/errors"
)

// Dialect covers the places where the two supported backends disagree:
// DDL (sequences vs bigserial, real partitions vs the registry alone),
// placeholder style, and the spelling of the continuous-percentile
// aggregate. Everything else is written once in portable SQL.
type Dialect interface {
	Name() string

	// Schema returns the DDL creating the full schema. Idempotent.
	Schema() []string

	// Rebind adapts '?' placeholders to the backend's style.
	Rebind(query string) string

	// CreatePartition returns the DDL backing a new device's partition,
	// beyond the registry row the store inserts itself. May be empty.
	CreatePartition(deviceID int64) []string

	// DropPartition returns the DDL removing a device's partition after
	// a merge emptied it. May be empty.
	DropPartition(deviceID int64) []string

	// DropBulkIndexes and RestoreBulkIndexes bracket bulk loads: the
	// secondary indices on data are dropped before and recreated after.
	DropBulkIndexes() []string
	RestoreBulkIndexes() []string

	// Percentile returns the SQL expression computing the continuous
	// p-th percentile of column col.
	Percentile(p float64, col string) string
}

func dialectFor(driver string) (Dialect, error) {
	switch driver {
	case "duckdb":
		return duckdbDialect{}, nil
	case "postgres":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("driver %q: %w", driver, errors.ErrInvalidConfig)
	}
}

// The firmware view renders the packed 64-bit firmware version as a
// dotted string: four 16-bit fields, most significant pair first. The
// shift arithmetic is the same contract measure.PackFirmware implements.
const firmwareViewSQL = `
CREATE OR REPLACE VIEW measurement_firmware AS
SELECT id AS measurement_id,
       CAST((firmware >> 48) & 65535 AS VARCHAR) || '.' ||
       CAST((firmware >> 32) & 65535 AS VARCHAR) || '.' ||
       CAST((firmware >> 16) & 65535 AS VARCHAR) || '.' ||
       CAST(firmware & 65535 AS VARCHAR) AS firmware_version
  FROM measurement
 WHERE firmware IS NOT NULL`

// =============================================================================
// DuckDB
// =============================================================================

// duckdbDialect is the embedded backend, also used by the tests. DuckDB
// has neither declarative partitions nor cascading foreign keys, so the
// partition registry alone carries the partition-before-insert invariant
// and deletes cascade explicitly in store methods.
type duckdbDialect struct{}

func (duckdbDialect) Name() string { return "duckdb" }

func (duckdbDialect) Rebind(query string) string { return query }

func (duckdbDialect) Schema() []string {
	return []string{
		`CREATE SEQUENCE IF NOT EXISTS device_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS algorithm_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS measurement_id_seq`,
		`CREATE SEQUENCE IF NOT EXISTS data_id_seq`,
		`CREATE TABLE IF NOT EXISTS device (
			id BIGINT PRIMARY KEY DEFAULT nextval('device_id_seq'),
			hostname VARCHAR NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS algorithm (
			id BIGINT PRIMARY KEY DEFAULT nextval('algorithm_id_seq'),
			name VARCHAR NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS measurement (
			id BIGINT PRIMARY KEY DEFAULT nextval('measurement_id_seq'),
			device_id BIGINT NOT NULL,
			source VARCHAR NOT NULL UNIQUE,
			stamp TIMESTAMP NOT NULL,
			platform VARCHAR,
			vendor VARCHAR,
			vendor_string VARCHAR,
			firmware BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS data (
			id BIGINT DEFAULT nextval('data_id_seq'),
			device_id BIGINT NOT NULL,
			measurement_id BIGINT NOT NULL,
			algorithm_id BIGINT NOT NULL,
			value DOUBLE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_partition (
			device_id BIGINT PRIMARY KEY
		)`,
		`CREATE INDEX IF NOT EXISTS ix_data_algorithm ON data (algorithm_id)`,
		`CREATE INDEX IF NOT EXISTS ix_data_measurement ON data (measurement_id)`,
		firmwareViewSQL,
	}
}

func (duckdbDialect) CreatePartition(int64) []string { return nil }
func (duckdbDialect) DropPartition(int64) []string   { return nil }

func (duckdbDialect) DropBulkIndexes() []string {
	return []string{
		`DROP INDEX IF EXISTS ix_data_algorithm`,
		`DROP INDEX IF EXISTS ix_data_measurement`,
	}
}

func (duckdbDialect) RestoreBulkIndexes() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS ix_data_algorithm ON data (algorithm_id)`,
		`CREATE INDEX IF NOT EXISTS ix_data_measurement ON data (measurement_id)`,
	}
}

func (duckdbDialect) Percentile(p float64, col string) string {
	return fmt.Sprintf("quantile_cont(%s, %g)", col, p)
}

// =============================================================================
// PostgreSQL
// =============================================================================

// postgresDialect is the production backend: real list partitions on the
// data table keyed by device id, cascading foreign keys, and a hash
// index on measurement.source for the ingestion existence check.
type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

// Rebind converts '?' placeholders to $1..$n. Quoted literals are not
// handled; store queries never embed '?' in strings.
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS device (
			id BIGSERIAL PRIMARY KEY,
			hostname TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS algorithm (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS measurement (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES device(id) ON DELETE CASCADE,
			source TEXT NOT NULL UNIQUE,
			stamp TIMESTAMP NOT NULL,
			platform TEXT,
			vendor TEXT,
			vendor_string TEXT,
			firmware BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS ix_measurement_source ON measurement USING hash (source)`,
		`CREATE TABLE IF NOT EXISTS data (
			id BIGSERIAL,
			device_id BIGINT NOT NULL REFERENCES device(id) ON DELETE CASCADE,
			measurement_id BIGINT NOT NULL REFERENCES measurement(id) ON DELETE CASCADE,
			algorithm_id BIGINT NOT NULL REFERENCES algorithm(id) ON DELETE CASCADE,
			value DOUBLE PRECISION NOT NULL
		) PARTITION BY LIST (device_id)`,
		`CREATE INDEX IF NOT EXISTS ix_data_algorithm ON data (algorithm_id)`,
		`CREATE INDEX IF NOT EXISTS ix_data_measurement ON data (measurement_id)`,
		`CREATE TABLE IF NOT EXISTS data_partition (
			device_id BIGINT PRIMARY KEY
		)`,
		firmwareViewSQL,
	}
}

// CreatePartition creates the device's list partition. Inserting a data
// row for a device whose partition does not exist is rejected by the
// backend itself; partitions must exist before the first insert.
func (postgresDialect) CreatePartition(deviceID int64) []string {
	return []string{
		fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS data_p%d PARTITION OF data FOR VALUES IN (%d)`,
			deviceID, deviceID,
		),
	}
}

func (postgresDialect) DropPartition(deviceID int64) []string {
	return []string{fmt.Sprintf(`DROP TABLE IF EXISTS data_p%d`, deviceID)}
}

func (postgresDialect) DropBulkIndexes() []string {
	return []string{
		`DROP INDEX IF EXISTS ix_data_algorithm`,
		`DROP INDEX IF EXISTS ix_data_measurement`,
	}
}

func (postgresDialect) RestoreBulkIndexes() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS ix_data_algorithm ON data (algorithm_id)`,
		`CREATE INDEX IF NOT EXISTS ix_data_measurement ON data (measurement_id)`,
	}
}

func (postgresDialect) Percentile(p float64, col string) string {
	return fmt.Sprintf("percentile_cont(%g) WITHIN GROUP (ORDER BY %s)", p, col)
}
