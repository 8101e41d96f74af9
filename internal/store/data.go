package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtxerr/perfscan/internal/errors"
)

// maxDataPerInsert bounds the rows per multi-row INSERT. Four parameters
// per row keeps every chunk well under both backends' parameter limits.
const maxDataPerInsert = 500

// InsertData bulk-inserts one algorithm's raw samples for a measurement.
// The device's partition must have been created first; inserting into an
// unregistered partition is rejected with ErrPartitionMissing. On
// PostgreSQL the missing list partition would make the backend reject
// the rows anyway; the registry check makes the ordering violation
// detectable on every backend.
func (s *Store) InsertData(ctx context.Context, q querier, deviceID, measurementID,
	algorithmID int64, values []float64) error {

	if len(values) == 0 {
		return nil
	}

	var registered bool
	if err := q.QueryRowContext(ctx,
		s.rebind(`SELECT EXISTS (SELECT 1 FROM data_partition WHERE device_id = ?)`), deviceID,
	).Scan(&registered); err != nil {
		return fmt.Errorf("check partition %d: %w", deviceID, err)
	}
	if !registered {
		return fmt.Errorf("device %d: %w", deviceID, errors.ErrPartitionMissing)
	}

	for start := 0; start < len(values); start += maxDataPerInsert {
		end := min(start+maxDataPerInsert, len(values))
		if err := s.insertDataChunk(ctx, q, deviceID, measurementID, algorithmID, values[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) insertDataChunk(ctx context.Context, q querier, deviceID, measurementID,
	algorithmID int64, values []float64) error {

	var b strings.Builder
	b.WriteString(`INSERT INTO data (device_id, measurement_id, algorithm_id, value) VALUES `)

	args := make([]any, 0, len(values)*4)
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?)")
		args = append(args, deviceID, measurementID, algorithmID, v)
	}

	if _, err := q.ExecContext(ctx, s.rebind(b.String()), args...); err != nil {
		return fmt.Errorf("insert %d data rows: %w", len(values), err)
	}
	return nil
}

// Values returns the raw samples of one (measurement, algorithm) pair in
// insertion order.
func (s *Store) Values(ctx context.Context, measurementID int64, alg string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT data.value
		  FROM data
		  JOIN algorithm ON data.algorithm_id = algorithm.id
		 WHERE algorithm.name = ? AND data.measurement_id = ?
		 ORDER BY data.id`),
		alg, measurementID,
	)
	if err != nil {
		return nil, fmt.Errorf("select values: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	return values, rows.Err()
}

// CountData returns the number of data rows, optionally scoped to one
// measurement (measurementID > 0).
func (s *Store) CountData(ctx context.Context, measurementID int64) (int64, error) {
	var n int64
	var err error
	if measurementID > 0 {
		err = s.db.QueryRowContext(ctx,
			s.rebind(`SELECT count(*) FROM data WHERE measurement_id = ?`), measurementID,
		).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM data`).Scan(&n)
	}
	return n, err
}

// EnsurePartition registers a device's partition and creates its backing
// storage. It must run before the device's first data insert; the
// ingestion driver enforces create-partition-then-insert, never the
// reverse.
func (s *Store) EnsurePartition(ctx context.Context, q querier, deviceID int64) error {
	if _, err := q.ExecContext(ctx,
		s.rebind(`INSERT INTO data_partition (device_id) VALUES (?) ON CONFLICT (device_id) DO NOTHING`),
		deviceID,
	); err != nil {
		return fmt.Errorf("register partition %d: %w", deviceID, err)
	}

	for _, stmt := range s.dialect.CreatePartition(deviceID) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create partition %d: %w", deviceID, err)
		}
	}

	return nil
}

// DropBulkIndexes drops the secondary indices on data before a bulk
// load. RestoreBulkIndexes is its mandatory counterpart.
func (s *Store) DropBulkIndexes(ctx context.Context) error {
	for _, stmt := range s.dialect.DropBulkIndexes() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop bulk indexes: %w", err)
		}
	}
	return nil
}

// RestoreBulkIndexes recreates the secondary indices after a bulk load.
func (s *Store) RestoreBulkIndexes(ctx context.Context) error {
	for _, stmt := range s.dialect.RestoreBulkIndexes() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("restore bulk indexes: %w", err)
		}
	}
	return nil
}
