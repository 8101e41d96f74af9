package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/stats"
)

// Server-side aggregation. The grouped queries here are the relational
// counterpart of the in-process statistics in internal/stats: both use
// the continuous percentile definition, so the same question produces
// the same figure regardless of backend.

// scalarExpr returns the SQL aggregate expression for a scalar statistic.
func (s *Store) scalarExpr(stat measure.Statistic) (string, error) {
	switch stat {
	case measure.StatMedian:
		return s.dialect.Percentile(0.5, "data.value"), nil
	case measure.StatMean:
		return "avg(data.value)", nil
	case measure.StatStddev:
		return "stddev_samp(data.value)", nil
	default:
		return "", fmt.Errorf("%q is not a scalar statistic: %w", stat, errors.ErrUnsupportedStatistic)
	}
}

// StatByMeasurement computes a scalar statistic of one algorithm for
// every measurement in one grouped query, keyed by measurement id.
// Measurements without samples (or without a defined value, like the
// stddev of one sample) are absent from the map.
func (s *Store) StatByMeasurement(ctx context.Context, stat measure.Statistic,
	alg string) (map[int64]float64, error) {

	expr, err := s.scalarExpr(stat)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT data.measurement_id, %s
		  FROM data
		  JOIN algorithm ON data.algorithm_id = algorithm.id
		 WHERE algorithm.name = ?
		 GROUP BY data.measurement_id`, expr)),
		alg,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s(%s): %w", stat, alg, err)
	}
	defer rows.Close()

	result := make(map[int64]float64)
	for rows.Next() {
		var id int64
		var value sql.NullFloat64
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		if value.Valid {
			result[id] = value.Float64
		}
	}

	return result, rows.Err()
}

// BoxByMeasurement computes the five-number summary of one algorithm for
// every measurement, keyed by measurement id.
func (s *Store) BoxByMeasurement(ctx context.Context, alg string) (map[int64]stats.Box, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT data.measurement_id,
		       min(data.value), %s, %s, %s, max(data.value)
		  FROM data
		  JOIN algorithm ON data.algorithm_id = algorithm.id
		 WHERE algorithm.name = ?
		 GROUP BY data.measurement_id`,
		s.dialect.Percentile(0.25, "data.value"),
		s.dialect.Percentile(0.50, "data.value"),
		s.dialect.Percentile(0.75, "data.value"))),
		alg,
	)
	if err != nil {
		return nil, fmt.Errorf("box aggregate (%s): %w", alg, err)
	}
	defer rows.Close()

	result := make(map[int64]stats.Box)
	for rows.Next() {
		var id int64
		var box stats.Box
		if err := rows.Scan(&id, &box.WhisLo, &box.Q1, &box.Med, &box.Q3, &box.WhisHi); err != nil {
			return nil, err
		}
		result[id] = box
	}

	return result, rows.Err()
}

// BoxRow is one per-host, per-month box summary.
type BoxRow struct {
	Host  string
	Month time.Time
	Box   stats.Box
}

// BoxStats computes per-host monthly box summaries of one algorithm,
// ordered by host then month. The filter is a raw boolean expression
// over the joined tables, or empty for everything.
func (s *Store) BoxStats(ctx context.Context, alg, filter string) ([]BoxRow, error) {
	if filter == "" {
		filter = "true"
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT device.hostname,
		       date_trunc('month', measurement.stamp) AS month,
		       min(data.value), %s, %s, %s, max(data.value)
		  FROM data
		  JOIN device ON data.device_id = device.id
		  JOIN measurement ON data.measurement_id = measurement.id
		  JOIN algorithm ON data.algorithm_id = algorithm.id
		 WHERE algorithm.name = ? AND (%s)
		 GROUP BY device.id, device.hostname, month
		 ORDER BY device.hostname, month`,
		s.dialect.Percentile(0.25, "data.value"),
		s.dialect.Percentile(0.50, "data.value"),
		s.dialect.Percentile(0.75, "data.value"),
		filter)),
		alg,
	)
	if err != nil {
		return nil, fmt.Errorf("box stats (%s): %w", alg, err)
	}
	defer rows.Close()

	var result []BoxRow
	for rows.Next() {
		var r BoxRow
		if err := rows.Scan(&r.Host, &r.Month,
			&r.Box.WhisLo, &r.Box.Q1, &r.Box.Med, &r.Box.Q3, &r.Box.WhisHi); err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

// VarRow is one per-device variance summary.
type VarRow struct {
	Host   string
	Vendor string
	Median float64
	Stddev float64
	Count  int64
}

// VarStats computes per-device median, sample standard deviation and
// sample count for one algorithm, ordered by host.
func (s *Store) VarStats(ctx context.Context, alg, filter string) ([]VarRow, error) {
	if filter == "" {
		filter = "true"
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(`
		SELECT device.hostname,
		       max(measurement.vendor),
		       %s,
		       stddev_samp(data.value),
		       count(*)
		  FROM data
		  JOIN device ON data.device_id = device.id
		  JOIN measurement ON data.measurement_id = measurement.id
		  JOIN algorithm ON data.algorithm_id = algorithm.id
		 WHERE algorithm.name = ? AND (%s)
		 GROUP BY device.id, device.hostname
		 ORDER BY device.hostname`,
		s.dialect.Percentile(0.5, "data.value"),
		filter)),
		alg,
	)
	if err != nil {
		return nil, fmt.Errorf("var stats (%s): %w", alg, err)
	}
	defer rows.Close()

	var result []VarRow
	for rows.Next() {
		var r VarRow
		var vendor sql.NullString
		var median, stddev sql.NullFloat64
		if err := rows.Scan(&r.Host, &vendor, &median, &stddev, &r.Count); err != nil {
			return nil, err
		}
		r.Vendor = vendor.String
		r.Median = median.Float64
		r.Stddev = stddev.Float64
		result = append(result, r)
	}

	return result, rows.Err()
}
