package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/perfscan/internal/measure"
)

// MeasurementRow is one measurement row joined with its device.
type MeasurementRow struct {
	ID       int64
	DeviceID int64
	Hostname string
	Source   string
	Stamp    time.Time

	Platform     sql.NullString
	Vendor       sql.NullString
	VendorString sql.NullString
	Firmware     sql.NullInt64
}

// DeviceInfo reconstructs the capture's device identity metadata, or nil
// when the row carries none.
func (r *MeasurementRow) DeviceInfo() *measure.DeviceInfo {
	info := &measure.DeviceInfo{
		Platform:     r.Platform.String,
		Vendor:       r.Vendor.String,
		VendorString: r.VendorString.String,
	}
	if r.Firmware.Valid {
		info.Firmware = uint64(r.Firmware.Int64)
		info.HasFirmware = true
	}
	if info.Empty() {
		return nil
	}
	return info
}

// SourceExists reports whether a source has been ingested already. This
// is the idempotency check: ingestion is idempotent at source
// granularity.
func (s *Store) SourceExists(ctx context.Context, source string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT EXISTS (SELECT 1 FROM measurement WHERE source = ?)`), source,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check source %q: %w", source, err)
	}
	return exists, nil
}

// InsertMeasurement inserts a measurement row and returns its id.
func (s *Store) InsertMeasurement(ctx context.Context, q querier, deviceID int64,
	source string, stamp time.Time, info *measure.DeviceInfo) (int64, error) {

	var platform, vendor, vendorString sql.NullString
	var firmware sql.NullInt64
	if info != nil {
		platform = nullString(info.Platform)
		vendor = nullString(info.Vendor)
		vendorString = nullString(info.VendorString)
		if info.HasFirmware {
			firmware = sql.NullInt64{Int64: int64(info.Firmware), Valid: true}
		}
	}

	var id int64
	err := q.QueryRowContext(ctx, s.rebind(`
		INSERT INTO measurement (device_id, source, stamp, platform, vendor, vendor_string, firmware)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		deviceID, source, stamp, platform, vendor, vendorString, firmware,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert measurement %q: %w", source, err)
	}

	return id, nil
}

// SelectMeasurements returns the measurement rows matching a boolean
// filter expression over the joined measurement and device tables. The
// filter is raw SQL supplied by the operator on the command line, the
// same trust level as the connection string itself.
func (s *Store) SelectMeasurements(ctx context.Context, filter string) ([]MeasurementRow, error) {
	if filter == "" {
		filter = "true"
	}

	query := fmt.Sprintf(`
		SELECT measurement.id, measurement.device_id, device.hostname,
		       measurement.source, measurement.stamp, measurement.platform,
		       measurement.vendor, measurement.vendor_string, measurement.firmware
		  FROM measurement
		  JOIN device ON measurement.device_id = device.id
		 WHERE %s
		 ORDER BY measurement.id`, filter)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select measurements (%s): %w", filter, err)
	}
	defer rows.Close()

	var result []MeasurementRow
	for rows.Next() {
		var r MeasurementRow
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Hostname, &r.Source, &r.Stamp,
			&r.Platform, &r.Vendor, &r.VendorString, &r.Firmware); err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	return result, rows.Err()
}

// MeasurementAlgorithms lists the algorithm names with data rows for one
// measurement.
func (s *Store) MeasurementAlgorithms(ctx context.Context, measurementID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT DISTINCT algorithm.name
		  FROM data
		  JOIN algorithm ON data.algorithm_id = algorithm.id
		 WHERE data.measurement_id = ?
		 ORDER BY algorithm.name`),
		measurementID,
	)
	if err != nil {
		return nil, fmt.Errorf("list measurement algorithms: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// DeleteMeasurement removes a measurement and its data rows. On
// PostgreSQL the foreign keys cascade; the explicit data delete keeps
// the embedded backend equivalent.
func (s *Store) DeleteMeasurement(ctx context.Context, measurementID int64) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM data WHERE measurement_id = ?`,
			`DELETE FROM measurement WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(stmt), measurementID); err != nil {
				return fmt.Errorf("delete measurement %d: %w", measurementID, err)
			}
		}
		return nil
	})
}

// CountMeasurements returns the number of measurement rows.
func (s *Store) CountMeasurements(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM measurement`).Scan(&n)
	return n, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
