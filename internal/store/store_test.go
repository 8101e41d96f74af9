package store

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/measure"
)

// newTestStore opens an in-memory DuckDB store with the schema applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{Driver: "duckdb"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

// seedMeasurement creates a device, partition, algorithm and one
// measurement with the given samples, returning the ids.
func seedMeasurement(t *testing.T, s *Store, hostname, source, alg string,
	stamp time.Time, values []float64) (deviceID, measurementID int64) {

	t.Helper()
	ctx := context.Background()

	deviceID, err := s.EnsureDevice(ctx, s.db, hostname)
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if err := s.EnsurePartition(ctx, s.db, deviceID); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}
	measurementID, err = s.InsertMeasurement(ctx, s.db, deviceID, source, stamp, nil)
	if err != nil {
		t.Fatalf("InsertMeasurement: %v", err)
	}
	algorithmID, err := s.EnsureAlgorithm(ctx, s.db, alg)
	if err != nil {
		t.Fatalf("EnsureAlgorithm: %v", err)
	}
	if err := s.InsertData(ctx, s.db, deviceID, measurementID, algorithmID, values); err != nil {
		t.Fatalf("InsertData: %v", err)
	}
	return deviceID, measurementID
}

func TestCanonicalHostname(t *testing.T) {
	cases := map[string]string{
		"  ThinkCentre M93  ": "thinkcentre-m93",
		"host7":               "host7",
		"A  B\tC":             "a-b-c",
	}
	for input, want := range cases {
		if got := CanonicalHostname(input); got != want {
			t.Errorf("CanonicalHostname(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestEnsureDeviceIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureDevice(ctx, s.db, "Host Seven")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}

	// Same device under a different raw spelling.
	second, err := s.EnsureDevice(ctx, s.db, "  host seven ")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if first != second {
		t.Errorf("EnsureDevice ids differ: %d vs %d", first, second)
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Hostname != "host-seven" {
		t.Errorf("ListDevices = %+v", devices)
	}
}

func TestEnsureAlgorithmIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureAlgorithm(ctx, s.db, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("EnsureAlgorithm: %v", err)
	}
	second, err := s.EnsureAlgorithm(ctx, s.db, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("EnsureAlgorithm: %v", err)
	}
	if first != second {
		t.Errorf("EnsureAlgorithm ids differ: %d vs %d", first, second)
	}

	algs, err := s.ListAlgorithms(ctx)
	if err != nil {
		t.Fatalf("ListAlgorithms: %v", err)
	}
	if len(algs) != 1 || algs[0] != "Perf_RSA_2048" {
		t.Errorf("ListAlgorithms = %v", algs)
	}
}

func TestEnsureIDsNotCachedAcrossRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	abort := errors.New("abort")
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := s.EnsureDevice(ctx, tx, "host-nine"); err != nil {
			t.Fatalf("EnsureDevice: %v", err)
		}
		if _, err := s.EnsureAlgorithm(ctx, tx, "Perf_ECC_P256"); err != nil {
			t.Fatalf("EnsureAlgorithm: %v", err)
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("TransactionContext = %v, want abort", err)
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("devices survived rollback: %+v", devices)
	}

	// A fresh lookup must create a new row, not serve the rolled-back id.
	id, err := s.EnsureDevice(ctx, s.db, "host-nine")
	if err != nil {
		t.Fatalf("EnsureDevice after rollback: %v", err)
	}
	var got int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM device WHERE hostname = 'host-nine'`).Scan(&got); err != nil {
		t.Fatalf("select device: %v", err)
	}
	if got != id {
		t.Errorf("EnsureDevice = %d, row id = %d", id, got)
	}

	algID, err := s.EnsureAlgorithm(ctx, s.db, "Perf_ECC_P256")
	if err != nil {
		t.Fatalf("EnsureAlgorithm after rollback: %v", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM algorithm WHERE name = 'Perf_ECC_P256'`).Scan(&got); err != nil {
		t.Fatalf("select algorithm: %v", err)
	}
	if got != algID {
		t.Errorf("EnsureAlgorithm = %d, row id = %d", algID, got)
	}
}

func TestEnsureIDsCachedAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var first int64
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var err error
		first, err = s.EnsureDevice(ctx, tx, "host-nine")
		return err
	})
	if err != nil {
		t.Fatalf("TransactionContext: %v", err)
	}

	second, err := s.EnsureDevice(ctx, s.db, "host-nine")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if first != second {
		t.Errorf("committed id not reused: %d vs %d", first, second)
	}
}

func TestInsertDataRequiresPartition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deviceID, err := s.EnsureDevice(ctx, s.db, "host1")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	algorithmID, err := s.EnsureAlgorithm(ctx, s.db, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("EnsureAlgorithm: %v", err)
	}

	err = s.InsertData(ctx, s.db, deviceID, 1, algorithmID, []float64{0.01})
	if !errors.Is(err, errors.ErrPartitionMissing) {
		t.Fatalf("InsertData without partition: %v, want ErrPartitionMissing", err)
	}

	if err := s.EnsurePartition(ctx, s.db, deviceID); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}
	if err := s.InsertData(ctx, s.db, deviceID, 1, algorithmID, []float64{0.01}); err != nil {
		t.Fatalf("InsertData after partition: %v", err)
	}
}

func TestValuesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	samples := []float64{0.03, 0.01, 0.02}
	_, measurementID := seedMeasurement(t, s, "host1", "out-host1-200101-120000.zip",
		"Perf_RSA_2048", time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC), samples)

	values, err := s.Values(ctx, measurementID, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("Values = %v", values)
	}
	// Insertion order survives.
	for i, want := range samples {
		if values[i] != want {
			t.Errorf("values[%d] = %g, want %g", i, values[i], want)
		}
	}

	n, err := s.CountData(ctx, measurementID)
	if err != nil || n != 3 {
		t.Errorf("CountData = %d, %v", n, err)
	}
}

func TestInsertDataChunking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	values := make([]float64, maxDataPerInsert+7)
	for i := range values {
		values[i] = float64(i)
	}
	_, measurementID := seedMeasurement(t, s, "host1", "big.zip", "Perf_ECC_P256",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), values)

	n, err := s.CountData(ctx, measurementID)
	if err != nil {
		t.Fatalf("CountData: %v", err)
	}
	if n != int64(len(values)) {
		t.Errorf("CountData = %d, want %d", n, len(values))
	}

	got, err := s.Values(ctx, measurementID, "Perf_ECC_P256")
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if got[0] != 0 || got[len(got)-1] != float64(len(values)-1) {
		t.Errorf("chunk boundaries: first=%g last=%g", got[0], got[len(got)-1])
	}
}

func TestSourceExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.SourceExists(ctx, "out-host1-200101-120000.zip")
	if err != nil || exists {
		t.Fatalf("SourceExists before insert = %v, %v", exists, err)
	}

	seedMeasurement(t, s, "host1", "out-host1-200101-120000.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC), []float64{0.01})

	exists, err = s.SourceExists(ctx, "out-host1-200101-120000.zip")
	if err != nil || !exists {
		t.Errorf("SourceExists after insert = %v, %v", exists, err)
	}
}

func TestMeasurementMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deviceID, err := s.EnsureDevice(ctx, s.db, "host1")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if err := s.EnsurePartition(ctx, s.db, deviceID); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}

	info := &measure.DeviceInfo{
		Platform:     "ThinkCentre M93",
		Vendor:       "IFX",
		VendorString: "SLB9670",
		Firmware:     measure.PackFirmware(7, 2, 3, 1),
		HasFirmware:  true,
	}
	stamp := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)
	if _, err := s.InsertMeasurement(ctx, s.db, deviceID, "bundle.zip", stamp, info); err != nil {
		t.Fatalf("InsertMeasurement: %v", err)
	}

	rows, err := s.SelectMeasurements(ctx, "")
	if err != nil {
		t.Fatalf("SelectMeasurements: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("SelectMeasurements = %d rows", len(rows))
	}

	row := rows[0]
	if row.Hostname != "host1" || row.Source != "bundle.zip" {
		t.Errorf("row = %+v", row)
	}
	if !row.Stamp.Equal(stamp) {
		t.Errorf("Stamp = %v, want %v", row.Stamp, stamp)
	}

	got := row.DeviceInfo()
	if got == nil {
		t.Fatal("DeviceInfo: nil")
	}
	if got.Vendor != "IFX" || got.Platform != "ThinkCentre M93" {
		t.Errorf("DeviceInfo = %+v", got)
	}
	if !got.HasFirmware || got.Firmware != info.Firmware {
		t.Errorf("Firmware = %x, want %x", got.Firmware, info.Firmware)
	}
}

func TestSelectMeasurementsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMeasurement(t, s, "alpha", "a.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []float64{1})
	seedMeasurement(t, s, "beta", "b.zip", "Perf_RSA_2048",
		time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), []float64{2})

	rows, err := s.SelectMeasurements(ctx, "device.hostname = 'beta'")
	if err != nil {
		t.Fatalf("SelectMeasurements: %v", err)
	}
	if len(rows) != 1 || rows[0].Source != "b.zip" {
		t.Errorf("filtered rows = %+v", rows)
	}
}

func TestDeleteMeasurement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, measurementID := seedMeasurement(t, s, "host1", "a.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []float64{1, 2})

	if err := s.DeleteMeasurement(ctx, measurementID); err != nil {
		t.Fatalf("DeleteMeasurement: %v", err)
	}

	n, err := s.CountData(ctx, 0)
	if err != nil || n != 0 {
		t.Errorf("CountData after delete = %d, %v", n, err)
	}
	total, err := s.CountMeasurements(ctx)
	if err != nil || total != 0 {
		t.Errorf("CountMeasurements after delete = %d, %v", total, err)
	}
}

func TestStatByMeasurement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, measurementID := seedMeasurement(t, s, "host1", "a.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []float64{0.01, 0.02, 0.03})

	medians, err := s.StatByMeasurement(ctx, measure.StatMedian, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("StatByMeasurement: %v", err)
	}
	if got := medians[measurementID]; math.Abs(got-0.02) > 1e-9 {
		t.Errorf("median = %g, want 0.02", got)
	}

	stddevs, err := s.StatByMeasurement(ctx, measure.StatStddev, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("StatByMeasurement: %v", err)
	}
	if got := stddevs[measurementID]; math.Abs(got-0.01) > 1e-9 {
		t.Errorf("stddev = %g, want 0.01", got)
	}

	if _, err := s.StatByMeasurement(ctx, measure.StatValues, "Perf_RSA_2048"); !errors.Is(err, errors.ErrUnsupportedStatistic) {
		t.Errorf("non-scalar statistic error = %v", err)
	}
}

func TestStatByMeasurementSkipsUndefined(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One sample has no sample standard deviation.
	_, measurementID := seedMeasurement(t, s, "host1", "a.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []float64{0.01})

	stddevs, err := s.StatByMeasurement(ctx, measure.StatStddev, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("StatByMeasurement: %v", err)
	}
	if _, ok := stddevs[measurementID]; ok {
		t.Errorf("stddev of a single sample should be absent, got %v", stddevs)
	}
}

func TestBoxByMeasurement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, measurementID := seedMeasurement(t, s, "host1", "a.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []float64{1, 2, 3, 4, 5})

	boxes, err := s.BoxByMeasurement(ctx, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("BoxByMeasurement: %v", err)
	}
	box, ok := boxes[measurementID]
	if !ok {
		t.Fatalf("no box for measurement %d", measurementID)
	}
	if box.WhisLo != 1 || box.Q1 != 2 || box.Med != 3 || box.Q3 != 4 || box.WhisHi != 5 {
		t.Errorf("box = %+v", box)
	}
}

func TestBoxStatsGrouping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMeasurement(t, s, "alpha", "a1.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC), []float64{1, 2, 3})
	seedMeasurement(t, s, "alpha", "a2.zip", "Perf_RSA_2048",
		time.Date(2020, 2, 5, 0, 0, 0, 0, time.UTC), []float64{4, 5, 6})
	seedMeasurement(t, s, "beta", "b1.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC), []float64{7, 8, 9})

	rows, err := s.BoxStats(ctx, "Perf_RSA_2048", "")
	if err != nil {
		t.Fatalf("BoxStats: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("BoxStats = %d rows, want 3", len(rows))
	}

	// Ordered by host, then month.
	if rows[0].Host != "alpha" || rows[0].Month.Month() != time.January {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].Host != "alpha" || rows[1].Month.Month() != time.February {
		t.Errorf("rows[1] = %+v", rows[1])
	}
	if rows[2].Host != "beta" || rows[2].Box.Med != 8 {
		t.Errorf("rows[2] = %+v", rows[2])
	}

	filtered, err := s.BoxStats(ctx, "Perf_RSA_2048", "device.hostname = 'beta'")
	if err != nil {
		t.Fatalf("BoxStats filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Host != "beta" {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestVarStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMeasurement(t, s, "host1", "a.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []float64{0.01, 0.02, 0.03})

	rows, err := s.VarStats(ctx, "Perf_RSA_2048", "")
	if err != nil {
		t.Fatalf("VarStats: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("VarStats = %d rows", len(rows))
	}
	if rows[0].Host != "host1" || rows[0].Count != 3 {
		t.Errorf("row = %+v", rows[0])
	}
	if math.Abs(rows[0].Median-0.02) > 1e-9 || math.Abs(rows[0].Stddev-0.01) > 1e-9 {
		t.Errorf("median=%g stddev=%g", rows[0].Median, rows[0].Stddev)
	}
}

func TestMergeDuplicateDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, m1 := seedMeasurement(t, s, "host one", "a.zip", "Perf_RSA_2048",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []float64{1})

	// A transient spelling of the same device, inserted behind the
	// canonicalizing path.
	var duplicateID int64
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO device (hostname) VALUES ('Host  One') RETURNING id`,
	).Scan(&duplicateID); err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if err := s.EnsurePartition(ctx, s.db, duplicateID); err != nil {
		t.Fatalf("EnsurePartition: %v", err)
	}
	m2, err := s.InsertMeasurement(ctx, s.db, duplicateID, "b.zip",
		time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), nil)
	if err != nil {
		t.Fatalf("InsertMeasurement: %v", err)
	}
	algorithmID, err := s.EnsureAlgorithm(ctx, s.db, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("EnsureAlgorithm: %v", err)
	}
	if err := s.InsertData(ctx, s.db, duplicateID, m2, algorithmID, []float64{2}); err != nil {
		t.Fatalf("InsertData: %v", err)
	}

	removed, err := s.MergeDuplicateDevices(ctx)
	if err != nil {
		t.Fatalf("MergeDuplicateDevices: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Hostname != "host-one" {
		t.Fatalf("ListDevices = %+v", devices)
	}

	// Both measurements and their data now belong to the survivor.
	rows, err := s.SelectMeasurements(ctx, "")
	if err != nil {
		t.Fatalf("SelectMeasurements: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("SelectMeasurements = %d rows", len(rows))
	}
	for _, row := range rows {
		if row.DeviceID != devices[0].ID {
			t.Errorf("measurement %d still points at device %d", row.ID, row.DeviceID)
		}
	}
	for _, id := range []int64{m1, m2} {
		n, err := s.CountData(ctx, id)
		if err != nil || n != 1 {
			t.Errorf("CountData(%d) = %d, %v", id, n, err)
		}
	}

	// Idempotent.
	removed, err = s.MergeDuplicateDevices(ctx)
	if err != nil || removed != 0 {
		t.Errorf("second merge = %d, %v", removed, err)
	}
}

func TestFirmwareView(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deviceID, err := s.EnsureDevice(ctx, s.db, "host1")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	info := &measure.DeviceInfo{
		Vendor:      "IFX",
		Firmware:    measure.PackFirmware(7, 2, 3, 1),
		HasFirmware: true,
	}
	measurementID, err := s.InsertMeasurement(ctx, s.db, deviceID, "a.zip",
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), info)
	if err != nil {
		t.Fatalf("InsertMeasurement: %v", err)
	}

	var version string
	if err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT firmware_version FROM measurement_firmware WHERE measurement_id = ?`),
		measurementID,
	).Scan(&version); err != nil {
		t.Fatalf("firmware view: %v", err)
	}
	if version != "7.2.3.1" {
		t.Errorf("firmware_version = %q, want 7.2.3.1", version)
	}
}

func TestBulkIndexCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.DropBulkIndexes(ctx); err != nil {
		t.Fatalf("DropBulkIndexes: %v", err)
	}
	if err := s.RestoreBulkIndexes(ctx); err != nil {
		t.Fatalf("RestoreBulkIndexes: %v", err)
	}

	// Schema application stays idempotent afterwards.
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
}

func TestPostgresRebind(t *testing.T) {
	d := postgresDialect{}
	got := d.Rebind(`SELECT * FROM t WHERE a = ? AND b = ?`)
	want := `SELECT * FROM t WHERE a = $1 AND b = $2`
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
}

func TestDialectFor(t *testing.T) {
	if _, err := dialectFor("duckdb"); err != nil {
		t.Errorf("dialectFor(duckdb): %v", err)
	}
	if _, err := dialectFor("postgres"); err != nil {
		t.Errorf("dialectFor(postgres): %v", err)
	}
	if _, err := dialectFor("sqlite"); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("dialectFor(sqlite) = %v, want ErrInvalidConfig", err)
	}
}
