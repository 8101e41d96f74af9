package ingest

import (
	"archive/zip"
	"context"
	"iter"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/perfscan/internal/archive"
	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/store"
)

type memMeasurement struct {
	source      string
	host        string
	stamp       time.Time
	samples     map[string][]float64
	broken      bool
	storeBacked bool
	perfErr     error
}

func (m *memMeasurement) Source() string    { return m.source }
func (m *memMeasurement) StoreBacked() bool { return m.storeBacked }

func (m *memMeasurement) Open() (measure.Detail, error) {
	if m.broken {
		return nil, errors.NewCorruptSource(m.source, "broken fixture")
	}
	return &memDetail{m: m}, nil
}

type memDetail struct {
	m *memMeasurement
}

func (d *memDetail) Close() error                    { return nil }
func (d *memDetail) Source() string                  { return d.m.source }
func (d *memDetail) Host() string                    { return d.m.host }
func (d *memDetail) Stamp() time.Time                { return d.m.stamp }
func (d *memDetail) DeviceInfo() *measure.DeviceInfo { return nil }

func (d *memDetail) ListPerf() ([]string, error) {
	if d.m.perfErr != nil {
		return nil, d.m.perfErr
	}
	var algs []string
	for alg := range d.m.samples {
		algs = append(algs, alg)
	}
	return algs, nil
}

func (d *memDetail) Samples(alg, column string) ([]float64, error) {
	return d.m.samples[alg], nil
}

func (d *memDetail) Aggregator(alg, column string) measure.Aggregator {
	return measure.NewAggregator(d, alg, column)
}

func seq(ms ...measure.Measurement) iter.Seq[measure.Measurement] {
	return func(yield func(measure.Measurement) bool) {
		for _, m := range ms {
			if !yield(m) {
				return
			}
		}
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(store.Config{Driver: "duckdb"})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestRunStoresMeasurement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &memMeasurement{
		source: "out-host1-200101-120000.zip",
		host:   "host1",
		stamp:  time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC),
		samples: map[string][]float64{
			"Perf_RSA_2048": {0.01, 0.02, 0.03},
		},
	}

	result, err := New(s).Run(ctx, seq(m))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Ingested != 1 || result.DataPoints != 3 {
		t.Errorf("result = %+v", result)
	}

	rows, err := s.SelectMeasurements(ctx, "")
	if err != nil {
		t.Fatalf("SelectMeasurements: %v", err)
	}
	if len(rows) != 1 || rows[0].Hostname != "host1" {
		t.Fatalf("rows = %+v", rows)
	}

	medians, err := s.StatByMeasurement(ctx, measure.StatMedian, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("StatByMeasurement: %v", err)
	}
	if got := medians[rows[0].ID]; math.Abs(got-0.02) > 1e-9 {
		t.Errorf("stored median = %g, want 0.02", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &memMeasurement{
		source: "out-host1-200101-120000.zip",
		host:   "host1",
		stamp:  time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC),
		samples: map[string][]float64{
			"Perf_RSA_2048": {0.01, 0.02, 0.03},
		},
	}

	if _, err := New(s).Run(ctx, seq(m)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	result, err := New(s).Run(ctx, seq(m))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if result.Ingested != 0 || result.Skipped != 1 {
		t.Errorf("second run = %+v", result)
	}

	// Still exactly one row per original sample.
	n, err := s.CountData(ctx, 0)
	if err != nil || n != 3 {
		t.Errorf("CountData = %d, %v", n, err)
	}
	total, err := s.CountMeasurements(ctx)
	if err != nil || total != 1 {
		t.Errorf("CountMeasurements = %d, %v", total, err)
	}
}

func TestRunSkipsCorruptSources(t *testing.T) {
	s := newTestStore(t)

	good := &memMeasurement{
		source:  "good.zip",
		host:    "host1",
		stamp:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		samples: map[string][]float64{"Perf_RSA_2048": {1}},
	}
	bad := &memMeasurement{source: "bad.zip", broken: true}

	result, err := New(s).Run(context.Background(), seq(bad, good))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Corrupt != 1 || result.Ingested != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunRecoversAfterRolledBackMeasurement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The first measurement creates the device row inside its
	// transaction and then fails, rolling everything back. The second
	// one, for the same never-seen host, must end up fully visible.
	bad := &memMeasurement{
		source:  "out-host9-200101-110000.zip",
		host:    "host9",
		stamp:   time.Date(2020, 1, 1, 11, 0, 0, 0, time.UTC),
		perfErr: errors.New("truncated listing"),
	}
	good := &memMeasurement{
		source: "out-host9-200101-120000.zip",
		host:   "host9",
		stamp:  time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC),
		samples: map[string][]float64{
			"Perf_RSA_2048": {0.01, 0.02, 0.03},
		},
	}

	result, err := New(s).Run(ctx, seq(bad, good))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed != 1 || result.Ingested != 1 || result.DataPoints != 3 {
		t.Fatalf("result = %+v", result)
	}

	rows, err := s.SelectMeasurements(ctx, "")
	if err != nil {
		t.Fatalf("SelectMeasurements: %v", err)
	}
	if len(rows) != 1 || rows[0].Hostname != "host9" {
		t.Fatalf("rows = %+v", rows)
	}

	values, err := s.Values(ctx, rows[0].ID, "Perf_RSA_2048")
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 3 {
		t.Errorf("Values = %v, want 3 samples", values)
	}
}

func TestRunRejectsStoreBackedSources(t *testing.T) {
	s := newTestStore(t)

	m := &memMeasurement{source: "db#1=a.zip", storeBacked: true}

	result, err := New(s).Run(context.Background(), seq(m))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Skipped != 1 || result.Ingested != 0 {
		t.Errorf("result = %+v", result)
	}

	n, err := s.CountMeasurements(context.Background())
	if err != nil || n != 0 {
		t.Errorf("CountMeasurements = %d, %v", n, err)
	}
}

func TestRunSkipsEmptyAlgorithms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &memMeasurement{
		source: "a.zip",
		host:   "host1",
		stamp:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		samples: map[string][]float64{
			"Perf_RSA_2048": {0.5},
			"Perf_Empty":    nil,
		},
	}

	result, err := New(s).Run(ctx, seq(m))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.DataPoints != 1 {
		t.Errorf("DataPoints = %d, want 1", result.DataPoints)
	}

	algs, err := s.ListAlgorithms(ctx)
	if err != nil {
		t.Fatalf("ListAlgorithms: %v", err)
	}
	if len(algs) != 1 || algs[0] != "Perf_RSA_2048" {
		t.Errorf("ListAlgorithms = %v", algs)
	}
}

// writeArchive creates a minimal capture bundle with one sample file.
func writeArchive(t *testing.T, path, csv string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create("detail/Perf_RSA_2048.csv")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if _, err := entry.Write([]byte(csv)); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close bundle: %v", err)
	}
}

func TestArchiveIngestEndToEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "out-host1-200101-120000.zip")
	writeArchive(t, path, "duration,return_code\n0.01,0000\n0.02,0000\n0.03,0000\n")

	factory := archive.NewFactory()

	result, err := New(s).Run(ctx, factory.Resolve(ctx, path))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Ingested != 1 || result.DataPoints != 3 {
		t.Fatalf("result = %+v", result)
	}

	// A second run over the same bundle changes nothing.
	again, err := New(s).Run(ctx, factory.Resolve(ctx, path))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.Ingested != 0 || again.Skipped != 1 {
		t.Fatalf("second run = %+v", again)
	}
	if n, err := s.CountData(ctx, 0); err != nil || n != 3 {
		t.Fatalf("CountData = %d, %v", n, err)
	}

	rows, err := s.SelectMeasurements(ctx, "")
	if err != nil {
		t.Fatalf("SelectMeasurements: %v", err)
	}
	if len(rows) != 1 || rows[0].Hostname != "host1" {
		t.Fatalf("rows = %+v", rows)
	}

	// The in-process figures over the bundle and the server-side ones
	// over the ingested rows must agree.
	var m measure.Measurement
	for mm := range factory.Resolve(ctx, path) {
		m = mm
	}
	detail, err := m.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer detail.Close()

	for _, tc := range []struct {
		stat measure.Statistic
		want float64
	}{
		{measure.StatMedian, 0.02},
		{measure.StatStddev, 0.01},
	} {
		res, err := measure.NewLens(tc.stat).Eval(
			detail.Aggregator("Perf_RSA_2048", measure.DefaultColumn))
		if err != nil || !res.OK {
			t.Fatalf("Eval(%s): %v, ok=%v", tc.stat, err, res.OK)
		}
		if math.Abs(res.Scalar-tc.want) > 1e-9 {
			t.Errorf("bundle %s = %g, want %g", tc.stat, res.Scalar, tc.want)
		}

		table, err := s.StatByMeasurement(ctx, tc.stat, "Perf_RSA_2048")
		if err != nil {
			t.Fatalf("StatByMeasurement(%s): %v", tc.stat, err)
		}
		if got := table[rows[0].ID]; math.Abs(got-res.Scalar) > 1e-9 {
			t.Errorf("stored %s = %g, bundle says %g", tc.stat, got, res.Scalar)
		}
	}
}

func TestRunBulkRestoresIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &memMeasurement{
		source:  "a.zip",
		host:    "host1",
		stamp:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		samples: map[string][]float64{"Perf_RSA_2048": {1, 2}},
	}

	result, err := New(s).RunBulk(ctx, seq(m))
	if err != nil {
		t.Fatalf("RunBulk: %v", err)
	}
	if result.Ingested != 1 {
		t.Errorf("result = %+v", result)
	}

	// The indexes exist again; recreating them must not conflict.
	if err := s.RestoreBulkIndexes(ctx); err != nil {
		t.Errorf("RestoreBulkIndexes after RunBulk: %v", err)
	}
}
