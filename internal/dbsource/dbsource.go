// Package dbsource reconstructs measurements from the relational store.
//
// A relational source identifier is a filter expression: "@db" selects
// every stored measurement, "db:<expr>" a boolean SQL filter over the
// joined measurement and device tables. Resolution loads only metadata
// rows; sample content re-queries the data table per algorithm, and the
// statistic computations are pushed to the store as grouped queries
// whose results are cached per factory handle.
package dbsource

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/stats"
	"github.com/xtxerr/perfscan/internal/store"
)

// Factory resolves relational source identifiers.
type Factory struct {
	store *store.Store
	log   *slog.Logger

	// Aggregate result tables, statistic → algorithm → measurement id.
	// One grouped query serves every measurement of a resolution.
	mu     sync.Mutex
	tables map[tableKey]map[int64]float64
	boxes  map[string]map[int64]stats.Box
}

type tableKey struct {
	stat measure.Statistic
	alg  string
}

// New creates a relational source factory over an open store.
func New(st *store.Store) *Factory {
	return &Factory{
		store:  st,
		log:    logging.Component("dbsource"),
		tables: make(map[tableKey]map[int64]float64),
		boxes:  make(map[string]map[int64]stats.Box),
	}
}

// FilterFor extracts the filter expression from a relational identifier,
// or false when the identifier is not a relational one.
func FilterFor(id string) (string, bool) {
	if id == "@db" {
		return "true", true
	}
	if expr, ok := strings.CutPrefix(id, "db:"); ok {
		return expr, true
	}
	return "", false
}

// Resolve yields one Measurement per stored row matching the filter.
// Non-relational identifiers yield nothing. The yielded measurements
// are scoped to ctx; their lazy store queries run under it.
func (f *Factory) Resolve(ctx context.Context, id string) iter.Seq[measure.Measurement] {
	return func(yield func(measure.Measurement) bool) {
		filter, ok := FilterFor(id)
		if !ok {
			return
		}

		rows, err := f.store.SelectMeasurements(ctx, filter)
		if err != nil {
			f.log.Error("query failed", "id", id, "error", err)
			return
		}

		for _, row := range rows {
			if !yield(&dbMeasurement{ctx: ctx, factory: f, row: row}) {
				return
			}
		}
	}
}

func (f *Factory) String() string { return "dbsource" }

// dbMeasurement is a measurement view over one stored row. The
// resolution context rides along for the lazy queries behind Detail.
type dbMeasurement struct {
	ctx     context.Context
	factory *Factory
	row     store.MeasurementRow
}

// Source identifies the row and the archive it came from.
func (m *dbMeasurement) Source() string {
	return fmt.Sprintf("db#%d=%s", m.row.ID, m.row.Source)
}

// StoreBacked marks this measurement as living in the relational store
// already. The ingestion engine refuses such inputs: ingesting from the
// database back into itself is a no-op.
func (m *dbMeasurement) StoreBacked() bool { return true }

// Open is cheap: the metadata row is already loaded.
func (m *dbMeasurement) Open() (measure.Detail, error) {
	return &dbDetail{ctx: m.ctx, factory: m.factory, row: m.row}, nil
}

type dbDetail struct {
	ctx     context.Context
	factory *Factory
	row     store.MeasurementRow
}

func (d *dbDetail) Close() error { return nil }

func (d *dbDetail) Source() string {
	return fmt.Sprintf("db#%d=%s", d.row.ID, d.row.Source)
}

func (d *dbDetail) Host() string {
	return d.row.Hostname
}

func (d *dbDetail) Stamp() time.Time {
	return d.row.Stamp
}

func (d *dbDetail) DeviceInfo() *measure.DeviceInfo {
	return d.row.DeviceInfo()
}

func (d *dbDetail) ListPerf() ([]string, error) {
	return d.factory.store.MeasurementAlgorithms(d.ctx, d.row.ID)
}

// Samples re-queries the data table scoped to the algorithm. The store
// holds the column that was ingested; the column argument selects
// nothing here.
func (d *dbDetail) Samples(alg, column string) ([]float64, error) {
	return d.factory.store.Values(d.ctx, d.row.ID, alg)
}

func (d *dbDetail) Aggregator(alg, column string) measure.Aggregator {
	return &dbAggregator{detail: d, alg: alg}
}
