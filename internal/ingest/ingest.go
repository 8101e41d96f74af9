// Package ingest loads archived measurements into the relational store.
//
// Ingestion is idempotent at source granularity: a source whose
// identifier is already present in the store is skipped, so re-running a
// load over the same archives creates nothing. Each measurement commits
// as one transaction, with the ordering invariant the partitioned data
// table demands: the device's partition is created before its first data
// row, never the reverse. A failure mid-measurement rolls back only that
// measurement's rows.
package ingest

import (
	"context"
	"database/sql"
	"iter"
	"log/slog"
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/store"
)

// storeBacked is implemented by measurements that already live in the
// relational store. Ingesting those back into the store is a no-op.
type storeBacked interface {
	StoreBacked() bool
}

// Stats summarizes one ingestion run.
type Stats struct {
	Ingested   int64 // measurements stored
	Skipped    int64 // sources already present
	Corrupt    int64 // sources that failed to open or parse
	Failed     int64 // measurements rolled back on store errors
	DataPoints int64 // raw samples inserted
}

// Engine drives the ingestion pipeline against one store.
type Engine struct {
	store *store.Store
	log   *slog.Logger

	// Approximate per-algorithm value sketches for the run summary.
	// Kept off the exact-statistics path; a bulk load over millions of
	// samples can report its shape without retaining the values.
	sketches map[string]*ddsketch.DDSketch
}

// New creates an ingestion engine.
func New(st *store.Store) *Engine {
	return &Engine{
		store:    st,
		log:      logging.Component("ingest"),
		sketches: make(map[string]*ddsketch.DDSketch),
	}
}

// Run ingests every measurement of the sequence, in source order. Source
// and measurement failures are contained: they are logged, counted, and
// the loop continues. Only store-level failures (and context
// cancellation) abort the run.
func (e *Engine) Run(ctx context.Context, ms iter.Seq[measure.Measurement]) (Stats, error) {
	var st Stats

	for m := range ms {
		if sb, ok := m.(storeBacked); ok && sb.StoreBacked() {
			e.log.Warn("source already lives in the store, skipping", "source", m.Source())
			st.Skipped++
			continue
		}

		if err := e.ingestOne(ctx, m, &st); err != nil {
			if errors.IsSourceError(err) {
				continue
			}
			return st, err
		}

		if ctx.Err() != nil {
			return st, ctx.Err()
		}
	}

	e.logSummary(st)
	return st, nil
}

// RunBulk wraps Run with the bulk-load index policy: secondary indices
// on data are dropped first and restored afterwards, on every exit path.
func (e *Engine) RunBulk(ctx context.Context, ms iter.Seq[measure.Measurement]) (Stats, error) {
	if err := e.store.DropBulkIndexes(ctx); err != nil {
		return Stats{}, err
	}

	st, runErr := e.Run(ctx, ms)

	if err := e.store.RestoreBulkIndexes(context.WithoutCancel(ctx)); err != nil {
		e.log.Error("restoring bulk indexes failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	return st, runErr
}

func (e *Engine) ingestOne(ctx context.Context, m measure.Measurement, st *Stats) error {
	exists, err := e.store.SourceExists(ctx, m.Source())
	if err != nil {
		return err
	}
	if exists {
		e.log.Info("already ingested, skipping", "source", m.Source())
		st.Skipped++
		return errors.Wrapf(errors.ErrDuplicateSource, "%s", m.Source())
	}

	detail, err := m.Open()
	if err != nil {
		e.log.Error("corrupt source, skipping", "source", m.Source(), "error", err)
		st.Corrupt++
		return errors.Wrap(err, m.Source())
	}
	defer detail.Close()

	inserted := int64(0)
	err = e.store.TransactionContext(ctx, func(tx *sql.Tx) error {
		deviceID, err := e.store.EnsureDevice(ctx, tx, detail.Host())
		if err != nil {
			return err
		}

		// Partition before insert, always.
		if err := e.store.EnsurePartition(ctx, tx, deviceID); err != nil {
			return err
		}

		measurementID, err := e.store.InsertMeasurement(ctx, tx, deviceID,
			detail.Source(), detail.Stamp(), detail.DeviceInfo())
		if err != nil {
			return err
		}

		algs, err := detail.ListPerf()
		if err != nil {
			return err
		}
		sort.Strings(algs)

		for _, alg := range algs {
			values, err := detail.Samples(alg, measure.DefaultColumn)
			if err != nil {
				return err
			}
			if len(values) == 0 {
				continue
			}

			algorithmID, err := e.store.EnsureAlgorithm(ctx, tx, alg)
			if err != nil {
				return err
			}

			if err := e.store.InsertData(ctx, tx, deviceID, measurementID, algorithmID, values); err != nil {
				return err
			}

			inserted += int64(len(values))
			e.sketchValues(alg, values)
		}

		return nil
	})
	if err != nil {
		e.log.Error("measurement rolled back", "source", m.Source(), "error", err)
		st.Failed++
		return nil
	}

	st.Ingested++
	st.DataPoints += inserted
	e.log.Info("measurement stored", "source", m.Source(), "host", detail.Host(),
		"datapoints", inserted)
	return nil
}

func (e *Engine) sketchValues(alg string, values []float64) {
	sketch, ok := e.sketches[alg]
	if !ok {
		var err error
		sketch, err = ddsketch.NewDefaultDDSketch(0.01)
		if err != nil {
			return
		}
		e.sketches[alg] = sketch
	}

	for _, v := range values {
		sketch.Add(v)
	}
}

func (e *Engine) logSummary(st Stats) {
	e.log.Info("ingestion finished", "ingested", st.Ingested, "skipped", st.Skipped,
		"corrupt", st.Corrupt, "failed", st.Failed, "datapoints", st.DataPoints)

	algs := make([]string, 0, len(e.sketches))
	for alg := range e.sketches {
		algs = append(algs, alg)
	}
	sort.Strings(algs)

	for _, alg := range algs {
		sketch := e.sketches[alg]
		p50, err1 := sketch.GetValueAtQuantile(0.50)
		p99, err2 := sketch.GetValueAtQuantile(0.99)
		if err1 != nil || err2 != nil {
			continue
		}
		e.log.Info("algorithm summary", "algorithm", alg,
			"count", int64(sketch.GetCount()), "p50", p50, "p99", p99)
	}
}
