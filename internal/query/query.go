// Package query exposes the read-side operations over measurements,
// regardless of whether they come from archive bundles or the store.
// Scalar statistics and raw values go through the uniform Lens path;
// the grouped reports (box plots, per-device variability) only exist on
// the relational backend and report ErrUnsupportedBackend elsewhere.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/store"
	"github.com/xtxerr/perfscan/internal/workshop"
)

// Point is one evaluated statistic for one measurement.
type Point struct {
	Host      string
	Algorithm string
	Stamp     time.Time
	Value     float64
}

// Service evaluates statistics over resolved measurement sequences. The
// store is optional; without it only per-measurement evaluation works.
type Service struct {
	factory *workshop.ListFactory
	store   *store.Store
	log     *slog.Logger
}

// New creates a query service. st may be nil when no database is
// configured.
func New(factory *workshop.ListFactory, st *store.Store) *Service {
	return &Service{
		factory: factory,
		store:   st,
		log:     logging.Component("query"),
	}
}

// ListHosts enumerates the distinct hosts across the given sources, in
// first-seen order.
func (s *Service) ListHosts(ctx context.Context, ids []string) []string {
	return workshop.Hosts(s.factory.ResolveAll(ctx, ids))
}

// ListAlgorithms enumerates the algorithm names across the given
// sources, sorted, with per-host coverage counts.
func (s *Service) ListAlgorithms(ctx context.Context, ids []string) []workshop.AlgorithmCoverage {
	return workshop.Algorithms(s.factory.ResolveAll(ctx, ids))
}

// ListSources enumerates (source, timestamp) pairs for the given
// sources.
func (s *Service) ListSources(ctx context.Context, ids []string) []workshop.SourceInfo {
	return workshop.Sources(s.factory.ResolveAll(ctx, ids))
}

// Aggregate evaluates one statistic of one algorithm over every
// measurement of the given sources. Measurements without samples for
// the algorithm are skipped. Non-scalar statistics (values, quantiles)
// are not representable as points and are rejected up front.
func (s *Service) Aggregate(ctx context.Context, stat measure.Statistic, alg string, ids []string) ([]Point, error) {
	if !stat.Scalar() {
		return nil, errors.Wrapf(errors.ErrUnsupportedStatistic, "%s is not a scalar statistic", stat)
	}
	return s.evaluate(ctx, measure.NewLens(stat), []string{alg}, ids)
}

// SelectData evaluates one scalar statistic for several algorithms at
// once, in algorithm order per measurement.
func (s *Service) SelectData(ctx context.Context, stat measure.Statistic, algs []string, ids []string) ([]Point, error) {
	if !stat.Scalar() {
		return nil, errors.Wrapf(errors.ErrUnsupportedStatistic, "%s is not a scalar statistic", stat)
	}
	return s.evaluate(ctx, measure.NewLens(stat), algs, ids)
}

func (s *Service) evaluate(ctx context.Context, lens measure.Lens, algs []string, ids []string) ([]Point, error) {
	var points []Point

	for m := range s.factory.ResolveAll(ctx, ids) {
		detail, err := m.Open()
		if err != nil {
			s.log.Error("skipping source", "source", m.Source(), "error", err)
			continue
		}

		for _, alg := range algs {
			agg := detail.Aggregator(alg, measure.DefaultColumn)
			res, err := lens.Eval(agg)
			if err != nil {
				if errors.IsSourceError(err) {
					s.log.Error("skipping source", "source", m.Source(), "error", err)
					break
				}
				detail.Close()
				return points, err
			}
			if !res.OK {
				s.log.Debug("no samples", "source", m.Source(), "algorithm", alg)
				continue
			}

			points = append(points, Point{
				Host:      detail.Host(),
				Algorithm: alg,
				Stamp:     detail.Stamp(),
				Value:     res.Scalar,
			})
		}

		detail.Close()
	}

	return points, nil
}

// BoxStats reports per-device, per-month box plot statistics for one
// algorithm. filter is a raw SQL condition over the joined measurement
// and device tables; empty means everything.
func (s *Service) BoxStats(ctx context.Context, alg, filter string) ([]store.BoxRow, error) {
	if s.store == nil {
		return nil, errors.Wrap(errors.ErrUnsupportedBackend, "box statistics need a database")
	}
	return s.store.BoxStats(ctx, alg, filter)
}

// VarStats reports per-device variability (median, stddev, sample
// count) for one algorithm.
func (s *Service) VarStats(ctx context.Context, alg, filter string) ([]store.VarRow, error) {
	if s.store == nil {
		return nil, errors.Wrap(errors.ErrUnsupportedBackend, "variability statistics need a database")
	}
	return s.store.VarStats(ctx, alg, filter)
}
