package dbsource

import (
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/stats"
)

// dbAggregator computes statistics server-side. One grouped query per
// (statistic, algorithm) covers every measurement; subsequent
// measurements of the same resolution hit the factory's result table.
type dbAggregator struct {
	detail *dbDetail
	alg    string
}

func (a *dbAggregator) scalar(stat measure.Statistic) (float64, bool, error) {
	f := a.detail.factory
	key := tableKey{stat: stat, alg: a.alg}

	f.mu.Lock()
	table, ok := f.tables[key]
	f.mu.Unlock()

	if !ok {
		var err error
		table, err = f.store.StatByMeasurement(a.detail.ctx, stat, a.alg)
		if err != nil {
			return 0, false, err
		}

		f.mu.Lock()
		f.tables[key] = table
		f.mu.Unlock()
	}

	value, ok := table[a.detail.row.ID]
	return value, ok, nil
}

func (a *dbAggregator) Median() (float64, bool, error) {
	return a.scalar(measure.StatMedian)
}

func (a *dbAggregator) Mean() (float64, bool, error) {
	return a.scalar(measure.StatMean)
}

func (a *dbAggregator) Stddev() (float64, bool, error) {
	return a.scalar(measure.StatStddev)
}

func (a *dbAggregator) Values() ([]float64, error) {
	return a.detail.Samples(a.alg, measure.DefaultColumn)
}

func (a *dbAggregator) Quantiles() (stats.Box, bool, error) {
	f := a.detail.factory

	f.mu.Lock()
	table, ok := f.boxes[a.alg]
	f.mu.Unlock()

	if !ok {
		var err error
		table, err = f.store.BoxByMeasurement(a.detail.ctx, a.alg)
		if err != nil {
			return stats.Box{}, false, err
		}

		f.mu.Lock()
		f.boxes[a.alg] = table
		f.mu.Unlock()
	}

	box, ok := table[a.detail.row.ID]
	return box, ok, nil
}
