package measure

import (
	"github.com/xtxerr/perfscan/internal/stats"
)

// detailAggregator computes statistics in process from Detail.Samples.
// It is the default aggregator for backends without server-side
// aggregation.
type detailAggregator struct {
	detail Detail
	alg    string
	column string
}

// NewAggregator returns the in-process aggregator over a Detail. Backends
// with cheaper ways to aggregate (the relational store) provide their own.
func NewAggregator(detail Detail, alg, column string) Aggregator {
	if column == "" {
		column = DefaultColumn
	}
	return &detailAggregator{detail: detail, alg: alg, column: column}
}

func (a *detailAggregator) Values() ([]float64, error) {
	return a.detail.Samples(a.alg, a.column)
}

func (a *detailAggregator) Median() (float64, bool, error) {
	values, err := a.Values()
	if err != nil {
		return 0, false, err
	}
	v, ok := stats.Median(values)
	return v, ok, nil
}

func (a *detailAggregator) Mean() (float64, bool, error) {
	values, err := a.Values()
	if err != nil {
		return 0, false, err
	}
	v, ok := stats.Mean(values)
	return v, ok, nil
}

func (a *detailAggregator) Stddev() (float64, bool, error) {
	values, err := a.Values()
	if err != nil {
		return 0, false, err
	}
	v, ok := stats.Stddev(values)
	return v, ok, nil
}

func (a *detailAggregator) Quantiles() (stats.Box, bool, error) {
	values, err := a.Values()
	if err != nil {
		return stats.Box{}, false, err
	}
	box, ok := stats.Summary(values)
	return box, ok, nil
}
