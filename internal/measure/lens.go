package measure

import (
	"fmt"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/stats"
)

// Statistic names one of the supported aggregate functions.
type Statistic string

const (
	StatMedian    Statistic = "median"
	StatMean      Statistic = "mean"
	StatStddev    Statistic = "stddev"
	StatValues    Statistic = "values"
	StatQuantiles Statistic = "quantiles"
)

// Statistics lists every supported statistic, for help output and shell
// completion.
var Statistics = []Statistic{StatMedian, StatMean, StatStddev, StatValues, StatQuantiles}

// ParseStatistic validates a statistic name.
func ParseStatistic(name string) (Statistic, error) {
	for _, s := range Statistics {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%q: %w", name, errors.ErrUnsupportedStatistic)
}

// Scalar reports whether the statistic produces a single number per
// (measurement, algorithm) pair.
func (s Statistic) Scalar() bool {
	switch s {
	case StatMedian, StatMean, StatStddev:
		return true
	default:
		return false
	}
}

// Aggregator computes statistics for one (measurement, algorithm) pair.
// Where the samples live is the implementation's business: the archive
// backend computes in process, the relational backend pushes the work to
// the store.
//
// The boolean results distinguish "no samples" from a real value. Absence
// is never an error and never zero; callers skip the data point.
type Aggregator interface {
	Median() (float64, bool, error)
	Mean() (float64, bool, error)
	Stddev() (float64, bool, error)
	Values() ([]float64, error)
	Quantiles() (stats.Box, bool, error)
}

// Result is the outcome of evaluating a Lens. Exactly one of the value
// fields is meaningful, selected by the lens statistic; OK is false when
// the measurement had no samples for the algorithm.
type Result struct {
	OK     bool
	Scalar float64
	Values []float64
	Box    stats.Box
}

// Lens decouples "what to compute" from "where the samples live": it
// names a statistic and evaluates it through any Aggregator.
type Lens struct {
	stat Statistic
}

// NewLens creates a lens for a statistic.
func NewLens(stat Statistic) Lens {
	return Lens{stat: stat}
}

// ParseLens creates a lens from a statistic name.
func ParseLens(name string) (Lens, error) {
	stat, err := ParseStatistic(name)
	if err != nil {
		return Lens{}, err
	}
	return NewLens(stat), nil
}

// Statistic returns the statistic this lens computes.
func (l Lens) Statistic() Statistic {
	return l.stat
}

// Eval computes the lens statistic through the given aggregator.
func (l Lens) Eval(agg Aggregator) (Result, error) {
	switch l.stat {
	case StatMedian:
		v, ok, err := agg.Median()
		return Result{OK: ok, Scalar: v}, err
	case StatMean:
		v, ok, err := agg.Mean()
		return Result{OK: ok, Scalar: v}, err
	case StatStddev:
		v, ok, err := agg.Stddev()
		return Result{OK: ok, Scalar: v}, err
	case StatValues:
		values, err := agg.Values()
		return Result{OK: len(values) > 0, Values: values}, err
	case StatQuantiles:
		box, ok, err := agg.Quantiles()
		return Result{OK: ok, Box: box}, err
	default:
		return Result{}, fmt.Errorf("%q: %w", l.stat, errors.ErrUnsupportedStatistic)
	}
}
