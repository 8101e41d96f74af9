package workshop

import (
	"iter"
	"sort"
	"time"

	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
)

// Read-side conveniences over a resolved measurement sequence. These
// have no side effects; measurements that fail to open are logged and
// skipped so one bad source cannot hide the rest.

// AlgorithmCoverage reports how many distinct hosts carry samples for an
// algorithm.
type AlgorithmCoverage struct {
	Name  string
	Hosts int
}

// SourceInfo is one (source, timestamp) pair.
type SourceInfo struct {
	Source string
	Stamp  time.Time
}

// Hosts enumerates the distinct hosts seen across the sequence, in
// first-seen order.
func Hosts(ms iter.Seq[measure.Measurement]) []string {
	log := logging.Component("workshop")
	seen := make(map[string]bool)
	var hosts []string

	for m := range ms {
		detail, err := m.Open()
		if err != nil {
			log.Error("skipping source", "source", m.Source(), "error", err)
			continue
		}

		if host := detail.Host(); !seen[host] {
			seen[host] = true
			hosts = append(hosts, host)
		}
		detail.Close()
	}

	return hosts
}

// Algorithms enumerates algorithm names with a per-host coverage count,
// sorted by name.
func Algorithms(ms iter.Seq[measure.Measurement]) []AlgorithmCoverage {
	log := logging.Component("workshop")
	coverage := make(map[string]map[string]bool)

	for m := range ms {
		detail, err := m.Open()
		if err != nil {
			log.Error("skipping source", "source", m.Source(), "error", err)
			continue
		}

		algs, err := detail.ListPerf()
		if err != nil {
			log.Error("cannot list algorithms", "source", m.Source(), "error", err)
			detail.Close()
			continue
		}

		host := detail.Host()
		for _, alg := range algs {
			if coverage[alg] == nil {
				coverage[alg] = make(map[string]bool)
			}
			coverage[alg][host] = true
		}
		detail.Close()
	}

	result := make([]AlgorithmCoverage, 0, len(coverage))
	for name, hosts := range coverage {
		result = append(result, AlgorithmCoverage{Name: name, Hosts: len(hosts)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	return result
}

// Sources enumerates (source, timestamp) pairs across the sequence.
func Sources(ms iter.Seq[measure.Measurement]) []SourceInfo {
	log := logging.Component("workshop")
	var sources []SourceInfo

	for m := range ms {
		detail, err := m.Open()
		if err != nil {
			log.Error("skipping source", "source", m.Source(), "error", err)
			continue
		}

		sources = append(sources, SourceInfo{Source: detail.Source(), Stamp: detail.Stamp()})
		detail.Close()
	}

	return sources
}
