// Package export writes evaluated measurement points to Parquet files,
// one file per algorithm.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/query"
)

// Options configures the Parquet export.
type Options struct {
	// Dir is the output directory, created if missing.
	Dir string

	// Compression algorithm for all columns.
	Compression CompressionType

	// Workers bounds concurrent per-algorithm writers. Zero means one
	// writer per algorithm.
	Workers int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultOptions returns default export options.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:         dir,
		Compression: CompressionZstd,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionGzip:
		return &parquet.Gzip
	case CompressionNone:
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// PointRow is one evaluated statistic in Parquet format.
type PointRow struct {
	Host      string  `parquet:"host,zstd"`
	Algorithm string  `parquet:"algorithm,zstd"`
	StampMs   int64   `parquet:"stamp_ms"`
	Value     float64 `parquet:"value"`
}

func pointToRow(p query.Point) PointRow {
	return PointRow{
		Host:      p.Host,
		Algorithm: p.Algorithm,
		StampMs:   p.Stamp.UnixMilli(),
		Value:     p.Value,
	}
}

// RowToPoint converts a PointRow back to a Point.
func RowToPoint(r PointRow) query.Point {
	return query.Point{
		Host:      r.Host,
		Algorithm: r.Algorithm,
		Stamp:     time.UnixMilli(r.StampMs).UTC(),
		Value:     r.Value,
	}
}

// Points writes the points to opts.Dir, one <algorithm>.parquet file
// per algorithm, writing the files concurrently. It returns the paths
// written, sorted.
func Points(ctx context.Context, points []query.Point, opts Options) ([]string, error) {
	log := logging.Component("export")

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	byAlg := make(map[string][]query.Point)
	for _, p := range points {
		byAlg[p.Algorithm] = append(byAlg[p.Algorithm], p)
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	paths := make([]string, 0, len(byAlg))
	for alg, algPoints := range byAlg {
		path := filepath.Join(opts.Dir, sanitizeName(alg)+".parquet")
		paths = append(paths, path)

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := writeFile(path, algPoints, opts); err != nil {
				return fmt.Errorf("%s: %w", alg, err)
			}
			log.Info("algorithm exported", "algorithm", alg, "path", path,
				"rows", len(algPoints))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

func writeFile(path string, points []query.Point, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[PointRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	rows := make([]PointRow, len(points))
	for i, p := range points {
		rows[i] = pointToRow(p)
	}

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return f.Close()
}

// ReadPoints reads back a file written by Points.
func ReadPoints(path string) ([]query.Point, error) {
	rows, err := parquet.ReadFile[PointRow](path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	points := make([]query.Point, len(rows))
	for i, r := range rows {
		points[i] = RowToPoint(r)
	}

	return points, nil
}

// sanitizeName makes an algorithm name safe as a file name. Algorithm
// names come from archive member names and can carry path separators or
// colons.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
