// Package archive reads self-contained capture bundles.
//
// A bundle is a single zip file per capture run: a results.yaml manifest
// (host identity, capture timestamp, device identifiers), one
// detail/Perf_<ALG>.csv file per sampled operation, and assorted detail
// records (TPM properties, dmidecode, uname). Bundles in the wild are
// messy; the parsers here tolerate missing root directories, manifests
// that are not quite YAML, and absent detail files. Anything that
// prevents identifying the capture at all is a corrupt source, which
// skips that bundle only.
package archive

import (
	"archive/zip"
	"context"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
)

var (
	perfRe = regexp.MustCompile(`detail/(Perf_.*)\.csv$`)
	hostRe = regexp.MustCompile(`out-(.*)-[0-9]+-[0-9]+`)
)

// Factory resolves identifiers naming zip capture bundles.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates an archive factory.
func NewFactory() *Factory {
	return &Factory{log: logging.Component("archive")}
}

// Resolve yields one Measurement when id names a readable zip bundle,
// and nothing otherwise. The bundle itself is not opened yet.
func (f *Factory) Resolve(_ context.Context, id string) iter.Seq[measure.Measurement] {
	return func(yield func(measure.Measurement) bool) {
		if !strings.HasSuffix(id, ".zip") {
			return
		}
		if info, err := os.Stat(id); err != nil || info.IsDir() {
			return
		}
		yield(&Measurement{path: id, log: f.log})
	}
}

func (f *Factory) String() string { return "archive" }

// Measurement is a lazy handle to one zip bundle.
type Measurement struct {
	path string
	log  *slog.Logger
}

// Source returns the bundle file name without its directory.
func (m *Measurement) Source() string {
	return filepath.Base(m.path)
}

// Open opens the bundle and resolves its identity metadata (host,
// timestamp). Sample content stays unparsed until requested. A bundle
// whose identity cannot be determined is reported as a corrupt source.
func (m *Measurement) Open() (measure.Detail, error) {
	handle, err := zip.OpenReader(m.path)
	if err != nil {
		return nil, errors.NewCorruptSource(m.path, "unreadable zip")
	}

	d := &Detail{
		path:   m.path,
		handle: handle,
		root:   bundleRoot(handle, m.Source()),
		log:    m.log,
	}

	d.host, err = d.resolveHost()
	if err != nil {
		handle.Close()
		return nil, err
	}

	d.stamp, err = d.resolveStamp()
	if err != nil {
		handle.Close()
		return nil, err
	}

	return d, nil
}

// bundleRoot determines the directory prefix holding the bundle content.
// Civilised bundles NAME.zip contain a single root directory NAME, but
// sometimes the directory is omitted and entries sit at the top level.
func bundleRoot(handle *zip.ReadCloser, source string) string {
	tops := make(map[string]bool)
	nested := true

	for _, entry := range handle.File {
		name := strings.TrimPrefix(entry.Name, "./")
		top, rest, found := strings.Cut(name, "/")
		if top == "" {
			continue
		}
		// A top-level file means the content is not below one directory.
		if !found || rest == "" && !entry.FileInfo().IsDir() {
			nested = false
		}
		tops[top] = true
	}

	if len(tops) != 1 || !nested {
		return ""
	}

	var top string
	for t := range tops {
		top = t
	}
	if top+".zip" == path.Base(source) {
		return top + "/"
	}
	return ""
}

// Detail is the opened view of a bundle. Host and stamp are resolved
// eagerly during Open; everything else on demand.
type Detail struct {
	path   string
	handle *zip.ReadCloser
	root   string
	log    *slog.Logger

	host  string
	stamp time.Time

	device       *measure.DeviceInfo
	deviceLoaded bool
}

// Close releases the underlying zip handle.
func (d *Detail) Close() error {
	return d.handle.Close()
}

// Source returns the bundle file name without its directory.
func (d *Detail) Source() string {
	return filepath.Base(d.path)
}

// Host returns the device identifier resolved during Open.
func (d *Detail) Host() string {
	return d.host
}

// Stamp returns the capture timestamp resolved during Open.
func (d *Detail) Stamp() time.Time {
	return d.stamp
}

// ListPerf lists the algorithms with a sample file in this bundle.
func (d *Detail) ListPerf() ([]string, error) {
	var algs []string
	seen := make(map[string]bool)

	for _, entry := range d.handle.File {
		match := perfRe.FindStringSubmatch(entry.Name)
		if match == nil || seen[match[1]] {
			continue
		}
		seen[match[1]] = true
		algs = append(algs, match[1])
	}

	return algs, nil
}

// Aggregator returns the in-process aggregator for one algorithm.
func (d *Detail) Aggregator(alg, column string) measure.Aggregator {
	return measure.NewAggregator(d, alg, column)
}

// open returns a reader for a bundle member below the content root, or
// nil when the member does not exist.
func (d *Detail) open(name string) *zip.File {
	full := d.root + name
	for _, entry := range d.handle.File {
		if strings.TrimPrefix(entry.Name, "./") == full {
			return entry
		}
	}
	return nil
}
