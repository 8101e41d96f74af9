// Package workshop composes measurement source adapters behind one
// resolution interface.
//
// A Workshop holds an ordered list of factories and hands each source
// identifier to whichever factory claims it: archive identifiers are
// file-like paths, relational identifiers are filter strings prefixed to
// mark them as queries. Resolution is lazy throughout; no factory loads
// sample content before it is asked for.
package workshop

import (
	"bufio"
	"context"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"

	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
)

// Factory resolves one source identifier into zero or more lazy
// Measurements. A factory that does not claim the identifier yields
// nothing.
type Factory interface {
	Resolve(ctx context.Context, id string) iter.Seq[measure.Measurement]
}

// Workshop tries multiple factories one by one, so complex resolution
// splits into small adapters joined here. It is itself a Factory.
type Workshop struct {
	factories []Factory
	log       *slog.Logger
}

// New creates a workshop over the given factories, tried in order.
func New(factories ...Factory) *Workshop {
	return &Workshop{factories: factories, log: logging.Component("workshop")}
}

// Add appends a factory.
func (w *Workshop) Add(f Factory) {
	w.factories = append(w.factories, f)
}

// Resolve hands the identifier to every factory and concatenates their
// results. An identifier no factory claims is logged as an error and
// yields nothing; it must not abort resolution of other identifiers.
func (w *Workshop) Resolve(ctx context.Context, id string) iter.Seq[measure.Measurement] {
	return func(yield func(measure.Measurement) bool) {
		count := 0
		for _, factory := range w.factories {
			for m := range factory.Resolve(ctx, id) {
				w.log.Debug("resolved", "id", id, "source", m.Source())
				count++
				if !yield(m) {
					return
				}
			}
		}

		if count == 0 {
			w.log.Error("no factory accepted this source", "id", id)
		}
	}
}

// ResolveAll concatenates the resolutions of a list of identifiers. An
// empty list is tolerated with a warning and an empty sequence.
func (w *Workshop) ResolveAll(ctx context.Context, ids []string) iter.Seq[measure.Measurement] {
	if len(ids) == 0 {
		w.log.Warn("no sources given")
	}

	return func(yield func(measure.Measurement) bool) {
		for _, id := range ids {
			for m := range w.Resolve(ctx, id) {
				if !yield(m) {
					return
				}
			}
		}
	}
}

// ListFactory wraps another factory with identifier-list indirection:
// "-" reads identifiers from standard input, one per line, and "*.txt"
// reads them from a file. Everything else passes through.
type ListFactory struct {
	inner Factory
	stdin io.Reader
	log   *slog.Logger
}

// NewListFactory creates a list factory delegating to inner.
func NewListFactory(inner Factory) *ListFactory {
	return &ListFactory{inner: inner, stdin: os.Stdin, log: logging.Component("workshop")}
}

// NewListFactoryFrom creates a list factory reading "-" from the given
// reader instead of standard input.
func NewListFactoryFrom(inner Factory, stdin io.Reader) *ListFactory {
	return &ListFactory{inner: inner, stdin: stdin, log: logging.Component("workshop")}
}

// Resolve expands list identifiers and delegates everything else.
func (f *ListFactory) Resolve(ctx context.Context, id string) iter.Seq[measure.Measurement] {
	if id == "-" {
		return f.resolveLines(ctx, f.stdin)
	}

	if strings.HasSuffix(id, ".txt") {
		return func(yield func(measure.Measurement) bool) {
			file, err := os.Open(id)
			if err != nil {
				f.log.Error("cannot read identifier list", "id", id, "error", err)
				return
			}
			defer file.Close()

			f.resolveLines(ctx, file)(yield)
		}
	}

	return f.inner.Resolve(ctx, id)
}

// ResolveAll mirrors Workshop.ResolveAll with list expansion applied.
func (f *ListFactory) ResolveAll(ctx context.Context, ids []string) iter.Seq[measure.Measurement] {
	if len(ids) == 0 {
		f.log.Warn("no sources given")
	}

	return func(yield func(measure.Measurement) bool) {
		for _, id := range ids {
			for m := range f.Resolve(ctx, id) {
				if !yield(m) {
					return
				}
			}
		}
	}
}

func (f *ListFactory) resolveLines(ctx context.Context, reader io.Reader) iter.Seq[measure.Measurement] {
	return func(yield func(measure.Measurement) bool) {
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			id := strings.TrimSpace(scanner.Text())
			if id == "" {
				continue
			}
			for m := range f.inner.Resolve(ctx, id) {
				if !yield(m) {
					return
				}
			}
		}
	}
}
