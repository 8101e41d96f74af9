// Package shell is an interactive front end over the query service.
package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"

	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/query"
)

// Shell runs a read-eval loop against a fixed set of sources. The
// context passed to Run scopes every query the loop issues.
type Shell struct {
	service *query.Service
	ids     []string
	out     io.Writer
	log     *slog.Logger
	ctx     context.Context
	done    bool
}

// New creates a shell over the given sources.
func New(service *query.Service, ids []string) *Shell {
	return &Shell{
		service: service,
		ids:     ids,
		out:     os.Stdout,
		log:     logging.Component("shell"),
	}
}

var commands = []prompt.Suggest{
	{Text: "hosts", Description: "list distinct hosts"},
	{Text: "algorithms", Description: "list algorithms with host coverage"},
	{Text: "sources", Description: "list sources with timestamps"},
	{Text: "aggregate", Description: "aggregate STAT ALGORITHM"},
	{Text: "help", Description: "show commands"},
	{Text: "quit", Description: "leave the shell"},
}

var statSuggestions = []prompt.Suggest{
	{Text: "median"},
	{Text: "mean"},
	{Text: "stddev"},
}

// Run blocks until the user quits or input ends.
func (s *Shell) Run(ctx context.Context) {
	s.ctx = ctx
	p := prompt.New(
		s.execute,
		s.complete,
		prompt.OptionPrefix("perfscan> "),
		prompt.OptionTitle("perfscan"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return s.done
		}),
	)
	p.Run()
}

func (s *Shell) complete(d prompt.Document) []prompt.Suggest {
	args := strings.Fields(d.TextBeforeCursor())
	if len(args) <= 1 && !strings.HasSuffix(d.TextBeforeCursor(), " ") {
		return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
	}

	if args[0] == "aggregate" {
		return prompt.FilterHasPrefix(statSuggestions, d.GetWordBeforeCursor(), true)
	}

	return nil
}

func (s *Shell) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "quit", "exit":
		s.done = true
	case "help":
		for _, c := range commands {
			fmt.Fprintf(s.out, "  %-12s %s\n", c.Text, c.Description)
		}
	case "hosts":
		for _, host := range s.service.ListHosts(s.ctx, s.ids) {
			fmt.Fprintln(s.out, host)
		}
	case "algorithms":
		for _, cov := range s.service.ListAlgorithms(s.ctx, s.ids) {
			fmt.Fprintf(s.out, "%s (%d hosts)\n", cov.Name, cov.Hosts)
		}
	case "sources":
		for _, src := range s.service.ListSources(s.ctx, s.ids) {
			fmt.Fprintf(s.out, "%s\t%s\n", src.Stamp.Format("2006-01-02 15:04:05"), src.Source)
		}
	case "aggregate":
		s.aggregate(args[1:])
	default:
		fmt.Fprintf(s.out, "unknown command %q, try help\n", args[0])
	}
}

func (s *Shell) aggregate(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: aggregate STAT ALGORITHM")
		return
	}

	stat, err := measure.ParseStatistic(args[0])
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}

	points, err := s.service.Aggregate(s.ctx, stat, args[1], s.ids)
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	if len(points) == 0 {
		fmt.Fprintln(s.out, "no samples")
		return
	}

	for _, p := range points {
		fmt.Fprintf(s.out, "%s %s\t%s\t%g\n", styleFor(p.Host), p.Host,
			p.Stamp.Format("2006-01-02 15:04:05"), p.Value)
	}
}
