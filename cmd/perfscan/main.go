// perfscan inspects performance capture bundles and the measurement
// database built from them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/xtxerr/perfscan/internal/archive"
	"github.com/xtxerr/perfscan/internal/config"
	"github.com/xtxerr/perfscan/internal/dbsource"
	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/export"
	"github.com/xtxerr/perfscan/internal/ingest"
	"github.com/xtxerr/perfscan/internal/logging"
	"github.com/xtxerr/perfscan/internal/measure"
	"github.com/xtxerr/perfscan/internal/query"
	"github.com/xtxerr/perfscan/internal/shell"
	"github.com/xtxerr/perfscan/internal/store"
	"github.com/xtxerr/perfscan/internal/workshop"
)

// Version is set at build time via ldflags
var Version = "dev"

const usage = `usage: perfscan [flags] COMMAND [args]

commands:
  ingest SOURCE...          load capture bundles into the database
  hosts SOURCE...           list distinct hosts
  algorithms SOURCE...      list algorithms with host coverage
  sources SOURCE...         list sources with capture timestamps
  aggregate STAT ALG SOURCE...
                            evaluate one statistic per measurement
  data STAT ALG[,ALG...] SOURCE...
                            evaluate one statistic for several algorithms
  boxstats ALG [FILTER]     per-device monthly box statistics (database)
  varstats ALG [FILTER]     per-device variability (database)
  merge-devices             fold duplicate device rows together
  export STAT ALG[,ALG...] SOURCE...
                            write per-algorithm Parquet files
  shell SOURCE...           interactive prompt

A SOURCE is a capture zip, "-" for identifiers on stdin, a *.txt list
file, "@db" for every stored measurement, or "db:EXPR" with a SQL
filter over the measurement and device tables.
`

// app carries the pieces commands share. The store opens on first use
// so purely archive-based commands never touch a database.
type app struct {
	cfg   *config.Config
	flags *cliFlags
	st    *store.Store
}

type cliFlags struct {
	configPath string
	driver     string
	dsn        string
	logLevel   string
	logJSON    bool
	askpass    bool
	bulk       bool
	exportDir  string
	compress   string
}

func main() {
	flags := &cliFlags{}
	flag.StringVar(&flags.configPath, "config", "", "config file path")
	flag.StringVar(&flags.driver, "driver", "", "database driver (overrides config)")
	flag.StringVar(&flags.dsn, "db", "", "database connection string (overrides config)")
	flag.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.BoolVar(&flags.logJSON, "log-json", false, "log as JSON")
	flag.BoolVar(&flags.askpass, "askpass", false, "prompt for the database password")
	flag.BoolVar(&flags.bulk, "bulk", false, "drop secondary indexes during ingest")
	flag.StringVar(&flags.exportDir, "export-dir", "", "export output directory (overrides config)")
	flag.StringVar(&flags.compress, "compression", "", "export compression: zstd, snappy, gzip, none")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "perfscan:", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	logging.Debug("perfscan starting", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{cfg: cfg, flags: flags}
	defer a.close()

	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "perfscan:", err)
		os.Exit(1)
	}
}

func loadConfig(flags *cliFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
	}

	if flags.driver != "" {
		cfg.Database.Driver = flags.driver
	}
	if flags.dsn != "" {
		cfg.Database.DSN = flags.dsn
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logJSON {
		cfg.Logging.JSON = true
	}
	if flags.bulk {
		cfg.Ingest.Bulk = true
	}
	if flags.exportDir != "" {
		cfg.Export.Dir = flags.exportDir
	}
	if flags.compress != "" {
		cfg.Export.Compression = flags.compress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if flags.askpass {
		password, err := readPassword()
		if err != nil {
			return nil, err
		}
		cfg.Database.DSN = withPassword(cfg.Database.DSN, password)
	}

	return cfg, nil
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Database password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(password), nil
}

// withPassword injects a password into a key=value connection string
// without clobbering one given explicitly.
func withPassword(dsn, password string) string {
	if strings.Contains(dsn, "password=") {
		return dsn
	}
	if dsn == "" {
		return "password=" + password
	}
	return dsn + " password=" + password
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "ingest":
		return a.cmdIngest(ctx, args)
	case "hosts":
		return a.cmdHosts(ctx, args)
	case "algorithms":
		return a.cmdAlgorithms(ctx, args)
	case "sources":
		return a.cmdSources(ctx, args)
	case "aggregate":
		return a.cmdAggregate(ctx, args)
	case "data":
		return a.cmdData(ctx, args)
	case "boxstats":
		return a.cmdBoxStats(ctx, args)
	case "varstats":
		return a.cmdVarStats(ctx, args)
	case "merge-devices":
		return a.cmdMergeDevices(ctx)
	case "export":
		return a.cmdExport(ctx, args)
	case "shell":
		return a.cmdShell(ctx, args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// openStore opens the database on first use and initializes its schema.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}

	cfg := store.DefaultConfig()
	cfg.Driver = a.cfg.Database.Driver
	cfg.DSN = a.cfg.Database.DSN
	if a.cfg.Database.MaxOpenConns > 0 {
		cfg.MaxOpenConns = a.cfg.Database.MaxOpenConns
	}
	if a.cfg.Database.MaxIdleConns > 0 {
		cfg.MaxIdleConns = a.cfg.Database.MaxIdleConns
	}
	if a.cfg.Database.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = a.cfg.Database.ConnMaxLifetime
	}

	st, err := store.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, err
	}

	a.st = st
	return st, nil
}

func (a *app) close() {
	if a.st != nil {
		a.st.Close()
	}
}

// factory builds the source resolution chain for the given identifiers.
// The database adapter joins only when an identifier needs it.
func (a *app) factory(ctx context.Context, ids []string) (*workshop.ListFactory, error) {
	w := workshop.New(archive.NewFactory())

	if needsStore(ids) {
		st, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		w.Add(dbsource.New(st))
	}

	return workshop.NewListFactory(w), nil
}

func needsStore(ids []string) bool {
	for _, id := range ids {
		if _, ok := dbsource.FilterFor(id); ok {
			return true
		}
	}
	return false
}

func (a *app) service(ctx context.Context, ids []string) (*query.Service, error) {
	factory, err := a.factory(ctx, ids)
	if err != nil {
		return nil, err
	}
	return query.New(factory, a.st), nil
}

func (a *app) cmdIngest(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("ingest: no sources given")
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	factory, err := a.factory(ctx, ids)
	if err != nil {
		return err
	}

	engine := ingest.New(st)
	run := engine.Run
	if a.cfg.Ingest.Bulk {
		run = engine.RunBulk
	}

	result, err := run(ctx, factory.ResolveAll(ctx, ids))
	if err != nil {
		return err
	}

	fmt.Printf("ingested %d, skipped %d, corrupt %d, failed %d, %d data points\n",
		result.Ingested, result.Skipped, result.Corrupt, result.Failed, result.DataPoints)
	return nil
}

func (a *app) cmdHosts(ctx context.Context, ids []string) error {
	svc, err := a.service(ctx, ids)
	if err != nil {
		return err
	}
	for _, host := range svc.ListHosts(ctx, ids) {
		fmt.Println(host)
	}
	return nil
}

func (a *app) cmdAlgorithms(ctx context.Context, ids []string) error {
	svc, err := a.service(ctx, ids)
	if err != nil {
		return err
	}
	for _, cov := range svc.ListAlgorithms(ctx, ids) {
		fmt.Printf("%s\t%d\n", cov.Name, cov.Hosts)
	}
	return nil
}

func (a *app) cmdSources(ctx context.Context, ids []string) error {
	svc, err := a.service(ctx, ids)
	if err != nil {
		return err
	}
	for _, src := range svc.ListSources(ctx, ids) {
		fmt.Printf("%s\t%s\n", src.Stamp.Format("2006-01-02 15:04:05"), src.Source)
	}
	return nil
}

func (a *app) cmdAggregate(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("aggregate: need STAT ALG SOURCE...")
	}

	stat, err := measure.ParseStatistic(args[0])
	if err != nil {
		return err
	}

	ids := args[2:]
	svc, err := a.service(ctx, ids)
	if err != nil {
		return err
	}

	points, err := svc.Aggregate(ctx, stat, args[1], ids)
	if err != nil {
		return err
	}
	printPoints(points)
	return nil
}

func (a *app) cmdData(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("data: need STAT ALG[,ALG...] SOURCE...")
	}

	stat, err := measure.ParseStatistic(args[0])
	if err != nil {
		return err
	}

	algs := strings.Split(args[1], ",")
	ids := args[2:]
	svc, err := a.service(ctx, ids)
	if err != nil {
		return err
	}

	points, err := svc.SelectData(ctx, stat, algs, ids)
	if err != nil {
		return err
	}
	printPoints(points)
	return nil
}

func printPoints(points []query.Point) {
	for _, p := range points {
		fmt.Printf("%s\t%s\t%s\t%g\n",
			p.Host, p.Algorithm, p.Stamp.Format("2006-01-02 15:04:05"), p.Value)
	}
}

func (a *app) cmdBoxStats(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("boxstats: need ALG [FILTER]")
	}
	filter := ""
	if len(args) > 1 {
		filter = args[1]
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	rows, err := st.BoxStats(ctx, args[0], filter)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("%s\t%s\t%g\t%g\t%g\t%g\t%g\n",
			row.Host, row.Month.Format("2006-01"),
			row.Box.WhisLo, row.Box.Q1, row.Box.Med, row.Box.Q3, row.Box.WhisHi)
	}
	return nil
}

func (a *app) cmdVarStats(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("varstats: need ALG [FILTER]")
	}
	filter := ""
	if len(args) > 1 {
		filter = args[1]
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	rows, err := st.VarStats(ctx, args[0], filter)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Printf("%s\t%s\t%g\t%g\t%d\n",
			row.Host, row.Vendor, row.Median, row.Stddev, row.Count)
	}
	return nil
}

func (a *app) cmdMergeDevices(ctx context.Context) error {
	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	removed, err := st.MergeDuplicateDevices(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("merged %d duplicate devices\n", removed)
	return nil
}

func (a *app) cmdExport(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("export: need STAT ALG[,ALG...] SOURCE...")
	}

	stat, err := measure.ParseStatistic(args[0])
	if err != nil {
		return err
	}

	algs := strings.Split(args[1], ",")
	ids := args[2:]
	svc, err := a.service(ctx, ids)
	if err != nil {
		return err
	}

	points, err := svc.SelectData(ctx, stat, algs, ids)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errors.Wrap(errors.ErrNoSamples, "nothing to export")
	}

	opts := export.DefaultOptions(a.cfg.Export.Dir)
	opts.Compression = export.ParseCompressionType(a.cfg.Export.Compression)
	opts.Workers = a.cfg.Export.Workers

	paths, err := export.Points(ctx, points, opts)
	if err != nil {
		return err
	}
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

func (a *app) cmdShell(ctx context.Context, ids []string) error {
	svc, err := a.service(ctx, ids)
	if err != nil {
		return err
	}

	shell.New(svc, ids).Run(ctx)
	return nil
}
