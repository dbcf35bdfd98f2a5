// Command shardbench drives sharded key-value experiments across a fleet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/deixis/shardbench"
	"github.com/deixis/shardbench/internal/cluster"
	"github.com/deixis/shardbench/internal/config"
	"github.com/deixis/shardbench/internal/grid"
	sbmcp "github.com/deixis/shardbench/internal/mcp"
	"github.com/deixis/shardbench/internal/remote"
	"github.com/deixis/shardbench/internal/report"
	"github.com/deixis/shardbench/internal/service"
	"github.com/deixis/shardbench/internal/workflow"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("shardbench: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runMain(args)
	case "probe":
		err = probeMain(args)
	case "plan":
		err = planMain(args)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(shardbench.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "shardbench: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		os.Exit(reportFatal(os.Stderr, err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: shardbench <command> [flags]

Commands:
  run         Build the fleet and sweep the experiment grid
  probe       Search the highest sustained load of each grid point
  plan        Print the grid and which points a run would skip
  mcp         Start the MCP server over the run ledger
  version     Print the version
  help        Show this help

Use "shardbench <command> -h" for command-specific flags.`)
}

// reportFatal prints err with the captured output of the failing command,
// when there is one, and returns the process exit code.
func reportFatal(w io.Writer, err error) int {
	if config.IsValidation(err) {
		fmt.Fprintf(w, "shardbench: %v\n", err)
		return 2
	}
	fmt.Fprintf(w, "shardbench: %v\n", err)
	for _, e := range leaves(err) {
		var ce *remote.CheckError
		var pm *remote.ProcessMissingError
		var pe *remote.PatternMissingError
		switch {
		case errors.As(e, &ce):
			fmt.Fprintf(w, "\n%s failed on %s: exit code %d\n", ce.Label, ce.Addr, ce.ExitCode)
			printOutput(w, "stdout", ce.Stdout)
			printOutput(w, "stderr", ce.Stderr)
		case errors.As(e, &pm):
			fmt.Fprintf(w, "\n%s not running on %s\n", pm.Name, pm.Addr)
			printOutput(w, pm.File, pm.Tail)
		case errors.As(e, &pe):
			fmt.Fprintf(w, "\n%q not found on %s\n", pe.Pattern, pe.Addr)
			printOutput(w, pe.File, pe.Tail)
		}
	}
	return 1
}

// leaves flattens joined errors.
func leaves(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, leaves(e)...)
		}
		return out
	}
	if u := errors.Unwrap(err); u != nil {
		if _, ok := u.(interface{ Unwrap() []error }); ok {
			return leaves(u)
		}
	}
	return []error{err}
}

func printOutput(w io.Writer, name, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	fmt.Fprintf(w, "%s:\n", name)
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(w, "    %s\n", line)
	}
}

// --- shared flags ---

// expFlags are the flags shared by run, probe and plan.
type expFlags struct {
	config    string
	outdir    string
	overwrite bool
	server    string
	clients   string
	shards    string
	shardtype string
	datapath  string
	workload  string
	verbose   bool
	logJSON   bool
}

func (f *expFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "experiment file (.toml, .yaml or .yml); required")
	fs.StringVar(&f.outdir, "outdir", "", "output directory, relative to the tree on every host; required")
	fs.BoolVar(&f.overwrite, "overwrite", false, "rerun points whose output already exists")
	fs.StringVar(&f.server, "server", "", "server machine as exp[@access[/alt]]")
	fs.StringVar(&f.clients, "clients", "", "comma-separated client machines as exp[@access[/alt]]")
	fs.StringVar(&f.shards, "shards", "", "comma-separated shard counts")
	fs.StringVar(&f.shardtype, "shardtype", "", "comma-separated sharding strategies (client, server, xdpserver, dyn, basicclient)")
	fs.StringVar(&f.datapath, "datapath", "", "comma-separated datapaths (shenango_channel, kernel)")
	fs.StringVar(&f.workload, "workload", "", "comma-separated workload kinds from [exp.workloads] (zipf, uniform)")
	fs.BoolVar(&f.verbose, "v", false, "log every remote command (debug level)")
	fs.BoolVar(&f.logJSON, "log-json", false, "log JSON instead of console lines")
}

// load reads the experiment file and applies flag overrides.
func (f *expFlags) load() (*config.Config, error) {
	var missing []string
	if f.config == "" {
		missing = append(missing, "-config is required")
	}
	if f.outdir == "" {
		missing = append(missing, "-outdir is required")
	}
	if len(missing) > 0 {
		return nil, &config.ValidationError{Problems: missing}
	}

	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	shards, err := config.SplitInts(f.shards)
	if err != nil {
		return nil, &config.ValidationError{Problems: []string{"-shards: " + err.Error()}}
	}
	err = cfg.Apply(config.Overrides{
		Server:     f.server,
		Clients:    config.SplitList(f.clients),
		Shards:     shards,
		ShardTypes: config.SplitList(f.shardtype),
		Datapaths:  config.SplitList(f.datapath),
		Workloads:  config.SplitList(f.workload),
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbose, asJSON bool) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	if asJSON {
		out = os.Stderr
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// openStore opens the run ledger: the configured sqlite file, or JSON
// files under <outdir>/.runs.
func openStore(cfg *config.Config, outdir string) (report.Store, func(), error) {
	if cfg.Orchestrator.Ledger != "" {
		sql, err := report.OpenSQLStore(grid.ExpandHome(cfg.Orchestrator.Ledger))
		if err != nil {
			return nil, nil, err
		}
		return report.NewLRUStore(64, sql), func() { _ = sql.Close() }, nil
	}
	disk := report.NewDiskStore(filepath.Join(outdir, ".runs"))
	return report.NewLRUStore(64, disk), func() {}, nil
}

// session is a connected, built fleet with an engine over it.
type session struct {
	engine *workflow.Engine
	params grid.Params
	close  func()
}

// prepare connects to the fleet, checks it, builds it and copies the
// experiment file into outdir.
func prepare(ctx context.Context, f *expFlags, cfg *config.Config, logger zerolog.Logger) (*session, error) {
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	server, clients, err := cfg.Hosts()
	if err != nil {
		return nil, err
	}

	boot := &cluster.Bootstrap{
		Dial:        remote.NewDialer(cfg.SSHConfig(), logger),
		Root:        cfg.Root(),
		OutDir:      f.outdir,
		ServerBuild: cfg.ServerBuild(),
		ClientBuild: cfg.ClientBuild(),
		Timeout:     cfg.CommandTimeout(),
		Log:         logger,
	}
	logger.Info().Msg("checking fleet")
	fleet, err := boot.Connect(ctx, server, clients)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("revision", fleet.Revision).Msg("building")
	if err := boot.Build(ctx, fleet); err != nil {
		_ = fleet.Close()
		return nil, err
	}
	if err := cluster.CopyConfig(f.config, f.outdir); err != nil {
		_ = fleet.Close()
		return nil, err
	}

	store, closeStore, err := openStore(cfg, f.outdir)
	if err != nil {
		_ = fleet.Close()
		return nil, err
	}

	e := &workflow.Engine{
		Fleet: fleet,
		Services: &service.Lifecycle{
			Root:     cfg.Root(),
			ShardCtl: cfg.ShardCtl(),
			Settle:   cfg.Delays(),
			Log:      logger,
		},
		Config:    cfg,
		OutDir:    f.outdir,
		Overwrite: f.overwrite,
		Store:     store,
		Log:       logger,
	}
	return &session{
		engine: e,
		params: params,
		close: func() {
			closeStore()
			_ = fleet.Close()
		},
	}, nil
}

// --- run ---

func runMain(args []string) error {
	var f expFlags
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	f.register(fs)
	_ = fs.Parse(args)

	cfg, err := f.load()
	if err != nil {
		return err
	}
	logger := newLogger(f.verbose, f.logJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := prepare(ctx, &f, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	points := grid.Enumerate(s.params)
	logger.Info().Int("points", len(points)).Msg("starting sweep")
	outs, err := s.engine.Sweep(ctx, points)
	printOutcomes(os.Stdout, outs)
	return err
}

func printOutcomes(w io.Writer, outs []*workflow.Outcome) {
	var ran, skipped int
	for _, o := range outs {
		if o.Skipped {
			skipped++
			continue
		}
		ran++
		if len(o.Missing) > 0 {
			fmt.Fprintf(w, "%s: %d missing\n", o.Point.Key(), len(o.Missing))
			for _, m := range o.Missing {
				fmt.Fprintf(w, "    %s\n", m)
			}
		}
	}
	fmt.Fprintf(w, "%d points run, %d skipped\n", ran, skipped)
}

// --- probe ---

func probeMain(args []string) error {
	var f expFlags
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	f.register(fs)
	low := fs.Int("low", 0, "load known to be sustained, in ops/s; required")
	high := fs.Int("high", 0, "load known to fail, in ops/s (0 searches upward)")
	_ = fs.Parse(args)

	cfg, err := f.load()
	if err != nil {
		return err
	}
	if *low <= 0 {
		return &config.ValidationError{Problems: []string{"-low must be positive"}}
	}
	if *high != 0 && *high <= *low {
		return &config.ValidationError{Problems: []string{"-high must exceed -low"}}
	}
	logger := newLogger(f.verbose, f.logJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := prepare(ctx, &f, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	// Every load is searched, so the grid collapses onto one placeholder.
	s.params.Loads = []int{*low}
	for _, p := range grid.Enumerate(s.params) {
		pr := &workflow.Probe{
			Tries: cfg.ProbeTries(),
			Gap:   cfg.ProbeGap(),
			Log:   logger,
		}
		capacity, steps, err := s.engine.ProbePoint(ctx, pr, p, *low, *high)
		if err != nil {
			return fmt.Errorf("probe %s: %w", p, err)
		}
		fmt.Printf("%s: %d ops/s (%d steps)\n", p, capacity, len(steps))
	}
	return nil
}

// --- plan ---

func planMain(args []string) error {
	var f expFlags
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	f.register(fs)
	_ = fs.Parse(args)

	cfg, err := f.load()
	if err != nil {
		return err
	}
	decisions, err := cfg.Plan(f.outdir, f.overwrite)
	if err != nil {
		return err
	}
	skip := 0
	for _, d := range decisions {
		action := "run "
		if d.Skip {
			action = "skip"
			skip++
		}
		fmt.Printf("%s  %s\n", action, d.Point.Key())
	}
	fmt.Printf("%d points, %d to run, %d to skip\n", len(decisions), len(decisions)-skip, skip)
	return nil
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	cfgPath := fs.String("config", "", "experiment file naming the ledger")
	outdir := fs.String("outdir", ".", "output directory holding the .runs ledger")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(sbmcp.Instructions)
		return nil
	}

	cfg := &config.Config{}
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}
	store, closeStore, err := openStore(cfg, *outdir)
	if err != nil {
		return err
	}
	defer closeStore()

	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining working directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	server := sbmcp.NewServer(store, dir)
	if *httpAddr != "" {
		return serveHTTP(ctx, server, *httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
