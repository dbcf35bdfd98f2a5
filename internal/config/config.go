// Package config loads and validates the experiment file.
//
// The file is TOML or YAML, chosen by extension, and has three sections:
// [machines] names the fleet, [exp] the parameter lists to sweep and
// [orchestrator] the knobs of the orchestrator itself. Everything under
// [orchestrator] is optional; accessor methods apply the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/deixis/shardbench/internal/grid"
	"github.com/deixis/shardbench/internal/remote"
	"gopkg.in/yaml.v3"
)

// Default values for orchestrator settings.
const (
	DefaultRoot            = "~/burrito"
	DefaultCommandTimeout  = 30 * time.Minute
	DefaultPrimingTimeout  = 30 * time.Second
	DefaultProbeGap        = 20000
	DefaultProbeTries      = 3
	DefaultMaxOutput       = 1 << 20 // 1 MB
	DefaultShardCtl        = "burrito-shard-ctl"
	DefaultServerBuild     = "make sharding"
	DefaultClientBuild     = "make sharding-client"
	DefaultServerBatchMode = "none"
)

// Default settle delays.
const (
	DefaultSettleStore    = 5 * time.Second
	DefaultSettleShardCtl = 3 * time.Second
	DefaultSettleIOKernel = 2 * time.Second
	DefaultSettleServer   = 8 * time.Second
	DefaultSettleWarmup   = 5 * time.Second
	DefaultSettlePriming  = 2 * time.Second
)

// Config holds a parsed experiment file.
type Config struct {
	Machines     Machines     `toml:"machines" yaml:"machines"`
	Exp          Exp          `toml:"exp" yaml:"exp"`
	Orchestrator Orchestrator `toml:"orchestrator" yaml:"orchestrator"`

	// Path is the file the config was loaded from.
	Path string `toml:"-" yaml:"-"`
}

// Machine is one entry of the fleet.
type Machine struct {
	Access string `toml:"access" yaml:"access"` // channel address, defaults to Exp
	Alt    string `toml:"alt" yaml:"alt"`       // service address, defaults to Access
	Exp    string `toml:"exp" yaml:"exp"`       // experiment-network address
}

// Machines names the server and the client hosts.
type Machines struct {
	Server  Machine   `toml:"server" yaml:"server"`
	Clients []Machine `toml:"clients" yaml:"clients"`
}

// Exp holds the parameter lists swept by the experiment.
type Exp struct {
	Wrk            []string          `toml:"wrk" yaml:"wrk"`
	Workloads      map[string]string `toml:"workloads" yaml:"workloads"` // kind -> workload file
	Load           []int             `toml:"load" yaml:"load"`
	ShardType      []string          `toml:"shardtype" yaml:"shardtype"`
	Shards         []int             `toml:"shards" yaml:"shards"`
	Datapath       []string          `toml:"datapath" yaml:"datapath"`
	ClientBatching []int             `toml:"client-batching" yaml:"client-batching"`
	Batching       []int             `toml:"batching" yaml:"batching"` // older name of client-batching
	ServerBatching []string          `toml:"server-batching" yaml:"server-batching"`
	Poisson        []bool            `toml:"poisson-arrivals" yaml:"poisson-arrivals"`
	StackFrag      []bool            `toml:"stack-fragmentation" yaml:"stack-fragmentation"`
	Iterations     int               `toml:"iterations" yaml:"iterations"`
}

// Orchestrator holds settings of the orchestrator itself.
type Orchestrator struct {
	RawRoot           string `toml:"root" yaml:"root"`
	RawCommandTimeout string `toml:"command_timeout" yaml:"command_timeout"` // e.g. "30m"
	RawPrimingTimeout string `toml:"priming_timeout" yaml:"priming_timeout"`
	PrimingAttempts   int    `toml:"priming_attempts" yaml:"priming_attempts"` // 0 retries forever
	RawProbeGap       int    `toml:"probe_gap" yaml:"probe_gap"`
	RawProbeTries     int    `toml:"probe_tries" yaml:"probe_tries"`
	RawMaxOutput      int    `toml:"max_output" yaml:"max_output"`
	Ledger            string `toml:"ledger" yaml:"ledger"` // sqlite file; empty keeps JSON records in the outdir
	RawShardCtl       string `toml:"shard_ctl" yaml:"shard_ctl"`
	Build             Build  `toml:"build" yaml:"build"`
	Settle            Settle `toml:"settle" yaml:"settle"`
	SSH               SSH    `toml:"ssh" yaml:"ssh"`
}

// Build holds the build command per host role.
type Build struct {
	Server string `toml:"server" yaml:"server"`
	Client string `toml:"client" yaml:"client"`
}

// Settle holds the fixed delays observed after starting each service.
type Settle struct {
	Store    string `toml:"store" yaml:"store"`
	ShardCtl string `toml:"shard_ctl" yaml:"shard_ctl"`
	IOKernel string `toml:"iokernel" yaml:"iokernel"`
	Server   string `toml:"server" yaml:"server"`
	Warmup   string `toml:"warmup" yaml:"warmup"`   // between server check and priming
	Priming  string `toml:"priming" yaml:"priming"` // before each priming attempt
}

// SSH configures the remote channel.
type SSH struct {
	User        string   `toml:"user" yaml:"user"`
	Port        int      `toml:"port" yaml:"port"`
	KeyFiles    []string `toml:"key_files" yaml:"key_files"`
	KnownHosts  string   `toml:"known_hosts" yaml:"known_hosts"`
	Insecure    bool     `toml:"insecure" yaml:"insecure"`
	DialTimeout string   `toml:"dial_timeout" yaml:"dial_timeout"`
}

// Load reads and decodes the experiment file at path. Defaults for the
// [exp] lists are filled in; the result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes data as TOML or YAML according to ext.
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".toml", "":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	e := &c.Exp
	if len(e.Datapath) == 0 {
		e.Datapath = []string{string(grid.DatapathShenango)}
	}
	if len(e.StackFrag) == 0 {
		e.StackFrag = []bool{false}
	}
	if len(e.ClientBatching) == 0 {
		e.ClientBatching = e.Batching
	}
	if len(e.ClientBatching) == 0 {
		e.ClientBatching = []int{0}
	}
	if len(e.ServerBatching) == 0 {
		e.ServerBatching = []string{DefaultServerBatchMode}
	}
	if len(e.Poisson) == 0 {
		e.Poisson = []bool{false}
	}
	if e.Iterations <= 0 {
		e.Iterations = 1
	}
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// IsValidation reports whether err is a config validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the fleet and the parameter lists. Unknown enum values
// are reported together with every other problem.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Machines.Server.Exp == "" {
		add("machines.server needs an exp address")
	}
	if len(c.Machines.Clients) < 1 {
		add("need at least one client machine")
	}
	for i, m := range c.Machines.Clients {
		if m.Exp == "" {
			add("machines.clients[%d] needs an exp address", i)
		}
	}
	if len(c.Exp.Shards) == 0 {
		add("need shards")
	}
	for _, s := range c.Exp.Shards {
		if s <= 0 {
			add("shards must be positive, got %d", s)
		}
	}
	if len(c.Exp.Load) == 0 {
		add("need load")
	}
	for _, l := range c.Exp.Load {
		if l <= 0 {
			add("load must be positive, got %d", l)
		}
	}
	if len(c.Exp.Wrk) == 0 {
		add("need at least one workload")
	}
	for _, w := range c.Exp.Wrk {
		if _, err := grid.ClientThreads(w); err != nil {
			add("%v", err)
		}
	}
	if len(c.Exp.ShardType) == 0 {
		add("need shardtype")
	}
	for _, t := range c.Exp.ShardType {
		if _, err := grid.ParseShardType(t); err != nil {
			add("%v", err)
		}
	}
	for _, d := range c.Exp.Datapath {
		if _, err := grid.ParseDatapath(d); err != nil {
			add("%v", err)
		}
	}
	for kind := range c.Exp.Workloads {
		if _, err := grid.ParseWorkloadKind(kind); err != nil {
			add("%v", err)
		}
	}
	for _, d := range c.durations() {
		if !validDuration(d.raw) {
			add("orchestrator.%s: invalid duration %q", d.name, d.raw)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Params converts the [exp] lists into grid parameters. Call Validate first.
func (c *Config) Params() (grid.Params, error) {
	p := grid.Params{
		StackFrag:   c.Exp.StackFrag,
		Workloads:   c.Exp.Wrk,
		Shards:      c.Exp.Shards,
		Poisson:     c.Exp.Poisson,
		Loads:       c.Exp.Load,
		ClientBatch: c.Exp.ClientBatching,
		ServerBatch: c.Exp.ServerBatching,
		Iterations:  c.Exp.Iterations,
	}
	for _, d := range c.Exp.Datapath {
		dp, err := grid.ParseDatapath(d)
		if err != nil {
			return grid.Params{}, err
		}
		p.Datapaths = append(p.Datapaths, dp)
	}
	for _, t := range c.Exp.ShardType {
		st, err := grid.ParseShardType(t)
		if err != nil {
			return grid.Params{}, err
		}
		p.ShardTypes = append(p.ShardTypes, st)
	}
	return p, nil
}

// Plan enumerates the grid and marks the points whose output already
// exists under outdir. Call Validate first.
func (c *Config) Plan(outdir string, overwrite bool) ([]grid.Decision, error) {
	params, err := c.Params()
	if err != nil {
		return nil, err
	}
	_, clients, err := c.Hosts()
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, errors.New("no client machines")
	}
	return grid.Plan(grid.Enumerate(params), outdir, clients[0].Addr, overwrite, grid.FileExists), nil
}

// Hosts returns the server followed by the clients.
func (c *Config) Hosts() (*remote.Host, []*remote.Host, error) {
	m := c.Machines.Server
	server, err := remote.NewHost(m.Exp, m.Access, m.Alt)
	if err != nil {
		return nil, nil, fmt.Errorf("machines.server: %w", err)
	}
	var clients []*remote.Host
	for i, m := range c.Machines.Clients {
		h, err := remote.NewHost(m.Exp, m.Access, m.Alt)
		if err != nil {
			return nil, nil, fmt.Errorf("machines.clients[%d]: %w", i, err)
		}
		clients = append(clients, h)
	}
	return server, clients, nil
}

// Root returns the deployed source tree on every host.
func (c *Config) Root() string {
	if c.Orchestrator.RawRoot != "" {
		return strings.TrimSuffix(c.Orchestrator.RawRoot, "/")
	}
	return DefaultRoot
}

// CommandTimeout bounds builds and other foreground commands.
func (c *Config) CommandTimeout() time.Duration {
	return parseDuration(c.Orchestrator.RawCommandTimeout, DefaultCommandTimeout)
}

// PrimingTimeout bounds one priming attempt.
func (c *Config) PrimingTimeout() time.Duration {
	return parseDuration(c.Orchestrator.RawPrimingTimeout, DefaultPrimingTimeout)
}

// ProbeGap is the bound gap at which the capacity probe stops.
func (c *Config) ProbeGap() int {
	if c.Orchestrator.RawProbeGap > 0 {
		return c.Orchestrator.RawProbeGap
	}
	return DefaultProbeGap
}

// ProbeTries is the number of consecutive passes a probed load needs.
func (c *Config) ProbeTries() int {
	if c.Orchestrator.RawProbeTries > 0 {
		return c.Orchestrator.RawProbeTries
	}
	return DefaultProbeTries
}

// MaxOutputBytes returns the configured capture limit or the default.
func (c *Config) MaxOutputBytes() int {
	if c.Orchestrator.RawMaxOutput > 0 {
		return c.Orchestrator.RawMaxOutput
	}
	return DefaultMaxOutput
}

// ShardCtl returns the shard controller binary name.
func (c *Config) ShardCtl() string {
	if c.Orchestrator.RawShardCtl != "" {
		return c.Orchestrator.RawShardCtl
	}
	return DefaultShardCtl
}

// ServerBuild returns the build command for the server host.
func (c *Config) ServerBuild() string {
	if c.Orchestrator.Build.Server != "" {
		return c.Orchestrator.Build.Server
	}
	return DefaultServerBuild
}

// ClientBuild returns the build command for client hosts.
func (c *Config) ClientBuild() string {
	if c.Orchestrator.Build.Client != "" {
		return c.Orchestrator.Build.Client
	}
	return DefaultClientBuild
}

// Delays holds resolved settle delays.
type Delays struct {
	Store    time.Duration
	ShardCtl time.Duration
	IOKernel time.Duration
	Server   time.Duration
	Warmup   time.Duration
	Priming  time.Duration
}

// Delays resolves the settle delays.
func (c *Config) Delays() Delays {
	s := c.Orchestrator.Settle
	return Delays{
		Store:    parseDuration(s.Store, DefaultSettleStore),
		ShardCtl: parseDuration(s.ShardCtl, DefaultSettleShardCtl),
		IOKernel: parseDuration(s.IOKernel, DefaultSettleIOKernel),
		Server:   parseDuration(s.Server, DefaultSettleServer),
		Warmup:   parseDuration(s.Warmup, DefaultSettleWarmup),
		Priming:  parseDuration(s.Priming, DefaultSettlePriming),
	}
}

// SSHConfig returns the remote channel options.
func (c *Config) SSHConfig() remote.SSHConfig {
	s := c.Orchestrator.SSH
	return remote.SSHConfig{
		User:        s.User,
		Port:        s.Port,
		KeyFiles:    s.KeyFiles,
		KnownHosts:  s.KnownHosts,
		Insecure:    s.Insecure,
		DialTimeout: parseDuration(s.DialTimeout, 0),
		MaxOutput:   c.MaxOutputBytes(),
	}
}

type namedDuration struct{ name, raw string }

func (c *Config) durations() []namedDuration {
	o := c.Orchestrator
	return []namedDuration{
		{"command_timeout", o.RawCommandTimeout},
		{"priming_timeout", o.RawPrimingTimeout},
		{"settle.store", o.Settle.Store},
		{"settle.shard_ctl", o.Settle.ShardCtl},
		{"settle.iokernel", o.Settle.IOKernel},
		{"settle.server", o.Settle.Server},
		{"settle.warmup", o.Settle.Warmup},
		{"settle.priming", o.Settle.Priming},
		{"ssh.dial_timeout", o.SSH.DialTimeout},
	}
}

// validDuration reports whether parseDuration would honour raw rather
// than fall back to its default.
func validDuration(raw string) bool {
	if raw == "" || raw == "0" {
		return true
	}
	d, err := time.ParseDuration(raw)
	return err == nil && d >= 0
}

// parseDuration accepts Go durations ("2s") and treats a bad or
// non-positive value as unset. "0" is honoured so delays can be disabled.
func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}
