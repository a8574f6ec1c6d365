package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"punchctl/internal/admin"
	"punchctl/internal/api"
	"punchctl/internal/client"
	"punchctl/internal/config"
	"punchctl/internal/coordinator"
	"punchctl/internal/logging"
	"punchctl/internal/metrics"
	"punchctl/internal/probe"
	"punchctl/internal/stunutil"
)

const usage = `punchctl - UDP NAT classification and hole punching

Usage:
  punchctl probe serve --config <path> [--role primary|secondary]
  punchctl probe status --admin <host:port>
  punchctl coordinator serve --config <path> [--listen :3749]
  punchctl coordinator status --admin <host:port>
  punchctl client run --config <path> [--group <name>] [--nat-type <type>]
  punchctl classify --config <path>
  punchctl check --config <path>
  punchctl stun --config <path> [--servers host:port,...]
  punchctl stats --config <path> [--window 5m]
  punchctl export csv --config <path> --out <file>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "probe":
		handleProbe(os.Args[2:])
	case "coordinator":
		handleCoordinator(os.Args[2:])
	case "client":
		handleClient(os.Args[2:])
	case "classify":
		handleClassify(os.Args[2:])
	case "check":
		handleCheck(os.Args[2:])
	case "stun":
		handleSTUN(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleProbe(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "probe subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "serve":
		probeServe(args[1:])
	case "status":
		probeStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown probe subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func probeServe(args []string) {
	fs := flag.NewFlagSet("probe serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	role := fs.String("role", "", "host role override (primary|secondary)")
	adminListen := fs.String("admin", "", "admin HTTP listen address override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Probe == nil {
		cfg.Probe = &config.ProbeConfig{}
	}
	if *role != "" {
		cfg.Probe.Role = *role
	}
	if *adminListen != "" {
		cfg.Probe.AdminListen = *adminListen
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := mustLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	reg := newRegistry()
	host, err := probe.NewHost(ctx, *cfg.Probe, reg, log)
	if err != nil {
		fatal(err)
	}
	defer host.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return host.Serve(ctx) })
	if cfg.Probe.AdminListen != "" {
		srv := admin.New("probe", reg, nil, log)
		srv.HandleStatus("/clients", func(*http.Request) (any, error) { return host.Status(), nil })
		g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Probe.AdminListen) })
	}
	fatal(ignoreCanceled(g.Wait()))
}

func probeStatus(args []string) {
	fs := flag.NewFlagSet("probe status", flag.ExitOnError)
	adminAddr := fs.String("admin", "", "probe admin address")
	_ = fs.Parse(args)
	if *adminAddr == "" {
		fatal(errors.New("--admin is required"))
	}

	resp, err := api.NewClient(*adminAddr).ProbeClients(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(resp.Clients) == 0 {
		fmt.Fprintf(os.Stdout, "%s host: no clients seen\n", resp.Role)
		return
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-8s  %-20s  %s\n", "CLIENT_ID", "REQUESTS", "LAST_ACTIVITY", "ENDPOINTS")
	for _, c := range resp.Clients {
		endpoints := make([]string, 0, len(c.Endpoints))
		for _, ep := range c.Endpoints {
			endpoints = append(endpoints, ep.String())
		}
		fmt.Fprintf(os.Stdout, "%-36s  %-8d  %-20s  %s\n",
			c.ClientID, c.Requests, c.LastActivity.UTC().Format(time.RFC3339), strings.Join(endpoints, ","))
	}
}

func handleCoordinator(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "coordinator subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "serve":
		coordinatorServe(args[1:])
	case "status":
		coordinatorStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown coordinator subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func coordinatorServe(args []string) {
	fs := flag.NewFlagSet("coordinator serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "UDP listen address override")
	adminListen := fs.String("admin", "", "admin HTTP listen address override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = &config.CoordinatorConfig{}
	}
	if *listen != "" {
		cfg.Coordinator.Listen = *listen
	}
	if *adminListen != "" {
		cfg.Coordinator.AdminListen = *adminListen
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log := mustLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	reg := newRegistry()
	srv, err := coordinator.NewServer(*cfg.Coordinator, reg, nil, log)
	if err != nil {
		fatal(err)
	}
	defer srv.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	if cfg.Coordinator.AdminListen != "" {
		adm := admin.New("coordinator", reg, nil, log)
		adm.HandleStatus("/groups", func(*http.Request) (any, error) { return srv.Status(), nil })
		g.Go(func() error { return adm.ListenAndServe(ctx, cfg.Coordinator.AdminListen) })
	}
	fatal(ignoreCanceled(g.Wait()))
}

func coordinatorStatus(args []string) {
	fs := flag.NewFlagSet("coordinator status", flag.ExitOnError)
	adminAddr := fs.String("admin", "", "coordinator admin address")
	_ = fs.Parse(args)
	if *adminAddr == "" {
		fatal(errors.New("--admin is required"))
	}

	resp, err := api.NewClient(*adminAddr).Groups(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(resp.Groups) == 0 {
		fmt.Fprintln(os.Stdout, "no registered clients")
		return
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-36s  %-22s  %-20s  %-20s\n",
		"GROUP", "CLIENT_ID", "ENDPOINT", "NAT", "LAST_ACTIVITY")
	for _, g := range resp.Groups {
		for _, m := range g.Members {
			endpoint := m.Observed
			if !endpoint.IsValid() {
				endpoint = m.Endpoint
			}
			fmt.Fprintf(os.Stdout, "%-36s  %-36s  %-22s  %-20s  %-20s\n",
				g.GroupID, m.ClientID, endpoint, m.NATType, m.LastActivity.UTC().Format(time.RFC3339))
		}
	}
}

func handleClient(args []string) {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprint(os.Stderr, "client subcommand required: run\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("client run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	group := fs.String("group", "", "group name or id override")
	natType := fs.String("nat-type", "", "skip classification and use this NAT type")
	coordinatorAddr := fs.String("coordinator", "", "coordinator address override")
	_ = fs.Parse(args[1:])

	cfg := clientConfig(*configPath, func(c *config.ClientConfig) {
		if *group != "" {
			c.Group = *group
		}
		if *natType != "" {
			c.NATType = *natType
		}
		if *coordinatorAddr != "" {
			c.Coordinator = *coordinatorAddr
		}
	})

	log := mustLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.New(ctx, *cfg.Client, client.WithLogger(log))
	if err != nil {
		fatal(err)
	}
	defer c.Close()

	fatal(c.Run(ctx))
}

func handleClassify(args []string) {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := clientConfig(*configPath, func(c *config.ClientConfig) { c.NATType = "" })
	withServingClient(cfg, func(ctx context.Context, c *client.Client) error {
		res, err := c.Classify(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "nat_type=%s public=%s phase=%d rounds=%d\n", res.Type, res.PublicEndpoint, res.Phase, res.Rounds)
		if res.Diagnostic != "" {
			fmt.Fprintf(os.Stdout, "diagnostic: %s\n", res.Diagnostic)
		}
		return nil
	})
}

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg := clientConfig(*configPath, func(c *config.ClientConfig) {
		if c.NATType == "" {
			// Only the coordinator is contacted.
			c.NATType = "unknown"
		}
	})
	withServingClient(cfg, func(ctx context.Context, c *client.Client) error {
		observed, err := c.Check(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "local=%s observed=%s\n", c.Addr(), observed)
		return nil
	})
}

// withServingClient runs fn against a client whose receive loop is running.
func withServingClient(cfg config.Config, fn func(context.Context, *client.Client) error) {
	log := mustLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	c, err := client.New(ctx, *cfg.Client, client.WithLogger(log))
	if err != nil {
		fatal(err)
	}
	defer c.Close()

	g, ctx := errgroup.WithContext(ctx)
	ctx, stop := context.WithCancel(ctx)
	g.Go(func() error { return c.Serve(ctx) })
	g.Go(func() error {
		defer stop()
		return fn(ctx, c)
	})
	fatal(g.Wait())
}

func handleSTUN(args []string) {
	fs := flag.NewFlagSet("stun", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	servers := fs.String("servers", "", "comma-separated STUN servers override")
	timeout := fs.Duration("timeout", 3*time.Second, "per-server timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	var list []string
	if cfg.Client != nil {
		list = cfg.Client.STUNServers
	}
	if *servers != "" {
		list = splitList(*servers)
	}
	if len(list) == 0 {
		fatal(errors.New("no STUN servers configured"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	mapped, err := stunutil.Probe(ctx, list, *timeout)
	if err != nil {
		fatal(err)
	}
	for _, addr := range mapped {
		fmt.Fprintf(os.Stdout, "mapped=%s\n", addr)
	}
	fmt.Fprintf(os.Stdout, "mapping_varies=%t\n", stunutil.MappingVaries(mapped))
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", 5*time.Minute, "time window")
	path := fs.String("path", "", "metrics CSV path override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	metricsPath := selectMetricsPath(cfg, *path)
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	items, err := metrics.ReadCSV(metricsPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}

	fmt.Fprintf(os.Stdout, "samples=%d peers=%d from=%s to=%s\n", summary.Count, summary.Peers, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "established=%d expired=%d (silent=%d) corrections=%d mismatches=%d\n",
		summary.Established, summary.Expired, summary.ExpiredSilent, summary.Corrections, summary.Mismatches)
	if summary.Established > 0 {
		fmt.Fprintf(os.Stdout, "establish avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms\n",
			summary.AvgEstablishMs, summary.P95EstablishMs, summary.MinEstablishMs, summary.MaxEstablishMs)
	}
	pairs := make([]string, 0, len(summary.ByPair))
	for pair := range summary.ByPair {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	for _, pair := range pairs {
		fmt.Fprintf(os.Stdout, "pair %s established=%d\n", pair, summary.ByPair[pair])
	}
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	path := fs.String("path", "", "metrics CSV path override")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	metricsPath := selectMetricsPath(cfg, *path)
	if metricsPath == "" {
		fatal(errors.New("metrics path required"))
	}

	if err := copyFile(metricsPath, *out); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %s\n", *out)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

// clientConfig loads, overrides, defaults and validates the client section.
func clientConfig(path string, override func(*config.ClientConfig)) config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Client == nil {
		cfg.Client = &config.ClientConfig{}
	}
	override(cfg.Client)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

func mustLogger(cfg config.Config) *zap.Logger {
	log, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err)
	}
	return log
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func selectMetricsPath(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	if cfg.Client != nil {
		return cfg.Client.MetricsPath
	}
	return ""
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
