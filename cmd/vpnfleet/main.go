package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vpnfleet/internal/config"
	"vpnfleet/internal/discovery"
	"vpnfleet/internal/exporter"
	"vpnfleet/internal/fleet"
	"vpnfleet/internal/model"
	"vpnfleet/internal/oplog"
	"vpnfleet/internal/sshexec"
	"vpnfleet/internal/syncer"
)

const usage = `vpnfleet - home VPN fleet manager

Usage:
  vpnfleet init --config <path> --fleet <path>
  vpnfleet server add --config <path> --name <name> --host <addr> [--port 22] [--user root] [--key <path>] [--tags a,b] [--primary] [--disabled]
  vpnfleet server remove --config <path> --name <name>
  vpnfleet server list --config <path> [--enabled] [--tags a,b]
  vpnfleet server check --config <path> --name <name>
  vpnfleet server check-all --config <path>
  vpnfleet server metrics --config <path> --name <name>
  vpnfleet group create --config <path> --name <name> --servers a,b,c
  vpnfleet group list --config <path>
  vpnfleet summary --config <path>
  vpnfleet ops --config <path> [--server <name>] [--limit 20]
  vpnfleet sync run --config <path>
  vpnfleet sync auto --config <path>
  vpnfleet sync clients --config <path> --source <name> --targets a,b
  vpnfleet sync settings --config <path> --source <name> --targets a,b [--keys k1,k2]
  vpnfleet sync conflicts --config <path> --servers a,b,c
  vpnfleet sync status --config <path>
  vpnfleet discover --config <path>
  vpnfleet exporter --config <path> [--listen :9586] [--poll 60s]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "server":
		handleServer(os.Args[2:])
	case "group":
		handleGroup(os.Args[2:])
	case "summary":
		handleSummary(os.Args[2:])
	case "ops":
		handleOps(os.Args[2:])
	case "sync":
		handleSync(os.Args[2:])
	case "discover":
		handleDiscover(os.Args[2:])
	case "exporter":
		handleExporter(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func buildLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = nil
	if os.Getenv("VPNFLEET_DEBUG") != "" {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		fatal(err)
	}
	return log
}

func loadConfig(path string) config.Config {
	if path == "" {
		fatal(errors.New("--config is required"))
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg
}

// app bundles the wired components behind one cleanup call.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	manager *fleet.Manager
	syncer  *syncer.Syncer
}

func buildApp(configPath string) *app {
	cfg := loadConfig(configPath)
	log := buildLogger()

	pool := sshexec.NewPool(time.Duration(cfg.ConnectTimeoutSec)*time.Second, log)
	manager := fleet.NewManager(fleet.NewStore(cfg.FleetPath), pool, fleet.Options{
		CommandTimeout: time.Duration(cfg.CommandTimeoutSec) * time.Second,
		MaxConcurrent:  int64(cfg.MaxConcurrentChecks),
		OpLog:          oplog.New(cfg.OperationLogPath),
		Log:            log,
	})
	return &app{
		cfg:     cfg,
		log:     log,
		manager: manager,
		syncer:  syncer.New(manager, cfg.Sync, cfg.RemoteConfigPath, log),
	}
}

func (a *app) close() {
	a.manager.Cleanup()
	_ = a.log.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printYAML(v any) {
	data, err := yaml.Marshal(v)
	if err != nil {
		fatal(err)
	}
	fmt.Print(string(data))
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	fleetPath := fs.String("fleet", "", "path to the fleet document")
	_ = fs.Parse(args)

	if *configPath == "" || *fleetPath == "" {
		fatal(errors.New("--config and --fleet are required"))
	}

	cfg := config.Config{FleetPath: *fleetPath}
	config.ApplyDefaults(&cfg)
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s\n", *configPath)
}

func handleServer(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "server subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "add":
		serverAdd(args[1:])
	case "remove":
		serverRemove(args[1:])
	case "list":
		serverList(args[1:])
	case "check":
		serverCheck(args[1:])
	case "check-all":
		serverCheckAll(args[1:])
	case "metrics":
		serverMetrics(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown server subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func serverAdd(args []string) {
	fs := flag.NewFlagSet("server add", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "server name")
	host := fs.String("host", "", "SSH host")
	port := fs.Int("port", model.DefaultSSHPort, "SSH port")
	user := fs.String("user", model.DefaultSSHUser, "SSH user")
	key := fs.String("key", "", "SSH private key path")
	tags := fs.String("tags", "", "comma-separated tags")
	description := fs.String("description", "", "free-form description")
	iface := fs.String("iface", model.DefaultVPNInterface, "VPN interface name")
	primary := fs.Bool("primary", false, "mark as the sync source")
	disabled := fs.Bool("disabled", false, "register disabled")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	profile := model.NewServerProfile(*name, model.ServerConnection{
		Host:     *host,
		Port:     *port,
		Username: *user,
		KeyPath:  *key,
		Password: os.Getenv("VPNFLEET_SSH_PASSWORD"),
	})
	profile.Tags = splitList(*tags)
	profile.Description = *description
	profile.VPNInterface = *iface
	profile.IsPrimary = *primary
	profile.Enabled = !*disabled

	if err := app.manager.AddServer(profile); err != nil {
		fatal(err)
	}
	fmt.Printf("added %s (%s)\n", profile.Name, profile.Connection.Host)
}

func serverRemove(args []string) {
	fs := flag.NewFlagSet("server remove", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "server name")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	if err := app.manager.RemoveServer(*name); err != nil {
		fatal(err)
	}
	fmt.Printf("removed %s\n", *name)
}

func serverList(args []string) {
	fs := flag.NewFlagSet("server list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	enabled := fs.Bool("enabled", false, "enabled servers only")
	tags := fs.String("tags", "", "filter to servers with any of these tags")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	servers := app.manager.ListServers(*enabled, splitList(*tags))
	if len(servers) == 0 {
		fmt.Println("no servers")
		return
	}
	for _, p := range servers {
		status := p.StatusSnapshot()
		state := "offline"
		if status.Online {
			state = "online"
		}
		marks := ""
		if p.IsPrimary {
			marks += " primary"
		}
		if !p.Enabled {
			marks += " disabled"
		}
		fmt.Printf("%-20s %-24s %-8s%s\n", p.Name, p.Connection.Host, state, marks)
	}
}

func serverCheck(args []string) {
	fs := flag.NewFlagSet("server check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "server name")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()

	ok := app.manager.CheckServerStatus(ctx, *name)
	if err := app.manager.Persist(); err != nil {
		fatal(err)
	}

	profile, found := app.manager.GetServer(*name)
	if !found {
		fatal(fmt.Errorf("%w: %s", fleet.ErrServerNotFound, *name))
	}
	printYAML(map[string]model.ServerStatus{*name: profile.StatusSnapshot()})
	if !ok {
		os.Exit(1)
	}
}

func serverCheckAll(args []string) {
	fs := flag.NewFlagSet("server check-all", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	metrics := fs.Bool("metrics", false, "also collect metrics from online servers")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()

	results := app.manager.CheckAllServers(ctx)
	if *metrics {
		app.manager.CollectAllMetrics(ctx)
	}
	if err := app.manager.Persist(); err != nil {
		fatal(err)
	}
	printYAML(results)
}

func serverMetrics(args []string) {
	fs := flag.NewFlagSet("server metrics", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "server name")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()

	if !app.manager.CheckServerStatus(ctx, *name) {
		fatal(fmt.Errorf("server %s is unreachable", *name))
	}
	if !app.manager.CollectServerMetrics(ctx, *name) {
		fatal(fmt.Errorf("metric collection failed for %s", *name))
	}
	if err := app.manager.Persist(); err != nil {
		fatal(err)
	}

	profile, _ := app.manager.GetServer(*name)
	printYAML(map[string]model.ServerMetrics{*name: profile.MetricsSnapshot()})
}

func handleGroup(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "group subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "create":
		groupCreate(args[1:])
	case "list":
		groupList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown group subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func groupCreate(args []string) {
	fs := flag.NewFlagSet("group create", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "group name")
	servers := fs.String("servers", "", "comma-separated member names")
	description := fs.String("description", "", "free-form description")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	group := &model.ServerGroup{
		Name:        *name,
		Description: *description,
		ServerNames: splitList(*servers),
	}
	if err := app.manager.CreateGroup(group); err != nil {
		fatal(err)
	}
	fmt.Printf("created group %s with %d members\n", group.Name, len(group.ServerNames))
}

func groupList(args []string) {
	fs := flag.NewFlagSet("group list", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	groups := app.manager.ListGroups()
	if len(groups) == 0 {
		fmt.Println("no groups")
		return
	}
	for _, g := range groups {
		fmt.Printf("%-20s %s\n", g.Name, strings.Join(g.ServerNames, ","))
	}
}

func handleSummary(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	printYAML(app.manager.GetSummary())
}

func handleOps(args []string) {
	fs := flag.NewFlagSet("ops", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	server := fs.String("server", "", "filter to one server")
	limit := fs.Int("limit", 20, "most recent records to show")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	if cfg.OperationLogPath == "" {
		fatal(errors.New("operation_log_path is not set in the config"))
	}

	records, err := oplog.Read(cfg.OperationLogPath)
	if err != nil {
		fatal(err)
	}
	if *server != "" {
		filtered := records[:0]
		for _, op := range records {
			if op.ServerName == *server {
				filtered = append(filtered, op)
			}
		}
		records = filtered
	}
	if *limit > 0 && len(records) > *limit {
		records = records[len(records)-*limit:]
	}
	for _, op := range records {
		fmt.Printf("%s  %-20s %-15s %-8s %s\n",
			op.StartedAt.Format(time.RFC3339), op.ServerName, op.Operation, op.Status, op.Message)
	}
}

func handleSync(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "sync subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		syncRun(args[1:])
	case "auto":
		syncAuto(args[1:])
	case "clients":
		syncSection(args[1:], "sync clients", true)
	case "settings":
		syncSection(args[1:], "sync settings", false)
	case "conflicts":
		syncConflicts(args[1:])
	case "status":
		syncStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown sync subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func syncRun(args []string) {
	fs := flag.NewFlagSet("sync run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()

	results, err := app.syncer.AutoSync(ctx)
	if results != nil {
		if len(results.Clients) > 0 {
			fmt.Println("clients:")
			printOutcomes(results.Clients)
		}
		if len(results.Settings) > 0 {
			fmt.Println("settings:")
			printOutcomes(results.Settings)
		}
	}
	if err != nil {
		fatal(err)
	}
}

func syncAuto(args []string) {
	fs := flag.NewFlagSet("sync auto", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()

	app.syncer.StartAutoSync(ctx)
	if !app.syncer.SyncStatus().Running {
		fatal(errors.New("auto sync is disabled in the config"))
	}
	fmt.Println("auto sync running, ctrl-c to stop")
	<-ctx.Done()
	app.syncer.StopAutoSync()
}

func syncSection(args []string, name string, clients bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	source := fs.String("source", "", "server to copy from")
	targets := fs.String("targets", "", "comma-separated servers to copy to")
	keys := fs.String("keys", "", "top-level sections to copy (settings only)")
	_ = fs.Parse(args)

	if *source == "" || *targets == "" {
		fatal(errors.New("--source and --targets are required"))
	}

	app := buildApp(*configPath)
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()

	var results map[string]syncer.Outcome
	var err error
	if clients {
		results, err = app.syncer.SyncClientConfigs(ctx, *source, splitList(*targets))
	} else {
		results, err = app.syncer.SyncServerSettings(ctx, *source, splitList(*targets), splitList(*keys))
	}
	if err != nil {
		fatal(err)
	}
	printOutcomes(results)
}

func syncConflicts(args []string) {
	fs := flag.NewFlagSet("sync conflicts", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	servers := fs.String("servers", "", "comma-separated servers to compare")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	ctx, cancel := signalContext()
	defer cancel()

	names := splitList(*servers)
	if len(names) == 0 {
		for _, p := range app.manager.ListServers(true, nil) {
			names = append(names, p.Name)
		}
	}

	report, err := app.syncer.DetectConflicts(ctx, names)
	if err != nil {
		fatal(err)
	}
	printYAML(report)
	if len(report.Conflicts) > 0 {
		os.Exit(1)
	}
}

func syncStatus(args []string) {
	fs := flag.NewFlagSet("sync status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	printYAML(app.syncer.SyncStatus())
}

func printOutcomes(results map[string]syncer.Outcome) {
	for server, outcome := range results {
		switch {
		case outcome.Err != nil:
			fmt.Printf("%-20s failed: %v\n", server, outcome.Err)
		case outcome.Changed:
			fmt.Printf("%-20s updated\n", server)
		default:
			fmt.Printf("%-20s up to date\n", server)
		}
	}
}

func handleDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	servers := splitList(*stunList)
	if len(servers) == 0 {
		servers = app.cfg.STUNServers
	}

	ctx, cancel := signalContext()
	defer cancel()

	d := discovery.New(servers, 5*time.Second, app.log)
	ep, err := d.PublicEndpoint(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("public endpoint: %s\nnat type: %s\n", ep.Address, ep.NATType)

	// Check that each DDNS record still points at its server.
	for _, p := range app.manager.ListServers(false, nil) {
		if !p.DDNSEnabled || p.DDNSDomain == "" {
			continue
		}
		ok, addrs, err := d.VerifyDomain(ctx, p.DDNSDomain, p.Connection.Host)
		switch {
		case err != nil:
			fmt.Printf("%-20s %s: %v\n", p.Name, p.DDNSDomain, err)
		case ok:
			fmt.Printf("%-20s %s ok\n", p.Name, p.DDNSDomain)
		default:
			fmt.Printf("%-20s %s stale: resolves to %s, expected %s\n",
				p.Name, p.DDNSDomain, strings.Join(addrs, ","), p.Connection.Host)
		}
	}
}

func handleExporter(args []string) {
	fs := flag.NewFlagSet("exporter", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	poll := fs.Duration("poll", time.Minute, "fleet polling interval")
	_ = fs.Parse(args)

	app := buildApp(*configPath)
	defer app.close()

	addr := *listen
	if addr == "" {
		addr = app.cfg.ExporterListen
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Poll the fleet in the background so scrapes see fresh state.
	go func() {
		ticker := time.NewTicker(*poll)
		defer ticker.Stop()
		for {
			app.manager.CheckAllServers(ctx)
			app.manager.CollectAllMetrics(ctx)
			if err := app.manager.Persist(); err != nil {
				app.log.Warn("failed to persist after poll", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	app.syncer.StartAutoSync(ctx)
	defer app.syncer.StopAutoSync()

	srv := exporter.New(addr, app.manager, app.log)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil {
		fatal(err)
	}
}
