package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/task-mcp/internal/auditor"
	"github.com/basket/task-mcp/internal/bus"
	"github.com/basket/task-mcp/internal/config"
	"github.com/basket/task-mcp/internal/doctor"
	"github.com/basket/task-mcp/internal/metaschema"
	otelPkg "github.com/basket/task-mcp/internal/otel"
	"github.com/basket/task-mcp/internal/registry"
	"github.com/basket/task-mcp/internal/resolver"
	"github.com/basket/task-mcp/internal/sched"
	"github.com/basket/task-mcp/internal/shared"
	"github.com/basket/task-mcp/internal/store"
	"github.com/basket/task-mcp/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

PROJECT:
  %s register [path]          Register the workspace (default: cwd)
  %s projects                 List registered projects

TASKS:
  %s add -title <t> [flags]   Create a task
  %s list [flags]             List tasks
  %s show <id>                Show one task
  %s update <id> [flags]      Update task fields
  %s done <id>                Mark a task done
  %s rm <id>                  Soft-delete a task

RESOLUTION:
  %s next [-limit n]          Tasks ready to work on
  %s blocked                  Blocked tasks with causes
  %s tree [-root id]          Task hierarchy

ENTITIES:
  %s entity <action>          Manage entities
                              Actions: add, list, show, rm, link, unlink

AUDIT:
  %s audit [flags]            Run a workspace integrity audit
  %s validate <id>            Check one task against this workspace
  %s runs [-limit n]          Recent audit runs

MAINTENANCE:
  %s snapshot                 Write a snapshot of the current store
  %s daemon                   Run the audit/snapshot scheduler
  %s doctor                   Diagnose the environment

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKMCP_HOME            Data directory (default: ~/.taskmcp)
  TASKMCP_LOG_LEVEL       Log level (debug, info, warn, error)
  TASKMCP_AUDIT_SCHEDULE  Default cron expression for scheduled audits

EXAMPLES:
  Register this repo:     %s register
  Create a task:          %s add -title "Fix the flaky test" -priority high
  What's next:            %s next
  Audit the workspace:    %s audit -json
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

// app bundles what every subcommand needs once the environment is resolved.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *registry.Registry
	bus      *bus.Bus
	metrics  *otelPkg.Metrics // non-nil in daemon mode only
	json     bool
	tty      bool
}

func main() {
	jsonOut := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "E_CONFIG_LOAD", err)
	}

	// Subcommands log quietly; only the daemon mirrors logs to stdout.
	quiet := cmd != "daemon"
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	reg := registry.New(cfg.HomeDir, logger)
	if err := reg.Initialize(ctx); err != nil {
		fatal(logger, "E_REGISTRY_INIT", err)
	}
	defer reg.Close()

	tty := isatty.IsTerminal(os.Stdout.Fd())
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		bus:      bus.New(),
		json:     *jsonOut || !tty,
		tty:      tty,
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	switch cmd {
	case "register":
		os.Exit(a.runRegister(ctx, args[1:]))
	case "projects":
		os.Exit(a.runProjects(ctx))
	case "add":
		os.Exit(a.runAdd(ctx, args[1:]))
	case "list":
		os.Exit(a.runList(ctx, args[1:]))
	case "show":
		os.Exit(a.runShow(ctx, args[1:]))
	case "update":
		os.Exit(a.runUpdate(ctx, args[1:]))
	case "done":
		os.Exit(a.runDone(ctx, args[1:]))
	case "rm":
		os.Exit(a.runRemove(ctx, args[1:]))
	case "next":
		os.Exit(a.runNext(ctx, args[1:]))
	case "blocked":
		os.Exit(a.runBlocked(ctx, args[1:]))
	case "tree":
		os.Exit(a.runTree(ctx, args[1:]))
	case "entity":
		os.Exit(a.runEntity(ctx, args[1:]))
	case "audit":
		os.Exit(a.runAudit(ctx, args[1:]))
	case "validate":
		os.Exit(a.runValidate(ctx, args[1:]))
	case "runs":
		os.Exit(a.runAuditRuns(ctx, args[1:]))
	case "snapshot":
		os.Exit(a.runSnapshot(ctx))
	case "daemon":
		os.Exit(a.runDaemon(ctx))
	case "doctor":
		os.Exit(a.runDoctor(ctx))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

// currentProject resolves the working directory to a registered project,
// registering it on the fly so first use needs no setup step.
func (a *app) currentProject(ctx context.Context) (registry.Project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return registry.Project{}, fmt.Errorf("resolve cwd: %w", err)
	}
	if p, ok := a.registry.LookupPath(cwd); ok {
		return p, nil
	}
	p, err := a.registry.Register(cwd, "")
	if err != nil {
		return registry.Project{}, err
	}
	a.logger.Info("workspace auto-registered", "project_id", p.ID, "path", p.Path)
	return p, nil
}

// openStore opens the store for a project with the full ambient stack wired.
func (a *app) openStore(p registry.Project) (*store.Store, error) {
	metaval, err := metaschema.New()
	if err != nil {
		return nil, err
	}
	opts := []store.Option{
		store.WithBus(a.bus),
		store.WithLogger(a.logger),
		store.WithMetadataValidator(metaval),
		store.WithBusyTimeout(a.cfg.BusyTimeoutMS),
	}
	if a.metrics != nil {
		opts = append(opts, store.WithMetrics(a.metrics))
	}
	return store.Open(a.registry.DBPath(p.ID), p.Path, opts...)
}

// openCurrent is the common prologue of most subcommands.
func (a *app) openCurrent(ctx context.Context) (registry.Project, *store.Store, error) {
	p, err := a.currentProject(ctx)
	if err != nil {
		return registry.Project{}, nil, err
	}
	st, err := a.openStore(p)
	if err != nil {
		return registry.Project{}, nil, err
	}
	return p, st, nil
}

func (a *app) newResolver(st *store.Store) *resolver.Resolver {
	if a.metrics != nil {
		return resolver.New(st, a.logger, resolver.WithMetrics(a.metrics))
	}
	return resolver.New(st, a.logger)
}

func (a *app) newAuditor(st *store.Store) (*auditor.Auditor, error) {
	return auditor.New(st, a.registry, a.cfg.Audit.Heuristics, a.logger)
}

// runDaemon runs the audit/snapshot scheduler until the context is done.
func (a *app) runDaemon(ctx context.Context) int {
	provider, err := otelPkg.Init(ctx, a.cfg.OTel)
	if err != nil {
		fatal(a.logger, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatal(a.logger, "E_OTEL_METRICS", err)
	}
	a.metrics = metrics

	// Mirror completed audits into the daemon log so operators can follow
	// scheduled runs without querying the audit_runs table.
	sub := a.bus.Subscribe("audit.")
	defer a.bus.Unsubscribe(sub)
	go logAuditEvents(sub, a.logger)

	scheduler := sched.NewScheduler(sched.Config{
		Registry: a.registry,
		OpenStore: func(_ context.Context, p registry.Project) (*store.Store, error) {
			return a.openStore(p)
		},
		Logger:          a.logger,
		Bus:             a.bus,
		Metrics:         metrics,
		Tracer:          provider.Tracer,
		DefaultSchedule: a.cfg.Audit.Schedule,
		CheckGitRepo:    a.cfg.Audit.CheckGitRepo,
		Heuristics:      a.cfg.Audit.Heuristics,
		SnapshotEvery:   time.Duration(a.cfg.Snapshot.IntervalMinutes) * time.Minute,
		SnapshotKeep:    a.cfg.Snapshot.Keep,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	a.logger.Info("daemon running",
		"home", a.cfg.HomeDir,
		"config_fingerprint", a.cfg.Fingerprint(),
		"version", Version,
	)

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return 0
}

// logAuditEvents drains an audit subscription into the daemon log until the
// subscription is closed.
func logAuditEvents(sub *bus.Subscription, logger *slog.Logger) {
	for ev := range sub.Ch() {
		audit, ok := ev.Payload.(bus.AuditEvent)
		if !ok {
			continue
		}
		logger.Info("audit completed",
			"report_id", audit.ReportID,
			"workspace", audit.WorkspacePath,
			"findings", audit.FindingCount,
			"contamination_found", audit.ContaminationFound,
		)
	}
}

// runDoctor diagnoses the home directory, registry, and project databases.
func (a *app) runDoctor(ctx context.Context) int {
	d := doctor.Run(ctx, &a.cfg, a.registry, Version)
	if a.json {
		if code := a.emit(d); code != 0 {
			return code
		}
	} else {
		fmt.Printf("taskmcp %s on %s/%s (%s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Printf("[%-4s] %-16s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("       %s\n", r.Detail)
			}
		}
	}
	if d.Failed() {
		return 1
	}
	return 0
}

func fatal(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskmcp","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
