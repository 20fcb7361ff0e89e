package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/johndauphine/catalog-etl/internal/config"
	"github.com/johndauphine/catalog-etl/internal/etl"
	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/orchestrator"
	"github.com/johndauphine/catalog-etl/internal/progress"
	"github.com/johndauphine/catalog-etl/internal/supervisor"
	"github.com/johndauphine/catalog-etl/internal/version"
)

func main() {
	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	outputFlags := []cli.Flag{
		&cli.BoolFlag{
			Name:  "output-json",
			Usage: "Print the result as JSON",
		},
		&cli.StringFlag{
			Name:  "output-file",
			Usage: "Also write the JSON result to this file",
		},
	}

	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (default: $CONFIG_PATH or config.yaml if present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override log format (text, json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Index changed rows continuously",
				Action: runIndexer,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "once",
						Usage: "Run a single pass and exit",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress spinner (with --once)",
					},
				},
			},
			{
				Name:   "bootstrap",
				Usage:  "Create missing indexes and exit",
				Action: bootstrapIndexes,
			},
			{
				Name:   "status",
				Usage:  "Show table watermarks and the lock holder",
				Action: showStatus,
				Flags:  outputFlags,
			},
			{
				Name:   "reset",
				Usage:  "Delete watermarks so the next pass reindexes from the start",
				Action: resetWatermarks,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "table",
						Usage: "Table to reset (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Reset every table",
					},
				},
			},
			{
				Name:   "healthcheck",
				Usage:  "Check connectivity to PostgreSQL, Elasticsearch and the state store",
				Action: healthCheck,
				Flags:  outputFlags,
			},
			{
				Name:   "adapters",
				Usage:  "Print the adapter catalog",
				Action: showAdapters,
				Flags:  outputFlags,
			},
		},
	}
}

// loadConfig loads the config and applies logging settings; CLI flags win
// over the config.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	levelName := cfg.Logging.Level
	if c.IsSet("log-level") {
		levelName = c.String("log-level")
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)

	format := cfg.Logging.Format
	if c.IsSet("log-format") {
		format = c.String("log-format")
	}
	logging.SetFormat(format)

	logging.Debug("Configuration:\n%s", cfg.String())
	return cfg, nil
}

func newOrchestrator(c *cli.Context) (*config.Config, *orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return cfg, orch, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logging.Info("Received %s; finishing current chunk", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runIndexer(c *cli.Context) error {
	cfg, orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var tracker *progress.Tracker
	var observer etl.Observer
	if c.Bool("progress") {
		tracker = progress.New()
		observer = tracker
	}
	coord := orch.Coordinator(observer)
	logging.Info("Starting %s %s (tables: %v)", version.Name, version.Version, orch.Catalog().TableNames())

	if c.Bool("once") {
		stats, err := coord.RunOnce(ctx)
		if tracker != nil {
			tracker.Finish()
		}
		if err != nil {
			return err
		}
		logging.Info("Single pass finished: %s", stats.String())
		return nil
	}

	svc := supervisor.NewCoordinatorService(coord)
	tree := supervisor.New(supervisor.TreeConfig{
		ShutdownTimeout: cfg.ETL.ShutdownGrace + 5*time.Second,
	})
	tree.Add(svc)

	if addr := cfg.Metrics.Addr; addr != "" {
		server := &http.Server{
			Addr:              addr,
			Handler:           supervisor.NewRouter(svc.Health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.Add(supervisor.NewHTTPService(server, 5*time.Second))
		logging.Info("Serving metrics on %s", addr)
	}

	err = tree.Serve(ctx)
	if fatal := svc.Err(); fatal != nil {
		return fatal
	}
	return err
}

func bootstrapIndexes(c *cli.Context) error {
	_, orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	created, err := orch.Bootstrap(ctx)
	for _, name := range created {
		fmt.Printf("created %s\n", name)
	}
	return err
}

func showStatus(c *cli.Context) error {
	_, orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	res, err := orch.Status(c.Context)
	if err != nil {
		return err
	}
	if wantsJSON(c) {
		return outputJSON(c, res)
	}
	return orchestrator.WriteStatus(os.Stdout, res)
}

func resetWatermarks(c *cli.Context) error {
	tables := c.StringSlice("table")
	all := c.Bool("all")
	if err := checkResetFlags(tables, all); err != nil {
		return err
	}

	_, orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	reset, err := orch.Reset(c.Context, tables, all)
	for _, t := range reset {
		fmt.Printf("reset %s\n", t)
	}
	return err
}

func checkResetFlags(tables []string, all bool) error {
	switch {
	case all && len(tables) > 0:
		return errors.New("use either --table or --all, not both")
	case !all && len(tables) == 0:
		return errors.New("reset needs --table or --all")
	}
	return nil
}

func healthCheck(c *cli.Context) error {
	_, orch, err := newOrchestrator(c)
	if err != nil {
		return err
	}
	defer orch.Close()

	res := orch.HealthCheck(c.Context)
	if wantsJSON(c) {
		err = outputJSON(c, res)
	} else {
		err = orchestrator.WriteHealth(os.Stdout, res)
	}
	if err != nil {
		return err
	}
	if !res.Healthy {
		return cli.Exit("", 1)
	}
	return nil
}

// showAdapters only needs the catalog, so it does not open connections.
func showAdapters(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cat, err := orchestrator.LoadCatalog(cfg)
	if err != nil {
		return err
	}
	if wantsJSON(c) {
		return outputJSON(c, orchestrator.Adapters(cat))
	}
	return orchestrator.WriteAdapters(os.Stdout, cat)
}

func wantsJSON(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

// outputJSON prints result to stdout with --output-json and writes it to
// --output-file when set.
func outputJSON(c *cli.Context, result any) error {
	if c.Bool("output-json") {
		if err := orchestrator.WriteJSON(os.Stdout, result); err != nil {
			return err
		}
	}
	if path := c.String("output-file"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		if err := orchestrator.WriteJSON(f, result); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
	}
	return nil
}
