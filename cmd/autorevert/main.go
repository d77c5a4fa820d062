package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/ci-autorevert/actions"
	"github.com/izavyalov-dev/ci-autorevert/datasource/clickhouse"
	"github.com/izavyalov-dev/ci-autorevert/extraction"
	"github.com/izavyalov-dev/ci-autorevert/internal/archive"
	"github.com/izavyalov-dev/ci-autorevert/internal/config"
	"github.com/izavyalov-dev/ci-autorevert/internal/observability"
	"github.com/izavyalov-dev/ci-autorevert/internal/queue"
	"github.com/izavyalov-dev/ci-autorevert/internal/vcs/github"
	"github.com/izavyalov-dev/ci-autorevert/orchestrator"
	"github.com/izavyalov-dev/ci-autorevert/signal"
	"github.com/izavyalov-dev/ci-autorevert/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "check":
		err = runCheck(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "restart-workflow":
		err = runRestartWorkflow(os.Args[2:])
	case "watch-decisions":
		err = runWatchDecisions(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: autorevert <check|serve|restart-workflow|watch-decisions> [flags]")
}

func runCheck(args []string) error {
	flags := flag.NewFlagSet("check", flag.ExitOnError)
	dryRun := flags.Bool("dry-run", false, "Log intended actions without side effects")
	asOf := flags.String("as-of", "", "Evaluate as of this RFC3339 timestamp (default now)")
	_ = flags.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	restart, revert, err := cfg.Actions(*dryRun)
	if err != nil {
		return err
	}
	ts := time.Now()
	if *asOf != "" {
		if ts, err = time.Parse(time.RFC3339, *asOf); err != nil {
			return fmt.Errorf("parse as-of: %w", err)
		}
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	eval, err := app.service.RunOnce(ctx, cfg.RunContext(ts, restart, revert))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(eval)
}

func runServe(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := flags.String("listen", "", "Listen address (default LISTEN_ADDR)")
	dryRun := flags.Bool("dry-run", false, "Log intended actions without side effects")
	_ = flags.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	restart, revert, err := cfg.Actions(*dryRun)
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	scheduler := orchestrator.NewScheduler(app.service, cfg.Server.Interval, func(now time.Time) signal.RunContext {
		return cfg.RunContext(now, restart, revert)
	}, nil)
	handler := orchestrator.NewHTTPHandler(app.service, scheduler, orchestrator.HTTPConfig{
		Repo:          cfg.Run.Repo,
		BranchRef:     cfg.Server.BranchRef,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Metrics:       app.metrics,
		Health:        app.health,
	}, nil)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger := observability.NewLogger("autorevert")
	logger.Info("server starting", "event", "server_started", "listen", cfg.Server.Listen, "interval", cfg.Server.Interval.String(), "restart_action", string(restart), "revert_action", string(revert))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runRestartWorkflow(args []string) error {
	flags := flag.NewFlagSet("restart-workflow", flag.ExitOnError)
	workflow := flags.String("workflow", "", "Workflow display name or file name")
	commit := flags.String("commit", "", "Commit SHA to restart")
	jobs := flags.String("jobs", "", "Space separated job filters")
	tests := flags.String("tests", "", "Space separated test filters")
	dryRun := flags.Bool("dry-run", false, "Resolve the workflow without dispatching")
	_ = flags.Parse(args)

	if *workflow == "" || *commit == "" {
		return errors.New("workflow and commit are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newGitHubClient(cfg.GitHub)
	if err != nil {
		return err
	}
	resolver := github.NewWorkflowResolver(client, nil)
	logger := observability.NewLogger("autorevert")

	ref, err := resolver.Require(ctx, cfg.Run.Repo, *workflow)
	if err != nil {
		return err
	}
	filters := github.Filters{Jobs: strings.Fields(*jobs), Tests: strings.Fields(*tests)}
	if *dryRun {
		support, err := resolver.InputSupport(ctx, cfg.Run.Repo, *workflow)
		if err != nil {
			return err
		}
		logger.Info("dry run, workflow not dispatched",
			"event", "workflow_dispatch_dry_run",
			"workflow", ref.DisplayName,
			"file", ref.FileName,
			"commit_sha", *commit,
			"jobs_to_include", support.JobsToInclude,
			"tests_to_include", support.TestsToInclude,
		)
		return nil
	}
	restarter := github.NewRestarter(client, resolver, cfg.Run.Repo, nil)
	return restarter.Dispatch(ctx, signal.WorkflowName(*workflow), signal.Sha(*commit), filters)
}

func runWatchDecisions(args []string) error {
	flags := flag.NewFlagSet("watch-decisions", flag.ExitOnError)
	from := flags.String("from", "$", "Stream id to start after")
	block := flags.Duration("block", 5*time.Second, "Blocking read timeout")
	_ = flags.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Redis.URL == "" {
		return errors.New("REDIS_URL required")
	}
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := openRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	logger := observability.NewLogger("autorevert.decisions")
	enc := json.NewEncoder(os.Stdout)
	last := *from
	for {
		streams, err := client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{cfg.Redis.Stream, last},
			Block:   *block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read decisions: %w", err)
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				last = entry.ID
				msg, err := queue.ParseDecision(entry)
				if err != nil {
					logger.Warn("skipping malformed decision", "event", "decision_malformed", "id", entry.ID, "error", err)
					continue
				}
				if err := enc.Encode(msg); err != nil {
					return err
				}
			}
		}
	}
}

type app struct {
	service *orchestrator.Service
	metrics *observability.Metrics
	health  func(ctx context.Context) error
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp opens every backing store and assembles the evaluation service.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{metrics: observability.NewMetrics(prometheus.DefaultRegisterer)}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, db.Close)
	store := state.NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		return fail(err)
	}
	a.health = store.Ping

	warehouse, err := clickhouse.Open(clickhouse.Config{
		Addr:     cfg.ClickHouse.Addr,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
		Secure:   cfg.ClickHouse.Secure,
	})
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, warehouse.Close)
	extractor := extraction.NewExtractor(clickhouse.NewDatasource(warehouse, nil), nil)

	client, err := newGitHubClient(cfg.GitHub)
	if err != nil {
		return fail(err)
	}
	resolver := github.NewWorkflowResolver(client, nil)
	restarter := github.NewRestarter(client, resolver, cfg.Run.Repo, nil)

	var publisher actions.Publisher = actions.NoopPublisher{}
	if cfg.Redis.URL != "" {
		rdb, err := openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, rdb.Close)
		publisher = queue.NewRedisPublisher(rdb, cfg.Redis.Stream, nil)
	}

	var archiver archive.Archiver = archive.Noop{}
	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Region: cfg.Archive.Region,
		})
		if err != nil {
			return fail(err)
		}
		archiver = s3
	}

	policy := cfg.Policy
	breaker := actions.NewCircuitBreaker(client, policy.ApprovedUsers, nil).WithLabel(policy.CircuitBreakerLabel)
	executors := orchestrator.ProcessorFactory(orchestrator.NewAuditLog(store), restarter, client, publisher, actions.Config{
		MaxRestarts:    policy.MaxRestarts,
		PacingWindow:   policy.PacingWindow,
		FailureBackoff: policy.FailureBackoff,
		HUDBaseURL:     policy.HUDBaseURL,
		RevertCommand:  policy.RevertCommand,
		DisableLabel:   policy.DisableLabel,
		Metrics:        a.metrics,
	})

	a.service = orchestrator.NewService(extractor, nil, executors, store, orchestrator.Config{
		Workers:  cfg.Run.Workers,
		Archiver: archiver,
		Breaker:  breaker,
		Metrics:  a.metrics,
	})
	return a, nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := observability.SetLogLevel(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newGitHubClient(cfg config.GitHubConfig) (*github.Client, error) {
	var client *github.Client
	if cfg.UsesApp() {
		tokens, err := github.LoadAppTokenProvider(github.AppConfig{
			AppID:          cfg.AppID,
			InstallationID: cfg.InstallationID,
			PrivateKeyPath: cfg.PrivateKeyPath,
			BaseURL:        cfg.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		client = github.NewAppClient(tokens)
	} else {
		client = github.NewClient(cfg.Token)
	}
	if cfg.BaseURL != "" {
		client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return client, nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
