// Command ddbfx replays JSON-lines DynamoDB request files against a table.
// Sources are read from S3 or the local filesystem, progress is checkpointed
// so an interrupted run can resume, and a report is printed at the end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/ddb-effect/aws"
	"github.com/gurre/ddb-effect/checkpoint"
	"github.com/gurre/ddb-effect/config"
	"github.com/gurre/ddb-effect/effect"
	"github.com/gurre/ddb-effect/executor"
	"github.com/gurre/ddb-effect/logging"
	"github.com/gurre/ddb-effect/metrics"
	"github.com/gurre/ddb-effect/preflight"
	"github.com/gurre/ddb-effect/request"
	"github.com/gurre/ddb-effect/runner"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("ddbfx", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	region := fs.String("region", "", "AWS region")
	endpoint := fs.String("endpoint", "", "DynamoDB endpoint override, e.g. http://localhost:8000")
	profile := fs.String("profile", "", "Shared config profile")
	table := fs.String("table", "", "Table for request lines that name none")
	var requests stringList
	fs.Var(&requests, "requests", "Request source (s3://bucket/key, file:// or path); repeatable")
	resume := fs.String("resume", "", "Checkpoint location (s3://bucket/key or path)")
	workers := fs.Int("workers", 0, "Sources replayed concurrently")
	retries := fs.Int("retries", 0, "Retries for throttled requests")
	timeout := fs.Duration("timeout", 0, "Per-request timeout")
	dryRun := fs.Bool("dry-run", false, "Decode and count requests without sending them")
	report := fs.String("report", "", "Report location (s3://bucket/key or path)")
	preflightCheck := fs.Bool("preflight", false, "Simulate IAM permissions before replaying")
	principal := fs.String("principal", "", "Principal ARN used by -preflight")
	checkpointEvery := fs.Int("checkpoint-every", 0, "Save progress after this many requests per source")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "Budget for the final checkpoint after interruption")
	progress := fs.Duration("progress", 0, "Interval between progress log lines")
	logLevel := fs.String("log-level", "", "Log level (trace|debug|info|warn|error)")
	logFormat := fs.String("log-format", "", "Log format (json|console)")
	statsdAddr := fs.String("statsd", "", "statsd address host:port; metrics are disabled when empty")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "region":
			cfg.Region = *region
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "profile":
			cfg.Profile = *profile
		case "table":
			cfg.Table = *table
		case "requests":
			cfg.Requests = requests
		case "resume":
			cfg.ResumeKey = *resume
		case "workers":
			cfg.MaxWorkers = *workers
		case "retries":
			cfg.MaxRetries = *retries
		case "timeout":
			cfg.RequestTimeout = *timeout
		case "dry-run":
			cfg.DryRun = *dryRun
		case "report":
			cfg.ReportURI = *report
		case "preflight":
			cfg.Preflight = *preflightCheck
		case "principal":
			cfg.PrincipalARN = *principal
		case "checkpoint-every":
			cfg.CheckpointEvery = *checkpointEvery
		case "shutdown-timeout":
			cfg.ShutdownTimeout = *shutdownTimeout
		case "progress":
			cfg.ProgressEvery = *progress
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		case "statsd":
			cfg.Metrics.StatsdAddr = *statsdAddr
		}
	})
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	logger := logging.Configure(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadOpts := aws.LoadOptions{
		Region:   cfg.Region,
		Profile:  cfg.Profile,
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.RequestTimeout,
	}
	awsCfg, err := aws.LoadConfig(ctx, loadOpts)
	if err != nil {
		return err
	}

	// The connection dependency is built once and released on every exit path.
	deps := effect.DefaultDocumentClientDeps(awsCfg, aws.DynamoDBOptions(loadOpts)...)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := effect.CleanupDocumentClientDeps(deps)(cleanupCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to release DynamoDB clients")
		}
	}()

	rawS3Client := s3.NewFromConfig(awsCfg)
	s3Client := aws.NewS3Client(rawS3Client)

	sink, err := metrics.NewSink(cfg.Metrics.StatsdAddr, cfg.Metrics.Namespace)
	if err != nil {
		return fmt.Errorf("failed to create metrics sink: %w", err)
	}
	m := metrics.NewMetrics(sink)
	defer m.Close()

	var store checkpoint.Store
	if cfg.ResumeKey != "" {
		store, err = checkpoint.NewStore(s3Client, cfg.ResumeKey)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	} else {
		store = checkpoint.NewMemoryStore(checkpoint.State{})
	}

	exec := executor.New(deps, m, logger, executor.Options{
		MaxRetries:     cfg.MaxRetries,
		RequestTimeout: cfg.RequestTimeout,
		DryRun:         cfg.DryRun,
	})

	r := runner.New(runner.Options{
		Sources:          cfg.Requests,
		MaxWorkers:       cfg.MaxWorkers,
		CheckpointEvery:  cfg.CheckpointEvery,
		ReportURI:        cfg.ReportURI,
		ProgressInterval: cfg.ProgressEvery,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	},
		runner.NewS3Streamer(rawS3Client),
		request.NewJSONDecoder(cfg.Table),
		exec,
		store,
		m,
		runner.Reports{S3: s3Client},
		logger,
	)

	if cfg.Preflight && !cfg.DryRun {
		// Only the actions the remaining lines use are simulated.
		var reqs preflight.Requirements
		if err := r.Requests(ctx, reqs.Add); err != nil {
			return fmt.Errorf("preflight failed: %w", err)
		}
		decisions, err := preflight.Check(ctx, aws.NewIAMClient(iam.NewFromConfig(awsCfg)), cfg.PrincipalARN, reqs.Actions(), nil)
		for _, d := range decisions {
			logger.Info().Str("action", d.Action).Str("decision", string(d.Decision)).Msg("preflight")
		}
		if err != nil {
			return fmt.Errorf("preflight failed: %w", err)
		}
	}

	logger.Info().Strs("sources", cfg.Requests).Int("workers", cfg.MaxWorkers).Bool("dry_run", cfg.DryRun).Msg("starting replay")
	report, err := r.Run(ctx)
	fmt.Println(report)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	return nil
}
