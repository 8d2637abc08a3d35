package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob/s3store"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/bootstrap"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/checkupapi"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/inferworker"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	envPrefix = "CHECKUPD"

	flagListenAddr         = "listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagDatabaseURL        = "database-url"
	flagQueueDriver        = "queue-driver"
	flagQueueDatabaseURL   = "queue-database-url"
	flagQueueLease         = "queue-lease"
	flagBlobDriver         = "blob-driver"
	flagBlobBaseURL        = "blob-base-url"
	flagS3Bucket           = "s3-bucket"
	flagS3Region           = "s3-region"
	flagS3Endpoint         = "s3-endpoint"
	flagS3PathStyle        = "s3-path-style"
	flagS3AccessKeyID      = "s3-access-key-id"
	flagS3SecretAccessKey  = "s3-secret-access-key"
	flagCheckupFee         = "checkup-fee"
	flagInitialCredits     = "initial-credits"
	flagMaxImages          = "max-images"
	flagMaxPollWait        = "max-poll-wait"
	flagPollInterval       = "poll-interval"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagStaleAfter         = "stale-after"
	flagReaperInterval     = "reaper-interval"
	flagEmbeddedWorkers    = "embedded-workers"
	flagModelEndpoint      = "model-endpoint"
	flagModelID            = "model-id"
	defaultDatabaseURL     = "sqlite:///tmp/checkupledger.db"
	defaultListenAddr      = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultReaperInterval  = time.Minute
	defaultStaleAfter      = 30 * time.Minute
	defaultShutdownTimeout = 5 * time.Second
)

type runtimeConfig struct {
	API             checkupapi.Config
	GRPCListenAddr  string
	DatabaseURL     string
	Queue           bootstrap.QueueConfig
	Blob            bootstrap.BlobConfig
	Policy          ledger.Policy
	StaleAfter      time.Duration
	ReaperInterval  time.Duration
	EmbeddedWorkers int
	ModelEndpoint   string
	ModelID         string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "checkupd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "checkupd",
		Short:         "Checkup credit ledger: HTTP API, worker callback gRPC server and stale checkup reaper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, viper.New(), cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "worker callback gRPC listen address")
	flags.String(flagDatabaseURL, defaultDatabaseURL, "ledger database (sqlite:// or postgres://)")
	flags.String(flagQueueDriver, bootstrap.DriverMemory, "job queue driver (memory|postgres)")
	flags.String(flagQueueDatabaseURL, "", "PostgreSQL URL of the job queue")
	flags.Duration(flagQueueLease, 5*time.Minute, "how long a claimed job stays invisible")
	flags.String(flagBlobDriver, "memory", "blob store driver (memory|s3)")
	flags.String(flagBlobBaseURL, "", "base URL of presigned links for the memory blob store")
	flags.String(flagS3Bucket, "", "S3 bucket for images and biopsy documents")
	flags.String(flagS3Region, "", "S3 region")
	flags.String(flagS3Endpoint, "", "S3 compatible endpoint URL")
	flags.Bool(flagS3PathStyle, false, "use path-style S3 addressing")
	flags.String(flagS3AccessKeyID, "", "S3 access key id (defaults to the AWS credential chain)")
	flags.String(flagS3SecretAccessKey, "", "S3 secret access key")
	flags.Int64(flagCheckupFee, ledger.DefaultCheckupFee, "credits charged per checkup")
	flags.Int64(flagInitialCredits, ledger.DefaultInitialCredits, "credits granted to new doctor accounts")
	flags.Int(flagMaxImages, ledger.DefaultMaxImages, "maximum images per checkup")
	flags.Duration(flagMaxPollWait, ledger.DefaultMaxPollWait, "longest a results poll may block")
	flags.Duration(flagPollInterval, ledger.DefaultPollInterval, "results poll re-check interval")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "HS256 key of session cookies")
	flags.String(flagSessionIssuer, "", "expected session issuer")
	flags.String(flagSessionCookieName, "", "session cookie name")
	flags.Duration(flagStaleAfter, defaultStaleAfter, "fail pending checkups older than this (0 disables the reaper)")
	flags.Duration(flagReaperInterval, defaultReaperInterval, "how often the reaper runs")
	flags.Int(flagEmbeddedWorkers, 0, "in-process inference workers (required with the memory queue)")
	flags.String(flagModelEndpoint, "", "model serving URL used by embedded workers")
	flags.String(flagModelID, ledger.ModelA, "model name reported by embedded workers")

	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.API = checkupapi.Config{
		ListenAddr:        settings.GetString(flagListenAddr),
		AllowedOrigins:    checkupapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey: settings.GetString(flagSessionSigningKey),
		SessionIssuer:     settings.GetString(flagSessionIssuer),
		SessionCookieName: settings.GetString(flagSessionCookieName),
		ShutdownTimeout:   defaultShutdownTimeout,
	}
	if err := cfg.API.Validate(); err != nil {
		return err
	}
	cfg.GRPCListenAddr = settings.GetString(flagGRPCListenAddr)
	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.Queue = bootstrap.QueueConfig{
		Driver:      settings.GetString(flagQueueDriver),
		DatabaseURL: settings.GetString(flagQueueDatabaseURL),
		Lease:       settings.GetDuration(flagQueueLease),
	}
	if cfg.Queue.Driver == bootstrap.DriverPostgres && cfg.Queue.DatabaseURL == "" {
		if driver, _, err := bootstrap.ResolveDriver(cfg.DatabaseURL); err == nil && driver == bootstrap.DriverPostgres {
			cfg.Queue.DatabaseURL = cfg.DatabaseURL
		}
	}
	cfg.Blob = bootstrap.BlobConfig{
		Driver:  settings.GetString(flagBlobDriver),
		BaseURL: settings.GetString(flagBlobBaseURL),
		S3: s3store.Config{
			Bucket:          settings.GetString(flagS3Bucket),
			Region:          settings.GetString(flagS3Region),
			Endpoint:        settings.GetString(flagS3Endpoint),
			PathStyle:       settings.GetBool(flagS3PathStyle),
			AccessKeyID:     settings.GetString(flagS3AccessKeyID),
			SecretAccessKey: settings.GetString(flagS3SecretAccessKey),
		},
	}
	cfg.Policy = ledger.Policy{
		CheckupFee:     ledger.PositiveCredits(settings.GetInt64(flagCheckupFee)),
		InitialCredits: ledger.Credits(settings.GetInt64(flagInitialCredits)),
		MaxImages:      settings.GetInt(flagMaxImages),
		MaxPollWait:    settings.GetDuration(flagMaxPollWait),
		PollInterval:   settings.GetDuration(flagPollInterval),
	}
	cfg.StaleAfter = settings.GetDuration(flagStaleAfter)
	cfg.ReaperInterval = settings.GetDuration(flagReaperInterval)
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = defaultReaperInterval
	}
	cfg.EmbeddedWorkers = settings.GetInt(flagEmbeddedWorkers)
	cfg.ModelEndpoint = settings.GetString(flagModelEndpoint)
	cfg.ModelID = settings.GetString(flagModelID)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.GRPCListenAddr == "" {
		return fmt.Errorf("grpc listen addr is required")
	}
	if cfg.Queue.Driver == bootstrap.DriverMemory && cfg.EmbeddedWorkers <= 0 {
		// nothing outside this process can drain the memory queue
		return fmt.Errorf("memory queue needs --%s > 0", flagEmbeddedWorkers)
	}
	if cfg.EmbeddedWorkers > 0 && cfg.ModelEndpoint == "" {
		return fmt.Errorf("embedded workers need a model endpoint")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, closeDatabase, err := bootstrap.OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeDatabase() }()

	queue, closeQueue, err := bootstrap.OpenQueue(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("queue open: %w", err)
	}
	defer closeQueue()

	blobs, err := bootstrap.OpenBlobStore(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("blob store open: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	operationLogger, err := oplog.New(logger, registry)
	if err != nil {
		return fmt.Errorf("operation logger init: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(gormstore.New(gormDB), clock,
		ledger.WithOperationLogger(operationLogger),
		ledger.WithJobQueue(queue),
		ledger.WithPolicy(cfg.Policy),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	var pool *inferworker.Pool
	if cfg.EmbeddedWorkers > 0 {
		classifier, err := inferworker.NewHTTPClassifier(cfg.ModelEndpoint, nil)
		if err != nil {
			return err
		}
		pool, err = inferworker.New(queue, blobs, classifier, grpcserver.NewCallbackServer(service), logger.Named("worker"), inferworker.Config{
			Concurrency: cfg.EmbeddedWorkers,
			Model:       cfg.ModelID,
		})
		if err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpcserver.NewGRPCServer(service, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return checkupapi.Run(groupCtx, cfg.API, checkupapi.Dependencies{
			Logger:   logger,
			Service:  service,
			Blobs:    blobs,
			Registry: registry,
		})
	})
	group.Go(func() error {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		if serveErr := grpcServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		return nil
	})
	if cfg.StaleAfter > 0 {
		group.Go(func() error {
			runReaper(groupCtx, service, logger, cfg.ReaperInterval, cfg.StaleAfter)
			return nil
		})
	}
	if pool != nil {
		group.Go(func() error { return pool.Run(groupCtx) })
	}
	return group.Wait()
}
