package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob/s3store"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/bootstrap"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/checkupledger/internal/inferworker"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	envPrefix = "INFERWORKER"

	flagQueueDatabaseURL  = "queue-database-url"
	flagQueueLease        = "queue-lease"
	flagCallbackAddr      = "callback-addr"
	flagBlobDriver        = "blob-driver"
	flagS3Bucket          = "s3-bucket"
	flagS3Region          = "s3-region"
	flagS3Endpoint        = "s3-endpoint"
	flagS3PathStyle       = "s3-path-style"
	flagS3AccessKeyID     = "s3-access-key-id"
	flagS3SecretAccessKey = "s3-secret-access-key"
	flagModelEndpoint     = "model-endpoint"
	flagModelID           = "model-id"
	flagModelTimeout      = "model-timeout"
	flagConcurrency       = "concurrency"
	flagIdleBackoff       = "idle-backoff"
	flagMaxAttempts       = "max-attempts"
	defaultCallbackAddr   = "localhost:7000"
)

type runtimeConfig struct {
	Queue         bootstrap.QueueConfig
	CallbackAddr  string
	Blob          bootstrap.BlobConfig
	ModelEndpoint string
	ModelTimeout  time.Duration
	Worker        inferworker.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "inferworker: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "inferworker",
		Short:         "Leases checkup image jobs, scores them with the model endpoint and reports back over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, viper.New(), cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkers(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagQueueDatabaseURL, "", "PostgreSQL URL of the job queue")
	flags.Duration(flagQueueLease, 5*time.Minute, "how long a claimed job stays invisible")
	flags.String(flagCallbackAddr, defaultCallbackAddr, "checkupd worker callback gRPC address")
	flags.String(flagBlobDriver, "s3", "blob store driver (s3|memory)")
	flags.String(flagS3Bucket, "", "S3 bucket holding checkup images")
	flags.String(flagS3Region, "", "S3 region")
	flags.String(flagS3Endpoint, "", "S3 compatible endpoint URL")
	flags.Bool(flagS3PathStyle, false, "use path-style S3 addressing")
	flags.String(flagS3AccessKeyID, "", "S3 access key id (defaults to the AWS credential chain)")
	flags.String(flagS3SecretAccessKey, "", "S3 secret access key")
	flags.String(flagModelEndpoint, "", "model serving URL")
	flags.String(flagModelID, ledger.ModelA, "model name attached to reported results")
	flags.Duration(flagModelTimeout, 30*time.Second, "model request timeout")
	flags.Int(flagConcurrency, 2, "concurrent jobs")
	flags.Duration(flagIdleBackoff, time.Second, "sleep between polls of an empty queue")
	flags.Int(flagMaxAttempts, 3, "classification attempts before a job is reported failed")

	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.Queue = bootstrap.QueueConfig{
		Driver:      bootstrap.DriverPostgres,
		DatabaseURL: settings.GetString(flagQueueDatabaseURL),
		Lease:       settings.GetDuration(flagQueueLease),
	}
	cfg.CallbackAddr = settings.GetString(flagCallbackAddr)
	cfg.Blob = bootstrap.BlobConfig{
		Driver: settings.GetString(flagBlobDriver),
		S3: s3store.Config{
			Bucket:          settings.GetString(flagS3Bucket),
			Region:          settings.GetString(flagS3Region),
			Endpoint:        settings.GetString(flagS3Endpoint),
			PathStyle:       settings.GetBool(flagS3PathStyle),
			AccessKeyID:     settings.GetString(flagS3AccessKeyID),
			SecretAccessKey: settings.GetString(flagS3SecretAccessKey),
		},
	}
	cfg.ModelEndpoint = settings.GetString(flagModelEndpoint)
	cfg.ModelTimeout = settings.GetDuration(flagModelTimeout)
	cfg.Worker = inferworker.Config{
		Concurrency: settings.GetInt(flagConcurrency),
		IdleBackoff: settings.GetDuration(flagIdleBackoff),
		MaxAttempts: settings.GetInt(flagMaxAttempts),
		Model:       settings.GetString(flagModelID),
	}

	if cfg.Queue.DatabaseURL == "" {
		return fmt.Errorf("queue database url is required")
	}
	if cfg.CallbackAddr == "" {
		return fmt.Errorf("callback addr is required")
	}
	if cfg.ModelEndpoint == "" {
		return fmt.Errorf("model endpoint is required")
	}
	return nil
}

func runWorkers(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	queue, closeQueue, err := bootstrap.OpenQueue(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("queue open: %w", err)
	}
	defer closeQueue()

	blobs, err := bootstrap.OpenBlobStore(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("blob store open: %w", err)
	}

	conn, err := grpc.NewClient(cfg.CallbackAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("callback client: %w", err)
	}
	defer func() { _ = conn.Close() }()

	classifier, err := inferworker.NewHTTPClassifier(cfg.ModelEndpoint, &http.Client{Timeout: cfg.ModelTimeout})
	if err != nil {
		return err
	}
	pool, err := inferworker.New(queue, blobs, classifier, grpcserver.NewCallbackClient(conn), logger, cfg.Worker)
	if err != nil {
		return err
	}
	logger.Info("inference workers starting",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.String("callback_addr", cfg.CallbackAddr),
		zap.String("model", cfg.Worker.Model),
	)
	return pool.Run(ctx)
}
