package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func mustLoadConfig(test *testing.T, args ...string) (*runtimeConfig, error) {
	test.Helper()
	cmd := newRootCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	cfg := &runtimeConfig{}
	return cfg, loadConfig(cmd, viper.New(), cfg)
}

func TestLoadConfigDefaults(test *testing.T) {
	cfg, err := mustLoadConfig(test, "--session-signing-key=secret", "--embedded-workers=1", "--model-endpoint=http://model.local/score")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.ListenAddr != defaultListenAddr || cfg.GRPCListenAddr != defaultGRPCListenAddr || cfg.DatabaseURL != defaultDatabaseURL {
		test.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.Policy.CheckupFee != 100 || cfg.Policy.InitialCredits != 1000 || cfg.Policy.MaxImages != 5 || cfg.Policy.MaxPollWait != 30*time.Second {
		test.Fatalf("unexpected policy %+v", cfg.Policy)
	}
	if cfg.Queue.Driver != "memory" || cfg.Blob.Driver != "memory" || cfg.StaleAfter != defaultStaleAfter || cfg.EmbeddedWorkers != 1 {
		test.Fatalf("unexpected drivers %+v %+v", cfg.Queue, cfg.Blob)
	}
}

func TestLoadConfigReadsEnvironment(test *testing.T) {
	test.Setenv("CHECKUPD_SESSION_SIGNING_KEY", "env-secret")
	test.Setenv("CHECKUPD_DATABASE_URL", "postgres://ledger@db/checkups")
	test.Setenv("CHECKUPD_QUEUE_DRIVER", "postgres")
	test.Setenv("CHECKUPD_CHECKUP_FEE", "250")
	test.Setenv("CHECKUPD_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	cfg, err := mustLoadConfig(test)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.SessionSigningKey != "env-secret" || cfg.Policy.CheckupFee != 250 || len(cfg.API.AllowedOrigins) != 2 {
		test.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.Queue.DatabaseURL != "postgres://ledger@db/checkups" {
		test.Fatalf("postgres queue should reuse the ledger database, got %q", cfg.Queue.DatabaseURL)
	}
}

func TestLoadConfigRejectsInvalidSettings(test *testing.T) {
	if _, err := mustLoadConfig(test); err == nil {
		test.Fatalf("expected missing signing key to fail")
	}
	if _, err := mustLoadConfig(test, "--session-signing-key=secret", "--embedded-workers=2"); err == nil {
		test.Fatalf("expected embedded workers without a model endpoint to fail")
	}
	_, err := mustLoadConfig(test, "--session-signing-key=secret", "--queue-driver=memory")
	if err == nil || !strings.Contains(err.Error(), "memory queue") {
		test.Fatalf("expected memory queue without embedded workers to fail, got %v", err)
	}
	if _, err := mustLoadConfig(test, "--session-signing-key=secret", "--queue-driver=postgres", "--database-url=postgres://ledger@db/checkups"); err != nil {
		test.Fatalf("postgres queue may rely on external workers: %v", err)
	}
}

type stubReaper struct {
	batches []int
	err     error
	calls   int
}

func (reaper *stubReaper) MarkStaleCheckupsFailed(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	reaper.calls++
	if reaper.err != nil {
		return 0, reaper.err
	}
	if len(reaper.batches) == 0 {
		return 0, nil
	}
	next := reaper.batches[0]
	reaper.batches = reaper.batches[1:]
	return next, nil
}

func TestReapOnceDrainsFullBatches(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	reaper := &stubReaper{batches: []int{reaperBatchSize, 7}}
	reapOnce(context.Background(), reaper, zap.New(core), time.Hour)
	if reaper.calls != 2 {
		test.Fatalf("expected two reaper passes, got %d", reaper.calls)
	}
	if logs.FilterMessage("stale checkups failed").Len() != 2 {
		test.Fatalf("expected a log line per batch")
	}
}

func TestReapOnceLogsErrors(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	reapOnce(context.Background(), &stubReaper{err: errors.New("db down")}, zap.New(core), time.Hour)
	if logs.FilterMessage("stale checkup reaper failed").Len() != 1 {
		test.Fatalf("expected reaper failure to be logged")
	}
}
