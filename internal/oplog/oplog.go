// Package oplog reports ledger operations to zap and Prometheus.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricNamespace = "checkupledger"
	labelOperation  = "operation"
	labelStatus     = "status"
	statusError     = "error"
)

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger     *zap.Logger
	operations *prometheus.CounterVec
	credits    *prometheus.CounterVec
	gaps       prometheus.Counter
}

var _ ledger.OperationLogger = (*Logger)(nil)

// New registers the operation metrics on registerer.
func New(logger *zap.Logger, registerer prometheus.Registerer) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	operationLogger := &Logger{
		logger: logger,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{labelOperation, labelStatus}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "credits_moved_total",
			Help:      "Credits moved by successful ledger operations.",
		}, []string{labelOperation}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "orchestration_gaps_total",
			Help:      "Checkups committed without a queued inference task.",
		}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{operationLogger.operations, operationLogger.credits, operationLogger.gaps} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return operationLogger, nil
}

func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	operationLogger.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if entry.Subject != "" {
		fields = append(fields, zap.String("subject", entry.Subject))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if key := entry.IdempotencyKey.String(); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	if entry.Error == nil {
		if entry.Amount > 0 {
			operationLogger.credits.WithLabelValues(entry.Operation).Add(float64(entry.Amount.Int64()))
		}
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	switch {
	case errors.Is(entry.Error, ledger.ErrOrchestrationGap):
		operationLogger.gaps.Inc()
		operationLogger.logger.Error("orchestration gap", fields...)
	case entry.Status == statusError && isClientError(entry.Error):
		operationLogger.logger.Info("ledger operation rejected", fields...)
	default:
		operationLogger.logger.Warn("ledger operation failed", fields...)
	}
}

func isClientError(err error) bool {
	return ledger.IsValidation(err) ||
		ledger.IsNotFound(err) ||
		ledger.IsConflict(err) ||
		errors.Is(err, ledger.ErrInsufficientCredits) ||
		errors.Is(err, ledger.ErrForbidden)
}
