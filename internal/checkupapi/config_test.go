package checkupapi

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
)

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.SessionIssuer != "tauth" || cfg.SessionCookieName != "app_session" {
		test.Fatalf("unexpected string defaults %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"http://localhost:8000"}) {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.MaxUploadBytes != 32<<20 || cfg.DocumentURLTTL != 15*time.Minute || cfg.ShutdownTimeout != 5*time.Second {
		test.Fatalf("unexpected numeric defaults %+v", cfg)
	}
}

func TestConfigValidateRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{ListenAddr: ":9090"}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected missing signing key to fail")
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "  ", want: []string{}},
		{name: "single", raw: "https://clinic.example", want: []string{"https://clinic.example"}},
		{name: "trimmed", raw: " https://a.example , ,https://b.example ", want: []string{"https://a.example", "https://b.example"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := ParseAllowedOrigins(testCase.raw); !reflect.DeepEqual(got, testCase.want) {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestClassifyError(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "insufficient", err: ledger.WrapError("store", "account", "debit", ledger.ErrInsufficientCredits), wantStatus: http.StatusPaymentRequired, wantCode: "insufficient_credits"},
		{name: "profile", err: ledger.ErrAccountProfileMissing, wantStatus: http.StatusForbidden, wantCode: "account_profile_missing"},
		{name: "already verified", err: fmt.Errorf("%w: b-1", ledger.ErrAlreadyVerified), wantStatus: http.StatusConflict, wantCode: "already_verified"},
		{name: "gap", err: fmt.Errorf("%w: %w", ledger.ErrOrchestrationGap, ledger.ErrQueueUnavailable), wantStatus: http.StatusServiceUnavailable, wantCode: "orchestration_gap"},
		{name: "generic validation", err: ledger.ErrInvalidCheckupID, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "not found", err: ledger.ErrCheckupNotFound, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "deadline", err: context.DeadlineExceeded, wantStatus: http.StatusGatewayTimeout, wantCode: "timeout"},
		{name: "unknown", err: fmt.Errorf("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			status, code := classifyError(testCase.err)
			if status != testCase.wantStatus || code != testCase.wantCode {
				test.Fatalf("expected %d/%s, got %d/%s", testCase.wantStatus, testCase.wantCode, status, code)
			}
		})
	}
}
