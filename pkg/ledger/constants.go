package ledger

import "time"

const (
	operationOpenAccount      = "open_account"
	operationDebit            = "debit"
	operationCredit           = "credit"
	operationPurchase         = "purchase"
	operationSubmitCheckup    = "submit_checkup"
	operationSubmitJobs       = "submit_jobs"
	operationResubmitCheckup  = "resubmit_checkup"
	operationReportResult     = "report_result"
	operationReportFailure    = "report_failure"
	operationReapCheckups     = "reap_checkups"
	operationAttachBiopsy     = "attach_biopsy"
	operationVerifyBiopsy     = "verify_biopsy"
	operationRejectBiopsy     = "reject_biopsy"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// TransactionProviderSimulated marks purchases that never reached a payment processor.
	TransactionProviderSimulated = "SIMULATED"

	// MalignantScoreThreshold splits classifier scores into the two result labels.
	MalignantScoreThreshold = 0.5

	LabelMalignant = "Malignant"
	LabelBenign    = "Benign"

	ModelA = "Model_A"
	ModelC = "Model_C"

	failureMessageTimeout = "inference timed out"
)

// Defaults applied when a Policy leaves a field unset.
const (
	DefaultCheckupFee     = 100
	DefaultInitialCredits = 1000
	DefaultMaxImages      = 5
	DefaultMaxPollWait    = 30 * time.Second
	DefaultPollInterval   = time.Second
)

// LabelForScore maps a classifier score to its result label.
func LabelForScore(score float64) string {
	if score >= MalignantScoreThreshold {
		return LabelMalignant
	}
	return LabelBenign
}
