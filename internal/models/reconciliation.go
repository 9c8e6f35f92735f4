package models

import "time"

// Reconciliation sources.
const (
	SourceGateway = "gateway" // invoices vs payments
	SourceLedger  = "ledger"  // paid invoices vs ledger topup credits
	SourceUsage   = "usage"   // successful message events vs ledger debits
)

// Report classifications.
const (
	ClassificationMatch        = "MATCH"
	ClassificationPartialMatch = "PARTIAL_MATCH"
	ClassificationMismatch     = "MISMATCH"
)

// Anomaly types.
const (
	AnomalyInvoiceLedgerMismatch = "invoice_ledger_mismatch"
	AnomalyMessageDebitMissing   = "message_debit_missing"
	AnomalyNegativeBalance       = "negative_balance"
	AnomalyDuplicateTransaction  = "duplicate_transaction"
	AnomalyOrphanedEntry         = "orphaned_entry"
)

// Anomaly resolution statuses. ResolutionStatus is the only mutable field
// on an anomaly row.
const (
	ResolutionPending       = "pending"
	ResolutionInvestigating = "investigating"
	ResolutionResolved      = "resolved"
	ResolutionFalsePositive = "false_positive"
	ResolutionAcceptedRisk  = "accepted_risk"
)

// ReconciliationReport holds the outcome of one batch run for a
// (source, period) pair. A re-run for the same pair supersedes the prior
// report rather than duplicating it.
type ReconciliationReport struct {
	ID             string    `json:"id" db:"id"`
	Source         string    `json:"source" db:"source"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time `json:"period_end" db:"period_end"`
	ExpectedTotal  int64     `json:"expected_total" db:"expected_total"`
	ActualTotal    int64     `json:"actual_total" db:"actual_total"`
	Difference     int64     `json:"difference" db:"difference"`
	ExpectedCount  int       `json:"expected_count" db:"expected_count"`
	ActualCount    int       `json:"actual_count" db:"actual_count"`
	Classification string    `json:"classification" db:"classification"`
	AsOfEntryID    int64     `json:"as_of_entry_id" db:"as_of_entry_id"`
	AnomalyCount   int       `json:"anomaly_count" db:"anomaly_count"`
	GeneratedAt    time.Time `json:"generated_at" db:"generated_at"`
}

// Anomaly is one detected mismatch, linked to the report run that found it.
type Anomaly struct {
	ID               string    `json:"id" db:"id"`
	ReportID         string    `json:"report_id" db:"report_id"`
	AnomalyType      string    `json:"anomaly_type" db:"anomaly_type"`
	AccountID        string    `json:"account_id" db:"account_id"`
	ReferenceType    string    `json:"reference_type" db:"reference_type"`
	ReferenceID      string    `json:"reference_id" db:"reference_id"`
	ExpectedAmount   int64     `json:"expected_amount" db:"expected_amount"`
	ActualAmount     int64     `json:"actual_amount" db:"actual_amount"`
	Details          string    `json:"details" db:"details"`
	ResolutionStatus string    `json:"resolution_status" db:"resolution_status"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// BalanceSnapshot is a point-in-time report derived purely from ledger
// entries within a window.
type BalanceSnapshot struct {
	AccountID         string    `json:"account_id"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
	OpeningBalance    int64     `json:"opening_balance"`
	ClosingBalance    int64     `json:"closing_balance"`
	TotalCredits      int64     `json:"total_credits"`
	TotalDebits       int64     `json:"total_debits"`
	CreditCount       int       `json:"credit_count"`
	DebitCount        int       `json:"debit_count"`
	CalculatedBalance int64     `json:"calculated_balance"`
	BalanceValidated  bool      `json:"balance_validated"`
	Notes             string    `json:"notes,omitempty"`
}
