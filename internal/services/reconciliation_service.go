package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Devibnu/talkabiz-sub011/internal/config"
	"github.com/Devibnu/talkabiz-sub011/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const alertQueue = "reconciliation_alerts"

// ReconciliationService replays ledger and collaborator records per period
// and source to detect drift. It never corrects data; it only writes
// reports and anomaly rows and routes mismatches to the alert queue.
type ReconciliationService struct {
	db        *sql.DB
	redis     *redis.Client
	tolerance int64
}

func NewReconciliationService(db *sql.DB, redisClient *redis.Client, cfg *config.BillingConfig) *ReconciliationService {
	return &ReconciliationService{
		db:        db,
		redis:     redisClient,
		tolerance: cfg.ReconcileTolerance,
	}
}

// Run executes one reconciliation for (source, period). Re-running the same
// pair supersedes the prior report; pending anomalies from the superseded
// run are replaced, resolved ones are kept.
func (s *ReconciliationService) Run(ctx context.Context, source string, periodStart, periodEnd time.Time) (*models.ReconciliationReport, error) {
	// Reads are bounded by the highest entry id at run start so the batch
	// sees a stable ledger without holding locks against live traffic.
	var asOfEntryID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM ledger_entries`).Scan(&asOfEntryID)
	if err != nil {
		return nil, err
	}

	report := &models.ReconciliationReport{
		ID:          uuid.New().String(),
		Source:      source,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		AsOfEntryID: asOfEntryID,
		GeneratedAt: time.Now(),
	}

	var anomalies []models.Anomaly
	switch source {
	case models.SourceGateway:
		anomalies, err = s.reconcileGateway(ctx, report)
	case models.SourceLedger:
		anomalies, err = s.reconcileLedger(ctx, report)
	case models.SourceUsage:
		anomalies, err = s.reconcileUsage(ctx, report)
	default:
		return nil, fmt.Errorf("unknown reconciliation source %q", source)
	}
	if err != nil {
		return nil, err
	}

	report.Difference = report.ExpectedTotal - report.ActualTotal
	report.Classification = s.classify(report.Difference)
	report.AnomalyCount = len(anomalies)

	if err := s.persist(ctx, report, anomalies); err != nil {
		return nil, err
	}

	if report.Classification == models.ClassificationMismatch {
		s.publishAlert(ctx, report)
	}

	log.Printf("[RECONCILE] %s %s..%s: expected=%d actual=%d diff=%d class=%s anomalies=%d",
		source, periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02"),
		report.ExpectedTotal, report.ActualTotal, report.Difference, report.Classification, len(anomalies))

	return report, nil
}

// gateway: paid invoices vs gateway payments.
func (s *ReconciliationService) reconcileGateway(ctx context.Context, report *models.ReconciliationReport) ([]models.Anomaly, error) {
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM invoices
		WHERE status = 'paid' AND paid_at >= $1 AND paid_at < $2`,
		report.PeriodStart, report.PeriodEnd).Scan(&report.ExpectedTotal, &report.ExpectedCount)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM payments
		WHERE status = 'succeeded' AND created_at >= $1 AND created_at < $2`,
		report.PeriodStart, report.PeriodEnd).Scan(&report.ActualTotal, &report.ActualCount)
	if err != nil {
		return nil, err
	}

	var anomalies []models.Anomaly

	// Paid invoices with no succeeded payment backing them.
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.account_id, i.amount FROM invoices i
		LEFT JOIN payments p ON p.invoice_id = i.id AND p.status = 'succeeded'
		WHERE i.status = 'paid' AND i.paid_at >= $1 AND i.paid_at < $2
			AND p.id IS NULL`,
		report.PeriodStart, report.PeriodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var invoiceID, accountID string
		var amount int64
		if err := rows.Scan(&invoiceID, &accountID, &amount); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, s.newAnomaly(report, models.AnomalyInvoiceLedgerMismatch, accountID,
			"invoice", invoiceID, amount, 0,
			fmt.Sprintf("paid invoice %s has no succeeded gateway payment", invoiceID)))
	}

	return anomalies, rows.Err()
}

// ledger: paid invoices vs ledger topup credits, plus negative balance scan.
func (s *ReconciliationService) reconcileLedger(ctx context.Context, report *models.ReconciliationReport) ([]models.Anomaly, error) {
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM invoices
		WHERE status = 'paid' AND paid_at >= $1 AND paid_at < $2`,
		report.PeriodStart, report.PeriodEnd).Scan(&report.ExpectedTotal, &report.ExpectedCount)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM ledger_entries
		WHERE movement_type = $1 AND id <= $2 AND occurred_at >= $3 AND occurred_at < $4`,
		models.MovementTopup, report.AsOfEntryID, report.PeriodStart, report.PeriodEnd).
		Scan(&report.ActualTotal, &report.ActualCount)
	if err != nil {
		return nil, err
	}

	var anomalies []models.Anomaly

	// Paid invoices with no matching topup entry.
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.account_id, i.amount FROM invoices i
		LEFT JOIN ledger_entries le
			ON le.reference_type = 'invoice' AND le.reference_id = i.id
			AND le.movement_type = $1 AND le.id <= $2
		WHERE i.status = 'paid' AND i.paid_at >= $3 AND i.paid_at < $4
			AND le.id IS NULL`,
		models.MovementTopup, report.AsOfEntryID, report.PeriodStart, report.PeriodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var invoiceID, accountID string
		var amount int64
		if err := rows.Scan(&invoiceID, &accountID, &amount); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, s.newAnomaly(report, models.AnomalyInvoiceLedgerMismatch, accountID,
			"invoice", invoiceID, amount, 0,
			fmt.Sprintf("paid invoice %s has no ledger credit", invoiceID)))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Balances replayed from the latest entry at the run's as-of bound, so
	// the scan sees the same ledger snapshot as the totals above.
	negRows, err := s.db.QueryContext(ctx, `
		SELECT account_id, balance_after, balance_floor FROM (
			SELECT DISTINCT ON (le.account_id) le.account_id, le.balance_after, a.balance_floor
			FROM ledger_entries le
			JOIN accounts a ON a.id = le.account_id
			WHERE le.id <= $1
			ORDER BY le.account_id, le.id DESC
		) latest
		WHERE balance_after < balance_floor`,
		report.AsOfEntryID)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()

	for negRows.Next() {
		var accountID string
		var balance, floor int64
		if err := negRows.Scan(&accountID, &balance, &floor); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, s.newAnomaly(report, models.AnomalyNegativeBalance, accountID,
			"account", accountID, floor, balance,
			fmt.Sprintf("account %s balance %d below floor %d", accountID, balance, floor)))
	}

	return anomalies, negRows.Err()
}

// usage: successful message events vs ledger message debits.
func (s *ReconciliationService) reconcileUsage(ctx context.Context, report *models.ReconciliationReport) ([]models.Anomaly, error) {
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(billed_amount), 0), COUNT(*) FROM message_events
		WHERE status = 'sent' AND created_at >= $1 AND created_at < $2`,
		report.PeriodStart, report.PeriodEnd).Scan(&report.ExpectedTotal, &report.ExpectedCount)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM ledger_entries
		WHERE movement_type = $1 AND id <= $2 AND occurred_at >= $3 AND occurred_at < $4`,
		models.MovementDebitMessage, report.AsOfEntryID, report.PeriodStart, report.PeriodEnd).
		Scan(&report.ActualTotal, &report.ActualCount)
	if err != nil {
		return nil, err
	}

	var anomalies []models.Anomaly

	// Billed events with no matching debit.
	rows, err := s.db.QueryContext(ctx, `
		SELECT me.event_id, me.account_id, me.billed_amount FROM message_events me
		LEFT JOIN ledger_entries le
			ON le.reference_type = 'message' AND le.reference_id = me.event_id
			AND le.movement_type = $1 AND le.id <= $2
		WHERE me.status = 'sent' AND me.created_at >= $3 AND me.created_at < $4
			AND le.id IS NULL`,
		models.MovementDebitMessage, report.AsOfEntryID, report.PeriodStart, report.PeriodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var eventID, accountID string
		var amount int64
		if err := rows.Scan(&eventID, &accountID, &amount); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, s.newAnomaly(report, models.AnomalyMessageDebitMissing, accountID,
			"message", eventID, amount, 0,
			fmt.Sprintf("sent message %s has no ledger debit", eventID)))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ledger debits pointing at no known message event.
	orphanRows, err := s.db.QueryContext(ctx, `
		SELECT le.id, le.account_id, le.reference_id, le.amount FROM ledger_entries le
		LEFT JOIN message_events me ON me.event_id = le.reference_id
		WHERE le.movement_type = $1 AND le.reference_type = 'message' AND le.id <= $2
			AND le.occurred_at >= $3 AND le.occurred_at < $4
			AND me.event_id IS NULL`,
		models.MovementDebitMessage, report.AsOfEntryID, report.PeriodStart, report.PeriodEnd)
	if err != nil {
		return nil, err
	}
	defer orphanRows.Close()

	for orphanRows.Next() {
		var entryID int64
		var accountID, referenceID string
		var amount int64
		if err := orphanRows.Scan(&entryID, &accountID, &referenceID, &amount); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, s.newAnomaly(report, models.AnomalyOrphanedEntry, accountID,
			"ledger_entry", fmt.Sprintf("%d", entryID), 0, amount,
			fmt.Sprintf("debit entry %d references unknown message %s", entryID, referenceID)))
	}
	if err := orphanRows.Err(); err != nil {
		return nil, err
	}

	// Duplicate debits sharing one message reference.
	dupRows, err := s.db.QueryContext(ctx, `
		SELECT reference_id, account_id, SUM(amount), COUNT(*) FROM ledger_entries
		WHERE movement_type = $1 AND reference_type = 'message' AND id <= $2
			AND occurred_at >= $3 AND occurred_at < $4
		GROUP BY reference_id, account_id
		HAVING COUNT(*) > 1`,
		models.MovementDebitMessage, report.AsOfEntryID, report.PeriodStart, report.PeriodEnd)
	if err != nil {
		return nil, err
	}
	defer dupRows.Close()

	for dupRows.Next() {
		var referenceID, accountID string
		var total int64
		var count int
		if err := dupRows.Scan(&referenceID, &accountID, &total, &count); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, s.newAnomaly(report, models.AnomalyDuplicateTransaction, accountID,
			"message", referenceID, total/int64(count), total,
			fmt.Sprintf("message %s debited %d times", referenceID, count)))
	}

	return anomalies, dupRows.Err()
}

func (s *ReconciliationService) classify(difference int64) string {
	switch {
	case difference == 0:
		return models.ClassificationMatch
	case difference >= -s.tolerance && difference <= s.tolerance:
		return models.ClassificationPartialMatch
	default:
		return models.ClassificationMismatch
	}
}

func (s *ReconciliationService) newAnomaly(report *models.ReconciliationReport, anomalyType, accountID, referenceType, referenceID string, expected, actual int64, details string) models.Anomaly {
	return models.Anomaly{
		ID:               uuid.New().String(),
		ReportID:         report.ID,
		AnomalyType:      anomalyType,
		AccountID:        accountID,
		ReferenceType:    referenceType,
		ReferenceID:      referenceID,
		ExpectedAmount:   expected,
		ActualAmount:     actual,
		Details:          details,
		ResolutionStatus: models.ResolutionPending,
		CreatedAt:        report.GeneratedAt,
	}
}

// persist upserts the report on (source, period) and replaces the prior
// run's unresolved anomalies.
func (s *ReconciliationService) persist(ctx context.Context, report *models.ReconciliationReport, anomalies []models.Anomaly) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRow(`
		INSERT INTO reconciliation_reports
		(id, source, period_start, period_end, expected_total, actual_total, difference, expected_count, actual_count, classification, as_of_entry_id, anomaly_count, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source, period_start, period_end) DO UPDATE SET
			expected_total = EXCLUDED.expected_total,
			actual_total = EXCLUDED.actual_total,
			difference = EXCLUDED.difference,
			expected_count = EXCLUDED.expected_count,
			actual_count = EXCLUDED.actual_count,
			classification = EXCLUDED.classification,
			as_of_entry_id = EXCLUDED.as_of_entry_id,
			anomaly_count = EXCLUDED.anomaly_count,
			generated_at = EXCLUDED.generated_at
		RETURNING id`,
		report.ID, report.Source, report.PeriodStart, report.PeriodEnd,
		report.ExpectedTotal, report.ActualTotal, report.Difference,
		report.ExpectedCount, report.ActualCount, report.Classification,
		report.AsOfEntryID, report.AnomalyCount, report.GeneratedAt).Scan(&report.ID)
	if err != nil {
		return fmt.Errorf("failed to persist reconciliation report: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM anomalies
		WHERE report_id = $1 AND resolution_status = $2`,
		report.ID, models.ResolutionPending)
	if err != nil {
		return err
	}

	for i := range anomalies {
		anomalies[i].ReportID = report.ID
		a := &anomalies[i]
		_, err = tx.Exec(`
			INSERT INTO anomalies
			(id, report_id, anomaly_type, account_id, reference_type, reference_id, expected_amount, actual_amount, details, resolution_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			a.ID, a.ReportID, a.AnomalyType, a.AccountID, a.ReferenceType, a.ReferenceID,
			a.ExpectedAmount, a.ActualAmount, a.Details, a.ResolutionStatus, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to persist anomaly: %w", err)
		}
	}

	return tx.Commit()
}

func (s *ReconciliationService) publishAlert(ctx context.Context, report *models.ReconciliationReport) {
	if s.redis == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"type":           "reconciliation_mismatch",
		"source":         report.Source,
		"period_start":   report.PeriodStart.Format(time.RFC3339),
		"period_end":     report.PeriodEnd.Format(time.RFC3339),
		"expected_total": report.ExpectedTotal,
		"actual_total":   report.ActualTotal,
		"difference":     report.Difference,
		"anomaly_count":  report.AnomalyCount,
	})
	if err != nil {
		return
	}

	// Alerting is observational only; a queue failure never blocks the run.
	if err := s.redis.RPush(ctx, alertQueue, payload).Err(); err != nil {
		log.Printf("[RECONCILE] Failed to publish mismatch alert: %v", err)
	}
}

// ListReports returns the most recent reports, newest first.
func (s *ReconciliationService) ListReports(ctx context.Context, limit int) ([]models.ReconciliationReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, period_start, period_end, expected_total, actual_total, difference, expected_count, actual_count, classification, as_of_entry_id, anomaly_count, generated_at
		FROM reconciliation_reports
		ORDER BY generated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []models.ReconciliationReport{}
	for rows.Next() {
		var rep models.ReconciliationReport
		if err := rows.Scan(&rep.ID, &rep.Source, &rep.PeriodStart, &rep.PeriodEnd,
			&rep.ExpectedTotal, &rep.ActualTotal, &rep.Difference, &rep.ExpectedCount,
			&rep.ActualCount, &rep.Classification, &rep.AsOfEntryID, &rep.AnomalyCount,
			&rep.GeneratedAt); err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}

	return reports, rows.Err()
}

// UpdateAnomalyResolution changes the resolution status, the only mutable
// field on an anomaly.
func (s *ReconciliationService) UpdateAnomalyResolution(ctx context.Context, anomalyID, status string) error {
	switch status {
	case models.ResolutionPending, models.ResolutionInvestigating, models.ResolutionResolved,
		models.ResolutionFalsePositive, models.ResolutionAcceptedRisk:
	default:
		return fmt.Errorf("invalid resolution status %q", status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE anomalies SET resolution_status = $1 WHERE id = $2`, status, anomalyID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("anomaly %s not found", anomalyID)
	}

	return nil
}

// Start runs all sources for the previous day on an interval until ctx is
// cancelled. Blocking call.
func (s *ReconciliationService) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[RECONCILE] Scheduler started, interval %s", interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILE] Scheduler stopping")
			return
		case <-ticker.C:
			end := time.Now().Truncate(24 * time.Hour)
			start := end.Add(-24 * time.Hour)
			for _, source := range []string{models.SourceGateway, models.SourceLedger, models.SourceUsage} {
				if _, err := s.Run(ctx, source, start, end); err != nil {
					log.Printf("[RECONCILE] Run failed for %s: %v", source, err)
				}
			}
		}
	}
}
