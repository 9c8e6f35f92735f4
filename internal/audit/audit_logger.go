package audit

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	AccountID string    `json:"account_id"`
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogMovement(accountID, movementType, reference string, amount, balanceAfter int64) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "LEDGER_MOVEMENT",
		AccountID: accountID,
		Reference: reference,
		Amount:    amount,
		Status:    "SUCCESS",
		Details: map[string]any{
			"movement_type": movementType,
			"balance_after": balanceAfter,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogReservation(accountID, reservationKey, transition string, amount int64) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "RESERVATION",
		AccountID: accountID,
		Reference: reservationKey,
		Amount:    amount,
		Status:    transition,
	}
	a.log(event)
}

func (a *AuditLogger) LogPolicyViolation(accountID, reference, violation string, amount int64) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "POLICY_VIOLATION",
		AccountID: accountID,
		Reference: reference,
		Amount:    amount,
		Status:    "REJECTED",
		Details:   map[string]string{"violation": violation},
	}
	a.log(event)
}

func (a *AuditLogger) LogError(accountID, reference string, err error) {
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		AccountID: accountID,
		Reference: reference,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
