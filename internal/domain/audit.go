package domain

import "time"

// AuditKind names an audit event.
type AuditKind string

const (
	AuditBarReceived       AuditKind = "bar_received"
	AuditSignalGenerated   AuditKind = "signal_generated"
	AuditRiskBlock         AuditKind = "risk_block"
	AuditOrderPlaced       AuditKind = "order_placed"
	AuditOrderAttempt      AuditKind = "order_attempt"
	AuditExecutionError    AuditKind = "execution_error"
	AuditShutdown          AuditKind = "shutdown"
	AuditEmergencyShutdown AuditKind = "emergency_shutdown"
	AuditKillSwitch        AuditKind = "kill_switch"
	AuditMarginAction      AuditKind = "margin_action"
)

// AuditEvent is an append-only structured record.
type AuditEvent struct {
	Timestamp time.Time      `json:"ts"`
	Kind      AuditKind      `json:"kind"`
	Symbol    string         `json:"symbol,omitempty"`
	Payload   map[string]any `json:"payload"`
}
