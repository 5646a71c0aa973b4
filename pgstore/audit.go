package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"

	nidoauth "github.com/nidohq/nido-auth"
)

// AuditSink persists audit events to the audit_events table. Inserts are
// best-effort: a failed write is dropped rather than propagated, because the
// audit path runs on the engine's dispatcher goroutine and must never block
// or fail a request.
type AuditSink struct {
	db *sql.DB
}

// NewAuditSink creates a sink over the given handle.
func NewAuditSink(db *sql.DB) *AuditSink {
	return &AuditSink{db: db}
}

// Emit inserts one event row.
func (s *AuditSink) Emit(ctx context.Context, event nidoauth.AuditEvent) {
	var metadata []byte
	if len(event.Metadata) > 0 {
		metadata, _ = json.Marshal(event.Metadata)
	}

	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO audit_events
		 (occurred_at, event_type, user_id, tenant_id, actor_id, request_id, ip, success, error, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.Timestamp, event.EventType,
		nullable(event.UserID), nullable(event.TenantID), nullable(event.ActorID),
		nullable(event.RequestID), nullable(event.IP),
		event.Success, nullable(event.Error), metadata,
	)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
