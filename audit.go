package nidoauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// AuditEvent is one append-only record of a security-relevant outcome:
// logins, denials, revocations, MFA transitions, role decisions.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
	ActorID   string            `json:"actor_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives events from the engine's dispatcher. Implementations
// must tolerate concurrent calls.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink silently discards all events.
type NoOpSink struct{}

// Emit discards the event.
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink buffers events on a channel for an in-process consumer.
type ChannelSink struct {
	events chan AuditEvent
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan AuditEvent, buffer)}
}

// Emit delivers the event or gives up when ctx is done.
func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the consumer side of the sink.
func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON line per event to an io.Writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a JSONWriterSink over w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Emit marshals and writes the event. Marshal failures are dropped; the
// audit path must never take down a request.
func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

const (
	auditEventLoginSuccess       = "login_success"
	auditEventLoginFailure       = "login_failure"
	auditEventLoginMFAPending    = "login_mfa_pending"
	auditEventRefreshSuccess     = "refresh_success"
	auditEventRefreshInvalid     = "refresh_invalid"
	auditEventLogout             = "logout"
	auditEventTokenRevoked       = "token_revoked"
	auditEventTokenRejected      = "token_rejected"
	auditEventLedgerDegraded     = "revocation_ledger_degraded"
	auditEventAccessDenied       = "access_denied"
	auditEventOwnershipDenied    = "ownership_denied"
	auditEventPasswordResetReq   = "password_reset_request"
	auditEventPasswordResetDone  = "password_reset_confirm"
	auditEventPasswordResetFail  = "password_reset_failure"
	auditEventMFASetupStarted    = "mfa_setup_started"
	auditEventMFAEnabled         = "mfa_enabled"
	auditEventMFADisabled        = "mfa_disabled"
	auditEventMFASuccess         = "mfa_success"
	auditEventMFAFailure         = "mfa_failure"
	auditEventMFALockout         = "mfa_lockout"
	auditEventMFALockoutReset    = "mfa_lockout_reset"
	auditEventBackupCodesIssued  = "backup_codes_issued"
	auditEventBackupCodeUsed     = "backup_code_used"
	auditEventBackupCodeFailed   = "backup_code_failed"
	auditEventIPRejected         = "ip_rejected"
	auditEventAdminTokenRevoke   = "admin_token_revoke"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantIDFromContext(ctx),
		RequestID: requestIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = auditErrorCode(err)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid_token"
	case errors.Is(err, ErrMFARequired):
		return "mfa_required"
	case errors.Is(err, ErrMFALockedOut):
		return "mfa_locked_out"
	case errors.Is(err, ErrMFACodeInvalid):
		return "mfa_code_invalid"
	case errors.Is(err, ErrMFAAlreadyEnabled):
		return "mfa_already_enabled"
	case errors.Is(err, ErrMFANotEnabled):
		return "mfa_not_enabled"
	case errors.Is(err, ErrIPNotAllowed):
		return "ip_not_allowed"
	case errors.Is(err, ErrResetTokenInvalid):
		return "reset_token_invalid"
	case errors.Is(err, ErrResetTokenExpired):
		return "reset_token_expired"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrOwnershipDenied):
		return "ownership_denied"
	case errors.Is(err, ErrResourceNotFound):
		return "resource_not_found"
	case errors.Is(err, ErrLedgerUnavailable),
		errors.Is(err, ErrMFAUnavailable),
		errors.Is(err, ErrResetUnavailable):
		return "backend_unavailable"
	default:
		return "internal_error"
	}
}
