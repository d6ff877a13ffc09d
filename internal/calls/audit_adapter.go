package calls

import (
	"context"

	"call-service/internal/audit"
	"call-service/pkg/logger"
)

// auditAdapter bridges the lifecycle's Auditor port to the audit service.
// Audit failures are logged and swallowed; they never affect the call.
type auditAdapter struct {
	svc *audit.Service
}

// NewAuditAdapter wraps an audit service as a lifecycle Auditor.
func NewAuditAdapter(svc *audit.Service) Auditor {
	return auditAdapter{svc: svc}
}

func (a auditAdapter) RecordTransition(ctx context.Context, callID, actorID string, from, to CallStatus, reason string, allowed bool) {
	if a.svc == nil {
		return
	}
	if err := a.svc.LogTransition(ctx, callID, actorID, string(from), string(to), reason, allowed); err != nil {
		logger.From(ctx).Warn("audit record failed", "call_id", callID, "err", err)
	}
}
