// Package registry implements the capability genome services: versioned
// genome storage, candidate evaluation, staged validation, and gated
// propagation. All mutating operations run inside one store transaction and
// append their audit entry in the same scope.
package registry

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"icdev/pkg/genome"
)

// AuditSink forwards committed audit entries to an external compliance
// subsystem. Forwarding is a non-critical side effect: failures are logged
// and never affect the operation that produced the entry.
type AuditSink interface {
	Forward(ctx context.Context, entry genome.AuditEntry) error
}

// auditSnapshot renders an entity state for the audit trail. Encoding
// failures degrade to an empty snapshot rather than failing the mutation.
func auditSnapshot(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// forwardAudit pushes the latest audit entries to the sink, best effort.
func forwardAudit(ctx context.Context, sink AuditSink, log *zap.Logger, entries ...genome.AuditEntry) {
	if sink == nil {
		return
	}
	for _, entry := range entries {
		if err := sink.Forward(ctx, entry); err != nil {
			log.Warn("audit forward failed",
				zap.String("action", entry.Action),
				zap.String("entity", string(entry.Entity)),
				zap.Error(err))
		}
	}
}
