package archive

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"github.com/agentmesh/agent-hub/internal/domain/model"
)

// Scopes and kinds used for hub records in the memory store.
const (
	ScopeMessages = "messages"
	ScopeAudit    = "audit"

	KindContent   = "content"
	KindLifecycle = "lifecycle"
)

// Auditor persists message content at send time and an audit record at
// termination. Nil-safe usage is the caller's concern (the engine treats
// a nil Auditor as disabled).
type Auditor struct {
	store Store
	log   *slog.Logger
}

func NewAuditor(store Store, log *slog.Logger) *Auditor {
	return &Auditor{store: store, log: log}
}

// AuditSend records the content of a freshly tracked message.
func (a *Auditor) AuditSend(ctx context.Context, m *model.Message) {
	if _, err := a.store.Store(ctx, m.From, m, ScopeMessages, KindContent); err != nil {
		a.log.Warn("archive of sent message failed", "message_id", m.ID, "err", err)
	}
}

// AuditTerminal records the final lifecycle snapshot. Content and audit
// entries are written in parallel; either failing is non-fatal.
func (a *Auditor) AuditTerminal(ctx context.Context, m *model.Message) {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := a.store.Store(gCtx, m.From, m, ScopeAudit, KindLifecycle)
		return err
	})
	g.Go(func() error {
		return a.store.Update(gCtx, m.ID, m, ScopeMessages)
	})

	if err := g.Wait(); err != nil {
		a.log.Warn("archive of terminal message failed",
			"message_id", m.ID,
			"status", m.Status,
			"err", err,
		)
	}
}
