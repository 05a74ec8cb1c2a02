package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one row of audit_logs. Entity is usually "service_order" and
// EntityID the order code.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// ErrIncompleteAudit rejects entries missing their action or target.
var ErrIncompleteAudit = errors.New("audit log requires action, entity and entity id")

const insertAudit = `
INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES (@actor, @action, @entity, @entity_id, @meta, @at)`

// AuditLogger appends entries to audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool, now: time.Now}
}

// Record persists the entry, stamping it with the current time when At is
// zero.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	meta := log.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("shared: audit %s meta: %w", log.Action, err)
	}
	at := log.At
	if at.IsZero() {
		at = l.now()
	}
	_, err = l.pool.Exec(ctx, insertAudit, pgx.NamedArgs{
		"actor":     log.ActorID,
		"action":    log.Action,
		"entity":    log.Entity,
		"entity_id": log.EntityID,
		"meta":      payload,
		"at":        at.UTC(),
	})
	if err != nil {
		return fmt.Errorf("shared: audit %s: %w", log.Action, err)
	}
	return nil
}

func (log AuditLog) validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return ErrIncompleteAudit
	}
	return nil
}
