package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry. Every entry gets a ref id in its meta so a
// single event can be correlated with application logs.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	return WriteAudit(ctx, l.pool, log)
}

// WriteAudit inserts the entry through exec, so it commits or rolls back with
// the caller's transaction when exec is a pgx.Tx.
func WriteAudit(ctx context.Context, exec Execer, log AuditLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	meta := make(map[string]any, len(log.Meta)+1)
	for k, v := range log.Meta {
		meta[k] = v
	}
	if _, ok := meta["ref"]; !ok {
		meta["ref"] = uuid.NewString()
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = exec.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

func (log AuditLog) validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}
