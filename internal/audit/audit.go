// Package audit provides the append-only audit trail. Every mutation to
// a mapping, custom concept, or candidate pair records who, what, when,
// and why. Entries are never updated or deleted.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/dm1-registry-pipeline/internal/domain"
)

// PostgresLog implements domain.AuditLogger backed by PostgreSQL.
type PostgresLog struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewPostgresLog creates an audit log writer. The audit_entries table
// must already exist (created via migrations).
func NewPostgresLog(db *sql.DB, logger *logrus.Logger) (*PostgresLog, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresLog{db: db, log: logger}, nil
}

// Record appends one audit entry. Actor and Reason are mandatory;
// an entry without them is rejected before touching storage.
func (l *PostgresLog) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if err := validate(entry); err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, actor, action, object_type, object_id,
			before_state, after_state, reason, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		entry.ID,
		entry.Actor,
		entry.Action,
		entry.ObjectType,
		entry.ObjectID,
		nullableJSON(entry.Before),
		nullableJSON(entry.After),
		entry.Reason,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"action":      entry.Action,
		"object_type": entry.ObjectType,
		"object_id":   entry.ObjectID,
		"actor":       entry.Actor,
	}).Debug("Audit entry recorded")

	return nil
}

// ListByObject returns the audit history of one object, oldest first.
func (l *PostgresLog) ListByObject(ctx context.Context, objectType, objectID string) ([]*domain.AuditEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, actor, action, object_type, object_id,
			before_state, after_state, reason, recorded_at
		FROM audit_entries
		WHERE object_type = $1 AND object_id = $2
		ORDER BY recorded_at
	`, objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		entry := &domain.AuditEntry{}
		var before, after sql.NullString
		err := rows.Scan(
			&entry.ID, &entry.Actor, &entry.Action,
			&entry.ObjectType, &entry.ObjectID,
			&before, &after, &entry.Reason, &entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if before.Valid {
			entry.Before = []byte(before.String)
		}
		if after.Valid {
			entry.After = []byte(after.String)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func validate(entry *domain.AuditEntry) error {
	if entry.Actor == "" || entry.Reason == "" {
		return domain.ErrReasonRequired
	}
	if entry.Action == "" {
		return &domain.ValidationError{Field: "action", Message: "action is required"}
	}
	return nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// MemoryLog implements domain.AuditLogger in memory for tests and
// single-process tooling.
type MemoryLog struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
}

// NewMemoryLog creates an in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Record appends one audit entry.
func (l *MemoryLog) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if err := validate(entry); err != nil {
		return err
	}

	stored := *entry
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, &stored)
	return nil
}

// Entries returns a copy of all recorded entries in order.
func (l *MemoryLog) Entries() []*domain.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
