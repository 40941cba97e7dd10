package consent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the narrow pgx surface the recorder depends on.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRecorder appends ConsentRecords to the relational consents table.
type PostgresRecorder struct {
	pool PgxPool
}

func NewPostgresRecorder(pool PgxPool) *PostgresRecorder {
	if pool == nil {
		panic("consent: pgx pool required")
	}
	return &PostgresRecorder{pool: pool}
}

func (r *PostgresRecorder) Append(ctx context.Context, record Record) error {
	messageLog, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("consent: encode message log: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO consents (user_id, user_type, response, message_log, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, record.UserID, record.UserType, record.Response, messageLog, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("consent: insert record: %w", err)
	}
	return nil
}
