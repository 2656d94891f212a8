package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskrecall/recall/engine/domain"
)

const recentQuery = `SELECT id::text, title, COALESCE(description, ''), status, priority, COALESCE(assigned_to, '')
FROM tasks
ORDER BY created_at DESC`

// querier is the subset of *pgxpool.Pool used here.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource reads records directly from the tasks table.
type PostgresSource struct {
	db    querier
	close func()
}

// NewPostgresSource connects to dsn and verifies connectivity.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("records: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("records: connecting to database: %w", err)
	}
	return &PostgresSource{db: pool, close: pool.Close}, nil
}

// Close releases the pool.
func (s *PostgresSource) Close() {
	if s.close != nil {
		s.close()
	}
}

// Recent implements Source.
func (s *PostgresSource) Recent(ctx context.Context, limit int) ([]domain.Record, error) {
	sql := recentQuery
	var args []any
	if limit > 0 {
		sql += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("records: query tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var r domain.Record
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Status, &r.Priority, &r.AssignedTo); err != nil {
			return nil, fmt.Errorf("records: scan task: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("records: iterate tasks: %w", err)
	}
	return out, nil
}
