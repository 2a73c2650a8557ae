package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"AI_PROCTOR/go-monitor/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs a goose command ("up", "down", "status", ...) against the
// embedded audit schema.
func Migrate(ctx context.Context, dsn, command string, args ...string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, "migrations", args...); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// PostgresSink stores the audit trail in Postgres. It also implements
// Reader.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres connects, waits for the server to accept queries and
// applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := ping(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	if err := Migrate(ctx, dsn, "up"); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("audit database ready")
	return &PostgresSink{pool: pool, logger: logger.With(zap.String("component", "audit"))}, nil
}

// ping waits for the database to be ready, backing off a little longer
// after each attempt.
func ping(ctx context.Context, pool *pgxpool.Pool) error {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("DB ping: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("DB ping timeout: %w", err)
}

func (p *PostgresSink) RecordViolation(ctx context.Context, row models.ViolationRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO violations
			(session_id, seq, occurred_at, kind, description, behavior_snapshot, chances_remaining, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, seq) DO NOTHING`,
		row.SessionID, row.Seq, row.Time, row.Kind, row.Description,
		row.BehaviorSnapshot, row.ChancesRemaining, row.Digest)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

func (p *PostgresSink) RecordOutcome(ctx context.Context, rec models.SessionRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO monitoring_sessions
			(id, start_time, end_time, outcome, chances_remaining, violation_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			outcome = EXCLUDED.outcome,
			chances_remaining = EXCLUDED.chances_remaining,
			violation_count = EXCLUDED.violation_count`,
		rec.ID, rec.StartTime, rec.EndTime, rec.Outcome, rec.ChancesRemaining, rec.ViolationCount)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (p *PostgresSink) Session(ctx context.Context, id string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := p.pool.QueryRow(ctx, `
		SELECT id, start_time, end_time, outcome, chances_remaining, violation_count
		FROM monitoring_sessions WHERE id = $1`, id).
		Scan(&rec.ID, &rec.StartTime, &rec.EndTime, &rec.Outcome, &rec.ChancesRemaining, &rec.ViolationCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &rec, nil
}

func (p *PostgresSink) Violations(ctx context.Context, sessionID string) ([]models.ViolationRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, seq, occurred_at, kind, description, behavior_snapshot, chances_remaining, digest
		FROM violations WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select violations: %w", err)
	}
	defer rows.Close()

	var out []models.ViolationRow
	for rows.Next() {
		var v models.ViolationRow
		if err := rows.Scan(&v.SessionID, &v.Seq, &v.Time, &v.Kind, &v.Description,
			&v.BehaviorSnapshot, &v.ChancesRemaining, &v.Digest); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Time = v.Time.UTC()
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select violations: %w", err)
	}
	return out, nil
}

func (p *PostgresSink) Close() error {
	p.pool.Close()
	p.logger.Info("audit database closed")
	return nil
}
