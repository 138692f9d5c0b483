package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github/martinmaurice/spoolr/pkg/idempotency"
	"time"
)

//go:embed migrations/*.sql
var migrations embed.FS

const upsertRecordQuery = `
	INSERT INTO records (id, kind, idempotency_key, payload, created_at, updated_at)
	VALUES ($1, $2, $3, $4, NOW(), NOW())
	ON CONFLICT (kind, idempotency_key)
	DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	RETURNING id::text
`

type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgres opens the pool, checks it and applies the embedded migrations.
func NewPostgres(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("database url is empty")
	}

	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/5))
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Write(ctx context.Context, kind, idempotencyKey string, payload any) (string, error) {
	canonical, err := idempotency.Canonical(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	var id string
	err = p.db.GetContext(ctx, &id, upsertRecordQuery, uuid.NewString(), kind, idempotencyKey, string(canonical))
	if err != nil {
		return "", classifyPostgresError(err)
	}

	return id, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// classifyPostgresError marks data exceptions (class 22) and integrity
// constraint violations (class 23) as permanent.
func classifyPostgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
	}
	return fmt.Errorf("failed to write record to postgres: %w", err)
}
