package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyhub/groupchannel/database"
)

const (
	defaultConnectTimeout = 30 * time.Second

	loadSnapshotQuery = `SELECT version, data, finished FROM group_session WHERE group_id = $1`

	saveSnapshotQuery = `
INSERT INTO group_session (group_id, version, data, finished, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (group_id) DO UPDATE
SET version = EXCLUDED.version,
    data = EXCLUDED.data,
    finished = EXCLUDED.finished,
    updated_at = now()
WHERE group_session.version <= EXCLUDED.version`

	deleteSnapshotQuery = `DELETE FROM group_session WHERE group_id = $1`
)

// PostgresOption configures the Postgres store
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	maxConns       int32
	connectTimeout time.Duration
}

// WithMaxConns sets the maximum size of the connection pool
func WithMaxConns(n int32) PostgresOption {
	return func(cfg *postgresConfig) {
		cfg.maxConns = n
	}
}

// WithConnectTimeout bounds how long NewPostgresStore retries the initial connection
func WithConnectTimeout(d time.Duration) PostgresOption {
	return func(cfg *postgresConfig) {
		cfg.connectTimeout = d
	}
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres, retrying with exponential backoff until the
// connect timeout elapses, and creates the session table if it does not exist.
func NewPostgresStore(ctx context.Context, connString string, opts ...PostgresOption) (Store, error) {
	cfg := &postgresConfig{connectTimeout: defaultConnectTimeout}
	for _, opt := range opts {
		opt(cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}
	if cfg.maxConns > 0 {
		poolCfg.MaxConns = cfg.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			slog.Warn("Database not reachable yet, retrying", "error", pingErr)
			return struct{}{}, pingErr
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.connectTimeout),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}

	slog.Info("Postgres session store ready", "max_conns", poolCfg.MaxConns)
	return &postgresStore{pool: pool}, nil
}

func (p *postgresStore) Load(ctx context.Context, groupID string) (*Snapshot, error) {
	var (
		snapshot Snapshot
		data     []byte
	)
	err := p.pool.QueryRow(ctx, loadSnapshotQuery, groupID).Scan(&snapshot.Version, &data, &snapshot.Finished)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load session of group %s: %w", groupID, err)
	}
	snapshot.Data = data
	return &snapshot, nil
}

func (p *postgresStore) Save(ctx context.Context, groupID string, snapshot Snapshot) error {
	data := string(snapshot.Data)
	if data == "" {
		data = "{}"
	}
	if _, err := p.pool.Exec(ctx, saveSnapshotQuery, groupID, snapshot.Version, data, snapshot.Finished); err != nil {
		return fmt.Errorf("failed to save session of group %s: %w", groupID, err)
	}
	return nil
}

func (p *postgresStore) Delete(ctx context.Context, groupID string) error {
	if _, err := p.pool.Exec(ctx, deleteSnapshotQuery, groupID); err != nil {
		return fmt.Errorf("failed to delete session of group %s: %w", groupID, err)
	}
	return nil
}

func (p *postgresStore) Close() {
	p.pool.Close()
}
