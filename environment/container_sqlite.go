package environment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteContainerStore is a single-file ContainerStore for the
// Environment-owned `containers` table (spec.md §6).
type SQLiteContainerStore struct {
	db *sql.DB
}

func NewSQLiteContainerStore(path string) (*SQLiteContainerStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("environment: open container store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("environment: set pragma %q: %w", pragma, err)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS containers (
		instance_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		image_id TEXT NOT NULL,
		handle_id TEXT NOT NULL,
		status TEXT NOT NULL,
		input BLOB,
		env TEXT,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("environment: create containers schema: %w", err)
	}

	return &SQLiteContainerStore{db: db}, nil
}

func (s *SQLiteContainerStore) SaveContainer(ctx context.Context, c Container) error {
	envJSON, err := json.Marshal(c.Env)
	if err != nil {
		return fmt.Errorf("environment: marshal container env: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO containers (instance_id, tenant_id, image_id, handle_id, status, input, env, timeout_ms, started_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			tenant_id=excluded.tenant_id, image_id=excluded.image_id, handle_id=excluded.handle_id,
			status=excluded.status, input=excluded.input, env=excluded.env,
			timeout_ms=excluded.timeout_ms, started_at=excluded.started_at, stopped_at=excluded.stopped_at
	`, c.InstanceID, c.TenantID, c.ImageID, c.HandleID, string(c.Status),
		[]byte(c.Input), string(envJSON), c.Timeout.Milliseconds(), c.StartedAt, c.StoppedAt)
	if err != nil {
		return fmt.Errorf("environment: save container: %w", err)
	}
	return nil
}

func (s *SQLiteContainerStore) GetContainer(ctx context.Context, instanceID string) (Container, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, tenant_id, image_id, handle_id, status, input, env, timeout_ms, started_at, stopped_at
		FROM containers WHERE instance_id = ?
	`, instanceID)
	c, err := scanContainer(row)
	if err == sql.ErrNoRows {
		return Container{}, ErrContainerNotFound
	}
	if err != nil {
		return Container{}, fmt.Errorf("environment: get container: %w", err)
	}
	return c, nil
}

func (s *SQLiteContainerStore) DeleteContainer(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("environment: delete container: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("environment: delete container: %w", err)
	}
	if n == 0 {
		return ErrContainerNotFound
	}
	return nil
}

func (s *SQLiteContainerStore) ListRunning(ctx context.Context) ([]Container, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, tenant_id, image_id, handle_id, status, input, env, timeout_ms, started_at, stopped_at
		FROM containers WHERE status = ?
	`, string(ContainerRunning))
	if err != nil {
		return nil, fmt.Errorf("environment: list running containers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("environment: list running containers: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteContainerStore) Close() error {
	return s.db.Close()
}

type containerScanner interface {
	Scan(dest ...any) error
}

func scanContainer(row containerScanner) (Container, error) {
	var (
		c         Container
		status    string
		input     []byte
		envJSON   sql.NullString
		timeoutMS int64
		stoppedAt sql.NullTime
	)
	if err := row.Scan(
		&c.InstanceID, &c.TenantID, &c.ImageID, &c.HandleID, &status,
		&input, &envJSON, &timeoutMS, &c.StartedAt, &stoppedAt,
	); err != nil {
		return Container{}, err
	}
	c.Status = ContainerStatus(status)
	c.Input = input
	c.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &c.Env); err != nil {
			return Container{}, fmt.Errorf("unmarshal container env: %w", err)
		}
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		c.StoppedAt = &t
	}
	return c, nil
}
