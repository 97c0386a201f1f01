package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store implementation. Designed for:
//   - Development and testing with zero setup
//   - Single-process Core deployments
//
// Uses WAL mode for concurrent reads and a busy_timeout so writers don't
// immediately fail under the rare overlapping-write race.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (":memory:" for an ephemeral database) and
// creates the schema if it doesn't already exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			checkpoint_id TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			sleep_until TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			output BLOB,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_tenant ON instances(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_sleep_until ON instances(status, sleep_until)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			instance_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (instance_id, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_instance ON checkpoints(instance_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			subtype TEXT NOT NULL DEFAULT '',
			payload BLOB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance ON events(instance_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS signals (
			instance_id TEXT PRIMARY KEY,
			signal_type TEXT NOT NULL,
			payload BLOB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			acknowledged_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS custom_signals (
			instance_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (instance_id, checkpoint_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) RegisterInstance(ctx context.Context, instanceID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, tenant_id, status)
		VALUES (?, ?, ?)
	`, instanceID, tenantID, StatusPending)
	if err != nil {
		return wrapDBErr("RegisterInstance", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, tenant_id, status, checkpoint_id, attempt, max_attempts,
		       sleep_until, created_at, started_at, finished_at, output, error
		FROM instances WHERE instance_id = ?
	`, instanceID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, wrapDBErr("GetInstance", err)
	}
	return inst, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst         Instance
		checkpointID sql.NullString
		sleepUntil   sql.NullTime
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		output       []byte
		errText      sql.NullString
	)
	if err := row.Scan(
		&inst.InstanceID, &inst.TenantID, &inst.Status, &checkpointID,
		&inst.Attempt, &inst.MaxAttempts, &sleepUntil, &inst.CreatedAt,
		&startedAt, &finishedAt, &output, &errText,
	); err != nil {
		return nil, err
	}
	if checkpointID.Valid {
		inst.CheckpointID = &checkpointID.String
	}
	if sleepUntil.Valid {
		t := sleepUntil.Time
		inst.SleepUntil = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		inst.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		inst.FinishedAt = &t
	}
	if errText.Valid {
		inst.Error = &errText.String
	}
	inst.Output = output
	return &inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	query := `SELECT instance_id, tenant_id, status, checkpoint_id, attempt, max_attempts,
		sleep_until, created_at, started_at, finished_at, output, error FROM instances WHERE 1=1`
	var args []any
	if filter.TenantID != nil {
		query += " AND tenant_id = ?"
		args = append(args, *filter.TenantID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("ListInstances", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, wrapDBErr("ListInstances", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("ListInstances", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, instanceID string, status Status, startedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?,
			started_at = COALESCE(started_at, ?)
		WHERE instance_id = ?
	`, status, startedAt, instanceID)
	return checkRowsAffected("UpdateInstanceStatus", res, err)
}

func (s *SQLiteStore) UpdateInstanceCheckpoint(ctx context.Context, instanceID, checkpointID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET checkpoint_id = ? WHERE instance_id = ?
	`, checkpointID, instanceID)
	return checkRowsAffected("UpdateInstanceCheckpoint", res, err)
}

func (s *SQLiteStore) CompleteInstance(ctx context.Context, instanceID string, output []byte, errMsg *string) error {
	status := StatusCompleted
	if errMsg != nil {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?, output = ?, error = ?, finished_at = CURRENT_TIMESTAMP
		WHERE instance_id = ?
	`, status, output, errMsg, instanceID)
	return checkRowsAffected("CompleteInstance", res, err)
}

func checkRowsAffected(op string, res sql.Result, err error) error {
	if err != nil {
		return wrapDBErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBErr(op, err)
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (instance_id, checkpoint_id, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id, checkpoint_id) DO NOTHING
	`, instanceID, checkpointID, payload)
	if err != nil {
		return wrapDBErr("SaveCheckpoint", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error) {
	var cp Checkpoint
	cp.InstanceID = instanceID
	cp.CheckpointID = checkpointID
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, created_at FROM checkpoints
		WHERE instance_id = ? AND checkpoint_id = ?
	`, instanceID, checkpointID).Scan(&cp.Payload, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, wrapDBErr("LoadCheckpoint", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, instanceID string, limit, offset int) ([]*Checkpoint, error) {
	query := `SELECT checkpoint_id, payload, created_at FROM checkpoints
		WHERE instance_id = ? ORDER BY created_at ASC`
	args := []any{instanceID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("ListCheckpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{InstanceID: instanceID}
		if err := rows.Scan(&cp.CheckpointID, &cp.Payload, &cp.CreatedAt); err != nil {
			return nil, wrapDBErr("ListCheckpoints", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountCheckpoints(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkpoints WHERE instance_id = ?
	`, instanceID).Scan(&n)
	if err != nil {
		return 0, wrapDBErr("CountCheckpoints", err)
	}
	return n, nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (instance_id, event_type, subtype, payload)
		VALUES (?, ?, ?, ?)
	`, event.InstanceID, event.EventType, event.Subtype, event.Payload)
	if err != nil {
		return wrapDBErr("InsertEvent", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string, limit, offset int) ([]*Event, error) {
	query := `SELECT id, instance_id, event_type, subtype, payload, created_at
		FROM events WHERE instance_id = ? ORDER BY created_at ASC`
	args := []any{instanceID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("ListEvents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var e Event
		var id int64
		if err := rows.Scan(&id, &e.InstanceID, &e.EventType, &e.Subtype, &e.Payload, &e.CreatedAt); err != nil {
			return nil, wrapDBErr("ListEvents", err)
		}
		e.ID = fmt.Sprintf("%d", id)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLastEventTime(ctx context.Context, instanceID string) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM events WHERE instance_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, instanceID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapDBErr("GetLastEventTime", err)
	}
	return t, true, nil
}

func (s *SQLiteStore) InsertSignal(ctx context.Context, instanceID string, signalType SignalType, payload []byte) error {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM instances WHERE instance_id = ?`, instanceID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrInstanceNotFound
	}
	if err != nil {
		return wrapDBErr("InsertSignal", err)
	}
	if status.Terminal() {
		return ErrSignalTerminal
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (instance_id, signal_type, payload, acknowledged_at)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT(instance_id) DO UPDATE SET
			signal_type = excluded.signal_type,
			payload = excluded.payload,
			created_at = CURRENT_TIMESTAMP,
			acknowledged_at = NULL
	`, instanceID, signalType, payload)
	if err != nil {
		return wrapDBErr("InsertSignal", err)
	}
	return nil
}

func (s *SQLiteStore) GetPendingSignal(ctx context.Context, instanceID string) (*Signal, error) {
	var sig Signal
	sig.InstanceID = instanceID
	var ack sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT signal_type, payload, created_at, acknowledged_at
		FROM signals WHERE instance_id = ?
	`, instanceID).Scan(&sig.SignalType, &sig.Payload, &sig.CreatedAt, &ack)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr("GetPendingSignal", err)
	}
	if ack.Valid {
		t := ack.Time
		sig.AcknowledgedAt = &t
	}
	return &sig, nil
}

func (s *SQLiteStore) AcknowledgeSignal(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET acknowledged_at = CURRENT_TIMESTAMP
		WHERE instance_id = ? AND acknowledged_at IS NULL
	`, instanceID)
	if err != nil {
		return wrapDBErr("AcknowledgeSignal", err)
	}
	return nil
}

func (s *SQLiteStore) InsertCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_signals (instance_id, checkpoint_id, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id, checkpoint_id) DO UPDATE SET
			payload = excluded.payload, created_at = CURRENT_TIMESTAMP
	`, instanceID, checkpointID, payload)
	if err != nil {
		return wrapDBErr("InsertCustomSignal", err)
	}
	return nil
}

func (s *SQLiteStore) TakePendingCustomSignal(ctx context.Context, instanceID, checkpointID string) (*CustomSignal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("TakePendingCustomSignal", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sig CustomSignal
	sig.InstanceID = instanceID
	sig.CheckpointID = checkpointID
	err = tx.QueryRowContext(ctx, `
		SELECT payload, created_at FROM custom_signals
		WHERE instance_id = ? AND checkpoint_id = ?
	`, instanceID, checkpointID).Scan(&sig.Payload, &sig.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr("TakePendingCustomSignal", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM custom_signals WHERE instance_id = ? AND checkpoint_id = ?
	`, instanceID, checkpointID); err != nil {
		return nil, wrapDBErr("TakePendingCustomSignal", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("TakePendingCustomSignal", err)
	}
	return &sig, nil
}

func (s *SQLiteStore) SaveRetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int, errMsg *string) error {
	payload := []byte("{}")
	if errMsg != nil {
		payload = []byte(fmt.Sprintf(`{"error":%q}`, *errMsg))
	}
	return s.SaveCheckpoint(ctx, instanceID, retryCheckpointID(checkpointID, attempt), payload)
}

func (s *SQLiteStore) SetInstanceSleep(ctx context.Context, instanceID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET sleep_until = ? WHERE instance_id = ?
	`, until, instanceID)
	return checkRowsAffected("SetInstanceSleep", res, err)
}

func (s *SQLiteStore) ClearInstanceSleep(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET sleep_until = NULL WHERE instance_id = ?
	`, instanceID)
	return checkRowsAffected("ClearInstanceSleep", res, err)
}

func (s *SQLiteStore) GetSleepingInstancesDue(ctx context.Context, limit int) ([]*Instance, error) {
	query := `SELECT instance_id, tenant_id, status, checkpoint_id, attempt, max_attempts,
		sleep_until, created_at, started_at, finished_at, output, error
		FROM instances
		WHERE status = ? AND sleep_until IS NOT NULL AND sleep_until <= CURRENT_TIMESTAMP
		ORDER BY sleep_until ASC`
	args := []any{StatusSuspended}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("GetSleepingInstancesDue", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, wrapDBErr("GetSleepingInstancesDue", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HealthCheckDB(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
