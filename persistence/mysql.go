package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a production Store backend. Designed for a single Core
// process talking to a shared MySQL/MariaDB instance — coordinating
// multiple Core replicas against one database is explicitly out of scope.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?params].
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time directly.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens dsn and creates the schema if it doesn't already exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id VARCHAR(191) PRIMARY KEY,
			tenant_id VARCHAR(191) NOT NULL,
			status VARCHAR(32) NOT NULL,
			checkpoint_id VARCHAR(191),
			attempt INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 0,
			sleep_until TIMESTAMP NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			output LONGBLOB,
			error TEXT,
			INDEX idx_instances_tenant (tenant_id),
			INDEX idx_instances_status (status),
			INDEX idx_instances_sleep (status, sleep_until)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			instance_id VARCHAR(191) NOT NULL,
			checkpoint_id VARCHAR(191) NOT NULL,
			payload LONGBLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (instance_id, checkpoint_id),
			INDEX idx_checkpoints_instance (instance_id, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			instance_id VARCHAR(191) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			subtype VARCHAR(191) NOT NULL DEFAULT '',
			payload LONGBLOB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_events_instance (instance_id, created_at)
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			instance_id VARCHAR(191) PRIMARY KEY,
			signal_type VARCHAR(32) NOT NULL,
			payload LONGBLOB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			acknowledged_at TIMESTAMP NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_signals (
			instance_id VARCHAR(191) NOT NULL,
			checkpoint_id VARCHAR(191) NOT NULL,
			payload LONGBLOB NOT NULL,
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

func (s *MySQLStore) RegisterInstance(ctx context.Context, instanceID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, tenant_id, status)
		VALUES (?, ?, ?)
	`, instanceID, tenantID, StatusPending)
	if err != nil {
		return wrapDBErr("RegisterInstance", err)
	}
	return nil
}

func (s *MySQLStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
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

func (s *MySQLStore) ListInstances(ctx context.Context, filter ListFilter) ([]*Instance, error) {
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

func (s *MySQLStore) UpdateInstanceStatus(ctx context.Context, instanceID string, status Status, startedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = ?,
			started_at = COALESCE(started_at, ?)
		WHERE instance_id = ?
	`, status, startedAt, instanceID)
	return checkRowsAffected("UpdateInstanceStatus", res, err)
}

func (s *MySQLStore) UpdateInstanceCheckpoint(ctx context.Context, instanceID, checkpointID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET checkpoint_id = ? WHERE instance_id = ?
	`, checkpointID, instanceID)
	return checkRowsAffected("UpdateInstanceCheckpoint", res, err)
}

func (s *MySQLStore) CompleteInstance(ctx context.Context, instanceID string, output []byte, errMsg *string) error {
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

func (s *MySQLStore) SaveCheckpoint(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (instance_id, checkpoint_id, payload)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = payload
	`, instanceID, checkpointID, payload)
	if err != nil {
		return wrapDBErr("SaveCheckpoint", err)
	}
	return nil
}

func (s *MySQLStore) LoadCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error) {
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

func (s *MySQLStore) ListCheckpoints(ctx context.Context, instanceID string, limit, offset int) ([]*Checkpoint, error) {
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

func (s *MySQLStore) CountCheckpoints(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkpoints WHERE instance_id = ?
	`, instanceID).Scan(&n)
	if err != nil {
		return 0, wrapDBErr("CountCheckpoints", err)
	}
	return n, nil
}

func (s *MySQLStore) InsertEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (instance_id, event_type, subtype, payload)
		VALUES (?, ?, ?, ?)
	`, event.InstanceID, event.EventType, event.Subtype, event.Payload)
	if err != nil {
		return wrapDBErr("InsertEvent", err)
	}
	return nil
}

func (s *MySQLStore) ListEvents(ctx context.Context, instanceID string, limit, offset int) ([]*Event, error) {
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

func (s *MySQLStore) GetLastEventTime(ctx context.Context, instanceID string) (time.Time, bool, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM events WHERE instance_id = ?
	`, instanceID).Scan(&t)
	if err != nil {
		return time.Time{}, false, wrapDBErr("GetLastEventTime", err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

func (s *MySQLStore) InsertSignal(ctx context.Context, instanceID string, signalType SignalType, payload []byte) error {
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
		ON DUPLICATE KEY UPDATE
			signal_type = VALUES(signal_type),
			payload = VALUES(payload),
			created_at = CURRENT_TIMESTAMP,
			acknowledged_at = NULL
	`, instanceID, signalType, payload)
	if err != nil {
		return wrapDBErr("InsertSignal", err)
	}
	return nil
}

func (s *MySQLStore) GetPendingSignal(ctx context.Context, instanceID string) (*Signal, error) {
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

func (s *MySQLStore) AcknowledgeSignal(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET acknowledged_at = CURRENT_TIMESTAMP
		WHERE instance_id = ? AND acknowledged_at IS NULL
	`, instanceID)
	if err != nil {
		return wrapDBErr("AcknowledgeSignal", err)
	}
	return nil
}

func (s *MySQLStore) InsertCustomSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_signals (instance_id, checkpoint_id, payload)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), created_at = CURRENT_TIMESTAMP
	`, instanceID, checkpointID, payload)
	if err != nil {
		return wrapDBErr("InsertCustomSignal", err)
	}
	return nil
}

func (s *MySQLStore) TakePendingCustomSignal(ctx context.Context, instanceID, checkpointID string) (*CustomSignal, error) {
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
		WHERE instance_id = ? AND checkpoint_id = ? FOR UPDATE
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

func (s *MySQLStore) SaveRetryAttempt(ctx context.Context, instanceID, checkpointID string, attempt int, errMsg *string) error {
	payload := []byte("{}")
	if errMsg != nil {
		payload = []byte(fmt.Sprintf(`{"error":%q}`, *errMsg))
	}
	return s.SaveCheckpoint(ctx, instanceID, retryCheckpointID(checkpointID, attempt), payload)
}

func (s *MySQLStore) SetInstanceSleep(ctx context.Context, instanceID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET sleep_until = ? WHERE instance_id = ?
	`, until, instanceID)
	return checkRowsAffected("SetInstanceSleep", res, err)
}

func (s *MySQLStore) ClearInstanceSleep(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET sleep_until = NULL WHERE instance_id = ?
	`, instanceID)
	return checkRowsAffected("ClearInstanceSleep", res, err)
}

func (s *MySQLStore) GetSleepingInstancesDue(ctx context.Context, limit int) ([]*Instance, error) {
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

func (s *MySQLStore) HealthCheckDB(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
