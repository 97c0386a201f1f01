package environment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteImageStore is a single-file ImageStore, mirroring
// persistence.SQLiteStore's WAL/busy_timeout setup for the `images` table
// spec.md §6 lists under "Persisted state layout".
type SQLiteImageStore struct {
	db *sql.DB
}

// NewSQLiteImageStore opens path (":memory:" for ephemeral) and creates the
// images table if it doesn't already exist.
func NewSQLiteImageStore(path string) (*SQLiteImageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("environment: open image store: %w", err)
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

	const schema = `CREATE TABLE IF NOT EXISTS images (
		image_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		runner_type TEXT NOT NULL,
		bundle_path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("environment: create images schema: %w", err)
	}
	idx := `CREATE INDEX IF NOT EXISTS idx_images_tenant ON images(tenant_id, created_at)`
	if _, err := db.ExecContext(ctx, idx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("environment: create images index: %w", err)
	}

	return &SQLiteImageStore{db: db}, nil
}

func (s *SQLiteImageStore) SaveImage(ctx context.Context, image Image) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (image_id, tenant_id, name, description, runner_type, bundle_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			runner_type=excluded.runner_type, bundle_path=excluded.bundle_path
	`, image.ImageID, image.TenantID, image.Name, image.Description,
		string(image.RunnerType), image.BundlePath, image.CreatedAt)
	if err != nil {
		return &ImageError{Operation: "SaveImage", Cause: err}
	}
	return nil
}

func (s *SQLiteImageStore) GetImage(ctx context.Context, imageID string) (Image, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT image_id, tenant_id, name, description, runner_type, bundle_path, created_at
		FROM images WHERE image_id = ?
	`, imageID)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return Image{}, ErrImageNotFound
	}
	if err != nil {
		return Image{}, &ImageError{Operation: "GetImage", Cause: err}
	}
	return img, nil
}

func (s *SQLiteImageStore) ListImages(ctx context.Context, tenantID string, limit, offset int) ([]Image, error) {
	query := `SELECT image_id, tenant_id, name, description, runner_type, bundle_path, created_at
		FROM images WHERE 1=1`
	var args []any
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ImageError{Operation: "ListImages", Cause: err}
	}
	defer func() { _ = rows.Close() }()

	var out []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, &ImageError{Operation: "ListImages", Cause: err}
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *SQLiteImageStore) DeleteImage(ctx context.Context, imageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE image_id = ?`, imageID)
	if err != nil {
		return &ImageError{Operation: "DeleteImage", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &ImageError{Operation: "DeleteImage", Cause: err}
	}
	if n == 0 {
		return ErrImageNotFound
	}
	return nil
}

func (s *SQLiteImageStore) Close() error {
	return s.db.Close()
}

type imageScanner interface {
	Scan(dest ...any) error
}

func scanImage(row imageScanner) (Image, error) {
	var (
		img        Image
		runnerType string
		createdAt  time.Time
	)
	if err := row.Scan(
		&img.ImageID, &img.TenantID, &img.Name, &img.Description,
		&runnerType, &img.BundlePath, &createdAt,
	); err != nil {
		return Image{}, err
	}
	img.RunnerType = RunnerType(runnerType)
	img.CreatedAt = createdAt
	return img, nil
}
