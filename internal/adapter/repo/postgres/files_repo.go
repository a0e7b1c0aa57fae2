package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// FileRepo persists File rows, upserted by Path.
type FileRepo struct{ Pool PgxPool }

// NewFileRepo constructs a FileRepo with the given pool.
func NewFileRepo(p PgxPool) *FileRepo { return &FileRepo{Pool: p} }

// Upsert inserts a File or updates its checksum/language/status when the
// path already exists, since re-discovery of an unchanged path must not
// create a duplicate row.
func (r *FileRepo) Upsert(ctx domain.Context, f domain.File) (string, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "files"),
	)
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO files (id, path, checksum, language, status, special_type, last_processed)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (path) DO UPDATE SET checksum=EXCLUDED.checksum, language=EXCLUDED.language, status=EXCLUDED.status, special_type=EXCLUDED.special_type, last_processed=EXCLUDED.last_processed
	RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, f.Path, f.Checksum, f.Language, f.Status, f.SpecialType, time.Now().UTC())
	var resultID string
	if err := row.Scan(&resultID); err != nil {
		return "", fmt.Errorf("op=file.upsert: %w", err)
	}
	return resultID, nil
}

// Get loads a File by id.
func (r *FileRepo) Get(ctx domain.Context, id string) (domain.File, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "files"),
	)
	q := `SELECT id, path, checksum, language, status, special_type, last_processed FROM files WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var f domain.File
	if err := row.Scan(&f.ID, &f.Path, &f.Checksum, &f.Language, &f.Status, &f.SpecialType, &f.LastProcessed); err != nil {
		if err == pgx.ErrNoRows {
			return domain.File{}, fmt.Errorf("op=file.get: %w", domain.ErrNotFound)
		}
		return domain.File{}, fmt.Errorf("op=file.get: %w", err)
	}
	return f, nil
}

// UpdateStatus updates a File's lifecycle status.
func (r *FileRepo) UpdateStatus(ctx domain.Context, id string, status domain.FileStatus) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "files"),
	)
	q := `UPDATE files SET status=$2, last_processed=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=file.update_status: %w", err)
	}
	return nil
}
