package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// POIRepo persists POI rows deduplicated by their stable checksum.
type POIRepo struct{ Pool PgxPool }

// NewPOIRepo constructs a POIRepo with the given pool.
func NewPOIRepo(p PgxPool) *POIRepo { return &POIRepo{Pool: p} }

// UpsertByChecksum inserts a POI, or returns the existing row's id when a
// POI with the same checksum already exists, since re-analysis of unchanged
// content must never fork a POI's identity.
func (r *POIRepo) UpsertByChecksum(ctx domain.Context, p domain.POI) (string, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.UpsertByChecksum")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "pois"),
	)
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO pois (id, file_id, type, name, start_line, end_line, is_exported, checksum)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (checksum) DO UPDATE SET checksum=pois.checksum
	RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, p.FileID, p.Type, p.Name, p.StartLine, p.EndLine, p.IsExported, p.Checksum)
	var resultID string
	if err := row.Scan(&resultID); err != nil {
		return "", fmt.Errorf("op=poi.upsert_by_checksum: %w", err)
	}
	return resultID, nil
}

// Get loads a POI by id.
func (r *POIRepo) Get(ctx domain.Context, id string) (domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "pois"),
	)
	q := `SELECT id, file_id, type, name, start_line, end_line, is_exported, checksum FROM pois WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var p domain.POI
	if err := row.Scan(&p.ID, &p.FileID, &p.Type, &p.Name, &p.StartLine, &p.EndLine, &p.IsExported, &p.Checksum); err != nil {
		if err == pgx.ErrNoRows {
			return domain.POI{}, fmt.Errorf("op=poi.get: %w", domain.ErrNotFound)
		}
		return domain.POI{}, fmt.Errorf("op=poi.get: %w", err)
	}
	return p, nil
}
