package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// RelationshipRepo persists CandidateRelationship rows.
type RelationshipRepo struct{ Pool PgxPool }

// NewRelationshipRepo constructs a RelationshipRepo with the given pool.
func NewRelationshipRepo(p PgxPool) *RelationshipRepo { return &RelationshipRepo{Pool: p} }

// Create inserts a new candidate relationship and returns its id.
func (r *RelationshipRepo) Create(ctx domain.Context, c domain.CandidateRelationship) (string, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "relationships"),
	)
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := c.Status
	if status == "" {
		status = domain.RelationshipPending
	}
	q := `INSERT INTO relationships (id, source_poi_id, target_poi_id, type, status, confidence_score, run_id, explanation)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, c.SourcePOIID, c.TargetPOIID, c.Type, status, c.ConfidenceScore, c.RunID, c.Explanation)
	if err != nil {
		return "", fmt.Errorf("op=relationship.create: %w", err)
	}
	return id, nil
}

// Get loads a candidate relationship by id.
func (r *RelationshipRepo) Get(ctx domain.Context, id string) (domain.CandidateRelationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "relationships"),
	)
	q := `SELECT id, source_poi_id, target_poi_id, type, status, confidence_score, run_id, explanation FROM relationships WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	c, err := scanRelationship(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.CandidateRelationship{}, fmt.Errorf("op=relationship.get: %w", domain.ErrNotFound)
		}
		return domain.CandidateRelationship{}, fmt.Errorf("op=relationship.get: %w", err)
	}
	return c, nil
}

// UpdateStatusAndScore records a reconciliation worker's verdict on a
// relationship.
func (r *RelationshipRepo) UpdateStatusAndScore(ctx domain.Context, id string, status domain.RelationshipStatus, score float64) error {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.UpdateStatusAndScore")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "relationships"),
	)
	q := `UPDATE relationships SET status=$2, confidence_score=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, status, score)
	if err != nil {
		return fmt.Errorf("op=relationship.update_status_and_score: %w", err)
	}
	return nil
}

// ListValidatedPage pages through VALIDATED relationships for a run ordered
// by id, for the graph finalization worker's keyset pagination.
func (r *RelationshipRepo) ListValidatedPage(ctx domain.Context, runID string, afterID string, limit int) ([]domain.CandidateRelationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ListValidatedPage")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "relationships"), attribute.Int("limit", limit))

	q := `SELECT id, source_poi_id, target_poi_id, type, status, confidence_score, run_id, explanation
	FROM relationships WHERE run_id=$1 AND status=$2 AND id > $3 ORDER BY id LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, runID, domain.RelationshipValidated, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=relationship.list_validated_page: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// ListPendingForRun returns relationships still awaiting reconciliation.
func (r *RelationshipRepo) ListPendingForRun(ctx domain.Context, runID string, limit int) ([]domain.CandidateRelationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ListPendingForRun")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "relationships"), attribute.Int("limit", limit))

	q := `SELECT id, source_poi_id, target_poi_id, type, status, confidence_score, run_id, explanation
	FROM relationships WHERE run_id=$1 AND status=$2 ORDER BY id LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, runID, domain.RelationshipPending, limit)
	if err != nil {
		return nil, fmt.Errorf("op=relationship.list_pending_for_run: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// ListPendingForDirectory returns pending relationships whose source or
// target POI's file lives under directory, joining relationships -> pois ->
// files rather than adding a directory column to relationships itself.
func (r *RelationshipRepo) ListPendingForDirectory(ctx domain.Context, runID, directory string, limit int) ([]domain.CandidateRelationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ListPendingForDirectory")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "relationships"),
		attribute.String("directory", directory),
		attribute.Int("limit", limit),
	)

	q := `SELECT DISTINCT rel.id, rel.source_poi_id, rel.target_poi_id, rel.type, rel.status, rel.confidence_score, rel.run_id, rel.explanation
	FROM relationships rel
	WHERE rel.run_id=$1 AND rel.status=$2 AND (
		EXISTS (SELECT 1 FROM pois p JOIN files f ON f.id = p.file_id WHERE p.id = rel.source_poi_id AND f.path LIKE $3 AND f.path NOT LIKE ($3 || '/%'))
		OR EXISTS (SELECT 1 FROM pois p JOIN files f ON f.id = p.file_id WHERE p.id = rel.target_poi_id AND f.path LIKE $3 AND f.path NOT LIKE ($3 || '/%'))
	)
	ORDER BY rel.id LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, runID, domain.RelationshipPending, directoryLikePattern(directory), limit)
	if err != nil {
		return nil, fmt.Errorf("op=relationship.list_pending_for_directory: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// CountByStatus tallies a run's relationships by status, for the operator
// run-summary endpoint.
func (r *RelationshipRepo) CountByStatus(ctx domain.Context, runID string) (map[domain.RelationshipStatus]int, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.CountByStatus")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "relationships"), attribute.String("run.id", runID))

	q := `SELECT status, COUNT(*) FROM relationships WHERE run_id=$1 GROUP BY status`
	rows, err := r.Pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("op=relationship.count_by_status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.RelationshipStatus]int)
	for rows.Next() {
		var status domain.RelationshipStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("op=relationship.count_by_status.scan: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationship.count_by_status.rows: %w", err)
	}
	return out, nil
}

// directoryLikePattern turns a directory path into a LIKE pattern matching
// files directly under it. filepath.Dir of a top-level file returns ".", the
// batcher's directory-parent key for the repository root.
func directoryLikePattern(directory string) string {
	if directory == "." || directory == "" {
		return "%"
	}
	return directory + "/%"
}

func scanRelationship(row rowScanner) (domain.CandidateRelationship, error) {
	var c domain.CandidateRelationship
	if err := row.Scan(&c.ID, &c.SourcePOIID, &c.TargetPOIID, &c.Type, &c.Status, &c.ConfidenceScore, &c.RunID, &c.Explanation); err != nil {
		return domain.CandidateRelationship{}, err
	}
	return c, nil
}

func scanRelationships(rows pgx.Rows) ([]domain.CandidateRelationship, error) {
	var out []domain.CandidateRelationship
	for rows.Next() {
		c, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("op=relationship.scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationship.rows: %w", err)
	}
	return out, nil
}
