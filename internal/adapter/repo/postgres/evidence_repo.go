package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// EvidenceRepo persists Evidence rows, one per worker opinion about a
// candidate relationship.
type EvidenceRepo struct{ Pool PgxPool }

// NewEvidenceRepo constructs an EvidenceRepo with the given pool.
func NewEvidenceRepo(p PgxPool) *EvidenceRepo { return &EvidenceRepo{Pool: p} }

// Create inserts a new evidence row and returns its id.
func (r *EvidenceRepo) Create(ctx domain.Context, e domain.Evidence) (string, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "relationship_evidence"),
	)
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO relationship_evidence (id, relationship_id, run_id, source_worker, initial_score, found_relationship, payload, malformed)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, e.RelationshipID, e.RunID, e.SourceWorker, e.InitialScore, e.FoundRelationship, e.Payload, e.Malformed)
	if err != nil {
		return "", fmt.Errorf("op=evidence.create: %w", err)
	}
	return id, nil
}

// ListByRelationship returns all evidence recorded for a relationship, in
// insertion order, for the confidence reconciliation worker.
func (r *EvidenceRepo) ListByRelationship(ctx domain.Context, relationshipID string) ([]domain.Evidence, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.ListByRelationship")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "relationship_evidence"))

	q := `SELECT id, relationship_id, run_id, source_worker, initial_score, found_relationship, payload, malformed
	FROM relationship_evidence WHERE relationship_id=$1 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, relationshipID)
	if err != nil {
		return nil, fmt.Errorf("op=evidence.list_by_relationship: %w", err)
	}
	defer rows.Close()

	var out []domain.Evidence
	for rows.Next() {
		var e domain.Evidence
		if err := rows.Scan(&e.ID, &e.RelationshipID, &e.RunID, &e.SourceWorker, &e.InitialScore, &e.FoundRelationship, &e.Payload, &e.Malformed); err != nil {
			return nil, fmt.Errorf("op=evidence.scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=evidence.rows: %w", err)
	}
	return out, nil
}
