package resolver

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/codegraph-pipeline/internal/domain"
)

// findingsPayload mirrors relationship-resolution-queue's wire shape (spec
// §6): the outbox publisher's republished file-analysis-finding rows.
type findingsPayload struct {
	BatchID  string   `json:"batchId"`
	Findings []string `json:"findings"`
}

// HandleFindingsStream is the Handler bound to relationship-resolution-queue.
// The actual directory/global synthesis is triggered by the waiting-children
// barrier on resolve-directory/resolve-global (see HandleDirectory/
// HandleGlobal), which queries the relational store directly — the store,
// not the broker, is this pipeline's source of truth for pending
// relationships. This handler only satisfies the queue's at-least-once
// delivery contract for observability: it logs receipt and is a no-op
// otherwise, so duplicate deliveries of the same batchId are harmless.
func (w *Worker) HandleFindingsStream(ctx domain.Context, jobID string, payload []byte) error {
	var p findingsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("op=resolver.handle_findings_stream.unmarshal: %w", err)
	}
	slog.Info("observed relationship-resolution-queue finding",
		slog.String("job_id", jobID), slog.String("batch_id", p.BatchID), slog.Int("findings", len(p.Findings)))
	return nil
}
