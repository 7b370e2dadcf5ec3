package engine

import (
	"context"
	"log"
	"time"

	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

const archivalJobName = "archival"

// ArchivalJob soft-archives low-importance memories that have gone
// unused for long enough. Archival never touches content, keywords,
// tags, importance, or links.
type ArchivalJob struct {
	store storage.PrimaryStore
}

func NewArchivalJob(store storage.PrimaryStore) *ArchivalJob {
	return &ArchivalJob{store: store}
}

func (j *ArchivalJob) Name() string { return archivalJobName }

func (j *ArchivalJob) Run(ctx context.Context, batchSize int) (types.JobReport, error) {
	start := time.Now()
	report := types.JobReport{JobName: archivalJobName}

	candidates, err := j.store.ArchivalCandidates(ctx, batchSize)
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		report.Processed++

		if err := j.store.Archive(ctx, m.ID); err != nil {
			report.Errors++
			log.Printf("engine: archival failed for %s: %v", m.ID, err)
			continue
		}
		report.Changed++
	}

	report.Duration = time.Since(start)
	return report, nil
}

// IsArchivalCandidate re-checks the archival disjunction in-process,
// used by tests and by the in-memory test store; the authoritative
// selection still runs in SQL via ArchivalCandidates.
func IsArchivalCandidate(m types.Memory, now time.Time) bool {
	if m.IsArchived() || m.Importance >= 7 {
		return false
	}

	daysSinceCreation := now.Sub(m.CreatedAt).Hours() / 24.0
	daysSinceLastAccess := daysSinceCreation
	if m.LastAccessedAt != nil {
		daysSinceLastAccess = now.Sub(*m.LastAccessedAt).Hours() / 24.0
	}

	switch {
	case m.AccessCount == 0 && daysSinceCreation >= 180:
		return true
	case m.Importance < 3.0 && daysSinceLastAccess >= 90:
		return true
	case m.Importance < 2.0 && daysSinceLastAccess >= 30:
		return true
	default:
		return false
	}
}
