package engine

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

const importanceJobName = "importance_recalibration"

// ImportanceJob recomputes each active memory's importance from a
// weighted blend of its current value, access frequency, recency, and
// link count, committing only on a meaningful change.
type ImportanceJob struct {
	store storage.PrimaryStore
}

func NewImportanceJob(store storage.PrimaryStore) *ImportanceJob {
	return &ImportanceJob{store: store}
}

func (j *ImportanceJob) Name() string { return importanceJobName }

func (j *ImportanceJob) Run(ctx context.Context, batchSize int) (types.JobReport, error) {
	start := time.Now()
	report := types.JobReport{JobName: importanceJobName}

	candidates, err := j.store.ActiveMemoriesForRecalibration(ctx, batchSize)
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

		newImportance, err := j.recalibrate(ctx, m)
		if err != nil {
			report.Errors++
			log.Printf("engine: importance recalibration failed for %s: %v", m.ID, err)
			continue
		}
		if newImportance == nil {
			report.Skipped++
			continue
		}
		report.Changed++
	}

	report.Duration = time.Since(start)
	return report, nil
}

// recalibrate computes the blended-importance formula for m and, if the
// change clears the 1.0 commit threshold, performs the CAS update. It
// returns
// (nil, nil) when the computed value does not warrant a commit or a
// concurrent writer already advanced the row (a skip, not an error).
func (j *ImportanceJob) recalibrate(ctx context.Context, m types.Memory) (*float64, error) {
	now := time.Now()
	daysSinceCreation := math.Max(1.0, now.Sub(m.CreatedAt).Hours()/24.0)

	accessesPerDay := float64(m.AccessCount) / daysSinceCreation
	access := clampRange(0.5+0.5*log10(math.Max(0.01, accessesPerDay)), 0.3, 1.0)

	daysSinceLastAccess := daysSinceCreation
	if m.LastAccessedAt != nil {
		daysSinceLastAccess = math.Max(0, now.Sub(*m.LastAccessedAt).Hours()/24.0)
	}
	recency := math.Pow(0.5, daysSinceLastAccess/30.0)

	inLinks, outLinks, err := j.store.CountLinks(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	links := clampRange(float64(2*inLinks+outLinks)/3.0/10.0, 0.0, 1.0)

	// base is importance normalized into the same [0,1] range as the other
	// three terms; the blended result is then scaled back onto the 10-point
	// importance scale before clamping.
	base := m.Importance / 10.0
	raw := (0.30*base + 0.40*access + 0.20*recency + 0.10*links) * 10.0
	newImportance := clampRange(raw, 1.0, 10.0)

	if math.Abs(newImportance-m.Importance) < 1.0 {
		return nil, nil
	}

	applied, err := j.store.RecalibrateImportance(ctx, m.ID, m.UpdatedAt, newImportance, "importance_recalibration")
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}

	if err := j.store.AppendImportanceHistory(ctx, types.ImportanceHistoryEntry{
		MemoryID:  m.ID,
		Old:       m.Importance,
		New:       newImportance,
		Reason:    "importance_recalibration",
		ChangedAt: now,
	}); err != nil {
		return nil, err
	}

	return &newImportance, nil
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func log10(v float64) float64 {
	return math.Log10(v)
}
