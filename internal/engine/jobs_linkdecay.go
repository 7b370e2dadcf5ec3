package engine

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

const linkDecayJobName = "link_decay"

// LinkDecayJob decays untraversed links' strength over time on a step
// schedule, and removes them once strength falls below 0.1.
type LinkDecayJob struct {
	store               storage.PrimaryStore
	minUntraversedDays int
}

func NewLinkDecayJob(store storage.PrimaryStore, minUntraversedDays int) *LinkDecayJob {
	if minUntraversedDays <= 0 {
		minUntraversedDays = 90
	}
	return &LinkDecayJob{store: store, minUntraversedDays: minUntraversedDays}
}

func (j *LinkDecayJob) Name() string { return linkDecayJobName }

func (j *LinkDecayJob) Run(ctx context.Context, batchSize int) (types.JobReport, error) {
	start := time.Now()
	report := types.JobReport{JobName: linkDecayJobName}

	candidates, err := j.store.LinkDecayCandidates(ctx, j.minUntraversedDays, batchSize)
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	now := time.Now()
	for _, l := range candidates {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		report.Processed++

		factor := decayFactor(l, now)
		newStrength := l.Strength * factor

		if newStrength < 0.1 {
			if err := j.store.RemoveLink(ctx, l.SourceID, l.TargetID, l.LinkType); err != nil {
				report.Errors++
				log.Printf("engine: link decay removal failed for %s->%s: %v", l.SourceID, l.TargetID, err)
				continue
			}
			report.Changed++
			continue
		}

		if newStrength == l.Strength {
			report.Skipped++
			continue
		}

		if err := j.store.UpdateLinkStrength(ctx, l.SourceID, l.TargetID, l.LinkType, newStrength); err != nil {
			report.Errors++
			log.Printf("engine: link decay update failed for %s->%s: %v", l.SourceID, l.TargetID, err)
			continue
		}
		report.Changed++
	}

	report.Duration = time.Since(start)
	return report, nil
}

// decayFactor computes the step-table decay multiplier for a link.
func decayFactor(l types.MemoryLink, now time.Time) float64 {
	if l.UserCreated {
		return 1.0
	}

	daysSinceTraversal := math.Max(0, now.Sub(traversalBaseline(l)).Hours()/24.0)
	ageDays := math.Max(0, now.Sub(l.CreatedAt).Hours()/24.0)

	switch {
	case daysSinceTraversal >= 180:
		return 0.25
	case daysSinceTraversal >= 90:
		return 0.5
	case ageDays >= 365 && daysSinceTraversal >= 30:
		return 0.8
	default:
		return 1.0
	}
}

func traversalBaseline(l types.MemoryLink) time.Time {
	if l.LastTraversedAt != nil {
		return *l.LastTraversedAt
	}
	return l.CreatedAt
}
