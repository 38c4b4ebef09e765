package summary

import (
	"context"
	"time"

	"github.com/nijaru/vid-feedback/models"
)

// Repository is the run store. It is optional for one-shot runs.
type Repository interface {
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	SaveReport(ctx context.Context, report *models.FinalReport) error
	GetReport(ctx context.Context, runID string) (*models.FinalReport, error)
	SavePartialNote(ctx context.Context, digest, runID string, note models.PartialNote) error
	CachedNotes(ctx context.Context, digest string) (map[int]string, error)
}

type Config struct {
	Model          string
	MaxReplyTokens int
	Temperature    *float64
	Rubric         []string
	// Resume reuses partial notes cached for an identical input.
	Resume bool
	// ProcessTimeout bounds background runs started with Start.
	ProcessTimeout time.Duration
}

// Result is everything a finished run produced.
type Result struct {
	Run      *models.Run
	Report   *models.FinalReport
	Location string
	Batches  []models.Batch
	Notes    []models.PartialNote
}
