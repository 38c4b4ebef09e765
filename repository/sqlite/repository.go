package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nijaru/vid-feedback/errors"
	"github.com/nijaru/vid-feedback/models"
)

const maxLockRetries = 3

// Repository persists runs, their reports and the partial notes produced
// by the map stage. Note and report text is stored zstd-compressed.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	const op = "SQLiteRepository.CreateRun"

	_, err := r.db.ExecContext(ctx, insertRunQuery,
		run.ID,
		run.InputDigest,
		run.Model,
		string(run.Status),
		run.BatchCount,
		run.Error,
		run.CreatedAt.UTC(),
		run.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Internal(op, err, "Failed to create run")
	}
	return nil
}

func (r *Repository) UpdateRun(ctx context.Context, run *models.Run) error {
	const op = "SQLiteRepository.UpdateRun"

	run.UpdatedAt = time.Now().UTC()
	return r.withLockRetry(ctx, op, func() error {
		res, err := r.db.ExecContext(ctx, updateRunQuery,
			run.InputDigest,
			string(run.Status),
			run.BatchCount,
			run.Error,
			run.UpdatedAt,
			run.ID,
		)
		if err != nil {
			return err
		}
		return expectOneRow(op, res)
	})
}

func (r *Repository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	const op = "SQLiteRepository.GetRun"

	run, err := scanRun(r.db.QueryRowContext(ctx, getRunQuery, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(op, nil, "Run not found")
	}
	if err != nil {
		return nil, errors.Internal(op, err, "Failed to query run")
	}
	return run, nil
}

// SaveReport stores the final report and marks the run completed.
func (r *Repository) SaveReport(ctx context.Context, report *models.FinalReport) error {
	const op = "SQLiteRepository.SaveReport"

	return r.withLockRetry(ctx, op, func() error {
		return WithTransaction(ctx, r.db, func(tx Executor) error {
			res, err := tx.ExecContext(ctx, saveReportQuery,
				string(models.StatusCompleted),
				compressText(report.Text),
				report.CreatedAt.UTC(),
				report.RunID,
			)
			if err != nil {
				return err
			}
			return expectOneRow(op, res)
		})
	})
}

func (r *Repository) GetReport(ctx context.Context, runID string) (*models.FinalReport, error) {
	const op = "SQLiteRepository.GetReport"

	report := &models.FinalReport{RunID: runID}
	var blob []byte
	err := r.db.QueryRowContext(ctx, getReportQuery, runID, string(models.StatusCompleted)).Scan(
		&report.Model,
		&report.Batches,
		&blob,
		&report.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(op, nil, "Report not found")
	}
	if err != nil {
		return nil, errors.Internal(op, err, "Failed to query report")
	}

	if report.Text, err = decompressText(blob); err != nil {
		return nil, errors.Internal(op, err, "Failed to decode report")
	}
	return report, nil
}

// SavePartialNote caches the note for one batch of the input identified
// by digest.
func (r *Repository) SavePartialNote(ctx context.Context, digest, runID string, note models.PartialNote) error {
	const op = "SQLiteRepository.SavePartialNote"

	return r.withLockRetry(ctx, op, func() error {
		_, err := r.db.ExecContext(ctx, upsertNoteQuery,
			digest,
			note.BatchIndex,
			runID,
			compressText(note.Text),
			time.Now().UTC(),
		)
		return err
	})
}

// CachedNotes returns previously stored notes for digest keyed by batch index.
func (r *Repository) CachedNotes(ctx context.Context, digest string) (map[int]string, error) {
	const op = "SQLiteRepository.CachedNotes"

	rows, err := r.db.QueryContext(ctx, getNotesQuery, digest)
	if err != nil {
		return nil, errors.Internal(op, err, "Failed to query partial notes")
	}
	defer rows.Close()

	notes := make(map[int]string)
	for rows.Next() {
		var (
			idx  int
			blob []byte
		)
		if err := rows.Scan(&idx, &blob); err != nil {
			return nil, errors.Internal(op, err, "Failed to scan partial note")
		}
		text, err := decompressText(blob)
		if err != nil {
			return nil, errors.Internal(op, err, "Failed to decode partial note")
		}
		notes[idx] = text
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal(op, err, "Failed to read partial notes")
	}
	return notes, nil
}

// FailStaleRuns marks runs that stopped making progress before cutoff as
// failed and returns how many were updated.
func (r *Repository) FailStaleRuns(ctx context.Context, cutoff time.Time) (int, error) {
	const op = "SQLiteRepository.FailStaleRuns"

	rows, err := r.db.QueryContext(ctx, getStaleRunsQuery,
		string(models.StatusPending),
		string(models.StatusMapping),
		string(models.StatusReducing),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, errors.Internal(op, err, "Failed to query stale runs")
	}

	var stale []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return 0, errors.Internal(op, err, "Failed to scan stale run")
		}
		stale = append(stale, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Internal(op, err, "Failed to read stale runs")
	}

	for _, run := range stale {
		run.Status = models.StatusFailed
		run.Error = "run interrupted before completion"
		if err := r.UpdateRun(ctx, run); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	run := &models.Run{}
	var status string
	err := row.Scan(
		&run.ID,
		&run.InputDigest,
		&run.Model,
		&status,
		&run.BatchCount,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.Status(status)
	return run, nil
}

func expectOneRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.NotFound(op, nil, "Run not found")
	}
	return nil
}

func (r *Repository) withLockRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxLockRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.IsNotFound(err) {
			return err
		}
		if !isLockError(err) {
			return errors.Internal(op, err, "Database write failed")
		}
		select {
		case <-ctx.Done():
			return errors.Internal(op, ctx.Err(), "Database write cancelled")
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return errors.Internal(op, err, "Failed after retries")
}
