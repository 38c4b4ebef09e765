package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nijaru/vid-feedback/batcher"
	"github.com/nijaru/vid-feedback/compressor"
	"github.com/nijaru/vid-feedback/errors"
	"github.com/nijaru/vid-feedback/ingest"
	"github.com/nijaru/vid-feedback/llm"
	"github.com/nijaru/vid-feedback/models"
	"github.com/nijaru/vid-feedback/pacing"
	"github.com/nijaru/vid-feedback/prompts"
	"github.com/nijaru/vid-feedback/storage"
)

// Deps are the collaborators of a Service. Repo and Sink may be nil.
type Deps struct {
	Compressor *compressor.Compressor
	Batcher    *batcher.Batcher
	Prompts    *prompts.Builder
	Completer  llm.Completer
	// NewPacer returns the pacer for one run.
	NewPacer func() pacing.Pacer
	Repo     Repository
	Sink     storage.Sink
}

type Service struct {
	compressor *compressor.Compressor
	batcher    *batcher.Batcher
	prompts    *prompts.Builder
	completer  llm.Completer
	newPacer   func() pacing.Pacer
	repo       Repository
	sink       storage.Sink
	config     Config
	logger     *logrus.Logger
	now        func() time.Time

	inflight sync.WaitGroup
}

// NewService creates a new summary service
func NewService(deps Deps, config Config) (*Service, error) {
	switch {
	case deps.Compressor == nil:
		return nil, fmt.Errorf("summary: compressor is required")
	case deps.Batcher == nil:
		return nil, fmt.Errorf("summary: batcher is required")
	case deps.Prompts == nil:
		return nil, fmt.Errorf("summary: prompt builder is required")
	case deps.Completer == nil:
		return nil, fmt.Errorf("summary: completer is required")
	case config.Model == "":
		return nil, fmt.Errorf("summary: model is required")
	}
	newPacer := deps.NewPacer
	if newPacer == nil {
		newPacer = pacing.None
	}
	return &Service{
		compressor: deps.Compressor,
		batcher:    deps.Batcher,
		prompts:    deps.Prompts,
		completer:  deps.Completer,
		newPacer:   newPacer,
		repo:       deps.Repo,
		sink:       deps.Sink,
		config:     config,
		logger:     logrus.StandardLogger(),
		now:        time.Now,
	}, nil
}

// Summarize runs the whole pipeline synchronously. Nothing is written to
// the sink unless every stage succeeds.
func (s *Service) Summarize(ctx context.Context, observations []models.Observation) (*Result, error) {
	const op = "SummaryService.Summarize"

	run := s.newRun()
	if s.repo != nil {
		if err := s.repo.CreateRun(ctx, run); err != nil {
			return nil, errors.Storage(op, err, "Failed to record run")
		}
	}
	return s.execute(ctx, run, observations)
}

// Start records a new run and processes it in the background. The
// returned run is a snapshot of its initial state.
func (s *Service) Start(ctx context.Context, observations []models.Observation) (*models.Run, error) {
	const op = "SummaryService.Start"

	if s.repo == nil {
		return nil, errors.Internal(op, nil, "Run store is not configured")
	}
	if len(observations) == 0 {
		return nil, errors.Input(op, errors.ErrEmptyInput, "No observations provided")
	}

	run := s.newRun()
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, errors.Storage(op, err, "Failed to record run")
	}
	snapshot := *run

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		timeout := s.config.ProcessTimeout
		if timeout <= 0 {
			timeout = 2 * time.Hour
		}
		bgCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if _, err := s.execute(bgCtx, run, observations); err != nil {
			s.logger.WithError(err).WithField("run_id", run.ID).Error("Background run failed")
		}
	}()

	return &snapshot, nil
}

// Wait blocks until background runs finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) GetRun(ctx context.Context, id string) (*models.Run, error) {
	const op = "SummaryService.GetRun"

	if s.repo == nil {
		return nil, errors.NotFound(op, nil, "Run not found")
	}
	return s.repo.GetRun(ctx, id)
}

func (s *Service) GetReport(ctx context.Context, id string) (*models.FinalReport, error) {
	const op = "SummaryService.GetReport"

	if s.repo == nil {
		return nil, errors.NotFound(op, nil, "Report not found")
	}
	return s.repo.GetReport(ctx, id)
}

func (s *Service) newRun() *models.Run {
	now := s.now().UTC()
	return &models.Run{
		ID:        uuid.New().String(),
		Model:     s.config.Model,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) execute(ctx context.Context, run *models.Run, observations []models.Observation) (*Result, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"model":  s.config.Model,
	})

	result, err := s.pipeline(ctx, logger, run, observations)
	if err != nil {
		run.Status = models.StatusFailed
		run.Error = err.Error()
		s.updateRun(context.WithoutCancel(ctx), logger, run)

		stage, _ := errors.StageOf(err)
		logger.WithError(err).WithFields(logrus.Fields{
			"stage": stage,
			"batch": errors.BatchOf(err),
		}).Error("Run failed")
		return nil, err
	}
	return result, nil
}

func (s *Service) pipeline(ctx context.Context, logger *logrus.Entry, run *models.Run, observations []models.Observation) (*Result, error) {
	const op = "SummaryService.pipeline"

	intervals, err := s.compressor.Compress(observations)
	if err != nil {
		return nil, err
	}
	lines := compressor.RenderAll(intervals)

	batches, err := s.batcher.Make(ctx, lines)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(batches))
	for i, b := range batches {
		texts[i] = b.Text()
	}
	run.InputDigest = ingest.Digest(s.config.Model, s.config.Rubric, texts)
	run.BatchCount = len(batches)
	run.Status = models.StatusMapping
	s.updateRun(ctx, logger, run)

	logger.WithFields(logrus.Fields{
		"observations": len(observations),
		"intervals":    len(intervals),
		"batches":      len(batches),
	}).Info("Input compressed and batched")

	notes, err := s.mapStage(ctx, logger, run, batches)
	if err != nil {
		return nil, err
	}

	run.Status = models.StatusReducing
	s.updateRun(ctx, logger, run)

	text, err := s.reduceStage(ctx, notes)
	if err != nil {
		return nil, err
	}

	report := &models.FinalReport{
		RunID:     run.ID,
		Text:      text,
		Model:     s.config.Model,
		Batches:   len(batches),
		CreatedAt: s.now().UTC(),
	}

	var location string
	if s.sink != nil {
		if location, err = s.sink.Save(ctx, report); err != nil {
			return nil, errors.Storage(op, err, "Failed to write report")
		}
	}
	if s.repo != nil {
		if err := s.repo.SaveReport(ctx, report); err != nil {
			if s.sink != nil {
				if rerr := s.sink.Remove(context.WithoutCancel(ctx), report); rerr != nil {
					logger.WithError(rerr).Error("Failed to remove report after store failure")
				}
			}
			return nil, errors.Storage(op, err, "Failed to store report")
		}
	}
	run.Status = models.StatusCompleted

	logger.WithFields(logrus.Fields{
		"location": location,
		"batches":  len(batches),
	}).Info("Report written")

	return &Result{
		Run:      run,
		Report:   report,
		Location: location,
		Batches:  batches,
		Notes:    notes,
	}, nil
}

// mapStage summarizes each batch in order. The pacer runs between
// consecutive issued calls only.
func (s *Service) mapStage(ctx context.Context, logger *logrus.Entry, run *models.Run, batches []models.Batch) ([]models.PartialNote, error) {
	const op = "SummaryService.mapStage"

	cached := map[int]string{}
	if s.config.Resume && s.repo != nil {
		var err error
		if cached, err = s.repo.CachedNotes(ctx, run.InputDigest); err != nil {
			logger.WithError(err).Warn("Failed to load cached notes, summarizing every batch")
			cached = map[int]string{}
		}
	}

	pacer := s.newPacer()
	notes := make([]models.PartialNote, 0, len(batches))
	issued := 0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, errors.MapCall(op, i, err, "Summary creation cancelled")
		}

		if text, ok := cached[i]; ok {
			logger.WithField("batch", i).Debug("Reusing cached note")
			notes = append(notes, models.PartialNote{BatchIndex: i, Text: text})
			continue
		}

		if issued > 0 {
			if err := pacer.Wait(ctx); err != nil {
				return nil, errors.MapCall(op, i, err, "Pacing interrupted")
			}
		}

		logger.WithFields(logrus.Fields{
			"batch":  i + 1,
			"total":  len(batches),
			"tokens": batch.Tokens,
		}).Debug("Processing batch")

		note, err := s.processBatch(ctx, batch)
		issued++
		if err != nil {
			return nil, errors.MapCall(op, i, err, "Failed to summarize batch")
		}
		notes = append(notes, note)

		if s.repo != nil {
			if err := s.repo.SavePartialNote(ctx, run.InputDigest, run.ID, note); err != nil {
				logger.WithError(err).WithField("batch", i).Warn("Failed to cache partial note")
			}
		}
	}
	return notes, nil
}

func (s *Service) processBatch(ctx context.Context, batch models.Batch) (models.PartialNote, error) {
	msgs, err := s.prompts.Map(batch.Text())
	if err != nil {
		return models.PartialNote{}, fmt.Errorf("failed to build prompt: %w", err)
	}

	resp, err := s.complete(ctx, msgs)
	if err != nil {
		return models.PartialNote{}, err
	}
	return models.PartialNote{BatchIndex: batch.Index, Text: resp.Text}, nil
}

// reduceStage merges the notes in batch order. It always runs, even for a
// single batch.
func (s *Service) reduceStage(ctx context.Context, notes []models.PartialNote) (string, error) {
	const op = "SummaryService.reduceStage"

	texts := make([]string, len(notes))
	for i, n := range notes {
		texts[i] = n.Text
	}
	msgs, err := s.prompts.Reduce(texts)
	if err != nil {
		return "", errors.ReduceCall(op, err, "Failed to build prompt")
	}

	resp, err := s.complete(ctx, msgs)
	if err != nil {
		return "", errors.ReduceCall(op, err, "Failed to combine notes")
	}
	return resp.Text, nil
}

func (s *Service) complete(ctx context.Context, msgs []llm.Message) (llm.Response, error) {
	resp, err := s.completer.Complete(ctx, llm.Request{
		Model:       s.config.Model,
		Messages:    msgs,
		MaxTokens:   s.config.MaxReplyTokens,
		Temperature: s.config.Temperature,
	})
	if err != nil {
		return llm.Response{}, err
	}
	resp.Text = strings.TrimSpace(resp.Text)
	if resp.Text == "" {
		return llm.Response{}, errors.ErrResponseInvalid
	}
	s.logger.WithFields(logrus.Fields{
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"finish_reason":     resp.FinishReason,
	}).Debug("Completion received")
	return resp, nil
}

func (s *Service) updateRun(ctx context.Context, logger *logrus.Entry, run *models.Run) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		logger.WithError(err).WithField("status", run.Status).Warn("Failed to update run status")
	}
}
