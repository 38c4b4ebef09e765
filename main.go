package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/nijaru/vid-feedback/batcher"
	"github.com/nijaru/vid-feedback/captioning"
	"github.com/nijaru/vid-feedback/compressor"
	"github.com/nijaru/vid-feedback/config"
	"github.com/nijaru/vid-feedback/handlers"
	"github.com/nijaru/vid-feedback/ingest"
	"github.com/nijaru/vid-feedback/llm"
	"github.com/nijaru/vid-feedback/logger"
	"github.com/nijaru/vid-feedback/middleware"
	"github.com/nijaru/vid-feedback/pacing"
	"github.com/nijaru/vid-feedback/prompts"
	"github.com/nijaru/vid-feedback/repository/sqlite"
	"github.com/nijaru/vid-feedback/services/summary"
	"github.com/nijaru/vid-feedback/storage"
	"github.com/nijaru/vid-feedback/tokenizer"
	"github.com/nijaru/vid-feedback/validation"
)

const usage = `vid-feedback turns per-frame classroom observations into one coaching report.

Usage:
  vid-feedback summarize --input captions.json [--video lesson.mp4] [--output dir] [--config file.yaml] [--resume]
  vid-feedback serve [--config file.yaml]
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "summarize":
		return runSummarize(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runSummarize(ctx context.Context, args []string) error {
	var (
		configPath string
		inputPath  string
		videoPath  string
		outputDir  string
		resume     bool
	)
	flagSet := pflag.NewFlagSet("summarize", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML configuration file")
	flagSet.StringVarP(&inputPath, "input", "i", "", "observation artifact (JSON)")
	flagSet.StringVar(&videoPath, "video", "", "caption this video first and use the produced artifact")
	flagSet.StringVarP(&outputDir, "output", "o", "", "directory for final_feedback.txt (overrides config)")
	flagSet.BoolVar(&resume, "resume", false, "reuse partial notes cached for identical input")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, closer, err := setup(configPath)
	if err != nil {
		return err
	}
	defer closer()

	if outputDir != "" {
		cfg.Report.OutputDir = outputDir
	}
	if flagSet.Changed("resume") {
		cfg.Report.Resume = resume
	}
	if err := validation.ValidateOutputDir(cfg.Report.OutputDir); err != nil {
		return err
	}

	if videoPath != "" {
		if inputPath, err = captioning.NewRunner(cfg.Captioning).Caption(ctx, videoPath); err != nil {
			return err
		}
	}
	if err := validation.ValidateInputFile(inputPath); err != nil {
		return err
	}

	observations, err := ingest.ReadFile(inputPath)
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Database.Path, dbConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := buildService(ctx, cfg, sqlite.NewRepository(db), storage.NewFileSink(cfg.Report.OutputDir))
	if err != nil {
		return err
	}

	result, err := svc.Summarize(ctx, observations)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"run_id":   result.Run.ID,
		"batches":  len(result.Batches),
		"location": result.Location,
	}).Info("Feedback report ready")
	fmt.Fprintln(os.Stdout, result.Location)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML configuration file")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, closer, err := setup(configPath)
	if err != nil {
		return err
	}
	defer closer()

	db, err := sqlite.Open(cfg.Database.Path, dbConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database")
		}
	}()

	repo := sqlite.NewRepository(db)
	if n, err := repo.FailStaleRuns(ctx, time.Now().Add(-cfg.ProcessTimeout)); err != nil {
		logrus.WithError(err).Warn("Failed to mark stale runs")
	} else if n > 0 {
		logrus.WithField("runs", n).Info("Marked interrupted runs as failed")
	}

	svc, err := buildService(ctx, cfg, repo, storage.NewRunFileSink(cfg.Report.OutputDir))
	if err != nil {
		return err
	}

	var limiter func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize).Middleware
	}
	handler := middleware.Chain(
		handlers.New(svc).Routes(),
		middleware.LoggingMiddleware,
		limiter,
	)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logrus.WithField("port", cfg.ServerPort).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("could not listen on :%s: %w", cfg.ServerPort, err)
		}
	case <-ctx.Done():
	}

	logrus.Info("Shutting down the server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server shutdown failed")
	}
	if err := svc.Wait(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Background runs still in progress at shutdown")
	}
	logrus.Info("Server stopped")
	return nil
}

// setup loads configuration and starts file logging.
func setup(configPath string) (*config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	closer, err := logger.Setup(cfg.LogDir, cfg.LogLevel, cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, func() { closer.Close() }, nil
}

func dbConfig(cfg *config.Config) sqlite.DBConfig {
	dbCfg := sqlite.DefaultDBConfig()
	if cfg.Database.MaxConnections > 0 {
		dbCfg.MaxConnections = cfg.Database.MaxConnections
	}
	return dbCfg
}

func buildService(ctx context.Context, cfg *config.Config, repo summary.Repository, files *storage.FileSink) (*summary.Service, error) {
	counter, err := tokenizer.New(cfg.OpenAI.Model, cfg.Budget.FallbackEncoding)
	if err != nil {
		return nil, err
	}

	normalizer, err := compressor.NewNormalizer(cfg.Input.BoilerplatePattern, cfg.Input.DimensionOrder)
	if err != nil {
		return nil, err
	}

	b, err := batcher.New(counter, batcher.Options{
		MaxTokens:       cfg.Budget.MaxInputTokens(),
		PerLineOverhead: cfg.Budget.PerLineOverhead,
	})
	if err != nil {
		return nil, err
	}

	completer, err := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		RequestTimeout: cfg.OpenAI.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	// Validate the pacing settings once; each run gets a fresh pacer.
	if _, err := pacing.New(cfg.Pacing); err != nil {
		return nil, err
	}
	newPacer := func() pacing.Pacer {
		p, _ := pacing.New(cfg.Pacing)
		return p
	}

	sink := storage.MultiSink{files}
	if cfg.Spaces.Enabled {
		spaces, err := storage.NewSpacesSink(ctx, storage.SpacesConfig{
			AccessKey: cfg.Spaces.AccessKey,
			SecretKey: cfg.Spaces.SecretKey,
			Region:    cfg.Spaces.Region,
			Endpoint:  cfg.Spaces.Endpoint,
			Bucket:    cfg.Spaces.Bucket,
			Prefix:    cfg.Spaces.Prefix,
		})
		if err != nil {
			return nil, err
		}
		sink = append(sink, spaces)
	}

	logrus.WithFields(logrus.Fields{
		"model":            cfg.OpenAI.Model,
		"encoding":         counter.Encoding(),
		"max_input_tokens": cfg.Budget.MaxInputTokens(),
		"pacing":           cfg.Pacing.Mode,
	}).Info("Pipeline configured")

	return summary.NewService(summary.Deps{
		Compressor: compressor.New(normalizer),
		Batcher:    b,
		Prompts:    prompts.NewBuilder(cfg.Report.Rubric),
		Completer:  completer,
		NewPacer:   newPacer,
		Repo:       repo,
		Sink:       sink,
	}, summary.Config{
		Model:          cfg.OpenAI.Model,
		MaxReplyTokens: cfg.Budget.MaxReplyTokens,
		Temperature:    cfg.OpenAI.Temperature,
		Rubric:         cfg.Report.Rubric,
		Resume:         cfg.Report.Resume,
		ProcessTimeout: cfg.ProcessTimeout,
	})
}
