// Package captioning runs the external frame-captioning command that turns
// a video into the observation artifact.
package captioning

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nijaru/vid-feedback/config"
	"github.com/nijaru/vid-feedback/errors"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
)

type Runner struct {
	ExecuteFunc func(ctx context.Context, videoPath string) ([]byte, error)
	StatFunc    func(name string) (os.FileInfo, error)
	// AfterFunc paces retries. It defaults to time.After.
	AfterFunc func(d time.Duration) <-chan time.Time

	command    string
	args       []string
	timeout    time.Duration
	maxRetries int
}

func NewRunner(cfg config.CaptioningConfig) *Runner {
	r := &Runner{
		StatFunc:   os.Stat,
		AfterFunc:  time.After,
		command:    cfg.Command,
		args:       append([]string(nil), cfg.Args...),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = 1
	}
	r.ExecuteFunc = r.executeCommand
	return r
}

// Caption runs the command for videoPath and returns the path of the
// artifact it produced.
func (r *Runner) Caption(ctx context.Context, videoPath string) (string, error) {
	const op = "CaptioningRunner.Caption"

	if r.command == "" {
		return "", errors.Input(op, nil, "Captioning command is not configured")
	}
	if _, err := r.StatFunc(videoPath); err != nil {
		return "", errors.Input(op, err, fmt.Sprintf("Video not readable: %s", videoPath))
	}

	logger := logrus.WithField("video", videoPath)
	logger.Info("Starting captioning")

	output, err := r.executeWithRetry(ctx, logger, videoPath)
	if err != nil {
		return "", errors.Input(op, err, "Captioning failed")
	}

	artifact, err := extractArtifactPath(output)
	if err != nil {
		return "", errors.Input(op, err, "Captioning produced no artifact")
	}
	if err := r.validateArtifact(artifact); err != nil {
		return "", errors.Input(op, err, "Captioning produced no artifact")
	}

	logger.WithField("artifact", artifact).Info("Captioning completed successfully")
	return artifact, nil
}

func (r *Runner) executeWithRetry(ctx context.Context, logger *logrus.Entry, videoPath string) ([]byte, error) {
	var (
		output []byte
		err    error
	)

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		output, err = r.ExecuteFunc(ctx, videoPath)
		if err == nil {
			return output, nil
		}

		logger.WithFields(logrus.Fields{
			"attempt":     attempt,
			"max_retries": r.maxRetries,
			"error":       err,
		}).Error("Captioning command failed")

		if attempt == r.maxRetries {
			break
		}

		select {
		case <-r.AfterFunc(backoff(attempt)):
		case <-ctx.Done():
			logger.WithError(ctx.Err()).Error("Context cancelled during captioning")
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("captioning failed after %d attempts: %w", r.maxRetries, err)
}

// backoff is the exponential delay before retry attempt+1, with up to 50%
// jitter added.
func backoff(attempt int) time.Duration {
	d := time.Duration(float64(initialBackoff) * math.Pow(backoffFactor, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d/2)))
}

func (r *Runner) executeCommand(ctx context.Context, videoPath string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.args...), videoPath)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Stderr = os.Stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("error executing %s: %w, output: %s", r.command, err, output)
	}
	return output, nil
}

// extractArtifactPath takes the last non-empty line the command printed.
func extractArtifactPath(output []byte) (string, error) {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	path := strings.TrimSpace(lines[len(lines)-1])
	if path == "" {
		return "", fmt.Errorf("captioning command printed no artifact path")
	}
	return path, nil
}

func (r *Runner) validateArtifact(path string) error {
	info, err := r.StatFunc(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("artifact does not exist: %s", path)
		}
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("artifact is a directory: %s", path)
	}
	return nil
}
