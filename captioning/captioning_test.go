package captioning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nijaru/vid-feedback/config"
	"github.com/nijaru/vid-feedback/errors"
)

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func setupRunner(t *testing.T, maxRetries int) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	video := filepath.Join(dir, "lesson.mp4")
	if err := os.WriteFile(video, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(config.CaptioningConfig{Command: "caption-frames", MaxRetries: maxRetries})
	r.AfterFunc = immediate
	return r, dir
}

func TestCaption(t *testing.T) {
	r, dir := setupRunner(t, 3)
	artifact := filepath.Join(dir, "captions.json")
	if err := os.WriteFile(artifact, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	var gotVideo string
	r.ExecuteFunc = func(ctx context.Context, videoPath string) ([]byte, error) {
		gotVideo = videoPath
		return []byte("extracting frames\ncaptioning 12 frames\n" + artifact + "\n"), nil
	}

	path, err := r.Caption(context.Background(), filepath.Join(dir, "lesson.mp4"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if path != artifact {
		t.Errorf("expected '%s', got '%s'", artifact, path)
	}
	if gotVideo != filepath.Join(dir, "lesson.mp4") {
		t.Errorf("command received wrong video path %s", gotVideo)
	}
}

func TestCaptionRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"succeeds after failures", 2, 3, false},
		{"gives up after max retries", 5, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := setupRunner(t, 3)
			artifact := filepath.Join(dir, "captions.json")
			os.WriteFile(artifact, []byte("{}"), 0644)

			calls := 0
			r.ExecuteFunc = func(ctx context.Context, videoPath string) ([]byte, error) {
				calls++
				if calls <= tt.failures {
					return nil, fmt.Errorf("gpu busy")
				}
				return []byte(artifact), nil
			}

			_, err := r.Caption(context.Background(), filepath.Join(dir, "lesson.mp4"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if err != nil {
				if stage, _ := errors.StageOf(err); stage != errors.StageInput {
					t.Errorf("expected input stage, got %q", stage)
				}
			}
		})
	}
}

func TestCaptionCancelledDuringBackoff(t *testing.T) {
	r, dir := setupRunner(t, 3)
	r.AfterFunc = func(time.Duration) <-chan time.Time { return make(chan time.Time) }

	ctx, cancel := context.WithCancel(context.Background())
	r.ExecuteFunc = func(context.Context, string) ([]byte, error) {
		cancel()
		return nil, fmt.Errorf("interrupted")
	}

	_, err := r.Caption(ctx, filepath.Join(dir, "lesson.mp4"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestCaptionArtifactErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"empty output", "  \n"},
		{"missing artifact", "/nonexistent/captions.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := setupRunner(t, 1)
			r.ExecuteFunc = func(context.Context, string) ([]byte, error) {
				return []byte(tt.output), nil
			}
			if _, err := r.Caption(context.Background(), filepath.Join(dir, "lesson.mp4")); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCaptionMissingVideo(t *testing.T) {
	r, dir := setupRunner(t, 1)
	called := false
	r.ExecuteFunc = func(context.Context, string) ([]byte, error) {
		called = true
		return nil, nil
	}

	if _, err := r.Caption(context.Background(), filepath.Join(dir, "missing.mp4")); err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("command should not run without a video")
	}
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoff(attempt)
		if d < initialBackoff || d >= maxBackoff+maxBackoff/2 {
			t.Errorf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}
