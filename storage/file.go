package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nijaru/vid-feedback/models"
)

// ReportFileName is the name of the report written into the output directory.
const ReportFileName = "final_feedback.txt"

// Sink delivers a finished report and returns where it was stored.
// Remove undoes a Save for the same report.
type Sink interface {
	Save(ctx context.Context, report *models.FinalReport) (string, error)
	Remove(ctx context.Context, report *models.FinalReport) error
}

// FileSink writes the report into a directory. The file appears only once
// it is complete.
type FileSink struct {
	dir    string
	perRun bool
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// NewRunFileSink writes each report into a subdirectory named after its run.
func NewRunFileSink(dir string) *FileSink {
	return &FileSink{dir: dir, perRun: true}
}

func (s *FileSink) Save(ctx context.Context, report *models.FinalReport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.dirFor(report)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}

	tmp, err := os.CreateTemp(dir, ".feedback-*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create temp report")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(report.Text); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "write report")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "sync report")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close report")
	}

	path := filepath.Join(dir, ReportFileName)
	if err := os.Rename(tmpName, path); err != nil {
		return "", errors.Wrap(err, "move report into place")
	}
	return path, nil
}

func (s *FileSink) dirFor(report *models.FinalReport) string {
	if s.perRun {
		return filepath.Join(s.dir, report.RunID)
	}
	return s.dir
}

// Remove deletes the report file. A missing file is not an error.
func (s *FileSink) Remove(ctx context.Context, report *models.FinalReport) error {
	dir := s.dirFor(report)
	if err := os.Remove(filepath.Join(dir, ReportFileName)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove report")
	}
	if s.perRun {
		// Only succeeds when the run directory is empty.
		os.Remove(dir)
	}
	return nil
}

// MultiSink saves to each sink in order. When one fails, the reports
// already saved by earlier sinks are removed again.
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, report *models.FinalReport) (string, error) {
	var first string
	for i, s := range m {
		loc, err := s.Save(ctx, report)
		if err != nil {
			if rerr := m[:i].Remove(context.WithoutCancel(ctx), report); rerr != nil {
				return "", errors.Wrapf(err, "rollback failed: %v", rerr)
			}
			return "", err
		}
		if i == 0 {
			first = loc
		}
	}
	return first, nil
}

// Remove removes the report from every sink, newest first, and returns the
// first error.
func (m MultiSink) Remove(ctx context.Context, report *models.FinalReport) error {
	var first error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Remove(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}
