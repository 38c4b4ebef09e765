package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nijaru/vid-feedback/models"
)

func testReport() *models.FinalReport {
	return &models.FinalReport{
		RunID:     "run-1",
		Text:      "Key Strengths\n- Calm transitions",
		Model:     "gpt-4o",
		Batches:   2,
		CreatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestFileSinkSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink := NewFileSink(dir)

	loc, err := sink.Save(context.Background(), testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc != filepath.Join(dir, ReportFileName) {
		t.Errorf("unexpected location %s", loc)
	}

	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != testReport().Text {
		t.Errorf("unexpected content %q", data)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the report in the output dir, got %d entries", len(entries))
	}
}

func TestRunFileSinkSeparatesRuns(t *testing.T) {
	dir := t.TempDir()
	sink := NewRunFileSink(dir)

	first := testReport()
	second := testReport()
	second.RunID = "run-2"
	second.Text = "Overall Summary"

	for _, r := range []*models.FinalReport{first, second} {
		loc, err := sink.Save(context.Background(), r)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if loc != filepath.Join(dir, r.RunID, ReportFileName) {
			t.Errorf("unexpected location %s", loc)
		}
	}

	data, _ := os.ReadFile(filepath.Join(dir, "run-1", ReportFileName))
	if string(data) != first.Text {
		t.Errorf("first report overwritten: %q", data)
	}
}

func TestFileSinkCancelledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewFileSink(dir).Save(ctx, testReport()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(filepath.Join(dir, ReportFileName)); !os.IsNotExist(err) {
		t.Errorf("expected no report file, stat err %v", err)
	}
}

type failingSink struct{ calls, removed int }

func (f *failingSink) Save(context.Context, *models.FinalReport) (string, error) {
	f.calls++
	return "", fmt.Errorf("unavailable")
}

func (f *failingSink) Remove(context.Context, *models.FinalReport) error {
	f.removed++
	return nil
}

func TestMultiSink(t *testing.T) {
	dir := t.TempDir()
	failing := &failingSink{}
	after := &failingSink{}

	loc, err := MultiSink{NewFileSink(dir)}.Save(context.Background(), testReport())
	if err != nil || loc != filepath.Join(dir, ReportFileName) {
		t.Errorf("expected file location, got %q (%v)", loc, err)
	}

	_, err = MultiSink{failing, after}.Save(context.Background(), testReport())
	if err == nil {
		t.Fatal("expected error")
	}
	if failing.calls != 1 || after.calls != 0 {
		t.Errorf("expected to stop at first failure, calls %d/%d", failing.calls, after.calls)
	}
}

func TestMultiSinkRollsBackEarlierSinks(t *testing.T) {
	dir := t.TempDir()
	mem := &memObjects{objects: map[string][]byte{}}
	failing := &failingSink{}

	sink := MultiSink{NewRunFileSink(dir), &SpacesSink{client: mem, bucket: "feedback"}, failing}
	if _, err := sink.Save(context.Background(), testReport()); err == nil {
		t.Fatal("expected error")
	}

	if _, err := os.Stat(filepath.Join(dir, "run-1", ReportFileName)); !os.IsNotExist(err) {
		t.Errorf("expected report file removed, stat err %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run-1")); !os.IsNotExist(err) {
		t.Errorf("expected run directory removed, stat err %v", err)
	}
	if len(mem.objects) != 0 {
		t.Errorf("expected uploaded report removed, got %v", mem.objects)
	}
	if failing.removed != 0 {
		t.Errorf("failed sink should not be rolled back, got %d removals", failing.removed)
	}
}

func TestFileSinkRemove(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	report := testReport()

	if _, err := sink.Save(context.Background(), report); err != nil {
		t.Fatal(err)
	}
	if err := sink.Remove(context.Background(), report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ReportFileName)); !os.IsNotExist(err) {
		t.Errorf("expected report removed, stat err %v", err)
	}
	if err := sink.Remove(context.Background(), report); err != nil {
		t.Errorf("removing a missing report should succeed, got %v", err)
	}
}

type memObjects struct {
	objects map[string][]byte
}

func (m *memObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, fmt.Errorf("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memObjects) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestSpacesSinkRoundTrip(t *testing.T) {
	mem := &memObjects{objects: map[string][]byte{}}
	sink := &SpacesSink{client: mem, bucket: "feedback", prefix: "reports"}

	loc, err := sink.Save(context.Background(), testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc != "s3://feedback/reports/run-1.json" {
		t.Errorf("unexpected location %s", loc)
	}

	got, err := sink.Get(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := testReport()
	if got.Text != want.Text || got.Batches != want.Batches || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("expected %+v, got %+v", want, got)
	}

	if _, err := sink.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing report")
	}
}
