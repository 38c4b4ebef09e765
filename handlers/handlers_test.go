package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nijaru/vid-feedback/errors"
	"github.com/nijaru/vid-feedback/models"
)

type mockRunService struct {
	mu       sync.Mutex
	runs     map[string]*models.Run
	reports  map[string]*models.FinalReport
	started  [][]models.Observation
	startErr error
}

func newMockRunService() *mockRunService {
	return &mockRunService{
		runs:    map[string]*models.Run{},
		reports: map[string]*models.FinalReport{},
	}
}

func (m *mockRunService) Start(ctx context.Context, obs []models.Observation) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, obs)
	run := &models.Run{ID: uuid.New().String(), Model: "gpt-4o", Status: models.StatusPending}
	m.runs[run.ID] = run
	return run, nil
}

func (m *mockRunService) GetRun(ctx context.Context, id string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, errors.NotFound("mock.GetRun", nil, "Run not found")
	}
	return run, nil
}

func (m *mockRunService) GetReport(ctx context.Context, id string) (*models.FinalReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[id]
	if !ok {
		return nil, errors.NotFound("mock.GetReport", nil, "Report not found")
	}
	return report, nil
}

const artifact = `{
	"frame_1.jpg": "Teacher reads aloud.",
	"frame_2.jpg": "Teacher reads aloud.",
	"frame_3.jpg": "Children clap."
}`

func TestHandleCreateRun(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		startErr    error
		wantCode    int
	}{
		{"accepted", artifact, "application/json", nil, http.StatusAccepted},
		{"not json content type", artifact, "text/plain", nil, http.StatusBadRequest},
		{"malformed body", `{"frame_1": 3}`, "application/json", nil, http.StatusBadRequest},
		{"empty artifact", `{}`, "application/json", errors.Input("test", errors.ErrEmptyInput, "No observations provided"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockRunService()
			svc.startErr = tt.startErr
			mux := New(svc).Routes()

			req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			if tt.wantCode != http.StatusAccepted {
				return
			}

			var resp models.RunResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != models.StatusPending || resp.ID == "" {
				t.Errorf("unexpected response %+v", resp)
			}
			if len(svc.started) != 1 || len(svc.started[0]) != 3 {
				t.Errorf("expected one run with 3 observations, got %v", svc.started)
			}
		})
	}
}

func TestHandleGetRun(t *testing.T) {
	svc := newMockRunService()
	run := &models.Run{ID: uuid.New().String(), Model: "gpt-4o", Status: models.StatusMapping, BatchCount: 4}
	svc.runs[run.ID] = run
	mux := New(svc).Routes()

	tests := []struct {
		name     string
		path     string
		wantCode int
	}{
		{"existing run", "/api/runs/" + run.ID, http.StatusOK},
		{"unknown run", "/api/runs/" + uuid.New().String(), http.StatusNotFound},
		{"invalid id", "/api/runs/not-a-uuid", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHandleGetReport(t *testing.T) {
	svc := newMockRunService()
	done := uuid.New().String()
	pending := uuid.New().String()
	svc.runs[pending] = &models.Run{ID: pending, Status: models.StatusReducing}
	svc.reports[done] = &models.FinalReport{
		RunID:     done,
		Text:      "Key Strengths\n- Warm tone",
		Model:     "gpt-4o",
		Batches:   2,
		CreatedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	mux := New(svc).Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/runs/"+done+"/report", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var report models.FinalReport
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Text != "Key Strengths\n- Warm tone" {
		t.Errorf("unexpected report text %q", report.Text)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/runs/"+pending+"/report", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unfinished run, got %d", rr.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	mux := New(newMockRunService()).Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}
