package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nijaru/vid-feedback/errors"
)

const okBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "  Key Strengths: warm tone.  "}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 120, "completion_tokens": 8, "total_tokens": 128}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCompleteSuccess(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, okBody)
	})

	temp := 0.7
	resp, err := c.Complete(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are an observer."},
			{Role: RoleUser, Content: "1: Children read."},
		},
		MaxTokens:   1200,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != "Key Strengths: warm tone." {
		t.Errorf("expected trimmed text, got %q", resp.Text)
	}
	if resp.PromptTokens != 120 || resp.CompletionTokens != 8 {
		t.Errorf("unexpected usage %+v", resp)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected stop, got %s", resp.FinishReason)
	}

	if got["model"] != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %v", got["model"])
	}
	if got["max_tokens"] != float64(1200) {
		t.Errorf("expected max_tokens 1200, got %v", got["max_tokens"])
	}
	if got["temperature"] != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", got["temperature"])
	}
	if msgs, ok := got["messages"].([]interface{}); !ok || len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %v", got["messages"])
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		rateLimited bool
		invalid     bool
	}{
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			body:        `{"error": {"message": "slow down", "type": "rate_limit_exceeded"}}`,
			rateLimited: true,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error": {"message": "boom", "type": "server_error"}}`,
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			body:    `{"id": "x", "object": "chat.completion", "created": 0, "model": "gpt-4o", "choices": []}`,
			invalid: true,
		},
		{
			name:    "empty content",
			status:  http.StatusOK,
			body:    strings.Replace(okBody, "  Key Strengths: warm tone.  ", "   ", 1),
			invalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := c.Complete(context.Background(), Request{
				Model:    "gpt-4o",
				Messages: []Message{{Role: RoleUser, Content: "hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if calls != 1 {
				t.Errorf("expected exactly one request, got %d", calls)
			}
			if got := errors.Is(err, errors.ErrRateLimited); got != tt.rateLimited {
				t.Errorf("rate limited = %v, want %v (%v)", got, tt.rateLimited, err)
			}
			if got := errors.Is(err, errors.ErrResponseInvalid); got != tt.invalid {
				t.Errorf("invalid = %v, want %v (%v)", got, tt.invalid, err)
			}

			var statusErr *StatusError
			if tt.status != http.StatusOK {
				if !errors.As(err, &statusErr) || statusErr.Status != tt.status {
					t.Errorf("expected status error %d, got %v", tt.status, err)
				}
			}
		})
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("expected error without api key")
	}
}

func TestCompleterFunc(t *testing.T) {
	var c Completer = CompleterFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Text: req.Model}, nil
	})
	resp, err := c.Complete(context.Background(), Request{Model: "echo"})
	if err != nil || resp.Text != "echo" {
		t.Errorf("expected echo, got %q (%v)", resp.Text, err)
	}
}
