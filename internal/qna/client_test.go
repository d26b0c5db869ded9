package qna

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/tjfontaine/qnabot/internal/domain"
	"github.com/tjfontaine/qnabot/internal/testutil"
)

func TestClient_Query_Replay(t *testing.T) {
	if os.Getenv("QNABOT_QNA__API_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: QNABOT_QNA__API_KEY not set")
	}

	recorder, cleanup := testutil.NewVCRRecorder(t, "query_knowledgebase")
	defer cleanup()

	apiKey := os.Getenv("QNABOT_QNA__API_KEY")
	if apiKey == "" {
		apiKey = "test-key"
	}

	client := NewClient("https://faq-language.cognitiveservices.azure.com/", apiKey, "my-faq-project", "production",
		WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	answers, err := client.Query(context.Background(), "refund policy")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if len(answers) != 2 {
		t.Fatalf("len(answers) = %d, want 2", len(answers))
	}
	best := answers[0]
	if best.Answer != "Refunds within 30 days\nof purchase." {
		t.Errorf("best.Answer = %q", best.Answer)
	}
	if best.Score() != 0.8214 {
		t.Errorf("best.Score() = %v, want 0.8214", best.Score())
	}
	if best.Source != "faq.tsv" {
		t.Errorf("best.Source = %q, want faq.tsv", best.Source)
	}
	if len(best.Questions) != 2 {
		t.Errorf("len(best.Questions) = %d, want 2", len(best.Questions))
	}
	if answers[1].ID != 7 {
		t.Errorf("answers[1].ID = %d, want 7 (backend order preserved)", answers[1].ID)
	}
}

func TestClient_Query_Request(t *testing.T) {
	var gotReq queryRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/language/:query-knowledgebases" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("projectName") != "faq" || q.Get("deploymentName") != "staging" || q.Get("api-version") != "2023-04-01" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Ocp-Apim-Subscription-Key"); got != "secret" {
			t.Errorf("subscription key = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answers":[{"answer":"yes","confidenceScore":0.9}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", "faq", "staging",
		WithAPIVersion("2023-04-01"), WithTop(5))

	answers, err := client.Query(context.Background(), "is it open")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(answers) != 1 || answers[0].Answer != "yes" {
		t.Errorf("answers = %+v", answers)
	}
	if gotReq.Question != "is it open" || gotReq.Top != 5 {
		t.Errorf("request body = %+v", gotReq)
	}
}

func TestClient_Query_NoMatches(t *testing.T) {
	tests := map[string]string{
		"empty list":    `{"answers":[]}`,
		"missing field": `{}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer server.Close()

			answers, err := NewClient(server.URL, "k", "p", "d").Query(context.Background(), "xyzzy")
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if answers == nil {
				t.Fatal("Query() returned nil answer set")
			}
			if len(answers) != 0 {
				t.Errorf("len(answers) = %d, want 0", len(answers))
			}
		})
	}
}

func TestClient_Query_BackendErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "api error with body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"code":"401","message":"Access denied due to invalid subscription key."}}`))
			},
		},
		{
			name: "api error without body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
		{
			name: "malformed response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"answers":[{"answer":`))
			},
		},
		{
			name: "wrong shape",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"answers":"none"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			answers, err := NewClient(server.URL, "k", "p", "d").Query(context.Background(), "q")
			if err == nil {
				t.Fatalf("Query() = %+v, want error", answers)
			}
			if !domain.IsType(err, domain.ErrorTypeBackend) {
				t.Errorf("error type = %q, want backend", domain.TypeOf(err))
			}
		})
	}
}

func TestClient_Query_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "k", "p", "d", WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := client.Query(context.Background(), "q")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !domain.IsType(err, domain.ErrorTypeBackend) {
		t.Errorf("error type = %q, want backend", domain.TypeOf(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestClient_Query_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(url, "k", "p", "d").Query(context.Background(), "q")
	if !domain.IsType(err, domain.ErrorTypeBackend) {
		t.Errorf("error = %v, want backend error", err)
	}
}
