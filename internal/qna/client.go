// Package qna queries an Azure AI Language question answering project.
package qna

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/qnabot/internal/domain"
)

const (
	DefaultAPIVersion = "2021-10-01"
	DefaultTop        = 3
	DefaultTimeout    = 10 * time.Second

	queryPath = "/language/:query-knowledgebases"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each query, including reading the response.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithAPIVersion overrides the REST api-version.
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		c.apiVersion = version
	}
}

// WithTop sets how many candidates the backend should return.
func WithTop(top int) ClientOption {
	return func(c *Client) {
		c.top = top
	}
}

// Client issues one query per turn against a fixed project and deployment.
// It is stateless across calls and safe for concurrent use.
type Client struct {
	endpoint   string
	apiKey     string
	project    string
	deployment string
	apiVersion string
	top        int
	timeout    time.Duration
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient creates a client for the given language resource endpoint.
func NewClient(endpoint, apiKey, project, deployment string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		project:    project,
		deployment: deployment,
		apiVersion: DefaultAPIVersion,
		top:        DefaultTop,
		timeout:    DefaultTimeout,
		httpClient: http.DefaultClient,
		tracer:     otel.Tracer("qnabot/qna"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type queryRequest struct {
	Question string `json:"question"`
	Top      int    `json:"top,omitempty"`
}

type queryResponse struct {
	Answers []domain.Candidate `json:"answers"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Query sends question to the backend and returns its answers in backend
// order. Zero matches yield an empty, non-nil set. Every failure is a
// domain BackendError; there are no retries.
func (c *Client) Query(ctx context.Context, question string) (domain.AnswerSet, error) {
	ctx, span := c.tracer.Start(ctx, "qna.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("qna.project", c.project),
			attribute.String("qna.deployment", c.deployment),
		),
	)
	defer span.End()

	answers, err := c.query(ctx, question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("qna.answer_count", len(answers)))
	return answers, nil
}

func (c *Client) query(ctx context.Context, question string) (domain.AnswerSet, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(queryRequest{Question: question, Top: c.top})
	if err != nil {
		return nil, domain.ErrBackend("marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.queryURL(), bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrBackend("create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrBackend("request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrBackend("read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return nil, domain.ErrBackend(fmt.Sprintf("API error (status %d)", resp.StatusCode),
				fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message))
		}
		return nil, domain.ErrBackend(fmt.Sprintf("API error (status %d)", resp.StatusCode), nil)
	}

	var result queryResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, domain.ErrBackend("malformed response", err)
	}

	answers := make(domain.AnswerSet, 0, len(result.Answers))
	answers = append(answers, result.Answers...)
	return answers, nil
}

func (c *Client) queryURL() string {
	q := url.Values{}
	q.Set("projectName", c.project)
	q.Set("deploymentName", c.deployment)
	q.Set("api-version", c.apiVersion)
	return c.endpoint + queryPath + "?" + q.Encode()
}
