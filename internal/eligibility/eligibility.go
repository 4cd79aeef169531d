// Package eligibility decides whether a project's evidence satisfies
// its solution's certificate criteria. The real rule engine is an
// external service; the core only consumes its boolean-plus-message
// verdict.
package eligibility

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"uplift/api/internal/store"
)

type Request struct {
	ProjectID           string           `json:"projectId"`
	SolutionID          string           `json:"solutionId"`
	Status              string           `json:"status"`
	TaskReport          store.TaskReport `json:"taskReport"`
	CertificateCriteria json.RawMessage  `json:"certificateCriteria,omitempty"`
}

type Result struct {
	Eligible bool   `json:"eligible"`
	Message  string `json:"message"`
}

type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// Client calls the external rule engine over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Evaluate(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal eligibility request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build eligibility request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call rule engine: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return Result{}, fmt.Errorf("rule engine status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result Result
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode eligibility result: %w", err)
	}
	return result, nil
}

// Local is the fallback rule when no external engine is configured:
// every non-deleted top-level task must be completed.
type Local struct{}

func (Local) Evaluate(_ context.Context, req Request) (Result, error) {
	total := req.TaskReport["total"]
	completed := req.TaskReport[store.StatusCompleted]
	if total == 0 || completed < total {
		return Result{Eligible: false, Message: "minimum tasks not completed"}, nil
	}
	return Result{Eligible: true, Message: "project meets certificate criteria"}, nil
}
