package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/daviddao/persona/pkg/model"
)

// Webhook posts each message as JSON to an external service that performs
// the actual LLM or tool call and answers with a Result.
type Webhook struct {
	agentID  string
	endpoint string
	client   *http.Client
}

// NewWebhook creates a webhook executor for agentID. timeout bounds a
// single request on top of the scheduler's own deadline.
func NewWebhook(agentID, endpoint string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Webhook{
		agentID:  agentID,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	AgentID string        `json:"agent_id"`
	Message model.Message `json:"message"`
}

// Execute implements Executor. A 422 response maps to ErrRejected; any
// other non-2xx status is a plain failure.
func (w *Webhook) Execute(ctx context.Context, msg model.Message) (Result, error) {
	body, err := json.Marshal(webhookRequest{AgentID: w.agentID, Message: msg})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Persona-Agent", w.agentID)
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, bytes.TrimSpace(b))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	if resp.StatusCode == http.StatusNoContent {
		return Result{}, nil
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
