// Package guardrail gates enterprise requests through an external content
// check before routing. Violations are logged; blocking violations reject
// the request.
package guardrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/llmgateway/llmgateway/internal"
)

// ErrBlocked wraps ErrBadRequest so the boundary maps it to 400 with the
// guardrail_violation cause.
var ErrBlocked = fmt.Errorf("%w: guardrail_violation", gateway.ErrBadRequest)

// Violation is one finding from the external check.
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// Redaction replaces a span of a message's text content.
type Redaction struct {
	MessageIndex int    `json:"message_index"`
	Replacement  string `json:"replacement"`
}

// Decision is the outcome of a check.
type Decision struct {
	Blocked    bool        `json:"blocked"`
	Violations []Violation `json:"violations,omitempty"`
	Redactions []Redaction `json:"redactions,omitempty"`
}

// Checker evaluates a request against the guardrail policy.
type Checker interface {
	Check(ctx context.Context, orgID string, messages []gateway.Message) (*Decision, error)
}

// Gate applies the guardrail policy to enterprise organizations.
type Gate struct {
	checker Checker
	logger  *slog.Logger
}

// New returns a Gate. A nil checker disables the gate entirely.
func New(checker Checker, logger *slog.Logger) *Gate {
	return &Gate{checker: checker, logger: logger}
}

// Apply runs the check for enterprise orgs, logs violations, applies
// redactions in place, and rejects blocked requests. Checker transport
// failures fail open: availability over enforcement.
func (g *Gate) Apply(ctx context.Context, principal *gateway.Principal, req *gateway.ChatRequest) error {
	if g.checker == nil || principal.Org.Plan != "enterprise" {
		return nil
	}
	decision, err := g.checker.Check(ctx, principal.Org.ID, req.Messages)
	if err != nil {
		g.logger.LogAttrs(ctx, slog.LevelWarn, "guardrail check failed",
			slog.String("org_id", principal.Org.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	for _, v := range decision.Violations {
		g.logger.LogAttrs(ctx, slog.LevelWarn, "guardrail violation",
			slog.String("org_id", principal.Org.ID),
			slog.String("rule", v.Rule),
			slog.String("severity", v.Severity),
			slog.Bool("blocking", v.Blocking),
		)
	}

	if decision.Blocked {
		return ErrBlocked
	}

	for _, red := range decision.Redactions {
		if red.MessageIndex < 0 || red.MessageIndex >= len(req.Messages) {
			continue
		}
		replacement, err := json.Marshal(red.Replacement)
		if err != nil {
			continue
		}
		req.Messages[red.MessageIndex].Content = replacement
	}
	return nil
}

// HTTPChecker calls an external guardrail service.
type HTTPChecker struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPChecker returns a checker for the given endpoint.
func NewHTTPChecker(url, token string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

type checkRequest struct {
	OrgID    string            `json:"org_id"`
	Messages []gateway.Message `json:"messages"`
}

// Check posts the messages to the guardrail service.
func (c *HTTPChecker) Check(ctx context.Context, orgID string, messages []gateway.Message) (*Decision, error) {
	body, err := json.Marshal(checkRequest{OrgID: orgID, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal guardrail request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build guardrail request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("guardrail request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("guardrail service returned %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("decode guardrail response: %w", err)
	}
	return &decision, nil
}
