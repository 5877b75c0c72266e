// Package claude generates reviewer-facing incident summaries with the
// Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/incident"
)

// ResponseTokens caps the summary response. Summaries are a few sentences;
// the cap keeps a rambling completion from delaying the notification.
const ResponseTokens = 512

// systemPrompt frames the summary request. The output lands in a reviewer's
// Slack channel, so it must be short and plain.
const systemPrompt = `You are Warden, a security incident summarizer. An on-call reviewer must decide whether to approve an automated remediation.

Summarize the incident in two or three sentences:
1. What the alert observed
2. What the threat intel verdicts say
3. Why the severity warrants a human decision

Be factual and operational. No markdown, no preamble.`

// Client produces approval summaries with the Claude API.
type Client struct {
	api   anthropic.Client
	model string
}

// New creates a new Claude-backed summarizer with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		api:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

// Summarize asks the model for a short summary of a triaged incident for the
// reviewer deciding on its pending remediation.
func (c *Client) Summarize(ctx context.Context, inc *incident.Incident) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: ResponseTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(inc))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude summarize: %w", err)
	}
	return extractText(msg)
}

// buildPrompt renders the incident into the user message. Findings are
// ordered so identical incidents produce identical prompts.
func buildPrompt(inc *incident.Incident) string {
	indicators := make([]string, 0, len(inc.Enrichment))
	for k := range inc.Enrichment {
		indicators = append(indicators, k)
	}
	sort.Strings(indicators)

	var findings strings.Builder
	for _, k := range indicators {
		f := inc.Enrichment[k]
		fmt.Fprintf(&findings, "- %s: %s (%s, confidence %.2f)\n", k, f.Verdict, f.Category, f.Confidence)
	}

	rawAlert, _ := json.MarshalIndent(json.RawMessage(inc.RawAlert), "", "  ")

	return fmt.Sprintf(`Incident %s for alert %s was triaged %s with score %d/10.

Threat intel findings:
%s
Original alert:
%s

Summarize this incident for the reviewer.`,
		inc.ID, inc.AlertID, inc.Severity, inc.Score,
		findings.String(), string(rawAlert))
}

// extractText joins the text blocks of the response. A summary call uses no
// tools, so any other block type is skipped.
func extractText(msg *anthropic.Message) (string, error) {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	out := strings.TrimSpace(strings.Join(parts, "\n"))
	if out == "" {
		return "", errors.New("model returned no text content")
	}
	return out, nil
}
