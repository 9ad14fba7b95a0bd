package distill

import (
	"context"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const distillPrompt = `Summarize this agent session transcript into concise markdown bullets
covering: decisions made, rules or conventions established, milestones
reached, and open tasks. Return plain markdown bullets only.`

// ClaudeDistiller is the Anthropic-backed remote provider.
type ClaudeDistiller struct {
	Model          string
	MaxInputTokens int

	client *anthropic.Client
}

// NewClaude creates a Claude distiller. An empty model selects a small
// fast default suitable for summarization.
func NewClaude(apiKey, model string, maxInputTokens int) *ClaudeDistiller {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &ClaudeDistiller{
		Model:          model,
		MaxInputTokens: maxInputTokens,
		client:         anthropic.NewClient(apiKey),
	}
}

func (d *ClaudeDistiller) Name() Provider { return ProviderRemote }

func (d *ClaudeDistiller) Distill(ctx context.Context, in Input) (string, error) {
	text := clamp(in.Text, d.MaxInputTokens)
	user := fmt.Sprintf("Session id: %s\nArchive: %s\n\n%s", in.SessionID, in.ArchivePath, text)

	resp, err := d.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(d.Model),
		System:    distillPrompt,
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(user)},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("distill: claude call: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("distill: claude returned no content blocks")
	}

	summary := resp.Content[0].GetText()
	if err := validateSummary(summary); err != nil {
		return "", fmt.Errorf("distill: claude output: %w", err)
	}
	return summary, nil
}
