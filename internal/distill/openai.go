package distill

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// OpenAIDistiller is the OpenAI-backed remote provider.
type OpenAIDistiller struct {
	Model          string
	MaxInputTokens int

	client *openai.Client
}

// NewOpenAI creates an OpenAI distiller.
func NewOpenAI(apiKey, model string, maxInputTokens int) *OpenAIDistiller {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIDistiller{
		Model:          model,
		MaxInputTokens: maxInputTokens,
		client:         openai.NewClient(apiKey),
	}
}

func (d *OpenAIDistiller) Name() Provider { return ProviderRemote }

func (d *OpenAIDistiller) Distill(ctx context.Context, in Input) (string, error) {
	text := clamp(in.Text, d.MaxInputTokens)
	user := fmt.Sprintf("Session id: %s\nArchive: %s\n\n%s", in.SessionID, in.ArchivePath, text)

	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     d.Model,
		MaxTokens: 1024,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: distillPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("distill: openai call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("distill: openai returned no choices")
	}

	summary := resp.Choices[0].Message.Content
	if err := validateSummary(summary); err != nil {
		return "", fmt.Errorf("distill: openai output: %w", err)
	}
	return summary, nil
}

// NewChain assembles the configured provider chain. provider selects the
// remote variant; "local" disables remote entirely.
func NewChain(provider, model, anthropicKey, openaiKey string, maxInputTokens int, timeoutSecs int) *Chain {
	chain := &Chain{Local: &RuleDistiller{}, ChunkTokens: maxInputTokens}
	if timeoutSecs > 0 {
		chain.Timeout = secs(timeoutSecs)
	}

	switch provider {
	case "claude":
		if anthropicKey != "" {
			chain.Remote = NewClaude(anthropicKey, model, maxInputTokens)
		}
	case "openai":
		if openaiKey != "" {
			chain.Remote = NewOpenAI(openaiKey, model, maxInputTokens)
		}
	}
	return chain
}
