package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const exitSystemPrompt = `You are a risk reviewer for a defined-risk options book.
You are asked whether a losing position should be closed early, before its
mechanical stop-loss fires. Reply with JSON only, no prose:
{"approved": true|false, "confidence": 1-10, "reason": "<one sentence>"}
"approved" means: yes, close it now.`

const rollSystemPrompt = `You are a risk reviewer for a defined-risk options book.
You are asked whether a proposed defensive roll should proceed. Reply with
JSON only, no prose:
{"approved": true|false, "confidence": 1-10, "reason": "<one sentence>"}
"approved" means: yes, submit the roll.`

// OpenAIAdvisor implements Advisor over the OpenAI chat completion API.
type OpenAIAdvisor struct {
	client *openai.Client
	model  string
	logger *log.Logger
}

// Ensure OpenAIAdvisor implements Advisor at compile time.
var _ Advisor = (*OpenAIAdvisor)(nil)

// NewOpenAIAdvisor creates an advisor backed by the given model.
func NewOpenAIAdvisor(apiKey, model string, logger *log.Logger) *OpenAIAdvisor {
	if logger == nil {
		logger = log.Default()
	}
	return &OpenAIAdvisor{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

func (a *OpenAIAdvisor) ShouldExit(ctx context.Context, s PositionSummary) (Decision, error) {
	return a.ask(ctx, exitSystemPrompt, s.describe())
}

func (a *OpenAIAdvisor) ApproveRoll(ctx context.Context, s PositionSummary, plan string) (Decision, error) {
	return a.ask(ctx, rollSystemPrompt, s.describe()+"\nproposed roll: "+plan)
}

func (a *OpenAIAdvisor) ask(ctx context.Context, system, user string) (Decision, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Decision{}, fmt.Errorf("no response from openai")
	}
	return parseDecision(resp.Choices[0].Message.Content)
}

// parseDecision extracts the JSON verdict, tolerating fenced code blocks.
func parseDecision(content string) (Decision, error) {
	trimmed := strings.TrimSpace(content)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var d Decision
	if err := json.Unmarshal([]byte(trimmed), &d); err != nil {
		return Decision{}, fmt.Errorf("unparseable advisor verdict %q: %w", content, err)
	}
	if d.Confidence < 1 || d.Confidence > 10 {
		return Decision{}, fmt.Errorf("advisor confidence %d out of range", d.Confidence)
	}
	return d, nil
}
